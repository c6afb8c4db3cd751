package IO

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/manningwu07/textgen/params"
)

// NewVocabulary builds a vocab from an id-ordered token table.
func NewVocabulary(idToToken []string) params.Vocabulary {
	v := params.Vocabulary{
		TokenToID: make(map[string]int, len(idToToken)),
		IDToToken: append([]string(nil), idToToken...),
	}
	for i, tok := range v.IDToToken {
		v.TokenToID[tok] = i
	}
	return v
}

// BuildVocab keeps the special tokens followed by the most frequent tokens,
// up to maxSize entries in total (0 = unlimited). Ties break alphabetically.
func BuildVocab(counts map[string]int, maxSize int) params.Vocabulary {
	type kv struct {
		tok string
		n   int
	}
	arr := make([]kv, 0, len(counts))
	for tok, n := range counts {
		if isSpecial(tok) {
			continue
		}
		arr = append(arr, kv{tok, n})
	}
	sort.Slice(arr, func(i, j int) bool {
		if arr[i].n != arr[j].n {
			return arr[i].n > arr[j].n
		}
		return arr[i].tok < arr[j].tok
	})

	ids := append([]string(nil), params.SpecialTokens...)
	for _, e := range arr {
		if maxSize > 0 && len(ids) >= maxSize {
			break
		}
		ids = append(ids, e.tok)
	}
	return NewVocabulary(ids)
}

func isSpecial(tok string) bool {
	for _, s := range params.SpecialTokens {
		if s == tok {
			return true
		}
	}
	return false
}

// CountTokens adds the tokens of every sequence to counts.
func CountTokens(counts map[string]int, seqs [][]string) {
	for _, seq := range seqs {
		for _, t := range seq {
			counts[t]++
		}
	}
}

// ExportVocabJSON writes TokenToID/IDToToken.
func ExportVocabJSON(v params.Vocabulary, path string) error {
	data := map[string]any{
		"TokenToID": v.TokenToID,
		"IDToToken": v.IDToToken,
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

// ImportVocabJSON reads a file written by ExportVocabJSON.
func ImportVocabJSON(path string) (params.Vocabulary, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return params.Vocabulary{}, err
	}
	var data struct {
		IDToToken []string
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return params.Vocabulary{}, fmt.Errorf("parse vocab %s: %w", path, err)
	}
	if len(data.IDToToken) < len(params.SpecialTokens) {
		return params.Vocabulary{}, fmt.Errorf("vocab %s: missing special tokens", path)
	}
	return NewVocabulary(data.IDToToken), nil
}
