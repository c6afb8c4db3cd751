package IO

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/manningwu07/textgen/params"
)

// Corpus holds one split. Source is nil for single-text corpora.
type Corpus struct {
	Source [][]int
	Target [][]int
}

func (c *Corpus) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Target)
}

// Dataset carries the vocabularies, special-token indices and splits.
type Dataset struct {
	SourceVocab params.Vocabulary
	TargetVocab params.Vocabulary

	PaddingTokenIdx int
	SosTokenIdx     int
	EosTokenIdx     int
	UnknownTokenIdx int

	Train, Valid, Test *Corpus
}

// NewDataset wires the special-token indices from the target vocabulary.
func NewDataset(source, target params.Vocabulary) *Dataset {
	return &Dataset{
		SourceVocab:     source,
		TargetVocab:     target,
		PaddingTokenIdx: target.TokenToID[params.PadToken],
		SosTokenIdx:     target.TokenToID[params.BosToken],
		EosTokenIdx:     target.TokenToID[params.EosToken],
		UnknownTokenIdx: target.TokenToID[params.UnkToken],
		Train:           &Corpus{},
		Valid:           &Corpus{},
		Test:            &Corpus{},
	}
}

func (d *Dataset) SourceVocabSize() int { return d.SourceVocab.Size() }
func (d *Dataset) TargetVocabSize() int { return d.TargetVocab.Size() }

// VocabSize is the vocabulary of single-text corpora.
func (d *Dataset) VocabSize() int { return d.TargetVocab.Size() }

func (d *Dataset) TargetIdx2Token() []string { return d.TargetVocab.IDToToken }

var splits = []string{"train", "valid", "test"}

func (d *Dataset) split(name string) **Corpus {
	switch name {
	case "train":
		return &d.Train
	case "valid":
		return &d.Valid
	default:
		return &d.Test
	}
}

// readLines returns nil, nil for a missing file so valid/test may be absent.
func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1<<20), 1<<24)
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	return out, sc.Err()
}

func tokenizeLines(t Tokenizer, lines []string, maxLen int) ([][]string, error) {
	out := make([][]string, len(lines))
	for i, l := range lines {
		toks, err := t.Tokenize(l)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		if maxLen > 0 && len(toks) > maxLen {
			toks = toks[:maxLen]
		}
		out[i] = toks
	}
	return out, nil
}

// Encode maps tokens to ids, optionally wrapping them in <bos> ... <eos>.
func Encode(v params.Vocabulary, toks []string, wrap bool) []int {
	ids := make([]int, 0, len(toks)+2)
	if wrap {
		ids = append(ids, v.TokenToID[params.BosToken])
	}
	for _, t := range toks {
		ids = append(ids, v.Lookup(t))
	}
	if wrap {
		ids = append(ids, v.TokenToID[params.EosToken])
	}
	return ids
}

// LoadPairedDataset reads <data_path>/{train,valid,test}.{src,tgt}. The
// vocabularies are built from the train split. With shard_dir set the
// encoded splits are cached as binary shards and reused on the next run.
func LoadPairedDataset(cfg params.TrainingConfig) (*Dataset, error) {
	if cfg.ShardDir != "" {
		if ds, err := loadCachedDataset(cfg.ShardDir, true); err == nil {
			return ds, nil
		}
	}
	tok, err := NewTokenizer(cfg)
	if err != nil {
		return nil, err
	}

	type pair struct{ src, tgt [][]string }
	raw := map[string]pair{}
	for _, s := range splits {
		srcLines, err := readLines(filepath.Join(cfg.DataPath, s+".src"))
		if err != nil {
			return nil, err
		}
		tgtLines, err := readLines(filepath.Join(cfg.DataPath, s+".tgt"))
		if err != nil {
			return nil, err
		}
		if len(srcLines) != len(tgtLines) {
			return nil, fmt.Errorf("%s: %d source lines but %d target lines", s, len(srcLines), len(tgtLines))
		}
		src, err := tokenizeLines(tok, srcLines, cfg.SourceMaxSeqLength)
		if err != nil {
			return nil, fmt.Errorf("%s.src: %w", s, err)
		}
		tgt, err := tokenizeLines(tok, tgtLines, cfg.TargetMaxSeqLength)
		if err != nil {
			return nil, fmt.Errorf("%s.tgt: %w", s, err)
		}
		raw[s] = pair{src, tgt}
	}
	if len(raw["train"].tgt) == 0 {
		return nil, fmt.Errorf("no training pairs under %s", cfg.DataPath)
	}

	var srcVocab, tgtVocab params.Vocabulary
	if cfg.ShareVocab {
		counts := map[string]int{}
		CountTokens(counts, raw["train"].src)
		CountTokens(counts, raw["train"].tgt)
		srcVocab = BuildVocab(counts, cfg.MaxVocabSize)
		tgtVocab = srcVocab
	} else {
		sc, tc := map[string]int{}, map[string]int{}
		CountTokens(sc, raw["train"].src)
		CountTokens(tc, raw["train"].tgt)
		srcVocab = BuildVocab(sc, cfg.MaxVocabSize)
		tgtVocab = BuildVocab(tc, cfg.MaxVocabSize)
	}

	ds := NewDataset(srcVocab, tgtVocab)
	for _, s := range splits {
		c := &Corpus{}
		p := raw[s]
		for i := range p.tgt {
			if len(p.src[i]) == 0 || len(p.tgt[i]) == 0 {
				continue
			}
			c.Source = append(c.Source, Encode(srcVocab, p.src[i], false))
			c.Target = append(c.Target, Encode(tgtVocab, p.tgt[i], true))
		}
		*ds.split(s) = c
	}

	if cfg.ShardDir != "" {
		if err := saveCachedDataset(cfg.ShardDir, ds, true); err != nil {
			return nil, fmt.Errorf("cache dataset: %w", err)
		}
	}
	return ds, nil
}

// LoadCorpusDataset reads single-text corpora <data_path>/{train,valid,test}.txt,
// one sequence per line, each wrapped in <bos> ... <eos>. Its cache lives in
// <shard_dir>/corpus, apart from the paired one.
func LoadCorpusDataset(cfg params.TrainingConfig) (*Dataset, error) {
	if cfg.ShardDir != "" {
		cfg.ShardDir = filepath.Join(cfg.ShardDir, "corpus")
		if ds, err := loadCachedDataset(cfg.ShardDir, false); err == nil {
			return ds, nil
		}
	}
	tok, err := NewTokenizer(cfg)
	if err != nil {
		return nil, err
	}
	raw := map[string][][]string{}
	for _, s := range splits {
		lines, err := readLines(filepath.Join(cfg.DataPath, s+".txt"))
		if err != nil {
			return nil, err
		}
		if raw[s], err = tokenizeLines(tok, lines, cfg.MaxSeqLength); err != nil {
			return nil, fmt.Errorf("%s.txt: %w", s, err)
		}
	}
	if len(raw["train"]) == 0 {
		return nil, fmt.Errorf("no training lines under %s", cfg.DataPath)
	}
	counts := map[string]int{}
	CountTokens(counts, raw["train"])
	vocab := BuildVocab(counts, cfg.MaxVocabSize)

	ds := NewDataset(vocab, vocab)
	for _, s := range splits {
		c := &Corpus{}
		for _, toks := range raw[s] {
			if len(toks) == 0 {
				continue
			}
			c.Target = append(c.Target, Encode(vocab, toks, true))
		}
		*ds.split(s) = c
	}
	if cfg.ShardDir != "" {
		if err := saveCachedDataset(cfg.ShardDir, ds, false); err != nil {
			return nil, fmt.Errorf("cache dataset: %w", err)
		}
	}
	return ds, nil
}

// EncodeLine tokenizes one line, truncates it to maxLen tokens (0 = no limit)
// and maps it through v.
func EncodeLine(t Tokenizer, v params.Vocabulary, line string, maxLen int, wrap bool) ([]int, error) {
	toks, err := tokenizeLines(t, []string{line}, maxLen)
	if err != nil {
		return nil, err
	}
	return Encode(v, toks[0], wrap), nil
}

// EncodeFile encodes every line of path with an existing vocabulary, as
// needed when generating from a checkpoint.
func EncodeFile(cfg params.TrainingConfig, v params.Vocabulary, path string, maxLen int, wrap bool) ([][]int, error) {
	tok, err := NewTokenizer(cfg)
	if err != nil {
		return nil, err
	}
	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}
	if lines == nil {
		return nil, fmt.Errorf("encode %s: %w", path, fs.ErrNotExist)
	}
	toks, err := tokenizeLines(tok, lines, maxLen)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	out := make([][]int, len(toks))
	for i, t := range toks {
		out[i] = Encode(v, t, wrap)
	}
	return out, nil
}
