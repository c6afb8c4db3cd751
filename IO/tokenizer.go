package IO

import (
	"fmt"
	"strings"

	tk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"

	"github.com/manningwu07/textgen/params"
)

// Tokenizer splits a line of text into tokens.
type Tokenizer interface {
	Tokenize(line string) ([]string, error)
}

// WhitespaceTokenizer splits on runs of whitespace.
type WhitespaceTokenizer struct{}

func (WhitespaceTokenizer) Tokenize(line string) ([]string, error) {
	return strings.Fields(line), nil
}

// BPETokenizer wraps a pre-trained tokenizer.json. Tokens are the BPE pieces;
// ids are assigned by our own vocabulary so special tokens keep fixed slots.
type BPETokenizer struct {
	t *tk.Tokenizer
}

func LoadBPE(path string) (*BPETokenizer, error) {
	t, err := pretrained.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load bpe tokenizer %s: %w", path, err)
	}
	return &BPETokenizer{t: t}, nil
}

func (b *BPETokenizer) Tokenize(line string) ([]string, error) {
	enc, err := b.t.EncodeSingle(line)
	if err != nil {
		return nil, err
	}
	return enc.Tokens, nil
}

// NewTokenizer picks the tokenizer named by the config.
func NewTokenizer(cfg params.TrainingConfig) (Tokenizer, error) {
	switch cfg.Tokenizer {
	case "", "whitespace":
		return WhitespaceTokenizer{}, nil
	case "bpe":
		return LoadBPE(cfg.TokenizerPath)
	default:
		return nil, fmt.Errorf("unknown tokenizer %q", cfg.Tokenizer)
	}
}
