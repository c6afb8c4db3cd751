package params

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config rejected: %v", err)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	body := `{"embedding_size": 64, "num_heads": 4, "share_vocab": true, "attn_dropout_ratio": 0.2}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.EmbeddingSize != 64 || cfg.NumHeads != 4 || !cfg.ShareVocab || cfg.AttnDropoutRatio != 0.2 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.FFNSize != Default().FFNSize || cfg.TopK != 10 {
		t.Fatal("missing keys should keep their defaults")
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for a missing file")
	}
	path := filepath.Join(t.TempDir(), "bad.json")
	os.WriteFile(path, []byte(`{"embedding_size": "wide"}`), 0o644)
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.NumHeads = 0
	cfg.FFNDropoutRatio = 1
	cfg.Tokenizer = "chars"
	cfg.Temperature = 0
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"num_heads", "ffn_dropout_ratio", "tokenizer", "temperature"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestValidateLearnedPositionsCoverSequences(t *testing.T) {
	cfg := Default()
	cfg.LearnedPositionEmbedder = true
	cfg.MaxPositionEmbeddings = 50
	cfg.TargetMaxSeqLength = 49
	cfg.SourceMaxSeqLength = 10
	if err := cfg.Validate(); err == nil {
		t.Fatal("targets of 49 tokens plus <bos>/<eos> do not fit 50 positions")
	}
	cfg.TargetMaxSeqLength = 48
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	// an unbounded source could outgrow the table at generation time
	cfg.SourceMaxSeqLength = 0
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "source_max_seq_length") {
		t.Fatalf("expected unbounded sources to be rejected, got %v", err)
	}
	cfg.LearnedPositionEmbedder = false
	if err := cfg.Validate(); err != nil {
		t.Fatalf("sinusoidal positions take any length: %v", err)
	}
}

func TestDefaultCachesShards(t *testing.T) {
	if Default().ShardDir == "" {
		t.Fatal("default config should cache token ids")
	}
}

func TestVocabularyLookup(t *testing.T) {
	v := Vocabulary{
		TokenToID: map[string]int{PadToken: 0, BosToken: 1, EosToken: 2, UnkToken: 3, "hi": 4},
		IDToToken: []string{PadToken, BosToken, EosToken, UnkToken, "hi"},
	}
	if v.Size() != 5 || v.Lookup("hi") != 4 || v.Lookup("nope") != 3 {
		t.Fatalf("lookup broken: size=%d hi=%d nope=%d", v.Size(), v.Lookup("hi"), v.Lookup("nope"))
	}
}
