package params

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Vocabulary maps tokens to ids and back. Special tokens sit at the front.
type Vocabulary struct {
	TokenToID map[string]int
	IDToToken []string
}

// Special tokens kept at the start of every vocab, in id order.
const (
	PadToken = "<pad>"
	BosToken = "<bos>"
	EosToken = "<eos>"
	UnkToken = "<unk>"
)

var SpecialTokens = []string{PadToken, BosToken, EosToken, UnkToken}

// Size returns |V|.
func (v Vocabulary) Size() int { return len(v.IDToToken) }

// Lookup returns the id of tok, falling back to <unk>.
func (v Vocabulary) Lookup(tok string) int {
	if id, ok := v.TokenToID[tok]; ok {
		return id
	}
	return v.TokenToID[UnkToken]
}

type TrainingConfig struct {
	// Data
	DataPath           string `json:"data_path"`
	Tokenizer          string `json:"tokenizer"`      // "whitespace" or "bpe"
	TokenizerPath      string `json:"tokenizer_path"` // tokenizer.json for bpe
	ShardDir           string `json:"shard_dir"`      // binary id cache ("" = off)
	MaxVocabSize       int    `json:"max_vocab_size"`
	SourceMaxSeqLength int    `json:"source_max_seq_length"`
	TargetMaxSeqLength int    `json:"target_max_seq_length"`
	MaxSeqLength       int    `json:"max_seq_length"` // discriminator corpora
	ShareVocab         bool   `json:"share_vocab"`

	// Transformer encoder-decoder
	EmbeddingSize           int     `json:"embedding_size"`
	FFNSize                 int     `json:"ffn_size"`
	NumHeads                int     `json:"num_heads"`
	NumEncLayers            int     `json:"num_enc_layers"`
	NumDecLayers            int     `json:"num_dec_layers"`
	AttnDropoutRatio        float64 `json:"attn_dropout_ratio"`
	AttnWeightDropoutRatio  float64 `json:"attn_weight_dropout_ratio"`
	FFNDropoutRatio         float64 `json:"ffn_dropout_ratio"`
	LearnedPositionEmbedder bool    `json:"learned_position_embedder"`
	MaxPositionEmbeddings   int     `json:"max_position_embeddings"`

	// Decoding
	TopK        int     `json:"top_k"`
	Temperature float64 `json:"temperature"`
	Workers     int     `json:"workers"` // generation goroutines

	// MaliGAN discriminator
	HiddenSize                 int     `json:"hidden_size"`
	DiscriminatorEmbeddingSize int     `json:"discriminator_embedding_size"`
	NumDisLayers               int     `json:"num_dis_layers"`
	DropoutRate                float64 `json:"dropout_rate"`

	// Optimization
	LearningRate   float64 `json:"learning_rate"`
	WarmupSteps    int     `json:"warmup_steps"` // linear warmup steps
	DecaySteps     int     `json:"decay_steps"`  // cosine decay steps after warmup (0 = none)
	AdamBeta1      float64 `json:"adam_beta1"`
	AdamBeta2      float64 `json:"adam_beta2"`
	AdamEps        float64 `json:"adam_eps"`
	WeightDecay    float64 `json:"weight_decay"` // AdamW-style, 0 disables
	GradClip       float64 `json:"grad_clip"`    // <=0 disables
	Epochs         int     `json:"epochs"`
	Patience       int     `json:"patience"` // early stopping patience
	TrainBatchSize int     `json:"train_batch_size"`
	EvalBatchSize  int     `json:"eval_batch_size"`
	Seed           int64   `json:"seed"`

	// Bookkeeping
	CheckpointDir string `json:"checkpoint_dir"`
	Debug         bool   `json:"debug"`       // enable periodic debug logs
	DebugEvery    int    `json:"debug_every"` // print every N optimizer steps
}

// Default returns small but trainable settings.
func Default() TrainingConfig {
	return TrainingConfig{
		DataPath:           "data",
		Tokenizer:          "whitespace",
		TokenizerPath:      "data/tokenizer.json",
		ShardDir:           "data/shards",
		MaxVocabSize:       20000,
		SourceMaxSeqLength: 100,
		TargetMaxSeqLength: 100,
		MaxSeqLength:       100,

		EmbeddingSize:          512,
		FFNSize:                2048,
		NumHeads:               8,
		NumEncLayers:           6,
		NumDecLayers:           6,
		AttnDropoutRatio:       0.1,
		AttnWeightDropoutRatio: 0.1,
		FFNDropoutRatio:        0.1,
		MaxPositionEmbeddings:  512,

		TopK:        10,
		Temperature: 1.0,
		Workers:     1,

		HiddenSize:                 128,
		DiscriminatorEmbeddingSize: 64,
		NumDisLayers:               2,
		DropoutRate:                0.25,

		LearningRate:   0.0003,
		WarmupSteps:    4000,
		DecaySteps:     0,
		AdamBeta1:      0.9,
		AdamBeta2:      0.999,
		AdamEps:        1e-8,
		WeightDecay:    0.01,
		GradClip:       1.0,
		Epochs:         50,
		Patience:       5,
		TrainBatchSize: 32,
		EvalBatchSize:  32,
		Seed:           2020,

		CheckpointDir: "models",
		DebugEvery:    1000,
	}
}

// Load reads a JSON file over the defaults. Missing keys keep their default.
func Load(path string) (TrainingConfig, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func checkRatio(name string, v float64) error {
	if v < 0 || v >= 1 {
		return fmt.Errorf("%s must be in [0, 1), got %g", name, v)
	}
	return nil
}

// Validate rejects settings no model can be built from.
func (c TrainingConfig) Validate() error {
	var errs []error
	positive := map[string]int{
		"embedding_size":               c.EmbeddingSize,
		"ffn_size":                     c.FFNSize,
		"num_heads":                    c.NumHeads,
		"num_enc_layers":               c.NumEncLayers,
		"num_dec_layers":               c.NumDecLayers,
		"target_max_seq_length":        c.TargetMaxSeqLength,
		"hidden_size":                  c.HiddenSize,
		"discriminator_embedding_size": c.DiscriminatorEmbeddingSize,
		"num_dis_layers":               c.NumDisLayers,
		"max_position_embeddings":      c.MaxPositionEmbeddings,
	}
	for name, v := range positive {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	for name, v := range map[string]float64{
		"attn_dropout_ratio":        c.AttnDropoutRatio,
		"attn_weight_dropout_ratio": c.AttnWeightDropoutRatio,
		"ffn_dropout_ratio":         c.FFNDropoutRatio,
		"dropout_rate":              c.DropoutRate,
	} {
		if err := checkRatio(name, v); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Tokenizer != "whitespace" && c.Tokenizer != "bpe" {
		errs = append(errs, fmt.Errorf("tokenizer must be whitespace or bpe, got %q", c.Tokenizer))
	}
	// a learned table has a fixed length, so sources need a bound too
	if c.LearnedPositionEmbedder && c.SourceMaxSeqLength <= 0 {
		errs = append(errs, fmt.Errorf("source_max_seq_length must be positive with learned_position_embedder, got %d", c.SourceMaxSeqLength))
	}
	// targets carry <bos>/<eos> on top of target_max_seq_length
	if longest := max(c.SourceMaxSeqLength, c.TargetMaxSeqLength+2); c.LearnedPositionEmbedder && longest > c.MaxPositionEmbeddings {
		errs = append(errs, fmt.Errorf("max_position_embeddings %d is shorter than the longest sequence %d", c.MaxPositionEmbeddings, longest))
	}
	if c.Temperature <= 0 {
		errs = append(errs, fmt.Errorf("temperature must be positive, got %g", c.Temperature))
	}
	return errors.Join(errs...)
}
