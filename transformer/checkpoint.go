package transformer

import (
	"encoding/json"
	"fmt"

	"github.com/manningwu07/textgen/IO"
	"github.com/manningwu07/textgen/nn"
	"github.com/manningwu07/textgen/params"
)

// CheckpointKind tags encoder-decoder checkpoints.
const CheckpointKind = "transformer_encdec"

// Save writes weights, Adam moments, vocabularies and config to path.
func (m *TransformerEncDec) Save(path string, step int) error {
	raw, err := json.Marshal(m.Config)
	if err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	meta := nn.Meta{
		Kind: CheckpointKind,
		Step: step,
		Vocabs: map[string][]string{
			"source": m.Dataset.SourceVocab.IDToToken,
			"target": m.Dataset.TargetVocab.IDToToken,
		},
		Config: raw,
	}
	return nn.SaveCheckpoint(path, m.Params(), meta)
}

// Load copies weights from path into m. Returns the stored optimizer step.
func (m *TransformerEncDec) Load(path string) (int, error) {
	meta, err := nn.LoadCheckpoint(path, CheckpointKind, m.Params())
	if err != nil {
		return 0, fmt.Errorf("load %s: %w", path, err)
	}
	return meta.Step, nil
}

// FromCheckpoint rebuilds a model (and a split-less dataset carrying its
// vocabularies) from a checkpoint alone.
func FromCheckpoint(path string) (*TransformerEncDec, int, error) {
	meta, err := nn.ReadMeta(path)
	if err != nil {
		return nil, 0, fmt.Errorf("read %s: %w", path, err)
	}
	cfg := params.Default()
	if len(meta.Config) > 0 {
		if err := json.Unmarshal(meta.Config, &cfg); err != nil {
			return nil, 0, fmt.Errorf("checkpoint config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, 0, fmt.Errorf("checkpoint config: %w", err)
	}
	src, ok := meta.Vocabs["source"]
	if !ok {
		return nil, 0, fmt.Errorf("checkpoint %s has no source vocabulary", path)
	}
	tgt, ok := meta.Vocabs["target"]
	if !ok {
		tgt = src
	}
	ds := IO.NewDataset(IO.NewVocabulary(src), IO.NewVocabulary(tgt))
	m := NewTransformerEncDec(cfg, ds)
	step, err := m.Load(path)
	if err != nil {
		return nil, 0, err
	}
	return m, step, nil
}
