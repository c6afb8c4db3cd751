package discriminator

import (
	"encoding/json"
	"fmt"

	"github.com/manningwu07/textgen/IO"
	"github.com/manningwu07/textgen/nn"
	"github.com/manningwu07/textgen/params"
)

const CheckpointKind = "maligan_discriminator"

func (d *MaliGANDiscriminator) Save(path string, step int) error {
	raw, err := json.Marshal(d.Config)
	if err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nn.SaveCheckpoint(path, d.Params(), nn.Meta{
		Kind:   CheckpointKind,
		Step:   step,
		Vocabs: map[string][]string{"target": d.Dataset.TargetVocab.IDToToken},
		Config: raw,
	})
}

func (d *MaliGANDiscriminator) Load(path string) (int, error) {
	meta, err := nn.LoadCheckpoint(path, CheckpointKind, d.Params())
	if err != nil {
		return 0, fmt.Errorf("load %s: %w", path, err)
	}
	return meta.Step, nil
}

// FromCheckpoint rebuilds a discriminator from a checkpoint alone.
func FromCheckpoint(path string) (*MaliGANDiscriminator, error) {
	meta, err := nn.ReadMeta(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	cfg := params.Default()
	if err := json.Unmarshal(meta.Config, &cfg); err != nil {
		return nil, fmt.Errorf("checkpoint config: %w", err)
	}
	toks, ok := meta.Vocabs["target"]
	if !ok {
		return nil, fmt.Errorf("checkpoint %s has no vocabulary", path)
	}
	v := IO.NewVocabulary(toks)
	d := NewMaliGANDiscriminator(cfg, IO.NewDataset(v, v))
	if _, err := d.Load(path); err != nil {
		return nil, err
	}
	return d, nil
}
