package nn

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
)

// Checkpoints persist weights and Adam moments with gob.

type paramData struct {
	Name       string
	Rows, Cols int
	Data       []float64
	M, V       []float64
}

type checkpointData struct {
	Kind   string
	Step   int
	Params []paramData
	Vocabs map[string][]string
	Config []byte
}

// Meta travels with the weights so a model can be rebuilt from the file alone.
type Meta struct {
	Kind   string              // model kind, checked on load
	Step   int                 // optimizer step
	Vocabs map[string][]string // id -> token tables
	Config []byte              // JSON config the model was built from
}

func rawCopy(m *mat.Dense) []float64 {
	return append([]float64(nil), mat.DenseCopyOf(m).RawMatrix().Data...)
}

// SaveCheckpoint writes ps and meta to filename, creating parent directories.
func SaveCheckpoint(filename string, ps []*Param, meta Meta) error {
	data := checkpointData{
		Kind:   meta.Kind,
		Step:   meta.Step,
		Vocabs: meta.Vocabs,
		Config: meta.Config,
		Params: make([]paramData, len(ps)),
	}
	for i, p := range ps {
		r, c := p.W.Dims()
		data.Params[i] = paramData{
			Name: p.Name, Rows: r, Cols: c,
			Data: rawCopy(p.W),
			M:    rawCopy(p.M),
			V:    rawCopy(p.V),
		}
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(data); err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if dir := filepath.Dir(filename); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	// write then rename so a crash never leaves a truncated checkpoint
	tmp := filename + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filename)
}

// ReadMeta decodes only what is needed to rebuild a model before loading weights.
func ReadMeta(filename string) (Meta, error) {
	data, err := readCheckpoint(filename)
	if err != nil {
		return Meta{}, err
	}
	return Meta{Kind: data.Kind, Step: data.Step, Vocabs: data.Vocabs, Config: data.Config}, nil
}

func readCheckpoint(filename string) (checkpointData, error) {
	var data checkpointData
	raw, err := os.ReadFile(filename)
	if err != nil {
		return data, err
	}
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&data); err != nil {
		return data, fmt.Errorf("decode checkpoint %s: %w", filename, err)
	}
	return data, nil
}

// LoadCheckpoint copies stored weights into ps. Names, count and shapes must match.
func LoadCheckpoint(filename, kind string, ps []*Param) (Meta, error) {
	data, err := readCheckpoint(filename)
	if err != nil {
		return Meta{}, err
	}
	if data.Kind != kind {
		return Meta{}, fmt.Errorf("LoadCheckpoint: file holds %q, want %q", data.Kind, kind)
	}
	if len(data.Params) != len(ps) {
		return Meta{}, fmt.Errorf("LoadCheckpoint: param count mismatch (have %d, file %d)", len(ps), len(data.Params))
	}
	// check everything before touching ps so a bad file leaves the model intact
	for i, p := range ps {
		pd := data.Params[i]
		r, c := p.W.Dims()
		if pd.Name != p.Name || pd.Rows != r || pd.Cols != c || len(pd.Data) != r*c {
			return Meta{}, fmt.Errorf("LoadCheckpoint: %s %dx%d does not match file %s %dx%d",
				p.Name, r, c, pd.Name, pd.Rows, pd.Cols)
		}
	}
	for i, p := range ps {
		pd := data.Params[i]
		r, c := p.W.Dims()
		p.W.Copy(mat.NewDense(r, c, pd.Data))
		if len(pd.M) == r*c && len(pd.V) == r*c {
			p.M.Copy(mat.NewDense(r, c, pd.M))
			p.V.Copy(mat.NewDense(r, c, pd.V))
		}
	}
	return Meta{Kind: data.Kind, Step: data.Step, Vocabs: data.Vocabs, Config: data.Config}, nil
}
