package transformer

import (
	"github.com/manningwu07/textgen/nn"
)

// CloneShared returns a model that reads the same weight matrices as m but
// owns its activation caches, gradients and dropout mode, so it can run on
// another goroutine. Building one costs a full model, so GenerateBatch keeps
// its clones. Weights are updated in place and must not change while clones
// are in use.
func (m *TransformerEncDec) CloneShared() *TransformerEncDec {
	c := NewTransformerEncDec(m.Config, m.Dataset)
	nn.ShareWeights(c.Params(), m.Params())
	c.mode.Training = m.mode.Training
	c.MaxTargetLength = m.MaxTargetLength
	return c
}
