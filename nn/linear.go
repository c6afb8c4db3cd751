package nn

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/textgen/utils"
)

// Linear computes Y = W*X + b over columns. W is (out x in), b is (out x 1).
type Linear struct {
	In, Out int
	Weight  *Param
	Bias    *Param // nil when built without bias

	lastInput *mat.Dense
}

// NewLinear wraps w (out x in). A zero bias is added when withBias is set.
func NewLinear(name string, w *mat.Dense, withBias bool) *Linear {
	out, in := w.Dims()
	l := &Linear{In: in, Out: out, Weight: NewParam(name+".weight", w)}
	if withBias {
		l.Bias = NewParam(name+".bias", mat.NewDense(out, 1, nil))
		l.Bias.NoDecay = true
	}
	return l
}

func (l *Linear) Forward(X *mat.Dense) *mat.Dense {
	if r, _ := X.Dims(); r != l.In {
		panic(fmt.Sprintf("%s: input has %d rows, want %d", l.Weight.Name, r, l.In))
	}
	l.lastInput = X
	Y := utils.ToDense(utils.Dot(l.Weight.W, X))
	if l.Bias != nil {
		Y = utils.AddBias(Y, l.Bias.W)
	}
	return Y
}

// Backward accumulates dW, db and returns dX for the last Forward input.
func (l *Linear) Backward(dY *mat.Dense) *mat.Dense {
	l.Weight.Accumulate(utils.Dot(dY, l.lastInput.T()))
	if l.Bias != nil {
		l.Bias.Accumulate(utils.SumCols(dY))
	}
	return utils.ToDense(utils.Dot(l.Weight.W.T(), dY))
}

func (l *Linear) Params() []*Param {
	if l.Bias == nil {
		return []*Param{l.Weight}
	}
	return []*Param{l.Weight, l.Bias}
}
