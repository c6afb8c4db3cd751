package nn

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// Mode is shared by every dropout of a model; flipping Training switches
// the whole model between train and eval behaviour.
type Mode struct {
	Training bool
}

// Dropout zeroes entries with probability Ratio during training and scales
// the survivors by 1/(1-Ratio). In eval mode it is the identity.
type Dropout struct {
	Ratio float64
	mode  *Mode
	rng   *rand.Rand

	mask *mat.Dense
}

func NewDropout(ratio float64, mode *Mode, rng *rand.Rand) *Dropout {
	return &Dropout{Ratio: ratio, mode: mode, rng: rng}
}

func (d *Dropout) active() bool {
	return d.Ratio > 0 && d.mode != nil && d.mode.Training
}

func (d *Dropout) Forward(X *mat.Dense) *mat.Dense {
	if !d.active() {
		d.mask = nil
		return X
	}
	r, c := X.Dims()
	keep := 1.0 / (1.0 - d.Ratio)
	d.mask = mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if d.rng.Float64() >= d.Ratio {
				d.mask.Set(i, j, keep)
			}
		}
	}
	out := mat.NewDense(r, c, nil)
	out.MulElem(X, d.mask)
	return out
}

func (d *Dropout) Backward(dY *mat.Dense) *mat.Dense {
	if d.mask == nil {
		return dY
	}
	r, c := dY.Dims()
	out := mat.NewDense(r, c, nil)
	out.MulElem(dY, d.mask)
	return out
}
