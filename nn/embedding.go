package nn

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Embedding stores one column per token: W is (dim x |V|).
// The padding column is zero and never receives gradient.
type Embedding struct {
	Dim, Num   int
	PaddingIdx int // -1 disables
	Weight     *Param
}

// NewEmbedding wraps w (dim x num) and zeroes the padding column.
func NewEmbedding(name string, w *mat.Dense, paddingIdx int) *Embedding {
	dim, num := w.Dims()
	if paddingIdx >= num {
		panic(fmt.Sprintf("%s: padding index %d out of range %d", name, paddingIdx, num))
	}
	if paddingIdx >= 0 {
		w.SetCol(paddingIdx, make([]float64, dim))
	}
	p := NewParam(name+".weight", w)
	p.NoDecay = true
	return &Embedding{Dim: dim, Num: num, PaddingIdx: paddingIdx, Weight: p}
}

// Forward gathers the columns for ids into (dim x len(ids)).
func (e *Embedding) Forward(ids []int) *mat.Dense {
	out := mat.NewDense(e.Dim, len(ids), nil)
	col := make([]float64, e.Dim)
	for t, id := range ids {
		if id < 0 || id >= e.Num {
			panic(fmt.Sprintf("%s: token id %d out of range %d", e.Weight.Name, id, e.Num))
		}
		out.SetCol(t, mat.Col(col, id, e.Weight.W))
	}
	return out
}

// Backward scatters dX columns back onto the token columns of ids. The ids
// are passed explicitly because a tied table is used by several inputs.
func (e *Embedding) Backward(ids []int, dX *mat.Dense) {
	g := e.Weight.Grad
	for t, id := range ids {
		if id == e.PaddingIdx {
			continue
		}
		for i := 0; i < e.Dim; i++ {
			g.Set(i, id, g.At(i, id)+dX.At(i, t))
		}
	}
}

func (e *Embedding) Params() []*Param { return []*Param{e.Weight} }
