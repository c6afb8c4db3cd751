package nn

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/textgen/utils"
)

// PositionEmbedder produces the (dim x T) positional signal for positions 0..T-1.
type PositionEmbedder interface {
	Forward(T int) *mat.Dense
	Backward(dX *mat.Dense)
	Params() []*Param
}

// LearnedPositionalEmbedding is a trainable table indexed by position.
type LearnedPositionalEmbedding struct {
	table *Embedding
}

func NewLearnedPositionalEmbedding(name string, dim, maxPositions int, rng *rand.Rand) *LearnedPositionalEmbedding {
	w := mat.NewDense(dim, maxPositions, utils.NormalArray(dim*maxPositions, 1.0, rng))
	return &LearnedPositionalEmbedding{table: NewEmbedding(name, w, -1)}
}

func positions(T int) []int {
	ids := make([]int, T)
	for i := range ids {
		ids[i] = i
	}
	return ids
}

func (p *LearnedPositionalEmbedding) Forward(T int) *mat.Dense {
	if T > p.table.Num {
		panic(fmt.Sprintf("learned positions: sequence length %d exceeds %d", T, p.table.Num))
	}
	return p.table.Forward(positions(T))
}

func (p *LearnedPositionalEmbedding) Backward(dX *mat.Dense) {
	_, T := dX.Dims()
	p.table.Backward(positions(T), dX)
}

func (p *LearnedPositionalEmbedding) Params() []*Param { return p.table.Params() }

// SinusoidalPositionalEmbedding is the fixed sin/cos signal: the first half of
// the rows hold sin(pos*f_i), the second half cos(pos*f_i), with
// f_i = exp(-ln(10000) * i / (half-1)). An odd last row stays zero.
type SinusoidalPositionalEmbedding struct {
	Dim   int
	cache *mat.Dense
}

func NewSinusoidalPositionalEmbedding(dim int) *SinusoidalPositionalEmbedding {
	return &SinusoidalPositionalEmbedding{Dim: dim}
}

// SinusoidalTable builds the (dim x T) table.
func SinusoidalTable(dim, T int) *mat.Dense {
	half := dim / 2
	out := mat.NewDense(dim, T, nil)
	denom := float64(max(half-1, 1))
	for i := 0; i < half; i++ {
		freq := math.Exp(-math.Log(10000.0) * float64(i) / denom)
		for pos := 0; pos < T; pos++ {
			out.Set(i, pos, math.Sin(float64(pos)*freq))
			out.Set(half+i, pos, math.Cos(float64(pos)*freq))
		}
	}
	return out
}

func (p *SinusoidalPositionalEmbedding) Forward(T int) *mat.Dense {
	if p.cache == nil || p.cache.RawMatrix().Cols < T {
		p.cache = SinusoidalTable(p.Dim, max(T, 64))
	}
	return mat.DenseCopyOf(p.cache.Slice(0, p.Dim, 0, T))
}

func (p *SinusoidalPositionalEmbedding) Backward(*mat.Dense) {}

func (p *SinusoidalPositionalEmbedding) Params() []*Param { return nil }
