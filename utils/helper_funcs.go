package utils

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Guard functions

// ChooseValidHeads returns preferred when it divides dModel, otherwise the
// largest smaller head count that does.
func ChooseValidHeads(dModel, preferred int) int {
	if preferred <= 0 {
		return 1
	}
	if dModel%preferred == 0 {
		return preferred
	}

	best := 1
	limit := min(preferred, dModel)
	for h := limit; h >= 1; h-- {
		if dModel%h == 0 {
			Warnf("using %d heads instead of %d (embedding size %d)", h, preferred, dModel)
			best = h
			break
		}
	}
	return best
}

// RandomArray draws uniformly from [-1/sqrt(v), 1/sqrt(v)].
func RandomArray(size int, v float64, rng *rand.Rand) []float64 {
	lo := -1.0 / math.Sqrt(v+1e-12)
	hi := 1.0 / math.Sqrt(v+1e-12)
	out := make([]float64, size)
	for i := range out {
		out[i] = lo + (hi-lo)*rng.Float64()
	}
	return out
}

// NormalArray draws size values from N(0, std^2).
func NormalArray(size int, std float64, rng *rand.Rand) []float64 {
	dist := distuv.Normal{Mu: 0, Sigma: std, Src: rng}
	out := make([]float64, size)
	for i := range out {
		out[i] = dist.Rand()
	}
	return out
}

// XavierNormal fills a (fanOut x fanIn) matrix with N(0, 2/(fanIn+fanOut)).
func XavierNormal(fanOut, fanIn int, rng *rand.Rand) *mat.Dense {
	std := math.Sqrt(2.0 / float64(fanIn+fanOut))
	return mat.NewDense(fanOut, fanIn, NormalArray(fanOut*fanIn, std, rng))
}

// Helper functions

func ToDense(m mat.Matrix) *mat.Dense {
	if d, ok := m.(*mat.Dense); ok {
		return d
	}
	return mat.DenseCopyOf(m)
}

func MatrixNorm(m *mat.Dense) float64 {
	return mat.Norm(m, 2)
}

// debugging and clipping.

// ClipGrads scales all grads so their combined norm <= maxNorm.
// Returns the scale actually applied (<=1.0) or 1.0 if no clip.
func ClipGrads(maxNorm float64, grads ...*mat.Dense) float64 {
	if maxNorm <= 0 {
		return 1.0
	}
	sum := 0.0
	for _, g := range grads {
		if g == nil {
			continue
		}
		n := mat.Norm(g, 2)
		sum += n * n
	}
	gn := math.Sqrt(sum)
	if gn <= maxNorm || gn == 0 {
		return 1.0
	}
	s := maxNorm / gn
	for _, g := range grads {
		if g != nil {
			g.Scale(s, g)
		}
	}
	return s
}

func OnesLike(a *mat.Dense) *mat.Dense {
	r, c := a.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, 1)
		}
	}
	return out
}
