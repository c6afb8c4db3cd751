package nn

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Param is a trainable weight with its gradient accumulator and Adam moments.
type Param struct {
	Name    string
	W       *mat.Dense
	Grad    *mat.Dense
	M, V    *mat.Dense
	NoDecay bool // biases, norms and embeddings skip weight decay
}

func NewParam(name string, w *mat.Dense) *Param {
	r, c := w.Dims()
	return &Param{
		Name: name,
		W:    w,
		Grad: mat.NewDense(r, c, nil),
		M:    mat.NewDense(r, c, nil),
		V:    mat.NewDense(r, c, nil),
	}
}

// Accumulate adds g into the gradient.
func (p *Param) Accumulate(g mat.Matrix) {
	pr, pc := p.Grad.Dims()
	if gr, gc := g.Dims(); gr != pr || gc != pc {
		panic(fmt.Sprintf("%s: grad is %dx%d, param %dx%d", p.Name, gr, gc, pr, pc))
	}
	p.Grad.Add(p.Grad, g)
}

func (p *Param) ZeroGrad() { p.Grad.Zero() }

// Module is anything that owns parameters.
type Module interface {
	Params() []*Param
}

// Collect flattens the parameters of several modules. A parameter reachable
// from more than one module (tied embeddings) is listed once.
func Collect(mods ...Module) []*Param {
	var out []*Param
	seen := map[*Param]bool{}
	for _, m := range mods {
		if m == nil {
			continue
		}
		for _, p := range m.Params() {
			if seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// ZeroGrads clears every gradient.
func ZeroGrads(ps []*Param) {
	for _, p := range ps {
		p.ZeroGrad()
	}
}

// ShareWeights points every dst weight at the matching src matrix. Gradients
// and moments stay private to dst.
func ShareWeights(dst, src []*Param) {
	if len(dst) != len(src) {
		panic(fmt.Sprintf("ShareWeights: %d params vs %d", len(dst), len(src)))
	}
	for i := range dst {
		dst[i].W = src[i].W
	}
}
