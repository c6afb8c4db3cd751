package transformer

import (
	"math"
	"math/rand/v2"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/textgen/nn"
	"github.com/manningwu07/textgen/utils"
)

// finiteDiffCheck compares grad[i,j] with a central difference of loss
// taken by perturbing m[i,j].
func finiteDiffCheck(t *testing.T, name string, m, grad *mat.Dense, loss func() float64, i, j int) {
	t.Helper()
	eps := 1e-5
	w0 := m.At(i, j)
	m.Set(i, j, w0+eps)
	lp := loss()
	m.Set(i, j, w0-eps)
	lm := loss()
	m.Set(i, j, w0)

	num := (lp - lm) / (2.0 * eps)
	ana := grad.At(i, j)
	if math.Abs(num-ana) > 1e-5+1e-4*math.Abs(num) {
		t.Fatalf("%s[%d,%d] grad mismatch: num=%.6g ana=%.6g", name, i, j, num, ana)
	}
}

func checkParam(t *testing.T, p *nn.Param, loss func() float64, i, j int) {
	t.Helper()
	finiteDiffCheck(t, p.Name, p.W, p.Grad, loss, i, j)
}

func randDense(r, c int, rng *rand.Rand) *mat.Dense {
	return mat.NewDense(r, c, utils.RandomArray(r*c, 1, rng))
}

func TestCrossAttentionGradCheck(t *testing.T) {
	rng := rand.New(rand.NewPCG(123, 0))
	mode := &nn.Mode{}
	attn := NewAttention("attn", 4, 2, 0, mode, rng)

	X := randDense(4, 3, rng)
	C := randDense(4, 5, rng)
	R := randDense(4, 3, rng)
	mask := utils.PaddingMask(3, []int{4, 5, 6, 0, 0}, 0)
	loss := func() float64 { return mat.Sum(utils.Multiply(attn.Forward(X, C, mask), R)) }

	attn.Forward(X, C, mask)
	dX, dC := attn.Backward(R)

	checkParam(t, attn.Wquery.Weight, loss, 1, 2)
	checkParam(t, attn.Wkey.Weight, loss, 0, 3)
	checkParam(t, attn.Wvalue.Weight, loss, 3, 1)
	checkParam(t, attn.Woutput.Weight, loss, 2, 2)
	checkParam(t, attn.Wquery.Bias, loss, 2, 0)
	finiteDiffCheck(t, "X", X, dX, loss, 1, 1)
	finiteDiffCheck(t, "C", C, dC, loss, 2, 0)

	// masked context positions receive nothing
	for i := 0; i < 4; i++ {
		if dC.At(i, 3) != 0 || dC.At(i, 4) != 0 {
			t.Fatalf("gradient reached padded context: %v", mat.Formatted(dC))
		}
	}
}

func TestCausalSelfAttentionIgnoresFuture(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 0))
	attn := NewAttention("attn", 4, 2, 0, &nn.Mode{}, rng)
	X := randDense(4, 4, rng)
	Y1 := mat.DenseCopyOf(attn.Forward(X, X, utils.CausalMask(4)))

	X2 := mat.DenseCopyOf(X)
	X2.Set(0, 3, X2.At(0, 3)+5)
	Y2 := attn.Forward(X2, X2, utils.CausalMask(4))
	for t2 := 0; t2 < 3; t2++ {
		for i := 0; i < 4; i++ {
			if math.Abs(Y1.At(i, t2)-Y2.At(i, t2)) > 1e-12 {
				t.Fatalf("position %d changed after editing position 3", t2)
			}
		}
	}
}

func TestEncoderLayerGradCheck(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 0))
	c := LayerConfig{DModel: 4, FFNSize: 6, NumHeads: 2}
	l := NewEncoderLayer("enc", c, &nn.Mode{}, rng)
	X := randDense(4, 3, rng)
	R := randDense(4, 3, rng)
	loss := func() float64 { return mat.Sum(utils.Multiply(l.Forward(X, nil), R)) }

	l.Forward(X, nil)
	dX := l.Backward(R)
	checkParam(t, l.SelfAttn.Wvalue.Weight, loss, 0, 1)
	checkParam(t, l.Mlp.Hidden.Weight, loss, 5, 2)
	checkParam(t, l.Mlp.Output.Bias, loss, 3, 0)
	checkParam(t, l.Ln1.Gamma, loss, 1, 0)
	finiteDiffCheck(t, "X", X, dX, loss, 2, 1)
}

func TestDecoderLayerGradCheck(t *testing.T) {
	rng := rand.New(rand.NewPCG(12, 0))
	c := LayerConfig{DModel: 4, FFNSize: 6, NumHeads: 2}
	l := NewDecoderLayer("dec", c, &nn.Mode{}, rng)
	X := randDense(4, 3, rng)
	E := randDense(4, 2, rng)
	R := randDense(4, 3, rng)
	causal := utils.CausalMask(3)
	loss := func() float64 { return mat.Sum(utils.Multiply(l.Forward(X, E, causal, nil), R)) }

	l.Forward(X, E, causal, nil)
	dX, dE := l.Backward(R)
	checkParam(t, l.SelfAttn.Wquery.Weight, loss, 2, 3)
	checkParam(t, l.CrossAttn.Wkey.Weight, loss, 1, 0)
	checkParam(t, l.Ln3.Beta, loss, 0, 0)
	finiteDiffCheck(t, "X", X, dX, loss, 0, 2)
	finiteDiffCheck(t, "E", E, dE, loss, 3, 1)
}
