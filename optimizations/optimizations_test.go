package optimizations

import (
	"math"
	"math/rand/v2"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/textgen/nn"
	"github.com/manningwu07/textgen/params"
	"github.com/manningwu07/textgen/utils"
)

func TestLayerNormGradCheck(t *testing.T) {
	rng := rand.New(rand.NewPCG(4, 2))
	ln := NewLayerNorm("ln", 5, 1e-5)
	ln.Gamma.W.Copy(mat.NewDense(5, 1, utils.RandomArray(5, 1, rng)))
	ln.Beta.W.Copy(mat.NewDense(5, 1, utils.RandomArray(5, 1, rng)))
	X := mat.NewDense(5, 3, utils.RandomArray(15, 1, rng))
	R := mat.NewDense(5, 3, utils.RandomArray(15, 1, rng))
	loss := func() float64 { return mat.Sum(utils.Multiply(ln.Forward(X), R)) }

	ln.Forward(X)
	dX := ln.Backward(R)

	eps := 1e-5
	check := func(name string, m, grad *mat.Dense, i, j int) {
		w0 := m.At(i, j)
		m.Set(i, j, w0+eps)
		lp := loss()
		m.Set(i, j, w0-eps)
		lm := loss()
		m.Set(i, j, w0)
		if num := (lp - lm) / (2 * eps); math.Abs(num-grad.At(i, j)) > 1e-5 {
			t.Fatalf("%s[%d,%d] grad mismatch: num=%.6g ana=%.6g", name, i, j, num, grad.At(i, j))
		}
	}
	check("gamma", ln.Gamma.W, ln.Gamma.Grad, 2, 0)
	check("beta", ln.Beta.W, ln.Beta.Grad, 4, 0)
	check("X", X, dX, 1, 2)
	check("X", X, dX, 3, 0)
}

func TestLayerNormNormalizesColumns(t *testing.T) {
	ln := NewLayerNorm("ln", 4, 1e-8)
	Y := ln.Forward(mat.NewDense(4, 2, []float64{1, 10, 2, 20, 3, 30, 4, 40}))
	for c := 0; c < 2; c++ {
		col := mat.Col(nil, c, Y)
		mu, v := 0.0, 0.0
		for _, x := range col {
			mu += x
		}
		mu /= 4
		for _, x := range col {
			v += (x - mu) * (x - mu)
		}
		if math.Abs(mu) > 1e-9 || math.Abs(v/4-1) > 1e-6 {
			t.Fatalf("column %d: mean %g var %g", c, mu, v/4)
		}
	}
}

func TestAdamFirstStep(t *testing.T) {
	cfg := params.Default()
	cfg.LearningRate = 0.1
	cfg.WarmupSteps = 0
	cfg.DecaySteps = 0
	cfg.GradClip = 0
	cfg.WeightDecay = 0.5

	w := nn.NewParam("w", mat.NewDense(1, 2, []float64{1, 1}))
	b := nn.NewParam("b", mat.NewDense(1, 1, []float64{1}))
	b.NoDecay = true
	w.Grad.Copy(mat.NewDense(1, 2, []float64{3, -2}))
	b.Grad.Set(0, 0, 0.5)

	opt := NewAdam([]*nn.Param{w, b}, cfg)
	if lr := opt.Step(); lr != 0.1 {
		t.Fatalf("lr = %g, want 0.1", lr)
	}
	// bias-corrected first step moves each weight by lr*sign(g), plus decay
	if got, want := w.W.At(0, 0), 1-0.1*(1+0.5); math.Abs(got-want) > 1e-6 {
		t.Fatalf("w[0] = %g, want %g", got, want)
	}
	if got, want := w.W.At(0, 1), 1+0.1*(1-0.5); math.Abs(got-want) > 1e-6 {
		t.Fatalf("w[1] = %g, want %g", got, want)
	}
	if got, want := b.W.At(0, 0), 0.9; math.Abs(got-want) > 1e-6 {
		t.Fatalf("bias = %g, want %g (no decay)", got, want)
	}
	if mat.Sum(w.Grad) != 0 || b.Grad.At(0, 0) != 0 {
		t.Fatal("Step must clear gradients")
	}
	if opt.T != 1 {
		t.Fatalf("T = %d", opt.T)
	}
}

func TestAdamClipsGlobalNorm(t *testing.T) {
	cfg := params.Default()
	cfg.GradClip = 1
	p := nn.NewParam("p", mat.NewDense(1, 2, nil))
	p.Grad.Copy(mat.NewDense(1, 2, []float64{30, 40}))
	opt := NewAdam([]*nn.Param{p}, cfg)
	opt.Step()
	// first moment after one step is (1-beta1)*clipped grad
	if got, want := p.M.At(0, 1), (1-cfg.AdamBeta1)*0.8; math.Abs(got-want) > 1e-12 {
		t.Fatalf("moment = %g, want %g", got, want)
	}
}

func TestLRSchedule(t *testing.T) {
	if got := LRSchedule(0, 1, 10, 0); got != 0 {
		t.Fatalf("step 0 lr = %g", got)
	}
	if got := LRSchedule(5, 1, 10, 0); math.Abs(got-0.5) > 1e-12 {
		t.Fatalf("mid-warmup lr = %g, want 0.5", got)
	}
	if got := LRSchedule(10, 1, 10, 100); math.Abs(got-1) > 1e-12 {
		t.Fatalf("peak lr = %g", got)
	}
	if got := LRSchedule(60, 1, 10, 100); math.Abs(got-0.5) > 1e-12 {
		t.Fatalf("half-decay lr = %g, want 0.5", got)
	}
	if got := LRSchedule(1000, 1, 10, 100); math.Abs(got) > 1e-12 {
		t.Fatalf("end of decay lr = %g", got)
	}
}
