package discriminator

import (
	"math"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/textgen/IO"
	"github.com/manningwu07/textgen/nn"
	"github.com/manningwu07/textgen/params"
	"github.com/manningwu07/textgen/utils"
)

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
	if math.Abs(num-ana) > 1e-6+1e-4*math.Abs(num) {
		t.Fatalf("%s[%d,%d] grad mismatch: num=%.6g ana=%.6g", name, i, j, num, ana)
	}
}

func TestLSTMGradCheck(t *testing.T) {
	rng := rand.New(rand.NewPCG(21, 0))
	l := NewLSTM("lstm", 3, 4, 2, rng)
	X := mat.NewDense(3, 5, utils.RandomArray(15, 1, rng))
	R := mat.NewDense(8, 1, utils.RandomArray(8, 1, rng))
	loss := func() float64 { return mat.Sum(utils.Multiply(l.Forward(X), R)) }

	l.Forward(X)
	dX := l.Backward(R)
	for _, layer := range l.Layers {
		finiteDiffCheck(t, layer.Wx.Name, layer.Wx.W, layer.Wx.Grad, loss, 5, 1)
		finiteDiffCheck(t, layer.Wh.Name, layer.Wh.W, layer.Wh.Grad, loss, 13, 2)
		finiteDiffCheck(t, layer.B.Name, layer.B.W, layer.B.Grad, loss, 9, 0)
		finiteDiffCheck(t, layer.B.Name, layer.B.W, layer.B.Grad, loss, 2, 0)
	}
	finiteDiffCheck(t, "X", X, dX, loss, 1, 0)
	finiteDiffCheck(t, "X", X, dX, loss, 2, 4)
}

func TestLSTMFinalStatesPerLayer(t *testing.T) {
	rng := rand.New(rand.NewPCG(22, 0))
	l := NewLSTM("lstm", 2, 3, 2, rng)
	X := mat.NewDense(2, 4, utils.RandomArray(8, 1, rng))
	final := l.Forward(X)
	if r, c := final.Dims(); r != 6 || c != 1 {
		t.Fatalf("final state is %dx%d, want 6x1", r, c)
	}

	// layer 0's last state equals a standalone run of that layer
	h0 := l.Layers[0].Forward(X)
	for k := 0; k < 3; k++ {
		if final.At(k, 0) != h0.At(k, 3) {
			t.Fatalf("layer 0 state row %d: %g vs %g", k, final.At(k, 0), h0.At(k, 3))
		}
	}
	if empty := l.Forward(nil); mat.Sum(empty) != 0 {
		t.Fatal("empty sequence should leave the state at zero")
	}
	if l.Backward(mat.NewDense(6, 1, nil)) != nil {
		t.Fatal("empty sequence has no input gradient")
	}
}

func testDiscriminator(dropout float64) *MaliGANDiscriminator {
	cfg := params.Default()
	cfg.HiddenSize = 5
	cfg.DiscriminatorEmbeddingSize = 4
	cfg.NumDisLayers = 2
	cfg.DropoutRate = dropout
	cfg.Seed = 3
	v := IO.NewVocabulary([]string{"<pad>", "<bos>", "<eos>", "<unk>", "x", "y", "z"})
	return NewMaliGANDiscriminator(cfg, IO.NewDataset(v, v))
}

var (
	realSeqs = [][]int{{1, 4, 5, 2}, {1, 6, 2, 0}}
	fakeSeqs = [][]int{{1, 5, 5, 5, 2}, {1, 2, 0, 0, 0}, {1, 4, 2, 0, 0}}
)

func TestDiscriminatorProbabilities(t *testing.T) {
	d := testDiscriminator(0.25)
	d.Eval()
	for _, p := range d.Forward(append(realSeqs, fakeSeqs...)) {
		if p <= 0 || p >= 1 {
			t.Fatalf("probability %g outside (0, 1)", p)
		}
	}
	if len(d.Forward(nil)) != 0 {
		t.Fatal("no sequences, no scores")
	}
}

func TestDiscriminatorLossMatchesBCE(t *testing.T) {
	d := testDiscriminator(0)
	real := d.Forward(realSeqs)
	fake := d.Forward(fakeSeqs)
	want := 0.0
	for _, p := range real {
		want -= math.Log(p)
	}
	for _, p := range fake {
		want -= math.Log(1 - p)
	}
	want /= float64(len(real) + len(fake))
	if got := d.CalculateLoss(realSeqs, fakeSeqs); math.Abs(got-want) > 1e-12 {
		t.Fatalf("loss = %.12g, want %.12g", got, want)
	}
}

func TestDiscriminatorGradCheck(t *testing.T) {
	d := testDiscriminator(0)
	loss := func() float64 { return d.CalculateLoss(realSeqs, fakeSeqs) }
	nn.ZeroGrads(d.Params())
	d.ForwardBackward(realSeqs, fakeSeqs)

	check := func(p *nn.Param, i, j int) {
		finiteDiffCheck(t, p.Name, p.W, p.Grad, loss, i, j)
	}
	check(d.WordEmbedding.Weight, 2, 5)
	check(d.LSTM.Layers[0].Wx, 7, 3)
	check(d.LSTM.Layers[1].Wh, 16, 4)
	check(d.HiddenLinear.Weight, 1, 8)
	check(d.HiddenLinear.Bias, 3, 0)
	check(d.LabelLinear.Weight, 0, 2)
	check(d.LabelLinear.Bias, 0, 0)

	if g := mat.Col(nil, 0, d.WordEmbedding.Weight.Grad); mat.Norm(mat.NewVecDense(len(g), g), 2) != 0 {
		t.Fatal("padding embedding received gradient")
	}
}

func TestDiscriminatorTrainingReducesLoss(t *testing.T) {
	d := testDiscriminator(0)
	const lr = 0.05
	ps := d.Params()
	before := d.CalculateLoss(realSeqs, fakeSeqs)
	for step := 1; step <= 30; step++ {
		d.ForwardBackward(realSeqs, fakeSeqs)
		for _, p := range ps {
			p.W.Sub(p.W, utils.Scale(lr, p.Grad))
			p.ZeroGrad()
		}
	}
	if after := d.CalculateLoss(realSeqs, fakeSeqs); after >= before {
		t.Fatalf("loss did not drop: %g -> %g", before, after)
	}
}

func TestDiscriminatorCheckpoint(t *testing.T) {
	d := testDiscriminator(0)
	path := filepath.Join(t.TempDir(), "disc.gob")
	if err := d.Save(path, 4); err != nil {
		t.Fatal(err)
	}
	restored, err := FromCheckpoint(path)
	if err != nil {
		t.Fatal(err)
	}
	a, b := d.Forward(realSeqs), restored.Forward(realSeqs)
	for i := range a {
		if math.Abs(a[i]-b[i]) > 1e-12 {
			t.Fatalf("restored discriminator scores %g, want %g", b[i], a[i])
		}
	}
}
