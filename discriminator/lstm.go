package discriminator

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/textgen/nn"
	"github.com/manningwu07/textgen/utils"
)

// LSTMLayer is one recurrent layer with gates stacked as
// [input; forget; cell; output] along the rows of Wx, Wh and B.
type LSTMLayer struct {
	In, Hidden int
	Wx         *nn.Param // (4H x In)
	Wh         *nn.Param // (4H x H)
	B          *nn.Param // (4H x 1)

	// caches from the last Forward, one column per step
	x, hPrev, cPrev *mat.Dense
	gates           *mat.Dense // post-activation i, f, g, o
	tanhC           *mat.Dense
}

// NewLSTMLayer draws every weight from U(-1/sqrt(H), 1/sqrt(H)).
func NewLSTMLayer(name string, in, hidden int, rng *rand.Rand) *LSTMLayer {
	h := float64(hidden)
	b := nn.NewParam(name+".bias", mat.NewDense(4*hidden, 1, utils.RandomArray(4*hidden, h, rng)))
	b.NoDecay = true
	return &LSTMLayer{
		In:     in,
		Hidden: hidden,
		Wx:     nn.NewParam(name+".weight_ih", mat.NewDense(4*hidden, in, utils.RandomArray(4*hidden*in, h, rng))),
		Wh:     nn.NewParam(name+".weight_hh", mat.NewDense(4*hidden, hidden, utils.RandomArray(4*hidden*hidden, h, rng))),
		B:      b,
	}
}

// Forward runs X (In x T) from a zero state and returns every hidden state
// (H x T). T must be positive.
func (l *LSTMLayer) Forward(X *mat.Dense) *mat.Dense {
	in, T := X.Dims()
	if in != l.In {
		panic(fmt.Sprintf("LSTMLayer.Forward: input has %d rows, want %d", in, l.In))
	}
	H := l.Hidden
	l.x = X
	l.hPrev = mat.NewDense(H, T, nil)
	l.cPrev = mat.NewDense(H, T, nil)
	l.gates = mat.NewDense(4*H, T, nil)
	l.tanhC = mat.NewDense(H, T, nil)
	out := mat.NewDense(H, T, nil)

	zx := mat.NewDense(4*H, T, nil)
	zx.Mul(l.Wx.W, X)

	h := mat.NewVecDense(H, nil)
	c := make([]float64, H)
	zh := mat.NewVecDense(4*H, nil)
	for t := 0; t < T; t++ {
		l.hPrev.SetCol(t, h.RawVector().Data)
		l.cPrev.SetCol(t, c)
		zh.MulVec(l.Wh.W, h)
		for k := 0; k < H; k++ {
			z := func(gate int) float64 {
				r := gate*H + k
				return zx.At(r, t) + zh.AtVec(r) + l.B.W.At(r, 0)
			}
			i := utils.Sigmoid(z(0))
			f := utils.Sigmoid(z(1))
			g := math.Tanh(z(2))
			o := utils.Sigmoid(z(3))
			c[k] = f*c[k] + i*g
			tc := math.Tanh(c[k])
			l.gates.Set(k, t, i)
			l.gates.Set(H+k, t, f)
			l.gates.Set(2*H+k, t, g)
			l.gates.Set(3*H+k, t, o)
			l.tanhC.Set(k, t, tc)
			h.SetVec(k, o*tc)
		}
		out.SetCol(t, h.RawVector().Data)
	}
	return out
}

// Backward takes the gradient of every output state (H x T), accumulates the
// parameter gradients and returns the gradient of the input (In x T).
func (l *LSTMLayer) Backward(dOut *mat.Dense) *mat.Dense {
	H := l.Hidden
	_, T := dOut.Dims()
	dZ := mat.NewDense(4*H, T, nil)

	dhNext := mat.NewVecDense(H, nil)
	dcNext := make([]float64, H)
	dz := mat.NewVecDense(4*H, nil)
	for t := T - 1; t >= 0; t-- {
		for k := 0; k < H; k++ {
			i := l.gates.At(k, t)
			f := l.gates.At(H+k, t)
			g := l.gates.At(2*H+k, t)
			o := l.gates.At(3*H+k, t)
			tc := l.tanhC.At(k, t)

			dh := dOut.At(k, t) + dhNext.AtVec(k)
			dc := dh*o*(1-tc*tc) + dcNext[k]
			dcNext[k] = dc * f

			dz.SetVec(k, dc*g*i*(1-i))
			dz.SetVec(H+k, dc*l.cPrev.At(k, t)*f*(1-f))
			dz.SetVec(2*H+k, dc*i*(1-g*g))
			dz.SetVec(3*H+k, dh*tc*o*(1-o))
		}
		dZ.SetCol(t, dz.RawVector().Data)
		dhNext.MulVec(l.Wh.W.T(), dz)
	}

	var dW mat.Dense
	dW.Mul(dZ, l.x.T())
	l.Wx.Accumulate(&dW)
	var dU mat.Dense
	dU.Mul(dZ, l.hPrev.T())
	l.Wh.Accumulate(&dU)
	l.B.Accumulate(utils.SumCols(dZ))

	dX := mat.NewDense(l.In, T, nil)
	dX.Mul(l.Wx.W.T(), dZ)
	return dX
}

func (l *LSTMLayer) Params() []*nn.Param { return []*nn.Param{l.Wx, l.Wh, l.B} }

// LSTM stacks layers; layer n reads the hidden states of layer n-1.
type LSTM struct {
	Layers []*LSTMLayer
	Hidden int

	steps int
}

func NewLSTM(name string, in, hidden, numLayers int, rng *rand.Rand) *LSTM {
	l := &LSTM{Hidden: hidden}
	for n := 0; n < numLayers; n++ {
		width := hidden
		if n == 0 {
			width = in
		}
		l.Layers = append(l.Layers, NewLSTMLayer(fmt.Sprintf("%s.%d", name, n), width, hidden, rng))
	}
	return l
}

// Forward returns the final hidden state of every layer, concatenated
// layer by layer into a (numLayers*H x 1) vector. An empty sequence leaves
// every state at zero.
func (l *LSTM) Forward(X *mat.Dense) *mat.Dense {
	H := l.Hidden
	out := mat.NewDense(len(l.Layers)*H, 1, nil)
	if X == nil {
		l.steps = 0
		return out
	}
	_, l.steps = X.Dims()
	in := X
	for n, layer := range l.Layers {
		in = layer.Forward(in)
		out.Slice(n*H, (n+1)*H, 0, 1).(*mat.Dense).Copy(utils.LastCol(in))
	}
	return out
}

// Backward takes the gradient of Forward's output and returns the gradient
// of the input sequence, or nil for an empty sequence.
func (l *LSTM) Backward(dFinal *mat.Dense) *mat.Dense {
	if l.steps == 0 {
		return nil
	}
	H, T := l.Hidden, l.steps
	var dAbove *mat.Dense
	for n := len(l.Layers) - 1; n >= 0; n-- {
		dOut := mat.NewDense(H, T, nil)
		if dAbove != nil {
			dOut.Copy(dAbove)
		}
		for k := 0; k < H; k++ {
			dOut.Set(k, T-1, dOut.At(k, T-1)+dFinal.At(n*H+k, 0))
		}
		dAbove = l.Layers[n].Backward(dOut)
	}
	return dAbove
}

func (l *LSTM) Params() []*nn.Param {
	mods := make([]nn.Module, len(l.Layers))
	for i, layer := range l.Layers {
		mods[i] = layer
	}
	return nn.Collect(mods...)
}
