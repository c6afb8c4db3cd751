package transformer

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/textgen/nn"
	"github.com/manningwu07/textgen/optimizations"
	"github.com/manningwu07/textgen/utils"
)

const lnEps = 1e-5

// LayerConfig carries the sizes and dropout ratios shared by every layer.
type LayerConfig struct {
	DModel            int
	FFNSize           int
	NumHeads          int
	AttnDropout       float64 // on the attention sub-layer output
	AttnWeightDropout float64 // on the attention probabilities
	FFNDropout        float64 // on the FFN hidden activations and output
}

// EncoderLayer is a post-norm block:
// h = LN(x + drop(SelfAttn(x))), y = LN(h + drop(FFN(h))).
type EncoderLayer struct {
	SelfAttn *Attention
	Mlp      *MLP
	Ln1, Ln2 *optimizations.LayerNorm

	attnDrop, ffnDrop *nn.Dropout
}

func NewEncoderLayer(name string, c LayerConfig, mode *nn.Mode, rng *rand.Rand) *EncoderLayer {
	return &EncoderLayer{
		SelfAttn: NewAttention(name+".self_attn", c.DModel, c.NumHeads, c.AttnWeightDropout, mode, rng),
		Mlp:      NewMLP(name+".ffn", c.DModel, c.FFNSize, c.FFNDropout, mode, rng),
		Ln1:      optimizations.NewLayerNorm(name+".ln1", c.DModel, lnEps),
		Ln2:      optimizations.NewLayerNorm(name+".ln2", c.DModel, lnEps),
		attnDrop: nn.NewDropout(c.AttnDropout, mode, rng),
		ffnDrop:  nn.NewDropout(c.FFNDropout, mode, rng),
	}
}

func (l *EncoderLayer) Forward(X, mask *mat.Dense) *mat.Dense {
	a := l.attnDrop.Forward(l.SelfAttn.Forward(X, X, mask))
	h := l.Ln1.Forward(utils.ToDense(utils.Add(X, a)))
	f := l.ffnDrop.Forward(l.Mlp.Forward(h))
	return l.Ln2.Forward(utils.ToDense(utils.Add(h, f)))
}

func (l *EncoderLayer) Backward(dY *mat.Dense) *mat.Dense {
	dz2 := l.Ln2.Backward(dY)
	dH := utils.ToDense(utils.Add(dz2, l.Mlp.Backward(l.ffnDrop.Backward(dz2))))
	dz1 := l.Ln1.Backward(dH)
	dXq, dXkv := l.SelfAttn.Backward(l.attnDrop.Backward(dz1))
	return utils.ToDense(utils.Add(dz1, utils.Add(dXq, dXkv)))
}

func (l *EncoderLayer) Params() []*nn.Param {
	return nn.Collect(l.SelfAttn, l.Ln1, l.Mlp, l.Ln2)
}

// DecoderLayer adds cross-attention over external (encoder) states between
// the masked self-attention and the FFN.
type DecoderLayer struct {
	SelfAttn      *Attention
	CrossAttn     *Attention
	Mlp           *MLP
	Ln1, Ln2, Ln3 *optimizations.LayerNorm

	selfDrop, crossDrop, ffnDrop *nn.Dropout
}

func NewDecoderLayer(name string, c LayerConfig, mode *nn.Mode, rng *rand.Rand) *DecoderLayer {
	return &DecoderLayer{
		SelfAttn:  NewAttention(name+".self_attn", c.DModel, c.NumHeads, c.AttnWeightDropout, mode, rng),
		CrossAttn: NewAttention(name+".cross_attn", c.DModel, c.NumHeads, c.AttnWeightDropout, mode, rng),
		Mlp:       NewMLP(name+".ffn", c.DModel, c.FFNSize, c.FFNDropout, mode, rng),
		Ln1:       optimizations.NewLayerNorm(name+".ln1", c.DModel, lnEps),
		Ln2:       optimizations.NewLayerNorm(name+".ln2", c.DModel, lnEps),
		Ln3:       optimizations.NewLayerNorm(name+".ln3", c.DModel, lnEps),
		selfDrop:  nn.NewDropout(c.AttnDropout, mode, rng),
		crossDrop: nn.NewDropout(c.AttnDropout, mode, rng),
		ffnDrop:   nn.NewDropout(c.FFNDropout, mode, rng),
	}
}

// Forward decodes X (d x Tq) against external states E (d x Tk).
func (l *DecoderLayer) Forward(X, E, selfMask, crossMask *mat.Dense) *mat.Dense {
	a := l.selfDrop.Forward(l.SelfAttn.Forward(X, X, selfMask))
	h1 := l.Ln1.Forward(utils.ToDense(utils.Add(X, a)))
	c := l.crossDrop.Forward(l.CrossAttn.Forward(h1, E, crossMask))
	h2 := l.Ln2.Forward(utils.ToDense(utils.Add(h1, c)))
	f := l.ffnDrop.Forward(l.Mlp.Forward(h2))
	return l.Ln3.Forward(utils.ToDense(utils.Add(h2, f)))
}

// Backward returns dX and the gradient with respect to the external states.
func (l *DecoderLayer) Backward(dY *mat.Dense) (dX, dE *mat.Dense) {
	dz3 := l.Ln3.Backward(dY)
	dH2 := utils.ToDense(utils.Add(dz3, l.Mlp.Backward(l.ffnDrop.Backward(dz3))))
	dz2 := l.Ln2.Backward(dH2)
	dQ, dE := l.CrossAttn.Backward(l.crossDrop.Backward(dz2))
	dH1 := utils.ToDense(utils.Add(dz2, dQ))
	dz1 := l.Ln1.Backward(dH1)
	dXq, dXkv := l.SelfAttn.Backward(l.selfDrop.Backward(dz1))
	return utils.ToDense(utils.Add(dz1, utils.Add(dXq, dXkv))), dE
}

func (l *DecoderLayer) Params() []*nn.Param {
	return nn.Collect(l.SelfAttn, l.Ln1, l.CrossAttn, l.Ln2, l.Mlp, l.Ln3)
}

// Encoder stacks EncoderLayers.
type Encoder struct {
	Layers []*EncoderLayer
}

func NewEncoder(n int, c LayerConfig, mode *nn.Mode, rng *rand.Rand) *Encoder {
	enc := &Encoder{Layers: make([]*EncoderLayer, n)}
	for i := range enc.Layers {
		enc.Layers[i] = NewEncoderLayer(fmt.Sprintf("encoder.%d", i), c, mode, rng)
	}
	return enc
}

func (e *Encoder) Forward(X, mask *mat.Dense) *mat.Dense {
	Y := X
	for _, l := range e.Layers {
		Y = l.Forward(Y, mask)
	}
	return Y
}

func (e *Encoder) Backward(dY *mat.Dense) *mat.Dense {
	for i := len(e.Layers) - 1; i >= 0; i-- {
		dY = e.Layers[i].Backward(dY)
	}
	return dY
}

func (e *Encoder) Params() []*nn.Param {
	mods := make([]nn.Module, len(e.Layers))
	for i, l := range e.Layers {
		mods[i] = l
	}
	return nn.Collect(mods...)
}

// Decoder stacks DecoderLayers, all attending to the same external states.
type Decoder struct {
	Layers []*DecoderLayer
}

func NewDecoder(n int, c LayerConfig, mode *nn.Mode, rng *rand.Rand) *Decoder {
	dec := &Decoder{Layers: make([]*DecoderLayer, n)}
	for i := range dec.Layers {
		dec.Layers[i] = NewDecoderLayer(fmt.Sprintf("decoder.%d", i), c, mode, rng)
	}
	return dec
}

func (d *Decoder) Forward(X, E, selfMask, crossMask *mat.Dense) *mat.Dense {
	Y := X
	for _, l := range d.Layers {
		Y = l.Forward(Y, E, selfMask, crossMask)
	}
	return Y
}

// Backward returns dX and the summed gradient for the external states.
func (d *Decoder) Backward(dY *mat.Dense) (dX, dE *mat.Dense) {
	for i := len(d.Layers) - 1; i >= 0; i-- {
		var dEi *mat.Dense
		dY, dEi = d.Layers[i].Backward(dY)
		if dE == nil {
			dE = dEi
		} else {
			dE = utils.ToDense(utils.Add(dE, dEi))
		}
	}
	return dY, dE
}

func (d *Decoder) Params() []*nn.Param {
	mods := make([]nn.Module, len(d.Layers))
	for i, l := range d.Layers {
		mods[i] = l
	}
	return nn.Collect(mods...)
}
