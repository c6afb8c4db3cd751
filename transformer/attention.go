package transformer

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/textgen/nn"
	"github.com/manningwu07/textgen/utils"
)

// Attention is multi-head scaled dot-product attention. Queries come from X,
// keys and values from the context C; self-attention passes X as C.
type Attention struct {
	H      int
	DModel int
	DHead  int

	Wquery  *nn.Linear
	Wkey    *nn.Linear
	Wvalue  *nn.Linear
	Woutput *nn.Linear

	// per-head dropout on the attention probabilities
	weightDrop []*nn.Dropout

	// cache for backprop
	Q, K, V *mat.Dense   // (dModel x T)
	A       []*mat.Dense // per head (Tq x Tk) probabilities
	Ad      []*mat.Dense // A after dropout
}

func NewAttention(name string, dModel, nHeads int, weightDropout float64, mode *nn.Mode, rng *rand.Rand) *Attention {
	if dModel%nHeads != 0 {
		panic(fmt.Sprintf("%s: dModel %d must be divisible by nHeads %d", name, dModel, nHeads))
	}
	attn := &Attention{
		H:       nHeads,
		DModel:  dModel,
		DHead:   dModel / nHeads,
		Wquery:  nn.NewLinear(name+".query", utils.XavierNormal(dModel, dModel, rng), true),
		Wkey:    nn.NewLinear(name+".key", utils.XavierNormal(dModel, dModel, rng), true),
		Wvalue:  nn.NewLinear(name+".value", utils.XavierNormal(dModel, dModel, rng), true),
		Woutput: nn.NewLinear(name+".output", utils.XavierNormal(dModel, dModel, rng), true),
		A:       make([]*mat.Dense, nHeads),
		Ad:      make([]*mat.Dense, nHeads),
	}
	attn.weightDrop = make([]*nn.Dropout, nHeads)
	for h := range attn.weightDrop {
		attn.weightDrop[h] = nn.NewDropout(weightDropout, mode, rng)
	}
	return attn
}

func (attn *Attention) head(m *mat.Dense, h int) *mat.Dense {
	_, T := m.Dims()
	return m.Slice(h*attn.DHead, (h+1)*attn.DHead, 0, T).(*mat.Dense)
}

// Forward attends X (dModel x Tq) over C (dModel x Tk). mask is an additive
// (Tq x Tk) matrix or nil.
func (attn *Attention) Forward(X, C, mask *mat.Dense) *mat.Dense {
	_, Tq := X.Dims()
	attn.Q = attn.Wquery.Forward(X)
	attn.K = attn.Wkey.Forward(C)
	attn.V = attn.Wvalue.Forward(C)

	rescale := 1.0 / math.Sqrt(float64(attn.DHead))
	headsCat := mat.NewDense(attn.DModel, Tq, nil)
	for h := 0; h < attn.H; h++ {
		q, k, v := attn.head(attn.Q, h), attn.head(attn.K, h), attn.head(attn.V, h)
		// S = (Q^T K)/sqrt(dHead)
		var scores mat.Dense
		scores.Mul(q.T(), k)
		scores.Scale(rescale, &scores)
		tq, tk := scores.Dims()
		attn.A[h] = mat.NewDense(tq, tk, nil)
		utils.RowSoftmaxMaskedInPlace(attn.A[h], &scores, mask)
		attn.Ad[h] = attn.weightDrop[h].Forward(attn.A[h])
		// O = V * A^T
		var o mat.Dense
		o.Mul(v, attn.Ad[h].T())
		attn.head(headsCat, h).Copy(&o)
	}
	return attn.Woutput.Forward(headsCat)
}

// Backward returns the gradients with respect to X and C of the last Forward.
// For self-attention the caller adds the two.
func (attn *Attention) Backward(dY *mat.Dense) (dX, dC *mat.Dense) {
	dOcat := attn.Woutput.Backward(dY)

	dQ := mat.NewDense(attn.DModel, attn.Q.RawMatrix().Cols, nil)
	dK := mat.NewDense(attn.DModel, attn.K.RawMatrix().Cols, nil)
	dV := mat.NewDense(attn.DModel, attn.V.RawMatrix().Cols, nil)
	rescale := 1.0 / math.Sqrt(float64(attn.DHead))

	for h := 0; h < attn.H; h++ {
		dO := attn.head(dOcat, h)
		q, k, v := attn.head(attn.Q, h), attn.head(attn.K, h), attn.head(attn.V, h)

		// O = V * Ad^T; dV is (dHead x Tk), dAd is (Tq x Tk)
		attn.head(dV, h).Copy(utils.Dot(dO, attn.Ad[h]))
		dAd := utils.ToDense(utils.Dot(dO.T(), v))
		dA := attn.weightDrop[h].Backward(dAd)

		// A = softmax_row(S)
		dS := utils.SoftmaxBackward(dA, attn.A[h])

		// S = Q^T K / sqrt(dHead)
		attn.head(dQ, h).Copy(utils.Scale(rescale, utils.Dot(k, dS.T())))
		attn.head(dK, h).Copy(utils.Scale(rescale, utils.Dot(q, dS)))
	}

	dX = attn.Wquery.Backward(dQ)
	dC = utils.ToDense(utils.Add(attn.Wkey.Backward(dK), attn.Wvalue.Backward(dV)))
	return dX, dC
}

func (attn *Attention) Params() []*nn.Param {
	return nn.Collect(attn.Wquery, attn.Wkey, attn.Wvalue, attn.Woutput)
}
