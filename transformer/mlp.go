package transformer

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/textgen/nn"
	"github.com/manningwu07/textgen/utils"
)

// MLP is the position-wise feed-forward block: Linear, GELU, dropout, Linear.
type MLP struct {
	Inputs, Hiddens int
	Hidden, Output  *nn.Linear
	drop            *nn.Dropout

	// cache for backprop
	hiddenPreAct *mat.Dense
}

func NewMLP(name string, dModel, hidden int, dropout float64, mode *nn.Mode, rng *rand.Rand) *MLP {
	return &MLP{
		Inputs:  dModel,
		Hiddens: hidden,
		Hidden:  nn.NewLinear(name+".hidden", utils.XavierNormal(hidden, dModel, rng), true),
		Output:  nn.NewLinear(name+".output", utils.XavierNormal(dModel, hidden, rng), true),
		drop:    nn.NewDropout(dropout, mode, rng),
	}
}

func (mlp *MLP) Forward(X *mat.Dense) *mat.Dense {
	mlp.hiddenPreAct = mlp.Hidden.Forward(X) // (h x T)
	act := utils.ToDense(utils.Apply(utils.GeluApply, mlp.hiddenPreAct))
	return mlp.Output.Forward(mlp.drop.Forward(act)) // (d x T)
}

func (mlp *MLP) Backward(grad *mat.Dense) *mat.Dense {
	dAct := mlp.drop.Backward(mlp.Output.Backward(grad))
	hiddenErrors := utils.ToDense(utils.Multiply(dAct, utils.GeluPrime(mlp.hiddenPreAct)))
	return mlp.Hidden.Backward(hiddenErrors)
}

func (mlp *MLP) Params() []*nn.Param { return nn.Collect(mlp.Hidden, mlp.Output) }
