package discriminator

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/textgen/IO"
	"github.com/manningwu07/textgen/nn"
	"github.com/manningwu07/textgen/params"
	"github.com/manningwu07/textgen/utils"
)

// MaliGANDiscriminator scores token sequences with the probability that they
// come from the real corpus: embedding, stacked LSTM, the final hidden state
// of every layer concatenated, a tanh projection and a sigmoid output.
type MaliGANDiscriminator struct {
	Config     params.TrainingConfig
	Dataset    *IO.Dataset
	PadIdx     int
	VocabSize  int
	NumLayers  int
	HiddenSize int

	WordEmbedding *nn.Embedding
	LSTM          *LSTM
	HiddenLinear  *nn.Linear
	LabelLinear   *nn.Linear

	dropout *nn.Dropout
	mode    *nn.Mode

	lastIDs    []int
	lastHidden *mat.Dense // tanh(hidden_linear(...))
}

// uniformLinear draws weight and bias from U(-1/sqrt(in), 1/sqrt(in)).
func uniformLinear(name string, in, out int, rng *rand.Rand) *nn.Linear {
	l := nn.NewLinear(name, mat.NewDense(out, in, utils.RandomArray(out*in, float64(in), rng)), true)
	l.Bias.W.Copy(mat.NewDense(out, 1, utils.RandomArray(out, float64(in), rng)))
	return l
}

func NewMaliGANDiscriminator(cfg params.TrainingConfig, ds *IO.Dataset) *MaliGANDiscriminator {
	rng := rand.New(rand.NewPCG(uint64(cfg.Seed), 0xd15c))
	mode := &nn.Mode{Training: true}
	e, h, n := cfg.DiscriminatorEmbeddingSize, cfg.HiddenSize, cfg.NumDisLayers
	v := ds.VocabSize()

	return &MaliGANDiscriminator{
		Config:     cfg,
		Dataset:    ds,
		PadIdx:     ds.PaddingTokenIdx,
		VocabSize:  v,
		NumLayers:  n,
		HiddenSize: h,
		WordEmbedding: nn.NewEmbedding("discriminator.word_embedding",
			mat.NewDense(e, v, utils.NormalArray(e*v, 1.0, rng)), ds.PaddingTokenIdx),
		LSTM:         NewLSTM("discriminator.lstm", e, h, n, rng),
		HiddenLinear: uniformLinear("discriminator.hidden_linear", n*h, h, rng),
		LabelLinear:  uniformLinear("discriminator.label_linear", h, 1, rng),
		dropout:      nn.NewDropout(cfg.DropoutRate, mode, rng),
		mode:         mode,
	}
}

func (d *MaliGANDiscriminator) Train() { d.mode.Training = true }
func (d *MaliGANDiscriminator) Eval()  { d.mode.Training = false }

func (d *MaliGANDiscriminator) Params() []*nn.Param {
	return nn.Collect(d.WordEmbedding, d.LSTM, d.HiddenLinear, d.LabelLinear)
}

// forwardOne returns the pre-sigmoid score of one sequence and keeps the
// caches backwardOne needs.
func (d *MaliGANDiscriminator) forwardOne(ids []int) float64 {
	d.lastIDs = ids
	var emb *mat.Dense
	if len(ids) > 0 {
		emb = d.WordEmbedding.Forward(ids)
	}
	final := d.LSTM.Forward(emb)
	hid := d.HiddenLinear.Forward(final)
	hid.Apply(utils.TanhApply, hid)
	d.lastHidden = hid
	return d.LabelLinear.Forward(d.dropout.Forward(hid)).At(0, 0)
}

// backwardOne propagates dLogit, the gradient of the pre-sigmoid score.
func (d *MaliGANDiscriminator) backwardOne(dLogit float64) {
	dHid := d.dropout.Backward(d.LabelLinear.Backward(mat.NewDense(1, 1, []float64{dLogit})))
	dHid.Apply(func(i, j int, g float64) float64 {
		t := d.lastHidden.At(i, j)
		return g * (1 - t*t)
	}, dHid)
	dFinal := d.HiddenLinear.Backward(dHid)
	if dEmb := d.LSTM.Backward(dFinal); dEmb != nil {
		d.WordEmbedding.Backward(d.lastIDs, dEmb)
	}
}

// Forward returns one probability in (0, 1) per sequence.
func (d *MaliGANDiscriminator) Forward(data [][]int) []float64 {
	out := make([]float64, len(data))
	for i, ids := range data {
		out[i] = utils.Sigmoid(d.forwardOne(ids))
	}
	return out
}

// CalculateLoss is the binary cross-entropy of real sequences against label 1
// and fake ones against label 0, averaged over all of them.
func (d *MaliGANDiscriminator) CalculateLoss(real, fake [][]int) float64 {
	return d.loss(real, fake, false)
}

// ForwardBackward computes CalculateLoss and accumulates its gradients.
func (d *MaliGANDiscriminator) ForwardBackward(real, fake [][]int) float64 {
	return d.loss(real, fake, true)
}

func (d *MaliGANDiscriminator) loss(real, fake [][]int, backward bool) float64 {
	n := len(real) + len(fake)
	if n == 0 {
		return math.NaN()
	}
	total := 0.0
	run := func(seqs [][]int, label float64) {
		for _, ids := range seqs {
			for _, id := range ids {
				if id < 0 || id >= d.VocabSize {
					panic(fmt.Sprintf("discriminator: token id %d outside vocabulary of %d", id, d.VocabSize))
				}
			}
			p := utils.Sigmoid(d.forwardOne(ids))
			total += utils.BinaryCrossEntropy(p, label)
			if backward {
				d.backwardOne((p - label) / float64(n))
			}
		}
	}
	run(real, 1)
	run(fake, 0)
	return total / float64(n)
}
