package transformer

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/textgen/IO"
	"github.com/manningwu07/textgen/nn"
	"github.com/manningwu07/textgen/params"
	"github.com/manningwu07/textgen/utils"
)

// TransformerEncDec is a Transformer encoder-decoder for conditional generation.
type TransformerEncDec struct {
	Config  params.TrainingConfig
	Dataset *IO.Dataset

	PaddingTokenIdx int
	SosTokenIdx     int
	EosTokenIdx     int
	MaxTargetLength int

	SourceTokenEmbedder *nn.Embedding
	TargetTokenEmbedder *nn.Embedding // same object as the source one with share_vocab
	PositionEmbedder    nn.PositionEmbedder
	Encoder             *Encoder
	Decoder             *Decoder
	VocabLinear         *nn.Linear

	mode     *nn.Mode
	genCalls uint64
	clones   []*TransformerEncDec // generation workers, see workerClones
}

func NewTransformerEncDec(cfg params.TrainingConfig, ds *IO.Dataset) *TransformerEncDec {
	rng := rand.New(rand.NewPCG(uint64(cfg.Seed), 0x5eed))
	d := cfg.EmbeddingSize
	mode := &nn.Mode{Training: true}

	m := &TransformerEncDec{
		Config:          cfg,
		Dataset:         ds,
		PaddingTokenIdx: ds.PaddingTokenIdx,
		SosTokenIdx:     ds.SosTokenIdx,
		EosTokenIdx:     ds.EosTokenIdx,
		MaxTargetLength: cfg.TargetMaxSeqLength,
		mode:            mode,
	}

	srcV := ds.SourceVocabSize()
	m.SourceTokenEmbedder = nn.NewEmbedding("source_embedder",
		mat.NewDense(d, srcV, utils.NormalArray(d*srcV, 1.0, rng)), ds.PaddingTokenIdx)
	if cfg.ShareVocab {
		m.TargetTokenEmbedder = m.SourceTokenEmbedder
	} else {
		tgtV := ds.TargetVocabSize()
		m.TargetTokenEmbedder = nn.NewEmbedding("target_embedder",
			mat.NewDense(d, tgtV, utils.NormalArray(d*tgtV, 1.0, rng)), ds.PaddingTokenIdx)
	}

	if cfg.LearnedPositionEmbedder {
		m.PositionEmbedder = nn.NewLearnedPositionalEmbedding("position_embedder", d, cfg.MaxPositionEmbeddings, rng)
	} else {
		m.PositionEmbedder = nn.NewSinusoidalPositionalEmbedding(d)
	}

	lc := LayerConfig{
		DModel:            d,
		FFNSize:           cfg.FFNSize,
		NumHeads:          utils.ChooseValidHeads(d, cfg.NumHeads),
		AttnDropout:       cfg.AttnDropoutRatio,
		AttnWeightDropout: cfg.AttnWeightDropoutRatio,
		FFNDropout:        cfg.FFNDropoutRatio,
	}
	m.Encoder = NewEncoder(cfg.NumEncLayers, lc, mode, rng)
	m.Decoder = NewDecoder(cfg.NumDecLayers, lc, mode, rng)

	tgtV := ds.TargetVocabSize()
	m.VocabLinear = nn.NewLinear("vocab_linear",
		mat.NewDense(tgtV, d, utils.NormalArray(tgtV*d, 0.02, rng)), true)
	return m
}

// Train enables dropout.
func (m *TransformerEncDec) Train() { m.mode.Training = true }

// Eval disables dropout.
func (m *TransformerEncDec) Eval() { m.mode.Training = false }

func (m *TransformerEncDec) Training() bool { return m.mode.Training }

func (m *TransformerEncDec) Params() []*nn.Param {
	mods := []nn.Module{m.SourceTokenEmbedder, m.TargetTokenEmbedder}
	if ps := m.PositionEmbedder.Params(); len(ps) > 0 {
		mods = append(mods, m.PositionEmbedder)
	}
	mods = append(mods, m.Encoder, m.Decoder, m.VocabLinear)
	return nn.Collect(mods...)
}

// encode embeds src (tokens + positions) and runs the padding-masked encoder.
func (m *TransformerEncDec) encode(src []int) *mat.Dense {
	X := m.SourceTokenEmbedder.Forward(src)
	X.Add(X, m.PositionEmbedder.Forward(len(src)))
	return m.Encoder.Forward(X, utils.PaddingMask(len(src), src, m.PaddingTokenIdx))
}

// decode runs the decoder over the target prefix tgtIn with causal and padding
// masks, attending to enc, and returns (target_vocab x T) logits.
func (m *TransformerEncDec) decode(tgtIn []int, enc *mat.Dense, src []int) *mat.Dense {
	T := len(tgtIn)
	Y := m.TargetTokenEmbedder.Forward(tgtIn)
	Y.Add(Y, m.PositionEmbedder.Forward(T))
	selfMask := utils.CombineMasks(utils.CausalMask(T), utils.PaddingMask(T, tgtIn, m.PaddingTokenIdx))
	crossMask := utils.PaddingMask(T, src, m.PaddingTokenIdx)
	H := m.Decoder.Forward(Y, enc, selfMask, crossMask)
	return m.VocabLinear.Forward(H)
}

// Forward returns (target_vocab x len(tgtIn)) logits for one example.
func (m *TransformerEncDec) Forward(src, tgtIn []int) *mat.Dense {
	return m.decode(tgtIn, m.encode(src), src)
}

// CalculateLoss is the batch loss: per-token cross-entropy over the shifted
// target (padding excluded), summed per sequence, divided by the true target
// length minus one, averaged over the batch.
func (m *TransformerEncDec) CalculateLoss(b *IO.Batch) float64 {
	return m.batchLoss(b, false)
}

// ForwardBackward computes CalculateLoss and accumulates its gradients.
func (m *TransformerEncDec) ForwardBackward(b *IO.Batch) float64 {
	return m.batchLoss(b, true)
}

func (m *TransformerEncDec) batchLoss(b *IO.Batch, backward bool) float64 {
	n := b.Size()
	if n == 0 {
		return 0
	}
	if len(b.SourceIdx) != n {
		panic(fmt.Sprintf("CalculateLoss: %d sources for %d targets", len(b.SourceIdx), n))
	}
	total := 0.0
	for i := 0; i < n; i++ {
		total += m.exampleLoss(b.SourceIdx[i], b.TargetIdx[i], b.TargetLength[i], backward, 1.0/float64(n))
	}
	return total / float64(n)
}

// exampleLoss returns the length-normalised loss of one example. With
// backward set, gradients of scale*loss are accumulated.
func (m *TransformerEncDec) exampleLoss(src, tgt []int, length int, backward bool, scale float64) float64 {
	if len(tgt) < 2 {
		panic("exampleLoss: target needs at least <bos> and one more token")
	}
	norm := float64(max(length-1, 1))
	tgtIn, gold := tgt[:len(tgt)-1], tgt[1:]

	enc := m.encode(src)
	logits := m.decode(tgtIn, enc, src)
	vocab, T := logits.Dims()

	var dLogits *mat.Dense
	if backward {
		dLogits = mat.NewDense(vocab, T, nil)
	}
	sum := 0.0
	for t, g := range gold {
		if g == m.PaddingTokenIdx {
			continue
		}
		loss, grad := utils.CrossEntropyWithIndex(utils.ToDense(logits.ColView(t)), g)
		sum += loss
		if backward {
			grad.Scale(scale/norm, grad)
			dLogits.SetCol(t, mat.Col(nil, 0, grad))
		}
	}
	if backward {
		m.backward(dLogits, src, tgtIn)
	}
	return sum / norm
}

func (m *TransformerEncDec) backward(dLogits *mat.Dense, src, tgtIn []int) {
	dH := m.VocabLinear.Backward(dLogits)
	dY, dEnc := m.Decoder.Backward(dH)
	m.TargetTokenEmbedder.Backward(tgtIn, dY)
	m.PositionEmbedder.Backward(dY)

	dX := m.Encoder.Backward(dEnc)
	m.SourceTokenEmbedder.Backward(src, dX)
	m.PositionEmbedder.Backward(dX)
}
