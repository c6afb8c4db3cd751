package transformer

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

var testTokens = []string{"<pad>", "<bos>", "<eos>", "<unk>", "a", "b", "c", "d", "e"}

func testConfig() params.TrainingConfig {
	cfg := params.Default()
	cfg.EmbeddingSize = 8
	cfg.FFNSize = 12
	cfg.NumHeads = 2
	cfg.NumEncLayers = 1
	cfg.NumDecLayers = 2
	cfg.AttnDropoutRatio = 0
	cfg.AttnWeightDropoutRatio = 0
	cfg.FFNDropoutRatio = 0
	cfg.LearnedPositionEmbedder = true
	cfg.MaxPositionEmbeddings = 16
	cfg.SourceMaxSeqLength = 8
	cfg.TargetMaxSeqLength = 6
	cfg.Seed = 7
	return cfg
}

func newTestModel(cfg params.TrainingConfig) *TransformerEncDec {
	v := IO.NewVocabulary(testTokens)
	return NewTransformerEncDec(cfg, IO.NewDataset(v, v))
}

func testBatch() *IO.Batch {
	return &IO.Batch{
		SourceIdx:    [][]int{{4, 5, 6, 7}, {8, 4, 0, 0}},
		SourceLength: []int{4, 2},
		TargetIdx:    [][]int{{1, 5, 6, 7, 2}, {1, 8, 2, 0, 0}},
		TargetLength: []int{5, 3},
	}
}

func TestEncDecLossGradCheck(t *testing.T) {
	m := newTestModel(testConfig())
	b := testBatch()
	loss := func() float64 { return m.CalculateLoss(b) }

	nn.ZeroGrads(m.Params())
	m.ForwardBackward(b)

	enc, dec := m.Encoder.Layers[0], m.Decoder.Layers[1]
	checkParam(t, m.SourceTokenEmbedder.Weight, loss, 3, 4)
	checkParam(t, m.TargetTokenEmbedder.Weight, loss, 1, 6)
	checkParam(t, m.PositionEmbedder.Params()[0], loss, 2, 1)
	checkParam(t, enc.SelfAttn.Wquery.Weight, loss, 0, 5)
	checkParam(t, enc.Mlp.Hidden.Weight, loss, 7, 3)
	checkParam(t, dec.CrossAttn.Wkey.Weight, loss, 4, 4)
	checkParam(t, dec.SelfAttn.Woutput.Weight, loss, 1, 1)
	checkParam(t, dec.Ln2.Gamma, loss, 6, 0)
	checkParam(t, m.VocabLinear.Weight, loss, 5, 2)
	checkParam(t, m.VocabLinear.Bias, loss, 2, 0)
}

func TestEncDecLossNormalization(t *testing.T) {
	m := newTestModel(testConfig())
	m.Eval()
	b := testBatch()

	want := 0.0
	for i := range b.TargetIdx {
		tgt := b.TargetIdx[i]
		logits := m.Forward(b.SourceIdx[i], tgt[:len(tgt)-1])
		sum := 0.0
		for t2, g := range tgt[1:] {
			if g == m.PaddingTokenIdx {
				continue
			}
			l, _ := utils.CrossEntropyWithIndex(utils.ToDense(logits.ColView(t2)), g)
			sum += l
		}
		want += sum / float64(b.TargetLength[i]-1)
	}
	want /= float64(len(b.TargetIdx))

	if got := m.CalculateLoss(b); math.Abs(got-want) > 1e-10 {
		t.Fatalf("loss = %.10g, want %.10g", got, want)
	}
}

func TestEncDecPaddingInvariance(t *testing.T) {
	m := newTestModel(testConfig())
	m.Eval()
	short := &IO.Batch{
		SourceIdx:    [][]int{{8, 4}},
		SourceLength: []int{2},
		TargetIdx:    [][]int{{1, 8, 2}},
		TargetLength: []int{3},
	}
	padded := &IO.Batch{
		SourceIdx:    [][]int{{8, 4, 0, 0, 0}},
		SourceLength: []int{2},
		TargetIdx:    [][]int{{1, 8, 2, 0, 0, 0}},
		TargetLength: []int{3},
	}
	if a, b := m.CalculateLoss(short), m.CalculateLoss(padded); math.Abs(a-b) > 1e-9 {
		t.Fatalf("padding changed the loss: %.10g vs %.10g", a, b)
	}
}

func TestEncDecTiedVocabulary(t *testing.T) {
	cfg := testConfig()
	untied := newTestModel(cfg)
	cfg.ShareVocab = true
	tied := newTestModel(cfg)

	if tied.SourceTokenEmbedder != tied.TargetTokenEmbedder {
		t.Fatal("share_vocab must reuse the source embedder")
	}
	if got, want := len(tied.Params()), len(untied.Params())-1; got != want {
		t.Fatalf("tied model has %d params, want %d", got, want)
	}

	// gradient from both sides lands in the one table
	b := testBatch()
	nn.ZeroGrads(tied.Params())
	tied.ForwardBackward(b)
	checkParam(t, tied.SourceTokenEmbedder.Weight, func() float64 { return tied.CalculateLoss(b) }, 0, 8)
}

func TestSinusoidalModelHasNoPositionParams(t *testing.T) {
	cfg := testConfig()
	learned := newTestModel(cfg)
	cfg.LearnedPositionEmbedder = false
	fixed := newTestModel(cfg)
	if len(learned.Params())-len(fixed.Params()) != 1 {
		t.Fatalf("learned=%d fixed=%d params", len(learned.Params()), len(fixed.Params()))
	}
	if l := fixed.CalculateLoss(testBatch()); math.IsNaN(l) || l <= 0 {
		t.Fatalf("loss = %g", l)
	}
}

func TestDropoutOnlyInTraining(t *testing.T) {
	cfg := testConfig()
	cfg.AttnDropoutRatio = 0.3
	cfg.FFNDropoutRatio = 0.3
	m := newTestModel(cfg)
	b := testBatch()

	m.Eval()
	if a, c := m.CalculateLoss(b), m.CalculateLoss(b); a != c {
		t.Fatalf("eval loss not deterministic: %g vs %g", a, c)
	}
	m.Train()
	if a, c := m.CalculateLoss(b), m.CalculateLoss(b); a == c {
		t.Fatal("training loss should vary with dropout")
	}
}

// forceToken biases the vocabulary projection so sampling always picks id.
func forceToken(m *TransformerEncDec, id int) {
	bias := m.VocabLinear.Bias.W
	for i := 0; i < m.Dataset.TargetVocabSize(); i++ {
		bias.Set(i, 0, -50)
	}
	bias.Set(id, 0, 50)
}

func TestGenerateStopsAtEOS(t *testing.T) {
	m := newTestModel(testConfig())
	forceToken(m, m.EosTokenIdx)
	out := m.GenerateIDs([]int{4, 5}, rand.New(rand.NewPCG(1, 1)))
	if len(out) != 0 {
		t.Fatalf("expected empty output, got %v", out)
	}
}

func TestGenerateStopsAtMaxLength(t *testing.T) {
	m := newTestModel(testConfig())
	forceToken(m, 6)
	out := m.GenerateIDs([]int{4, 5, 0}, rand.New(rand.NewPCG(1, 1)))
	if len(out) != m.MaxTargetLength {
		t.Fatalf("generated %d tokens, want %d", len(out), m.MaxTargetLength)
	}
	for _, id := range out {
		if id != 6 {
			t.Fatalf("unexpected token %d", id)
		}
	}
	if !m.Training() {
		t.Fatal("GenerateIDs must restore the training flag")
	}
}

func TestGenerateWorkersKeepOrder(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 3
	m := newTestModel(cfg)
	// one greedy token per source makes the output independent of the
	// per-worker random streams
	m.Config.TopK = 1
	m.MaxTargetLength = 1

	corpus := &IO.Corpus{
		Source: [][]int{{4}, {5, 6}, {7, 8, 4}, {6}, {8, 8}},
		Target: make([][]int, 5),
	}
	loader := IO.NewDataLoader(corpus, 2, 0, false, nil)
	got, err := m.Generate(loader, m.Dataset.TargetIdx2Token())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 5 {
		t.Fatalf("got %d sequences", len(got))
	}

	rng := rand.New(rand.NewPCG(0, 0))
	for i, src := range corpus.Source {
		ids := m.GenerateIDs(src, rng)
		want := make([]string, len(ids))
		for j, id := range ids {
			want[j] = testTokens[id]
		}
		if len(want) != len(got[i]) || (len(want) == 1 && want[0] != got[i][0]) {
			t.Fatalf("example %d: got %v want %v", i, got[i], want)
		}
	}
}

func TestCheckpointRestoresModel(t *testing.T) {
	m := newTestModel(testConfig())
	m.Eval()
	path := filepath.Join(t.TempDir(), "encdec.gob")
	if err := m.Save(path, 17); err != nil {
		t.Fatal(err)
	}

	restored, step, err := FromCheckpoint(path)
	if err != nil {
		t.Fatal(err)
	}
	if step != 17 {
		t.Fatalf("step = %d", step)
	}
	restored.Eval()
	src, tgt := []int{4, 5, 6}, []int{1, 7, 8}
	if !mat.EqualApprox(m.Forward(src, tgt), restored.Forward(src, tgt), 1e-12) {
		t.Fatal("restored model computes different logits")
	}

	other := testConfig()
	other.EmbeddingSize = 4
	small := newTestModel(other)
	if _, err := small.Load(path); err == nil {
		t.Fatal("loading into a different architecture should fail")
	}
}

func TestCloneSharesWeights(t *testing.T) {
	m := newTestModel(testConfig())
	m.Eval()
	c := m.CloneShared()
	src, tgt := []int{4, 5}, []int{1, 6}
	if !mat.Equal(m.Forward(src, tgt), c.Forward(src, tgt)) {
		t.Fatal("clone differs from the original")
	}
	m.VocabLinear.Weight.W.Set(0, 0, 3)
	if c.VocabLinear.Weight.W.At(0, 0) != 3 {
		t.Fatal("clone does not share weights")
	}
}

func TestGenerateBatchReusesWorkerClones(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 3
	m := newTestModel(cfg)
	forceToken(m, 6)
	sources := [][]int{{4}, {5, 6}, {7, 8, 4}, {6}}

	m.GenerateBatch(sources)
	first := append([]*TransformerEncDec(nil), m.clones...)
	if len(first) != 3 {
		t.Fatalf("built %d clones, want 3", len(first))
	}

	// later calls see new weights and decoding limits through the same clones
	forceToken(m, 7)
	m.MaxTargetLength = 2
	out := m.GenerateBatch(sources)
	for i := range first {
		if m.clones[i] != first[i] {
			t.Fatalf("clone %d rebuilt", i)
		}
	}
	for i, ids := range out {
		if len(ids) != 2 || ids[0] != 7 || ids[1] != 7 {
			t.Fatalf("source %d: got %v, want [7 7]", i, ids)
		}
	}
}

func TestSetDecodingChecksPositionTable(t *testing.T) {
	m := newTestModel(testConfig())
	cfg := testConfig()
	cfg.TopK = 3
	cfg.TargetMaxSeqLength = 10
	if err := m.SetDecoding(cfg); err != nil {
		t.Fatal(err)
	}
	if m.Config.TopK != 3 || m.MaxTargetLength != 10 {
		t.Fatalf("settings not applied: top_k %d, max length %d", m.Config.TopK, m.MaxTargetLength)
	}
	src := make([]int, cfg.SourceMaxSeqLength)
	for i := range src {
		src[i] = 4
	}
	if out := m.GenerateIDs(src, rand.New(rand.NewPCG(1, 1))); len(out) > 10 {
		t.Fatalf("generated %d tokens", len(out))
	}

	unbounded := testConfig()
	unbounded.SourceMaxSeqLength = 0
	if err := m.SetDecoding(unbounded); err == nil {
		t.Fatal("expected error for unbounded sources")
	}
	long := testConfig()
	long.TargetMaxSeqLength = 17
	if err := m.SetDecoding(long); err == nil {
		t.Fatal("expected error for targets longer than the table")
	}
	if m.MaxTargetLength != 10 {
		t.Fatal("a rejected config must not change the model")
	}

	sin := testConfig()
	sin.LearnedPositionEmbedder = false
	free := newTestModel(sin)
	sin.SourceMaxSeqLength = 0
	sin.TargetMaxSeqLength = 40
	if err := free.SetDecoding(sin); err != nil {
		t.Fatalf("sinusoidal positions take any length: %v", err)
	}
}
