package transformer

import (
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/textgen/IO"
	"github.com/manningwu07/textgen/params"
	"github.com/manningwu07/textgen/utils"
)

// BatchSource is anything that yields evaluation batches until io.EOF.
type BatchSource interface {
	NextBatch() (*IO.Batch, error)
}

// SetDecoding takes the sampling settings and length limits of cfg, which may
// differ from the config the model was trained with. With a learned position
// table both limits must fit the table the model was built with.
func (m *TransformerEncDec) SetDecoding(cfg params.TrainingConfig) error {
	if m.Config.LearnedPositionEmbedder {
		table := m.Config.MaxPositionEmbeddings
		if cfg.SourceMaxSeqLength <= 0 || cfg.SourceMaxSeqLength > table {
			return fmt.Errorf("source_max_seq_length %d must be in [1, %d] for this model's position table", cfg.SourceMaxSeqLength, table)
		}
		// the longest decoder input is <bos> plus max-1 sampled tokens
		if cfg.TargetMaxSeqLength > table {
			return fmt.Errorf("target_max_seq_length %d exceeds this model's position table of %d", cfg.TargetMaxSeqLength, table)
		}
	}
	m.Config.TopK = cfg.TopK
	m.Config.Temperature = cfg.Temperature
	m.Config.Workers = cfg.Workers
	m.Config.SourceMaxSeqLength = cfg.SourceMaxSeqLength
	m.MaxTargetLength = cfg.TargetMaxSeqLength
	return nil
}

// GenerateIDs samples a target for one source sequence. Decoding starts from
// <bos>; each step reruns the decoder over the whole prefix and draws the
// next token from the top-k distribution of the last position. <eos> ends
// the sequence and is not returned.
func (m *TransformerEncDec) GenerateIDs(src []int, rng *rand.Rand) []int {
	wasTraining := m.Training()
	m.Eval()
	defer func() { m.mode.Training = wasTraining }()

	enc := m.encode(src)
	prev := []int{m.SosTokenIdx}
	var out []int
	for step := 0; step < m.MaxTargetLength; step++ {
		logits := m.decode(prev, enc, src)
		next := utils.TopKSampling(mat.Col(nil, len(prev)-1, logits), m.Config.TopK, m.Config.Temperature, rng)
		if next == m.EosTokenIdx {
			break
		}
		out = append(out, next)
		prev = append(prev, next)
	}
	return out
}

type genJob struct {
	slot int
	src  []int
}

// workerClones returns n weight-sharing clones. They are built on first use
// and reused by later calls, picking up the current decoding settings.
func (m *TransformerEncDec) workerClones(n int) []*TransformerEncDec {
	for len(m.clones) < n {
		m.clones = append(m.clones, m.CloneShared())
	}
	for _, c := range m.clones[:n] {
		c.Config = m.Config
		c.MaxTargetLength = m.MaxTargetLength
	}
	return m.clones[:n]
}

// GenerateBatch samples a target for every source. Sources are spread over
// Config.Workers goroutines, each with its own weight-sharing clone and
// random stream. Output order follows sources.
func (m *TransformerEncDec) GenerateBatch(sources [][]int) [][]int {
	m.genCalls++
	seed := uint64(m.Config.Seed)
	results := make([][]int, len(sources))
	workers := max(1, min(m.Config.Workers, len(sources)))

	if workers == 1 {
		rng := rand.New(rand.NewPCG(seed, m.genCalls<<16))
		for i, src := range sources {
			results[i] = m.GenerateIDs(src, rng)
		}
		return results
	}

	jobs := make(chan genJob)
	var wg sync.WaitGroup
	for w, clone := range m.workerClones(workers) {
		rng := rand.New(rand.NewPCG(seed, m.genCalls<<16|uint64(w+1)))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				results[j.slot] = clone.GenerateIDs(j.src, rng)
			}
		}()
	}
	for i, src := range sources {
		jobs <- genJob{slot: i, src: src}
	}
	close(jobs)
	wg.Wait()
	return results
}

// Generate samples a target for every example of every batch in loader and
// maps the ids through idx2token.
func (m *TransformerEncDec) Generate(loader BatchSource, idx2token []string) ([][]string, error) {
	var sources [][]int
	for {
		b, err := loader.NextBatch()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("generate: %w", err)
		}
		sources = append(sources, b.SourceIdx...)
	}

	results := m.GenerateBatch(sources)
	corpus := make([][]string, len(results))
	for i, ids := range results {
		toks := make([]string, 0, len(ids))
		for _, id := range ids {
			if id < 0 || id >= len(idx2token) {
				return nil, fmt.Errorf("generate: token id %d outside vocabulary of %d", id, len(idx2token))
			}
			toks = append(toks, idx2token[id])
		}
		corpus[i] = toks
	}
	return corpus, nil
}
