package IO

import (
	"io"
	"math/rand/v2"
)

// Batch is a padded group of examples. Rows of SourceIdx and TargetIdx are
// padded to the longest row of the batch; lengths count real tokens
// (including <bos>/<eos> on targets).
type Batch struct {
	SourceIdx    [][]int
	SourceLength []int
	TargetIdx    [][]int
	TargetLength []int
}

func (b *Batch) Size() int { return len(b.TargetIdx) }

// DataLoader yields batches over a corpus. NextBatch returns io.EOF at the
// end of an epoch; Reset starts the next one (reshuffling when enabled).
type DataLoader struct {
	Corpus    *Corpus
	BatchSize int
	Shuffle   bool
	PadIdx    int

	rng   *rand.Rand
	order []int
	pos   int
}

func NewDataLoader(c *Corpus, batchSize, padIdx int, shuffle bool, rng *rand.Rand) *DataLoader {
	if batchSize <= 0 {
		batchSize = 1
	}
	dl := &DataLoader{Corpus: c, BatchSize: batchSize, Shuffle: shuffle, PadIdx: padIdx, rng: rng}
	dl.Reset()
	return dl
}

func (dl *DataLoader) Reset() {
	n := dl.Corpus.Len()
	dl.order = make([]int, n)
	for i := range dl.order {
		dl.order[i] = i
	}
	if dl.Shuffle && dl.rng != nil {
		dl.rng.Shuffle(n, func(i, j int) { dl.order[i], dl.order[j] = dl.order[j], dl.order[i] })
	}
	dl.pos = 0
}

// NumBatches is the number of batches per epoch.
func (dl *DataLoader) NumBatches() int {
	return (dl.Corpus.Len() + dl.BatchSize - 1) / dl.BatchSize
}

func (dl *DataLoader) NextBatch() (*Batch, error) {
	if dl.pos >= len(dl.order) {
		return nil, io.EOF
	}
	end := min(dl.pos+dl.BatchSize, len(dl.order))
	idx := dl.order[dl.pos:end]
	dl.pos = end

	b := &Batch{}
	var src, tgt [][]int
	for _, i := range idx {
		if dl.Corpus.Source != nil {
			src = append(src, dl.Corpus.Source[i])
		}
		tgt = append(tgt, dl.Corpus.Target[i])
	}
	if src != nil {
		b.SourceIdx, b.SourceLength = PadSequences(src, dl.PadIdx)
	}
	b.TargetIdx, b.TargetLength = PadSequences(tgt, dl.PadIdx)
	return b, nil
}

// PadSequences copies seqs into rows of equal length filled with pad.
func PadSequences(seqs [][]int, pad int) ([][]int, []int) {
	maxLen := 0
	for _, s := range seqs {
		maxLen = max(maxLen, len(s))
	}
	out := make([][]int, len(seqs))
	lengths := make([]int, len(seqs))
	for i, s := range seqs {
		row := make([]int, maxLen)
		copy(row, s)
		for j := len(s); j < maxLen; j++ {
			row[j] = pad
		}
		out[i] = row
		lengths[i] = len(s)
	}
	return out, lengths
}
