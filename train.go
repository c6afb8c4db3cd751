package main

import (
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/manningwu07/textgen/IO"
	"github.com/manningwu07/textgen/discriminator"
	"github.com/manningwu07/textgen/optimizations"
	"github.com/manningwu07/textgen/params"
	"github.com/manningwu07/textgen/transformer"
	"github.com/manningwu07/textgen/utils"
)

func runTrainEncDec(cfg params.TrainingConfig) error {
	ds, err := IO.LoadPairedDataset(cfg)
	if err != nil {
		return fmt.Errorf("load dataset: %w", err)
	}
	fmt.Printf("Train pairs: %d  Valid: %d  vocab src=%d tgt=%d\n",
		ds.Train.Len(), ds.Valid.Len(), ds.SourceVocabSize(), ds.TargetVocabSize())
	_, err = TrainEncDec(transformer.NewTransformerEncDec(cfg, ds), cfg)
	return err
}

// evalLoss averages CalculateLoss over every example of c with dropout off.
func evalLoss(c *IO.Corpus, batchSize, pad int, loss func(*IO.Batch) float64) float64 {
	if c.Len() == 0 {
		return math.NaN()
	}
	dl := IO.NewDataLoader(c, batchSize, pad, false, nil)
	total := 0.0
	for {
		b, err := dl.NextBatch()
		if err != nil {
			break
		}
		total += loss(b) * float64(b.Size())
	}
	return total / float64(c.Len())
}

// TrainEncDec runs epochs of AdamW over shuffled batches, keeps the
// checkpoint with the lowest validation loss and stops after Patience epochs
// without improvement. It returns the best validation loss.
func TrainEncDec(model *transformer.TransformerEncDec, cfg params.TrainingConfig) (float64, error) {
	ds := model.Dataset
	opt := optimizations.NewAdam(model.Params(), cfg)
	rng := rand.New(rand.NewPCG(uint64(cfg.Seed), 2))
	loader := IO.NewDataLoader(ds.Train, cfg.TrainBatchSize, ds.PaddingTokenIdx, true, rng)

	logW, err := newTrainLog(filepath.Join(cfg.CheckpointDir, "encdec_training_log.csv"),
		"epoch", "train_loss", "valid_loss", "valid_ppl", "lr", "seconds")
	if err != nil {
		return 0, err
	}
	defer logW.Close()

	bestPath := filepath.Join(cfg.CheckpointDir, "encdec_best.gob")
	best := math.Inf(1)
	noImprovementCount := 0
	var history []float64

	for e := 0; e < cfg.Epochs; e++ {
		start := time.Now()
		model.Train()
		loader.Reset()

		var totalLoss, lr float64
		steps := 0
		for {
			b, err := loader.NextBatch()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return best, err
			}
			totalLoss += model.ForwardBackward(b)
			lr = opt.Step()
			steps++
			if cfg.DebugEvery > 0 && opt.T%cfg.DebugEvery == 0 {
				utils.Debugf("step %d lr %.3g loss %.4f vocab_linear norm %.4g",
					opt.T, lr, totalLoss/float64(steps), utils.MatrixNorm(model.VocabLinear.Weight.W))
			}
		}
		trainLoss := totalLoss / float64(max(steps, 1))

		model.Eval()
		validLoss := evalLoss(ds.Valid, cfg.EvalBatchSize, ds.PaddingTokenIdx, model.CalculateLoss)
		monitor := validLoss
		if math.IsNaN(monitor) {
			monitor = trainLoss
		}
		history = append(history, monitor)

		fmt.Printf("Epoch %d - TrainLoss: %.4f, ValidLoss: %.4f, ValidPPL: %.1f, LR: %.3g, Time: %v\n",
			e, trainLoss, validLoss, math.Exp(validLoss), lr, time.Since(start))
		if err := logW.Row(float64(e), trainLoss, validLoss, math.Exp(validLoss), lr, time.Since(start).Seconds()); err != nil {
			return best, err
		}

		if monitor < best {
			best = monitor
			noImprovementCount = 0
			if err := model.Save(bestPath, opt.T); err != nil {
				return best, fmt.Errorf("save best model: %w", err)
			}
		} else {
			noImprovementCount++
		}
		if cfg.Patience > 0 && noImprovementCount >= cfg.Patience {
			fmt.Println("\nStopping training early due to lack of improvement in validation loss.")
			break
		}
	}

	asciiPlot(history)
	if fileExists(bestPath) {
		if _, err := model.Load(bestPath); err != nil {
			return best, err
		}
	}
	return best, nil
}

// runTrainDiscriminator trains against a generator on the paired corpus. When
// <data_path> holds a single-text corpus instead, fakes are read from
// fakesPath (default <data_path>/fake.txt), e.g. the output of -generate.
func runTrainDiscriminator(cfg params.TrainingConfig, generatorPath, fakesPath string) error {
	if !fileExists(filepath.Join(cfg.DataPath, "train.src")) {
		return runTrainDiscriminatorOnCorpus(cfg, fakesPath)
	}
	gen, _, err := transformer.FromCheckpoint(generatorPath)
	if err != nil {
		return fmt.Errorf("load generator: %w", err)
	}
	ds, err := IO.LoadPairedDataset(cfg)
	if err != nil {
		return fmt.Errorf("load dataset: %w", err)
	}
	if err := sameVocabulary(gen.Dataset.TargetVocab, ds.TargetVocab); err != nil {
		return fmt.Errorf("generator and dataset: %w; rebuild with the generator's config", err)
	}
	_, err = TrainDiscriminator(discriminator.NewMaliGANDiscriminator(cfg, ds), generatorFakes(gen), cfg)
	return err
}

func runTrainDiscriminatorOnCorpus(cfg params.TrainingConfig, fakesPath string) error {
	ds, err := IO.LoadCorpusDataset(cfg)
	if err != nil {
		return fmt.Errorf("load corpus: %w", err)
	}
	if fakesPath == "" {
		fakesPath = filepath.Join(cfg.DataPath, "fake.txt")
	}
	fakes, err := IO.EncodeFile(cfg, ds.TargetVocab, fakesPath, cfg.MaxSeqLength, true)
	if err != nil {
		return fmt.Errorf("load fakes: %w", err)
	}
	if len(fakes) == 0 {
		return fmt.Errorf("no fake sequences in %s", fakesPath)
	}
	fmt.Printf("Real: %d  Fake: %d  vocab=%d\n", ds.Train.Len(), len(fakes), ds.VocabSize())
	_, err = TrainDiscriminator(discriminator.NewMaliGANDiscriminator(cfg, ds), fileFakes(fakes, ds.PaddingTokenIdx), cfg)
	return err
}

// sameVocabulary reports where two id -> token tables first disagree.
func sameVocabulary(want, got params.Vocabulary) error {
	if slices.Equal(want.IDToToken, got.IDToToken) {
		return nil
	}
	if want.Size() != got.Size() {
		return fmt.Errorf("vocabulary sizes differ (%d vs %d)", want.Size(), got.Size())
	}
	for id, tok := range want.IDToToken {
		if got.IDToToken[id] != tok {
			return fmt.Errorf("id %d is %q in one vocabulary and %q in the other", id, tok, got.IDToToken[id])
		}
	}
	return nil
}

// fakeSource returns the fake sequences paired with the real batch b.
type fakeSource func(b *IO.Batch) [][]int

func generatorFakes(gen *transformer.TransformerEncDec) fakeSource {
	return func(b *IO.Batch) [][]int { return fakeBatch(gen, b) }
}

// fileFakes cycles through pre-generated sequences, one per real example.
func fileFakes(seqs [][]int, pad int) fakeSource {
	next := 0
	return func(b *IO.Batch) [][]int {
		out := make([][]int, b.Size())
		for i := range out {
			out[i] = seqs[next]
			next = (next + 1) % len(seqs)
		}
		padded, _ := IO.PadSequences(out, pad)
		return padded
	}
}

// fakeBatch samples a target for every source of b, wrapped like real
// targets and padded to a common length.
func fakeBatch(gen *transformer.TransformerEncDec, b *IO.Batch) [][]int {
	samples := gen.GenerateBatch(b.SourceIdx)
	for i, s := range samples {
		wrapped := append([]int{gen.SosTokenIdx}, s...)
		samples[i] = append(wrapped, gen.EosTokenIdx)
	}
	padded, _ := IO.PadSequences(samples, gen.PaddingTokenIdx)
	return padded
}

// TrainDiscriminator teaches d to separate corpus targets (real) from the
// sequences fakes supplies for each batch.
func TrainDiscriminator(d *discriminator.MaliGANDiscriminator, fakes fakeSource, cfg params.TrainingConfig) (float64, error) {
	ds := d.Dataset
	opt := optimizations.NewAdam(d.Params(), cfg)
	rng := rand.New(rand.NewPCG(uint64(cfg.Seed), 3))
	loader := IO.NewDataLoader(ds.Train, cfg.TrainBatchSize, ds.PaddingTokenIdx, true, rng)

	logW, err := newTrainLog(filepath.Join(cfg.CheckpointDir, "disc_training_log.csv"),
		"epoch", "train_loss", "valid_loss", "lr", "seconds")
	if err != nil {
		return 0, err
	}
	defer logW.Close()

	bestPath := filepath.Join(cfg.CheckpointDir, "disc_best.gob")
	best := math.Inf(1)
	noImprovementCount := 0

	for e := 0; e < cfg.Epochs; e++ {
		start := time.Now()
		loader.Reset()
		var totalLoss, lr float64
		steps := 0
		for {
			b, err := loader.NextBatch()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return best, err
			}
			fake := fakes(b)
			d.Train()
			totalLoss += d.ForwardBackward(b.TargetIdx, fake)
			lr = opt.Step()
			steps++
		}
		trainLoss := totalLoss / float64(max(steps, 1))

		d.Eval()
		validLoss := math.NaN()
		if ds.Valid.Len() > 0 {
			dl := IO.NewDataLoader(ds.Valid, cfg.EvalBatchSize, ds.PaddingTokenIdx, false, nil)
			sum, n := 0.0, 0
			for {
				b, err := dl.NextBatch()
				if err != nil {
					break
				}
				sum += d.CalculateLoss(b.TargetIdx, fakes(b)) * float64(2*b.Size())
				n += 2 * b.Size()
			}
			validLoss = sum / float64(n)
		}
		monitor := validLoss
		if math.IsNaN(monitor) {
			monitor = trainLoss
		}

		fmt.Printf("Epoch %d - DiscLoss: %.4f, ValidLoss: %.4f, LR: %.3g, Time: %v\n",
			e, trainLoss, validLoss, lr, time.Since(start))
		if err := logW.Row(float64(e), trainLoss, validLoss, lr, time.Since(start).Seconds()); err != nil {
			return best, err
		}
		if monitor < best {
			best = monitor
			noImprovementCount = 0
			if err := d.Save(bestPath, opt.T); err != nil {
				return best, fmt.Errorf("save discriminator: %w", err)
			}
		} else {
			noImprovementCount++
		}
		if cfg.Patience > 0 && noImprovementCount >= cfg.Patience {
			fmt.Println("\nStopping discriminator training early.")
			break
		}
	}
	return best, nil
}

func runGenerate(cfg params.TrainingConfig, checkpoint, out string) error {
	model, _, err := transformer.FromCheckpoint(checkpoint)
	if err != nil {
		return err
	}
	// sampling and length settings come from the current config
	if err := model.SetDecoding(cfg); err != nil {
		return err
	}

	srcs, err := IO.EncodeFile(cfg, model.Dataset.SourceVocab, filepath.Join(cfg.DataPath, "test.src"), cfg.SourceMaxSeqLength, false)
	if err != nil {
		return err
	}
	corpus := &IO.Corpus{Source: srcs, Target: make([][]int, len(srcs))}
	loader := IO.NewDataLoader(corpus, cfg.EvalBatchSize, model.PaddingTokenIdx, false, nil)

	start := time.Now()
	generated, err := model.Generate(loader, model.Dataset.TargetIdx2Token())
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Generated %d sequences in %v\n", len(generated), time.Since(start))

	if out == "" {
		return writeCorpus(os.Stdout, generated)
	}
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	if err := writeCorpus(f, generated); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
