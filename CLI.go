package main

import (
	"bufio"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"
	"time"

	"github.com/manningwu07/textgen/IO"
	"github.com/manningwu07/textgen/params"
	"github.com/manningwu07/textgen/transformer"
)

// ChatCLI reads source lines from stdin and prints a sampled target for each.
func ChatCLI(cfg params.TrainingConfig, checkpoint string) error {
	model, step, err := transformer.FromCheckpoint(checkpoint)
	if err != nil {
		return err
	}
	if err := model.SetDecoding(cfg); err != nil {
		return err
	}
	tok, err := IO.NewTokenizer(model.Config)
	if err != nil {
		return err
	}
	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(cfg.Seed)))
	idx2token := model.Dataset.TargetIdx2Token()

	fmt.Printf("Loaded %s (step %d). Type 'exit' to quit.\n", checkpoint, step)
	reader := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("You: ")
		if !reader.Scan() {
			return reader.Err()
		}
		input := strings.TrimSpace(reader.Text())
		if input == "exit" {
			return nil
		}
		if input == "" {
			continue
		}

		ids, err := IO.EncodeLine(tok, model.Dataset.SourceVocab, input, model.Config.SourceMaxSeqLength, false)
		if err != nil {
			fmt.Println("Error:", err)
			continue
		}
		out := model.GenerateIDs(ids, rng)
		toks := make([]string, len(out))
		for i, id := range out {
			toks[i] = idx2token[id]
		}
		fmt.Println("Bot:", strings.Join(toks, " "))
	}
}
