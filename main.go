package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/manningwu07/textgen/params"
	"github.com/manningwu07/textgen/utils"
)

var (
	configPath     string
	exportFlag     bool
	forceFlag      bool
	trainFlag      string
	generateFlag   bool
	cliFlag        bool
	checkpointPath string
	generatorPath  string
	fakesPath      string
	outputPath     string
)

func init() {
	flag.StringVar(&configPath, "config", "", "JSON config overriding the defaults")
	flag.BoolVar(&exportFlag, "export", false, "Tokenize the corpus and export vocab + ID shards to shard_dir")
	flag.BoolVar(&forceFlag, "force", false, "Re-export even if shards exist")
	flag.StringVar(&trainFlag, "train", "", "Train a model: encdec or disc")
	flag.BoolVar(&generateFlag, "generate", false, "Generate targets for <data_path>/test.src")
	flag.BoolVar(&cliFlag, "cli", false, "Interactive source -> target generation")
	flag.StringVar(&checkpointPath, "checkpoint", "", "Model checkpoint (default <checkpoint_dir>/encdec_best.gob)")
	flag.StringVar(&generatorPath, "generator", "", "Encoder-decoder checkpoint producing fakes for -train disc")
	flag.StringVar(&fakesPath, "fakes", "", "Fake sequences for -train disc on a single-text corpus (default <data_path>/fake.txt)")
	flag.StringVar(&outputPath, "out", "", "Where -generate writes its output (default stdout)")
}

func main() {
	flag.Parse()

	cfg := params.Default()
	if configPath != "" {
		var err error
		if cfg, err = params.Load(configPath); err != nil {
			fail(err)
		}
	} else if err := cfg.Validate(); err != nil {
		fail(err)
	}
	utils.DebugEnabled = cfg.Debug

	if checkpointPath == "" {
		checkpointPath = filepath.Join(cfg.CheckpointDir, "encdec_best.gob")
	}

	var err error
	switch {
	case exportFlag:
		err = exportShards(cfg, forceFlag)
	case trainFlag == "encdec":
		err = runTrainEncDec(cfg)
	case trainFlag == "disc":
		if generatorPath == "" {
			generatorPath = checkpointPath
		}
		err = runTrainDiscriminator(cfg, generatorPath, fakesPath)
	case trainFlag != "":
		err = fmt.Errorf("unknown -train value %q (want encdec or disc)", trainFlag)
	case generateFlag:
		err = runGenerate(cfg, checkpointPath, outputPath)
	case cliFlag:
		err = ChatCLI(cfg, checkpointPath)
	default:
		fmt.Println("No flag passed. Use -export, -train encdec|disc, -generate or -cli.")
		flag.PrintDefaults()
		return
	}
	if err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}

// fileExists true if path exists
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
