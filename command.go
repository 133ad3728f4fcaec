package bytegpt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

const (
	mergesFile = "merges.txt"
	vocabFile  = "vocab.bin"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "bytegpt",
	Short: "Train byte-level BPE vocabularies and small transformer language models",
	Long: `
		bytegpt builds a byte-pair-encoding vocabulary from a directory of plain
		text, encodes the text through it, and trains a small decoder-only
		transformer on the result. Trained runs checkpoint to disk and can be
		resumed or sampled from.
	`,
}

var vocabCmd = &cobra.Command{
	Use:   "vocab",
	Short: "Train a byte-level BPE vocabulary from a corpus directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		corpusDir, _ := cmd.Flags().GetString("corpus")
		outDir, _ := cmd.Flags().GetString("out")
		vocabSize, _ := cmd.Flags().GetInt("vocab-size")
		specials, _ := cmd.Flags().GetStringSlice("special")

		text, err := LoadCorpus(corpusDir)
		if err != nil {
			return err
		}
		tok, err := TrainTokenizer(text, vocabSize)
		if err != nil {
			return err
		}
		tok.AddSpecials(specials...)
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return err
		}
		if err := tok.SaveMerges(filepath.Join(outDir, mergesFile)); err != nil {
			return err
		}
		if err := tok.SaveVocab(filepath.Join(outDir, vocabFile)); err != nil {
			return err
		}
		fmt.Printf("trained %d merges, vocabulary size %d, written to %s\n", tok.NumMerges(), tok.VocabSize(), outDir)
		return nil
	},
}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a transformer on a BPE-encoded corpus",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		corpusDir, _ := cmd.Flags().GetString("corpus")
		vocabDir, _ := cmd.Flags().GetString("vocab")
		outDir, _ := cmd.Flags().GetString("out")
		resume, _ := cmd.Flags().GetBool("resume")
		journalPath, _ := cmd.Flags().GetString("journal")

		cfg := DefaultConfig()
		if configPath != "" {
			var err error
			if cfg, err = LoadConfig(configPath); err != nil {
				return err
			}
		}
		// flags override the config file
		if cmd.Flags().Changed("max-iterations") {
			cfg.MaxIters, _ = cmd.Flags().GetInt("max-iterations")
		}
		if cmd.Flags().Changed("batch-size") {
			cfg.BatchSize, _ = cmd.Flags().GetInt("batch-size")
		}
		if cmd.Flags().Changed("learning-rate") {
			cfg.LearningRate, _ = cmd.Flags().GetFloat32("learning-rate")
		}
		if cmd.Flags().Changed("seed") {
			cfg.Seed, _ = cmd.Flags().GetInt64("seed")
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		tok, err := loadTokenizer(vocabDir)
		if err != nil {
			return err
		}
		text, err := LoadCorpus(corpusDir)
		if err != nil {
			return err
		}
		ids := tok.Encode(text)
		fmt.Printf("corpus: %d bytes, %d tokens\n", len(text), len(ids))

		var model *GPT
		if resume {
			path, err := LatestCheckpoint(outDir)
			if err != nil {
				return err
			}
			ck, err := LoadCheckpoint(path)
			if err != nil {
				return err
			}
			if model, err = ck.Restore(); err != nil {
				return err
			}
			// Architecture comes from the checkpoint; the step horizon may
			// still be extended for the continued run.
			if cmd.Flags().Changed("max-iterations") {
				model.Config.MaxIters = cfg.MaxIters
			}
			fmt.Printf("resumed %s at step %d (val loss %f)\n", path, ck.Step, ck.Loss)
		} else {
			// The model's id space is whatever the tokenizer produced,
			// specials included, not the requested vocabulary size.
			cfg.VocabSize = tok.VocabSize()
			if model, err = NewGPT(cfg); err != nil {
				return err
			}
		}
		fmt.Printf("model: %d parameters\n", model.NumParams())

		split := len(ids) * 9 / 10
		trainSeq, valSeq := ids[:split], ids[split:]

		var journal *RunLog
		if journalPath != "" {
			if journal, err = OpenRunLog(journalPath); err != nil {
				return err
			}
			defer journal.Close()
		}
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return err
		}
		trainer, err := NewTrainer(model, trainSeq, valSeq, outDir, journal)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		if err := trainer.Run(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				fmt.Println("interrupted, latest checkpoint is intact")
				return nil
			}
			return err
		}
		return nil
	},
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Sample text from a trained checkpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		vocabDir, _ := cmd.Flags().GetString("vocab")
		ckptPath, _ := cmd.Flags().GetString("checkpoint")
		prompt, _ := cmd.Flags().GetString("prompt")
		maxNew, _ := cmd.Flags().GetInt("tokens")
		temperature, _ := cmd.Flags().GetFloat32("temperature")

		tok, err := loadTokenizer(vocabDir)
		if err != nil {
			return err
		}
		if info, err := os.Stat(ckptPath); err == nil && info.IsDir() {
			if ckptPath, err = LatestCheckpoint(ckptPath); err != nil {
				return err
			}
		}
		ck, err := LoadCheckpoint(ckptPath)
		if err != nil {
			return err
		}
		model, err := ck.Restore()
		if err != nil {
			return err
		}
		out, err := model.Generate(tok.Encode(prompt), maxNew, temperature)
		if err != nil {
			return err
		}
		text, err := tok.Decode(out)
		if err != nil {
			return err
		}
		fmt.Println(text)
		return nil
	},
}

var encodeCmd = &cobra.Command{
	Use:   "encode [text]",
	Short: "Encode text to token ids",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vocabDir, _ := cmd.Flags().GetString("vocab")
		tok, err := loadTokenizer(vocabDir)
		if err != nil {
			return err
		}
		ids := tok.Encode(args[0])
		parts := make([]string, len(ids))
		for i, id := range ids {
			parts[i] = strconv.Itoa(int(id))
		}
		fmt.Println(strings.Join(parts, " "))
		return nil
	},
}

var decodeCmd = &cobra.Command{
	Use:   "decode [id...]",
	Short: "Decode token ids back to text",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vocabDir, _ := cmd.Flags().GetString("vocab")
		tok, err := loadTokenizer(vocabDir)
		if err != nil {
			return err
		}
		ids := make([]int32, len(args))
		for i, a := range args {
			n, err := strconv.Atoi(a)
			if err != nil {
				return fmt.Errorf("bad token id %q: %w", a, err)
			}
			ids[i] = int32(n)
		}
		text, err := tok.Decode(ids)
		if err != nil {
			return err
		}
		fmt.Println(text)
		return nil
	},
}

// loadTokenizer rebuilds a full tokenizer from a vocabulary directory: the
// merges file carries the encoder rules, the vocabulary file carries the
// special markers.
func loadTokenizer(dir string) (*Tokenizer, error) {
	tok, err := LoadMerges(filepath.Join(dir, mergesFile))
	if err != nil {
		return nil, err
	}
	vocabPath := filepath.Join(dir, vocabFile)
	if _, err := os.Stat(vocabPath); err == nil {
		vt, err := LoadVocab(vocabPath)
		if err != nil {
			return nil, err
		}
		tok.AddSpecials(vt.Specials()...)
	}
	return tok, nil
}

// Execute wires the subcommands and runs the CLI.
func Execute() {
	vocabCmd.Flags().String("corpus", "data", "directory of .txt corpus files")
	vocabCmd.Flags().String("out", "vocab", "output directory for merges and vocabulary files")
	vocabCmd.Flags().Int("vocab-size", 512, "total vocabulary size to train toward")
	vocabCmd.Flags().StringSlice("special", nil, "special token markers to reserve, e.g. <|endoftext|>")

	trainCmd.Flags().String("config", "", "YAML config path (defaults apply when omitted)")
	trainCmd.Flags().String("corpus", "data", "directory of .txt corpus files")
	trainCmd.Flags().String("vocab", "vocab", "vocabulary directory written by the vocab command")
	trainCmd.Flags().String("out", "checkpoints", "checkpoint output directory")
	trainCmd.Flags().Bool("resume", false, "resume from the latest checkpoint in the output directory")
	trainCmd.Flags().String("journal", "", "optional sqlite loss-journal path")
	trainCmd.Flags().Int("max-iterations", 0, "override max_iterations from the config")
	trainCmd.Flags().Int("batch-size", 0, "override batch_size from the config")
	trainCmd.Flags().Float32("learning-rate", 0, "override learning_rate from the config")
	trainCmd.Flags().Int64("seed", 0, "override seed from the config")

	generateCmd.Flags().String("vocab", "vocab", "vocabulary directory written by the vocab command")
	generateCmd.Flags().String("checkpoint", "checkpoints", "checkpoint file, or directory to take the latest from")
	generateCmd.Flags().String("prompt", "\n", "prompt text to continue")
	generateCmd.Flags().Int("tokens", 256, "number of tokens to generate")
	generateCmd.Flags().Float32("temperature", 1.0, "sampling temperature, <= 0 for greedy")

	encodeCmd.Flags().String("vocab", "vocab", "vocabulary directory written by the vocab command")
	decodeCmd.Flags().String("vocab", "vocab", "vocabulary directory written by the vocab command")

	rootCmd.AddCommand(vocabCmd)
	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(encodeCmd)
	rootCmd.AddCommand(decodeCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
