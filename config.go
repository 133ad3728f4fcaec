package bytegpt

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig marks configuration rejected before any computation runs.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the full configuration surface for tokenizer and model training.
type Config struct {
	// Tokenizer
	VocabSize int `yaml:"vocab_size"` // target vocabulary incl. the 256 byte ids

	// Model architecture
	BlockSize  int     `yaml:"block_size"` // context window length
	EmbedSize  int     `yaml:"embedding_size"`
	NumHeads   int     `yaml:"head_count"`
	NumLayers  int     `yaml:"layer_count"`
	Dropout    float32 `yaml:"dropout_rate"`

	// Optimization
	BatchSize    int     `yaml:"batch_size"`
	LearningRate float32 `yaml:"learning_rate"`
	MaxIters     int     `yaml:"max_iterations"`
	EvalInterval int     `yaml:"eval_interval"`
	EvalIters    int     `yaml:"eval_iterations"`

	// Environment
	Device string `yaml:"compute_device"`
	Seed   int64  `yaml:"seed"`
}

// DefaultConfig returns hyperparameters sized for a narrative-text corpus on
// a single CPU.
func DefaultConfig() Config {
	return Config{
		VocabSize:    512,
		BlockSize:    64,
		EmbedSize:    128,
		NumHeads:     4,
		NumLayers:    4,
		Dropout:      0.1,
		BatchSize:    16,
		LearningRate: 3e-4,
		MaxIters:     5000,
		EvalInterval: 500,
		EvalIters:    50,
		Device:       "cpu",
		Seed:         1337,
	}
}

// Validate rejects inconsistent hyperparameters. All failures wrap
// ErrInvalidConfig and happen before any tensor is allocated.
func (c Config) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}
	if c.VocabSize <= ByteVocab {
		return fail("vocab_size %d must be > %d", c.VocabSize, ByteVocab)
	}
	if c.BlockSize <= 0 {
		return fail("block_size %d must be positive", c.BlockSize)
	}
	if c.EmbedSize <= 0 {
		return fail("embedding_size %d must be positive", c.EmbedSize)
	}
	if c.NumHeads <= 0 || c.EmbedSize%c.NumHeads != 0 {
		return fail("head_count %d must divide embedding_size %d", c.NumHeads, c.EmbedSize)
	}
	if c.NumLayers <= 0 {
		return fail("layer_count %d must be positive", c.NumLayers)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fail("dropout_rate %v must be in [0, 1)", c.Dropout)
	}
	if c.BatchSize <= 0 {
		return fail("batch_size %d must be positive", c.BatchSize)
	}
	if c.LearningRate <= 0 {
		return fail("learning_rate %v must be positive", c.LearningRate)
	}
	if c.MaxIters <= 0 {
		return fail("max_iterations %d must be positive", c.MaxIters)
	}
	if c.EvalIters <= 0 || c.EvalInterval <= 0 {
		return fail("eval_interval %d and eval_iterations %d must be positive", c.EvalInterval, c.EvalIters)
	}
	// The kernels are single-target; tensors never move between devices.
	if c.Device != "cpu" {
		return fail("compute_device %q not supported, only \"cpu\"", c.Device)
	}
	return nil
}

// LoadConfig reads a YAML config file over the defaults, then validates.
func LoadConfig(path string) (Config, error) {
	c := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
