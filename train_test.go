package bytegpt

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cycleSeq(n int) []int32 {
	cycle := []int32{5, 9, 13, 7}
	out := make([]int32, n)
	for i := range out {
		out[i] = cycle[i%len(cycle)]
	}
	return out
}

func TestTrainer_Run(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIters = 8
	cfg.EvalInterval = 4
	cfg.EvalIters = 2
	m, err := NewGPT(cfg)
	require.NoError(t, err)

	dir := t.TempDir()
	trainer, err := NewTrainer(m, cycleSeq(200), cycleSeq(40), dir, nil)
	require.NoError(t, err)
	require.NoError(t, trainer.Run(context.Background()))

	assert.Equal(t, cfg.MaxIters, m.AdamT, "every configured step must run")
	path, err := LatestCheckpoint(dir)
	require.NoError(t, err)
	ck, err := LoadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.MaxIters, ck.Step, "the final checkpoint covers the whole run")
}

func TestTrainer_RunCancelled(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIters = 1000
	m, err := NewGPT(cfg)
	require.NoError(t, err)
	trainer, err := NewTrainer(m, cycleSeq(200), cycleSeq(40), "", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = trainer.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTrainer_Evaluate(t *testing.T) {
	cfg := testConfig()
	m, err := NewGPT(cfg)
	require.NoError(t, err)
	trainer, err := NewTrainer(m, cycleSeq(200), cycleSeq(40), "", nil)
	require.NoError(t, err)

	trainLoss, valLoss, err := trainer.Evaluate()
	require.NoError(t, err)
	near := math.Log(float64(cfg.VocabSize))
	assert.InDelta(t, near, float64(trainLoss), 1.0)
	assert.InDelta(t, near, float64(valLoss), 1.0)

	// Sequential evaluation over fixed splits is repeatable.
	again, againVal, err := trainer.Evaluate()
	require.NoError(t, err)
	assert.Equal(t, trainLoss, again)
	assert.Equal(t, valLoss, againVal)
}

func TestNewTrainer_SplitTooSmall(t *testing.T) {
	cfg := testConfig()
	m, err := NewGPT(cfg)
	require.NoError(t, err)
	_, err = NewTrainer(m, cycleSeq(200), cycleSeq(cfg.BlockSize), "", nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRunLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.db")
	log, err := OpenRunLog(path)
	require.NoError(t, err)
	defer log.Close()

	log.LogStep(0, 5.5, 3e-4)
	log.LogEval(0, "train", 5.6)
	log.LogEval(0, "val", 5.7)
	log.LogEval(500, "val", 4.2)

	steps, losses, err := log.EvalHistory("val")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 500}, steps)
	assert.InDeltaSlice(t, []float32{5.7, 4.2}, losses, 1e-6)
}

func TestRunLog_NilIsNoop(t *testing.T) {
	var log *RunLog
	log.LogStep(1, 1, 1)
	log.LogEval(1, "train", 1)
	assert.NoError(t, log.Close())
	steps, losses, err := log.EvalHistory("val")
	assert.NoError(t, err)
	assert.Nil(t, steps)
	assert.Nil(t, losses)
}
