package bytegpt

import (
	"context"
	"fmt"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Trainer drives the Train -> Evaluate -> Checkpoint cycle over a tokenized
// corpus. The training loader shuffles per pass; both evaluation loaders are
// sequential so estimated losses are comparable across evaluations. The
// held-out estimate always comes from the validation split.
type Trainer struct {
	Model *GPT

	train     *DataLoader // shuffled, feeds gradient steps
	evalTrain *DataLoader // sequential view of the training split
	evalVal   *DataLoader // sequential view of the held-out split

	CheckpointDir string
	Log           *RunLog

	Beta1, Beta2, Eps, WeightDecay float32
}

// NewTrainer splits nothing itself: callers pass the already-separated
// training and validation token sequences.
func NewTrainer(model *GPT, trainSeq, valSeq []int32, checkpointDir string, log *RunLog) (*Trainer, error) {
	cfg := model.Config
	train, err := NewDataLoader(trainSeq, cfg.BatchSize, cfg.BlockSize, true, cfg.Seed)
	if err != nil {
		return nil, fmt.Errorf("train split: %w", err)
	}
	evalTrain, err := NewDataLoader(trainSeq, cfg.BatchSize, cfg.BlockSize, false, cfg.Seed)
	if err != nil {
		return nil, fmt.Errorf("train split: %w", err)
	}
	evalVal, err := NewDataLoader(valSeq, cfg.BatchSize, cfg.BlockSize, false, cfg.Seed)
	if err != nil {
		return nil, fmt.Errorf("validation split: %w", err)
	}
	return &Trainer{
		Model:         model,
		train:         train,
		evalTrain:     evalTrain,
		evalVal:       evalVal,
		CheckpointDir: checkpointDir,
		Log:           log,
		Beta1:         0.9,
		Beta2:         0.999,
		Eps:           1e-8,
		WeightDecay:   0,
	}, nil
}

// Run trains until max_iterations, evaluating and checkpointing at the
// configured cadence. Cancelling ctx stops the loop between steps, after
// the last checkpoint write completed, so the newest snapshot on disk is
// always intact. A non-finite loss aborts immediately with ErrDiverged.
func (t *Trainer) Run(ctx context.Context) error {
	cfg := t.Model.Config
	batches := t.train.Prefetch(ctx, 2)
	for step := t.Model.AdamT; step < cfg.MaxIters; step++ {
		if step%cfg.EvalInterval == 0 {
			if err := t.evaluateAndCheckpoint(step); err != nil {
				return err
			}
		}
		var b Batch
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b, ok = <-batches:
			if !ok {
				// The prefetcher drained out after cancellation.
				return ctx.Err()
			}
		}
		start := time.Now()
		loss, err := t.Model.Forward(b.Inputs, b.Targets, cfg.BatchSize, cfg.BlockSize, true)
		if err != nil {
			return fmt.Errorf("step %d: %w", step, err)
		}
		t.Model.ZeroGrads()
		if err := t.Model.Backward(); err != nil {
			return fmt.Errorf("step %d: %w", step, err)
		}
		t.Model.Update(cfg.LearningRate, t.Beta1, t.Beta2, t.Eps, t.WeightDecay)
		t.Log.LogStep(step, loss, cfg.LearningRate)
		fmt.Printf("step %d: train loss %f (took %v)\n", step, loss, time.Since(start))
	}
	return t.evaluateAndCheckpoint(cfg.MaxIters)
}

func (t *Trainer) evaluateAndCheckpoint(step int) error {
	trainLoss, valLoss, err := t.Evaluate()
	if err != nil {
		return fmt.Errorf("evaluation at step %d: %w", step, err)
	}
	fmt.Printf("step %d: eval train loss %f, val loss %f\n", step, trainLoss, valLoss)
	t.Log.LogEval(step, "train", trainLoss)
	t.Log.LogEval(step, "val", valLoss)
	// The prefetcher owns the training loader, so derive the epoch from the
	// step count rather than peeking at loader state.
	epoch := step * t.Model.Config.BatchSize / t.train.NumExamples()
	if t.CheckpointDir != "" {
		if err := SaveCheckpoint(t.CheckpointDir, t.Model, epoch, step, valLoss); err != nil {
			return fmt.Errorf("checkpoint at step %d: %w", step, err)
		}
	}
	return nil
}

// Evaluate estimates the mean loss of both splits with eval_iterations
// no-gradient forward passes each, drawn sequentially from the start of
// each split.
func (t *Trainer) Evaluate() (trainLoss, valLoss float32, err error) {
	trainLoss, err = t.estimate(t.evalTrain)
	if err != nil {
		return 0, 0, err
	}
	valLoss, err = t.estimate(t.evalVal)
	if err != nil {
		return 0, 0, err
	}
	return trainLoss, valLoss, nil
}

func (t *Trainer) estimate(loader *DataLoader) (float32, error) {
	cfg := t.Model.Config
	loader.Reset()
	losses := make([]float64, 0, cfg.EvalIters)
	for i := 0; i < cfg.EvalIters; i++ {
		b := loader.NextBatch()
		loss, err := t.Model.Forward(b.Inputs, b.Targets, cfg.BatchSize, cfg.BlockSize, false)
		if err != nil {
			return 0, err
		}
		losses = append(losses, float64(loss))
	}
	return float32(stat.Mean(losses, nil)), nil
}
