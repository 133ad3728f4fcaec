package bytegpt

import (
	"context"
	"fmt"
	"math/rand"
)

// Batch is one mini-batch of next-token training examples, flattened to
// (batchSize * blockSize) as the kernels expect.
type Batch struct {
	Inputs  []int32
	Targets []int32
}

// DataLoader exposes the N-L addressable windows of a flat token sequence of
// length N: the example at offset i is (seq[i:i+L], seq[i+1:i+L+1]), so every
// target position holds the token following its input position. Overlapping
// windows are intentional; they give dense supervision.
//
// With shuffle enabled the iteration order is a fresh permutation of offsets
// each pass, derived only from (seed, pass index) so runs are reproducible.
// Without shuffle the order is sequential from offset 0, as evaluation
// requires.
type DataLoader struct {
	data      []int32
	batchSize int
	blockSize int
	shuffle   bool
	seed      int64

	epoch int
	pos   int
	order []int
}

// NewDataLoader validates the window geometry against the sequence and
// positions the loader at the first example.
func NewDataLoader(data []int32, batchSize, blockSize int, shuffle bool, seed int64) (*DataLoader, error) {
	if batchSize <= 0 || blockSize <= 0 {
		return nil, fmt.Errorf("%w: batch size %d and block size %d must be positive", ErrInvalidConfig, batchSize, blockSize)
	}
	if blockSize >= len(data) {
		return nil, fmt.Errorf("%w: block size %d must be < sequence length %d", ErrInvalidConfig, blockSize, len(data))
	}
	l := &DataLoader{
		data:      data,
		batchSize: batchSize,
		blockSize: blockSize,
		shuffle:   shuffle,
		seed:      seed,
	}
	l.reorder()
	return l, nil
}

// NumExamples is the number of addressable windows.
func (l *DataLoader) NumExamples() int { return len(l.data) - l.blockSize }

// NumBatches is the number of full batches per pass.
func (l *DataLoader) NumBatches() int { return l.NumExamples() / l.batchSize }

// Example returns the (input, target) pair at window offset i as views into
// the underlying sequence.
func (l *DataLoader) Example(i int) (x, y []int32) {
	return l.data[i : i+l.blockSize], l.data[i+1 : i+1+l.blockSize]
}

// Reset rewinds to the first pass and its first example.
func (l *DataLoader) Reset() {
	l.epoch, l.pos = 0, 0
	l.reorder()
}

// reorder rebuilds the offset order for the current pass. The permutation is
// a pure function of (seed, epoch), never of a shared global generator.
func (l *DataLoader) reorder() {
	if !l.shuffle {
		l.order = nil
		return
	}
	rng := rand.New(rand.NewSource(l.seed + int64(l.epoch)))
	l.order = rng.Perm(l.NumExamples())
}

// NextBatch gathers the next batchSize examples into flat input/target
// slices. Reaching the end of a pass starts the next one (reshuffling when
// enabled); NextBatch never blocks and never returns a short batch.
func (l *DataLoader) NextBatch() Batch {
	if l.pos+l.batchSize > l.NumExamples() {
		l.epoch++
		l.pos = 0
		l.reorder()
	}
	b := Batch{
		Inputs:  make([]int32, l.batchSize*l.blockSize),
		Targets: make([]int32, l.batchSize*l.blockSize),
	}
	for k := 0; k < l.batchSize; k++ {
		off := l.pos + k
		if l.order != nil {
			off = l.order[l.pos+k]
		}
		x, y := l.Example(off)
		copy(b.Inputs[k*l.blockSize:], x)
		copy(b.Targets[k*l.blockSize:], y)
	}
	l.pos += l.batchSize
	return b
}

// Prefetch assembles batches on a separate goroutine into a bounded channel.
// A single producer keeps the batch order identical to direct NextBatch
// calls; the channel closes when ctx is cancelled.
func (l *DataLoader) Prefetch(ctx context.Context, depth int) <-chan Batch {
	ch := make(chan Batch, depth)
	go func() {
		defer close(ch)
		for {
			b := l.NextBatch()
			select {
			case ch <- b:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}
