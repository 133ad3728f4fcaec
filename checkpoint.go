package bytegpt

import (
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ErrCheckpointCorrupt marks a checkpoint that cannot be restored. It is
// fatal for a resume but has no bearing on a fresh run.
var ErrCheckpointCorrupt = errors.New("checkpoint corrupt")

// Checkpoint is the persisted training snapshot: enough to continue a run
// bit-for-bit without re-deriving the vocabulary or replaying prior steps.
type Checkpoint struct {
	Epoch  int
	Step   int
	Loss   float32
	Config Config
	Params []float32
	AdamM  []float32
	AdamV  []float32
	AdamT  int
}

func checkpointName(epoch int) string {
	return fmt.Sprintf("ckpt-%04d.gob", epoch)
}

// SaveCheckpoint snapshots the model into dir, tagged with the epoch. The
// blob is written to a temporary file and renamed into place, so an
// interrupted write never clobbers the previous checkpoint.
func SaveCheckpoint(dir string, m *GPT, epoch, step int, loss float32) error {
	ck := Checkpoint{
		Epoch:  epoch,
		Step:   step,
		Loss:   loss,
		Config: m.Config,
		Params: m.Params.Memory,
		AdamM:  m.MMemory,
		AdamV:  m.VMemory,
		AdamT:  m.AdamT,
	}
	tmp, err := os.CreateTemp(dir, "ckpt-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := gob.NewEncoder(tmp).Encode(ck); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, checkpointName(epoch)))
}

// LoadCheckpoint reads and validates a snapshot. Decode failures and
// blob/config shape mismatches surface as ErrCheckpointCorrupt; a missing
// file propagates the underlying I/O error.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var ck Checkpoint
	if err := gob.NewDecoder(f).Decode(&ck); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCheckpointCorrupt, path, err)
	}
	want := parameterCount(ck.Config.VocabSize, ck.Config.EmbedSize, ck.Config.BlockSize, ck.Config.NumLayers)
	if len(ck.Params) != want {
		return nil, fmt.Errorf("%w: %s: %d parameters, config implies %d", ErrCheckpointCorrupt, path, len(ck.Params), want)
	}
	if ck.AdamM != nil && (len(ck.AdamM) != want || len(ck.AdamV) != want) {
		return nil, fmt.Errorf("%w: %s: optimizer state does not match parameters", ErrCheckpointCorrupt, path)
	}
	return &ck, nil
}

// Restore builds a model from a checkpoint, parameters and optimizer state
// included.
func (ck *Checkpoint) Restore() (*GPT, error) {
	m, err := NewGPT(ck.Config)
	if err != nil {
		return nil, err
	}
	copy(m.Params.Memory, ck.Params)
	if ck.AdamM != nil {
		m.MMemory = append([]float32(nil), ck.AdamM...)
		m.VMemory = append([]float32(nil), ck.AdamV...)
	}
	m.AdamT = ck.AdamT
	return m, nil
}

// LatestCheckpoint locates the highest-epoch snapshot in dir. An empty dir
// returns os.ErrNotExist.
func LatestCheckpoint(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "ckpt-*.gob"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no checkpoints in %s: %w", dir, os.ErrNotExist)
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}
