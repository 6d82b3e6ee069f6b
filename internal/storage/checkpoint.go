package storage

import (
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pingcap/errors"

	ferrors "github.com/dreamware/fedround/internal/errors"
	"github.com/dreamware/fedround/internal/model"
)

// Checkpoint keys inside the model directory.
const (
	BestKey     = "best.ckpt"
	RecoveryKey = "recovery.ckpt"
)

// Checkpoint is the persisted form of a model. Best checkpoints carry only
// the parameters; recovery checkpoints also carry the optimizer state and
// the round state.
type Checkpoint struct {
	RunID     string                `cbor:"1,keyasint"`
	CreatedAt time.Time             `cbor:"2,keyasint"`
	Iteration int                   `cbor:"3,keyasint"`
	Params    model.Params          `cbor:"4,keyasint"`
	Optimizer *model.OptimizerState `cbor:"5,keyasint,omitempty"`
	Round     *model.RoundState     `cbor:"6,keyasint,omitempty"`
}

var (
	encoder, _ = zstd.NewWriter(nil)
	decoder, _ = zstd.NewReader(nil)
)

// EncodeCheckpoint serializes c with cbor and compresses it with zstd.
func EncodeCheckpoint(c *Checkpoint) ([]byte, error) {
	raw, err := cbor.Marshal(c)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return encoder.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

// DecodeCheckpoint is the inverse of EncodeCheckpoint.
func DecodeCheckpoint(data []byte) (*Checkpoint, error) {
	raw, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, ferrors.ErrCheckpoint.GenWithStackByArgs("decode", err.Error())
	}
	c := new(Checkpoint)
	if err := cbor.Unmarshal(raw, c); err != nil {
		return nil, ferrors.ErrCheckpoint.GenWithStackByArgs("decode", err.Error())
	}
	return c, nil
}

// Checkpoints persists best and recovery checkpoints in a Store.
type Checkpoints struct {
	store Store
}

// NewCheckpoints returns checkpoint persistence over store.
func NewCheckpoints(store Store) *Checkpoints {
	return &Checkpoints{store: store}
}

// Save writes c under key atomically.
func (c *Checkpoints) Save(key string, ckpt *Checkpoint) error {
	data, err := EncodeCheckpoint(ckpt)
	if err != nil {
		return ferrors.ErrCheckpoint.GenWithStackByArgs(key, err.Error())
	}
	if err := c.store.Put(key, data); err != nil {
		return ferrors.ErrCheckpoint.GenWithStackByArgs(key, err.Error())
	}
	checkpointSizeGauge.WithLabelValues(key).Set(float64(len(data)))
	return nil
}

// Load reads the checkpoint stored under key. A missing checkpoint fails
// with ErrCheckpointNotFound.
func (c *Checkpoints) Load(key string) (*Checkpoint, error) {
	data, err := c.store.Get(key)
	if err != nil {
		return nil, err
	}
	ckpt, err := DecodeCheckpoint(data)
	if err != nil {
		return nil, errors.Annotate(err, key)
	}
	return ckpt, nil
}

// SaveBest stores params as the best model.
func (c *Checkpoints) SaveBest(runID string, iteration int, params model.Params, now time.Time) error {
	return c.Save(BestKey, &Checkpoint{
		RunID:     runID,
		CreatedAt: now,
		Iteration: iteration,
		Params:    params,
	})
}

// SaveRecovery stores everything needed to resume the run.
func (c *Checkpoints) SaveRecovery(runID string, params model.Params, opt model.OptimizerState, round model.RoundState, now time.Time) error {
	return c.Save(RecoveryKey, &Checkpoint{
		RunID:     runID,
		CreatedAt: now,
		Iteration: round.Iteration,
		Params:    params,
		Optimizer: &opt,
		Round:     &round,
	})
}
