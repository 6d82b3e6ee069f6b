package model

import (
	"context"
	"fmt"
	"math"

	"github.com/pingcap/errors"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/dreamware/fedround/internal/config"
	ferrors "github.com/dreamware/fedround/internal/errors"
)

// Parameter names of the linear task.
const (
	ParamWeight = "weight"
	ParamBias   = "bias"
)

// Dataset is the local data of one client.
type Dataset struct {
	X [][]float64
	Y []float64
}

// Len returns the number of examples.
func (d Dataset) Len() int { return len(d.Y) }

// Metrics maps metric names to values.
type Metrics map[string]float64

// Trainer runs local training for one client. It must not modify params.
type Trainer interface {
	Train(ctx context.Context, params Params, data Dataset, cfg config.ClientConfig, src rand.Source) (delta Params, loss float64, err error)
}

// Validator evaluates params on a dataset.
type Validator interface {
	Validate(params Params, data Dataset) (Metrics, error)
}

// Task is a trainable and evaluable model family.
type Task interface {
	Trainer
	Validator
	// Init returns freshly initialized parameters.
	Init(seed uint64) Params
}

// LinearTask is least-squares linear regression y = w.x + b.
type LinearTask struct {
	Features int
}

var _ Task = LinearTask{}

// NewLinearTask returns the task configured by cfg.
func NewLinearTask(cfg config.ModelConfig) LinearTask {
	return LinearTask{Features: cfg.Features}
}

// Init draws the weights from N(0, 0.01) and zeroes the bias.
func (l LinearTask) Init(seed uint64) Params {
	w := NewTensor(l.Features)
	dist := distuv.Normal{Mu: 0, Sigma: 0.1, Src: rand.NewSource(seed)}
	for i := range w.Data {
		w.Data[i] = dist.Rand()
	}
	return Params{
		ParamWeight: w,
		ParamBias:   NewTensor(1),
	}
}

func (l LinearTask) check(params Params, data Dataset) error {
	w, ok := params[ParamWeight]
	if !ok || len(w.Data) != l.Features {
		return ferrors.ErrShapeMismatch.GenWithStackByArgs(ParamWeight, []int{l.Features}, w.Shape)
	}
	if b, ok := params[ParamBias]; !ok || len(b.Data) != 1 {
		return ferrors.ErrShapeMismatch.GenWithStackByArgs(ParamBias, []int{1}, b.Shape)
	}
	if len(data.X) != len(data.Y) {
		return ferrors.ErrDataFormat.GenWithStackByArgs("dataset",
			fmt.Sprintf("%d inputs but %d targets", len(data.X), len(data.Y)))
	}
	if data.Len() == 0 {
		return ferrors.ErrDataFormat.GenWithStackByArgs("dataset", "no examples")
	}
	for i, x := range data.X {
		if len(x) != l.Features {
			return ferrors.ErrDataFormat.GenWithStackByArgs("dataset",
				fmt.Sprintf("example %d has %d features, want %d", i, len(x), l.Features))
		}
	}
	return nil
}

func predict(w []float64, b float64, x []float64) float64 {
	return floats.Dot(w, x) + b
}

// Train runs cfg.LocalSteps minibatch SGD steps on the mean squared error,
// starting from a private copy of params, and returns trained - params with
// the mean minibatch loss.
func (l LinearTask) Train(ctx context.Context, params Params, data Dataset, cfg config.ClientConfig, src rand.Source) (Params, float64, error) {
	if err := l.check(params, data); err != nil {
		return nil, 0, err
	}
	local := params.Clone()
	w := local[ParamWeight].Data
	b := local[ParamBias].Data

	rng := rand.New(src)
	order := rng.Perm(data.Len())
	next := 0
	batch := cfg.BatchSize
	if batch <= 0 || batch > data.Len() {
		batch = data.Len()
	}

	gradW := make([]float64, len(w))
	totalLoss := 0.0
	for step := 0; step < cfg.LocalSteps; step++ {
		if err := ctx.Err(); err != nil {
			return nil, 0, errors.Trace(err)
		}
		for i := range gradW {
			gradW[i] = 0
		}
		gradB, loss := 0.0, 0.0
		for j := 0; j < batch; j++ {
			if next == len(order) {
				rng.Shuffle(len(order), func(a, c int) { order[a], order[c] = order[c], order[a] })
				next = 0
			}
			idx := order[next]
			next++
			x := data.X[idx]
			e := predict(w, b[0], x) - data.Y[idx]
			loss += e * e
			floats.AddScaled(gradW, 2*e, x)
			gradB += 2 * e
		}
		n := float64(batch)
		floats.AddScaled(w, -cfg.LearningRate/n, gradW)
		b[0] -= cfg.LearningRate * gradB / n
		totalLoss += loss / n
	}

	if !local.IsFinite() {
		return nil, 0, errors.New("training diverged")
	}
	delta, err := local.Sub(params)
	if err != nil {
		return nil, 0, err
	}
	return delta, totalLoss / float64(cfg.LocalSteps), nil
}

// Validate returns the mean squared error as "loss" (and "mse") and the mean
// absolute error as "mae".
func (l LinearTask) Validate(params Params, data Dataset) (Metrics, error) {
	if err := l.check(params, data); err != nil {
		return nil, err
	}
	w := params[ParamWeight].Data
	b := params[ParamBias].Data[0]
	se, ae := 0.0, 0.0
	for i, x := range data.X {
		e := predict(w, b, x) - data.Y[i]
		se += e * e
		ae += math.Abs(e)
	}
	n := float64(data.Len())
	return Metrics{"loss": se / n, "mse": se / n, "mae": ae / n}, nil
}

// Minimized reports whether a lower value of the named metric is better.
func Minimized(criterion string) bool {
	switch criterion {
	case "loss", "mae", "mse", "wer", "error":
		return true
	default:
		return false
	}
}

// Improves reports whether candidate is strictly better than best for the
// named metric. Any finite value improves on a NaN best.
func Improves(criterion string, candidate, best float64) bool {
	if math.IsNaN(candidate) {
		return false
	}
	if math.IsNaN(best) {
		return true
	}
	if Minimized(criterion) {
		return candidate < best
	}
	return candidate > best
}
