// Package aggregator combines the client updates of a round into one global
// update, optionally under differential privacy.
//
// Aggregation is a pure function of its input apart from the noise source:
// the coordinator owns the Aggregator and calls it once per round.
package aggregator

import (
	"fmt"
	"math"
	"sync"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/dreamware/fedround/internal/config"
	ferrors "github.com/dreamware/fedround/internal/errors"
	"github.com/dreamware/fedround/internal/model"
)

// Strategy selects how weighted updates are combined.
type Strategy int

const (
	// Mean is the weighted arithmetic mean.
	Mean Strategy = iota
	// Median is the coordinate-wise weighted median.
	Median
)

// StrategyFor resolves the strategy configured in cfg.
func StrategyFor(cfg config.ServerConfig) Strategy {
	if cfg.AggregateMedian {
		return Median
	}
	return Mean
}

func (s Strategy) String() string {
	if s == Median {
		return "median"
	}
	return "mean"
}

// Weighted is one client update with its aggregation weight, usually the
// client's sample count.
type Weighted struct {
	Update model.Params
	Weight float64
}

// Result is the outcome of one aggregation.
type Result struct {
	// Delta has the shape of the inputs.
	Delta model.Params
	// Weights are the weights actually used, after DP clamping.
	Weights []float64
	// TotalWeight is the sum of Weights.
	TotalWeight float64
	// Clipped counts the updates whose direction or magnitude was bounded.
	Clipped int
	// NoiseStd is the standard deviation of the noise added, zero without DP.
	NoiseStd float64
}

// Aggregator combines client updates. It is safe for concurrent use.
type Aggregator struct {
	strategy Strategy
	dp       *config.DPConfig

	mu    sync.Mutex
	noise distuv.Normal
}

// New returns an aggregator. dp may be nil to disable differential privacy.
// src seeds the DP noise.
func New(strategy Strategy, dp *config.DPConfig, src rand.Source) *Aggregator {
	return &Aggregator{
		strategy: strategy,
		dp:       dp,
		noise:    distuv.Normal{Mu: 0, Sigma: 1, Src: src},
	}
}

// Strategy returns the configured strategy.
func (a *Aggregator) Strategy() Strategy { return a.strategy }

// Aggregate combines in into one update. It fails with ErrAggregation on
// empty input or non-positive weights and with ErrShapeMismatch when the
// updates do not share one shape.
func (a *Aggregator) Aggregate(in []Weighted) (*Result, error) {
	if len(in) == 0 {
		return nil, ferrors.ErrAggregation.GenWithStackByArgs("no updates to aggregate")
	}
	like := in[0].Update
	for _, w := range in[1:] {
		if err := like.CheckShape(w.Update); err != nil {
			return nil, err
		}
	}

	res := &Result{Weights: make([]float64, len(in))}
	vectors := make([][]float64, len(in))
	for i, w := range in {
		weight := w.Weight
		vec := w.Update.Flatten()
		if a.dp != nil {
			weight = clampWeight(weight, a.dp)
			var clipped bool
			vec, clipped = clipUpdate(vec, a.dp.DirectionBound(), a.dp.MagnitudeBound())
			if clipped {
				res.Clipped++
			}
		}
		if !(weight > 0) {
			return nil, ferrors.ErrAggregation.GenWithStackByArgs(fmt.Sprintf("update %d has weight %v", i, weight))
		}
		res.Weights[i] = weight
		res.TotalWeight += weight
		vectors[i] = vec
	}

	var out []float64
	switch a.strategy {
	case Median:
		out = weightedMedian(vectors, res.Weights)
	default:
		out = weightedMean(vectors, res.Weights, res.TotalWeight)
	}

	if a.dp != nil {
		res.NoiseStd = noiseStd(a.dp, res.TotalWeight)
		if res.NoiseStd > 0 {
			a.addNoise(out, res.NoiseStd)
		}
	}

	delta, err := like.Unflatten(out)
	if err != nil {
		return nil, err
	}
	res.Delta = delta
	return res, nil
}

func (a *Aggregator) addNoise(v []float64, std float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range v {
		v[i] += std * a.noise.Rand()
	}
}

func weightedMean(vectors [][]float64, weights []float64, total float64) []float64 {
	out := make([]float64, len(vectors[0]))
	for i, v := range vectors {
		floats.AddScaled(out, weights[i]/total, v)
	}
	return out
}

// weightedMedian returns, per coordinate, the smallest value whose
// cumulative weight reaches half the total.
func weightedMedian(vectors [][]float64, weights []float64) []float64 {
	dim := len(vectors[0])
	out := make([]float64, dim)
	col := make([]float64, len(vectors))
	w := make([]float64, len(vectors))
	for j := 0; j < dim; j++ {
		for i, v := range vectors {
			col[i] = v[j]
		}
		copy(w, weights)
		stat.SortWeighted(col, w)
		out[j] = stat.Quantile(0.5, stat.Empirical, col, w)
	}
	return out
}

// clampWeight bounds w to [MinWeight, MaxWeight]. A non-positive bound is
// absent.
func clampWeight(w float64, dp *config.DPConfig) float64 {
	if dp.MaxWeight > 0 && w > dp.MaxWeight {
		w = dp.MaxWeight
	}
	if dp.MinWeight > 0 && w < dp.MinWeight {
		w = dp.MinWeight
	}
	return w
}

// clipUpdate bounds every coordinate of the unit direction of v by dirBound,
// renormalizes the direction, and bounds the L2 norm of v by magBound. A
// non-positive bound disables its step. The input is not modified.
func clipUpdate(v []float64, dirBound, magBound float64) ([]float64, bool) {
	norm := floats.Norm(v, 2)
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return v, false
	}
	clipped := false
	dir := make([]float64, len(v))
	floats.ScaleTo(dir, 1/norm, v)
	if dirBound > 0 {
		for i, x := range dir {
			if x > dirBound {
				dir[i] = dirBound
				clipped = true
			} else if x < -dirBound {
				dir[i] = -dirBound
				clipped = true
			}
		}
		if clipped {
			if n := floats.Norm(dir, 2); n > 0 {
				floats.Scale(1/n, dir)
			}
		}
	}
	mag := norm
	if magBound > 0 && mag > magBound {
		mag = magBound
		clipped = true
	}
	floats.Scale(mag, dir)
	return dir, clipped
}

// noiseStd is the Gaussian noise scale of one aggregate: the sensitivity of
// the weighted mean, magBound*MaxWeight/totalWeight, divided by epsilon.
func noiseStd(dp *config.DPConfig, totalWeight float64) float64 {
	magBound := dp.MagnitudeBound()
	eps := dp.NoiseEps()
	if magBound <= 0 || dp.MaxWeight <= 0 || eps <= 0 || totalWeight <= 0 {
		return 0
	}
	return magBound * dp.MaxWeight / (totalWeight * eps)
}
