package model

import (
	"fmt"
	"math"

	"github.com/pingcap/errors"

	"github.com/dreamware/fedround/internal/config"
	ferrors "github.com/dreamware/fedround/internal/errors"
)

// OptimizerState is the serializable state of an SGD optimizer.
type OptimizerState struct {
	Velocity Params `cbor:"1,keyasint"`
	Steps    int    `cbor:"2,keyasint"`
}

// SGD is stochastic gradient descent with heavy-ball momentum. The
// coordinator applies it to the pseudo-gradient -delta of each round, so one
// aggregate update is exactly one optimizer step.
type SGD struct {
	momentum float64
	velocity Params
	steps    int
}

// NewSGD returns an optimizer for cfg.
func NewSGD(cfg config.OptimizerConfig) *SGD {
	return &SGD{momentum: cfg.Momentum}
}

// Step updates params in place: v = momentum*v + grad; params -= lr*v.
func (o *SGD) Step(params, grad Params, lr float64) error {
	if err := params.CheckShape(grad); err != nil {
		return err
	}
	if o.velocity == nil {
		o.velocity = ZerosLike(params)
	}
	if o.momentum == 0 {
		if err := params.AddScaled(-lr, grad); err != nil {
			return err
		}
		o.steps++
		return nil
	}
	o.velocity.Scale(o.momentum)
	if err := o.velocity.AddScaled(1, grad); err != nil {
		return errors.Trace(err)
	}
	if err := params.AddScaled(-lr, o.velocity); err != nil {
		return err
	}
	o.steps++
	return nil
}

// Steps returns the number of steps taken.
func (o *SGD) Steps() int { return o.steps }

// State returns a copy of the optimizer state.
func (o *SGD) State() OptimizerState {
	s := OptimizerState{Steps: o.steps}
	if o.velocity != nil {
		s.Velocity = o.velocity.Clone()
	}
	return s
}

// Restore replaces the optimizer state with s.
func (o *SGD) Restore(s OptimizerState) {
	o.steps = s.Steps
	o.velocity = nil
	if s.Velocity != nil {
		o.velocity = s.Velocity.Clone()
	}
}

// ScheduleInterval is the unit a learning-rate schedule counts in.
type ScheduleInterval int

const (
	// ScheduleEveryRound advances the schedule after every aggregation.
	ScheduleEveryRound ScheduleInterval = iota
	// ScheduleEveryEpoch advances the schedule each time the cumulative
	// number of sampled clients crosses a multiple of the registry size.
	ScheduleEveryEpoch
)

// ParseScheduleInterval resolves the configured step interval.
func ParseScheduleInterval(s string) (ScheduleInterval, error) {
	switch s {
	case config.StepIntervalRound:
		return ScheduleEveryRound, nil
	case config.StepIntervalEpoch:
		return ScheduleEveryEpoch, nil
	default:
		return 0, ferrors.ErrInvalidConfig.GenWithStackByArgs(fmt.Sprintf("unknown step interval %q", s))
	}
}

// StepLR decays the learning rate by gamma every stepSize schedule steps:
// lr = base * gamma^floor(position/stepSize).
type StepLR struct {
	base     float64
	gamma    float64
	stepSize int
	interval ScheduleInterval
	position int
	// sampled counts clients seen since the start, for epoch intervals.
	sampled int
}

// NewStepLR builds the schedule configured in s.
func NewStepLR(s config.ServerConfig) (*StepLR, error) {
	interval, err := ParseScheduleInterval(s.Annealing.StepInterval)
	if err != nil {
		return nil, err
	}
	return &StepLR{
		base:     s.Optimizer.LR,
		gamma:    s.Annealing.Gamma,
		stepSize: s.Annealing.StepSize,
		interval: interval,
	}, nil
}

// LR returns the current learning rate.
func (s *StepLR) LR() float64 {
	return s.base * math.Pow(s.gamma, float64(s.position/s.stepSize))
}

// Position returns the number of schedule steps taken.
func (s *StepLR) Position() int { return s.position }

// Sampled returns the cumulative number of sampled clients.
func (s *StepLR) Sampled() int { return s.sampled }

// Restore sets the schedule position and sampled count.
func (s *StepLR) Restore(position, sampled int) {
	s.position = position
	s.sampled = sampled
}

// Advance records that a round sampled k clients out of a registry of
// numClients and moves the schedule accordingly. It returns the number of
// schedule steps taken.
func (s *StepLR) Advance(k, numClients int) int {
	if s.interval == ScheduleEveryRound {
		s.sampled += k
		s.position++
		return 1
	}
	if numClients <= 0 {
		return 0
	}
	before := s.sampled / numClients
	s.sampled += k
	steps := s.sampled/numClients - before
	s.position += steps
	return steps
}
