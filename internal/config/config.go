// Package config defines the immutable per-component configuration structs
// of a federated run and loads them from YAML.
//
// The coordinator receives ServerConfig, workers receive ClientConfig and the
// aggregator receives DPConfig. All three are built once by Load (or Default)
// followed by Adjust and are never mutated afterwards.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/pingcap/errors"
	"gopkg.in/yaml.v3"

	ferrors "github.com/dreamware/fedround/internal/errors"
	"github.com/dreamware/fedround/internal/logutil"
)

// SamplingPolicy selects how clients are drawn from the registry each round.
type SamplingPolicy string

const (
	// SamplingUniform draws clients uniformly without replacement.
	SamplingUniform SamplingPolicy = "uniform"
	// SamplingWeighted draws clients proportionally to their sample count.
	SamplingWeighted SamplingPolicy = "weighted"
)

// EmptyRoundPolicy decides what happens to a round in which no client
// produced a usable update.
type EmptyRoundPolicy string

const (
	// EmptyRoundSkip counts the round and leaves the global model unchanged.
	EmptyRoundSkip EmptyRoundPolicy = "skip"
	// EmptyRoundRetry re-samples the round up to MaxRoundRetries times.
	EmptyRoundRetry EmptyRoundPolicy = "retry"
	// EmptyRoundAbort stops the run with an aggregation error.
	EmptyRoundAbort EmptyRoundPolicy = "abort"
)

// Schedule step intervals.
const (
	StepIntervalEpoch = "epoch"
	StepIntervalRound = "round"
)

// OptimizerConfig configures the coordinator-side optimizer.
type OptimizerConfig struct {
	Type     string  `yaml:"type"`
	LR       float64 `yaml:"lr"`
	Momentum float64 `yaml:"momentum"`
}

// AnnealingConfig configures the learning-rate schedule of the coordinator
// optimizer.
type AnnealingConfig struct {
	Type         string  `yaml:"type"`
	StepInterval string  `yaml:"step_interval"`
	Gamma        float64 `yaml:"gamma"`
	StepSize     int     `yaml:"step_size"`
}

// ServerConfig is the coordinator's configuration.
type ServerConfig struct {
	NumClientsPerIteration int              `yaml:"num_clients_per_iteration"`
	MaxIteration           int              `yaml:"max_iteration"`
	ValFreq                int              `yaml:"val_freq"`
	RecFreq                int              `yaml:"rec_freq"`
	AggregateMedian        bool             `yaml:"aggregate_median"`
	BestModelCriterion     string           `yaml:"best_model_criterion"`
	FallBackToBestModel    bool             `yaml:"fall_back_to_best_model"`
	Sampling               SamplingPolicy   `yaml:"sampling"`
	Seed                   uint64           `yaml:"seed"`
	RoundTimeout           time.Duration    `yaml:"round_timeout"`
	EmptyRoundPolicy       EmptyRoundPolicy `yaml:"empty_round_policy"`
	MaxRoundRetries        int              `yaml:"max_round_retries"`
	MaxFailedRounds        int              `yaml:"max_failed_rounds"`
	Resume                 bool             `yaml:"resume"`
	ModelDir               string           `yaml:"model_dir"`
	Optimizer              OptimizerConfig  `yaml:"optimizer_config"`
	Annealing              AnnealingConfig  `yaml:"annealing_config"`
	Data                   DataConfig       `yaml:"data_config"`
}

// DataConfig names the held-out manifests of the coordinator. Every user of
// a manifest contributes its examples. Without Val the union of the
// training clients is used for validation; without Test no final test
// evaluation runs.
type DataConfig struct {
	Val  string `yaml:"val"`
	Test string `yaml:"test"`
}

// ClientConfig is shipped to workers with every assignment.
type ClientConfig struct {
	ClientsInParallel int     `yaml:"clients_in_parallel" msgpack:"clients_in_parallel"`
	LocalSteps        int     `yaml:"local_steps" msgpack:"local_steps"`
	LearningRate      float64 `yaml:"learning_rate" msgpack:"learning_rate"`
	BatchSize         int     `yaml:"batch_size" msgpack:"batch_size"`
}

// DPConfig bounds client contributions during aggregation. A nil *DPConfig
// disables differential privacy.
type DPConfig struct {
	Eps        float64 `yaml:"eps"`
	MaxWeight  float64 `yaml:"max_weight"`
	MinWeight  float64 `yaml:"min_weight"`
	GradDirEps float64 `yaml:"grad_dir_eps"`
	GradMagEps float64 `yaml:"grad_mag_eps"`
	WeightEps  float64 `yaml:"weight_eps"`
}

// DirectionBound returns the per-coordinate bound on a unit update direction.
func (c *DPConfig) DirectionBound() float64 {
	if c.GradDirEps > 0 {
		return c.GradDirEps
	}
	return c.Eps
}

// MagnitudeBound returns the L2 bound on an update.
func (c *DPConfig) MagnitudeBound() float64 {
	if c.GradMagEps > 0 {
		return c.GradMagEps
	}
	return c.Eps
}

// NoiseEps returns the epsilon used to calibrate aggregate noise.
func (c *DPConfig) NoiseEps() float64 {
	if c.WeightEps > 0 {
		return c.WeightEps
	}
	return c.Eps
}

// ModelConfig configures the built-in regression task.
type ModelConfig struct {
	Features       int    `yaml:"features"`
	PretrainedPath string `yaml:"pretrained_model_path"`
	InitSeed       uint64 `yaml:"init_seed"`
}

// RunConfig is the full YAML document.
type RunConfig struct {
	Server ServerConfig   `yaml:"server_config"`
	Client ClientConfig   `yaml:"client_config"`
	DP     *DPConfig      `yaml:"dp_config"`
	Model  ModelConfig    `yaml:"model_config"`
	Log    logutil.Config `yaml:"log"`
}

// Default returns a RunConfig holding the defaults of every option.
func Default() *RunConfig {
	return &RunConfig{
		Server: ServerConfig{
			NumClientsPerIteration: -1,
			MaxIteration:           100000000,
			ValFreq:                1,
			RecFreq:                8,
			BestModelCriterion:     "loss",
			Sampling:               SamplingUniform,
			RoundTimeout:           5 * time.Minute,
			EmptyRoundPolicy:       EmptyRoundSkip,
			MaxRoundRetries:        3,
			MaxFailedRounds:        10,
			ModelDir:               "models",
			Optimizer: OptimizerConfig{
				Type: "sgd",
				LR:   1.0,
			},
			Annealing: AnnealingConfig{
				Type:         "step_lr",
				StepInterval: StepIntervalEpoch,
				Gamma:        1.0,
				StepSize:     100,
			},
		},
		Client: ClientConfig{
			LocalSteps:   10,
			LearningRate: 0.05,
			BatchSize:    16,
		},
		Model: ModelConfig{
			Features: 1,
		},
	}
}

// Load reads a YAML file on top of the defaults and adjusts the result.
// Unknown keys are rejected.
func Load(path string) (*RunConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "read config %s", path)
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, ferrors.ErrInvalidConfig.GenWithStackByArgs(err.Error())
	}
	if err := cfg.Adjust(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Adjust validates the configuration and fills derived defaults.
func (c *RunConfig) Adjust() error {
	s := &c.Server
	if s.NumClientsPerIteration == 0 || s.NumClientsPerIteration < -1 {
		return invalid("num_clients_per_iteration must be positive or -1, got %d", s.NumClientsPerIteration)
	}
	if s.MaxIteration <= 0 {
		return invalid("max_iteration must be positive, got %d", s.MaxIteration)
	}
	if s.ValFreq <= 0 || s.RecFreq <= 0 {
		return invalid("val_freq and rec_freq must be positive")
	}
	if s.BestModelCriterion == "" {
		s.BestModelCriterion = "loss"
	}
	switch s.Sampling {
	case "":
		s.Sampling = SamplingUniform
	case SamplingUniform, SamplingWeighted:
	default:
		return invalid("unknown sampling policy %q", s.Sampling)
	}
	switch s.EmptyRoundPolicy {
	case "":
		s.EmptyRoundPolicy = EmptyRoundSkip
	case EmptyRoundSkip, EmptyRoundRetry, EmptyRoundAbort:
	default:
		return invalid("unknown empty_round_policy %q", s.EmptyRoundPolicy)
	}
	if s.RoundTimeout <= 0 {
		return invalid("round_timeout must be positive")
	}
	if s.MaxFailedRounds <= 0 {
		s.MaxFailedRounds = 1
	}
	if s.Optimizer.Type != "sgd" {
		return invalid("unsupported optimizer %q", s.Optimizer.Type)
	}
	if s.Optimizer.LR <= 0 {
		return invalid("optimizer lr must be positive")
	}
	if s.Optimizer.Momentum < 0 || s.Optimizer.Momentum >= 1 {
		return invalid("optimizer momentum must be in [0, 1)")
	}
	a := &s.Annealing
	if a.Type != "step_lr" {
		return invalid("unsupported annealing type %q", a.Type)
	}
	if a.StepInterval != StepIntervalEpoch && a.StepInterval != StepIntervalRound {
		return invalid("annealing step_interval must be %q or %q", StepIntervalEpoch, StepIntervalRound)
	}
	if a.StepSize <= 0 || a.Gamma <= 0 {
		return invalid("annealing step_size and gamma must be positive")
	}

	if c.Client.ClientsInParallel < 0 {
		return invalid("clients_in_parallel must not be negative")
	}
	if c.Client.LocalSteps <= 0 || c.Client.BatchSize <= 0 || c.Client.LearningRate <= 0 {
		return invalid("local_steps, batch_size and learning_rate must be positive")
	}

	if dp := c.DP; dp != nil {
		if dp.MinWeight < 0 || dp.MaxWeight < 0 {
			return invalid("dp weights must not be negative")
		}
		if dp.MaxWeight > 0 && dp.MinWeight > dp.MaxWeight {
			return invalid("dp min_weight %v exceeds max_weight %v", dp.MinWeight, dp.MaxWeight)
		}
	}

	if c.Model.Features <= 0 {
		return invalid("model features must be positive")
	}
	return nil
}

// OverrideDP applies command-line epsilon overrides; zero values are ignored.
func (c *RunConfig) OverrideDP(gradDirEps, gradMagEps, weightEps float64) {
	if gradDirEps == 0 && gradMagEps == 0 && weightEps == 0 {
		return
	}
	if c.DP == nil {
		c.DP = &DPConfig{}
	}
	if gradDirEps != 0 {
		c.DP.GradDirEps = gradDirEps
	}
	if gradMagEps != 0 {
		c.DP.GradMagEps = gradMagEps
	}
	if weightEps != 0 {
		c.DP.WeightEps = weightEps
	}
}

// Properties flattens the options worth recording at the start of a run.
func (c *RunConfig) Properties() map[string]any {
	props := map[string]any{
		"server_config.num_clients_per_iteration":      c.Server.NumClientsPerIteration,
		"server_config.max_iteration":                  c.Server.MaxIteration,
		"server_config.optimizer_config.type":          c.Server.Optimizer.Type,
		"server_config.optimizer_config.lr":            c.Server.Optimizer.LR,
		"server_config.annealing_config.type":          c.Server.Annealing.Type,
		"server_config.annealing_config.step_interval": c.Server.Annealing.StepInterval,
		"server_config.annealing_config.gamma":         c.Server.Annealing.Gamma,
		"server_config.annealing_config.step_size":     c.Server.Annealing.StepSize,
		"dp_config.eps":                                0.0,
		"dp_config.max_weight":                         0.0,
		"dp_config.min_weight":                         0.0,
	}
	if c.DP != nil {
		props["dp_config.eps"] = c.DP.Eps
		props["dp_config.max_weight"] = c.DP.MaxWeight
		props["dp_config.min_weight"] = c.DP.MinWeight
	}
	return props
}

func invalid(format string, args ...any) error {
	return ferrors.ErrInvalidConfig.GenWithStackByArgs(fmt.Sprintf(format, args...))
}
