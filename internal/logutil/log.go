// Package logutil initializes the process-wide structured logger.
package logutil

import (
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Config is the logging section of the run configuration.
type Config struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// InitLogger replaces the global logger according to cfg. An empty level
// means "info"; an empty file logs to stdout.
func InitLogger(cfg Config) error {
	level := cfg.Level
	if level == "" {
		level = "info"
	}
	lg, props, err := log.InitLogger(&log.Config{
		Level: level,
		File:  log.FileLogConfig{Filename: cfg.File},
	})
	if err != nil {
		return errors.Annotate(err, "init logger")
	}
	log.ReplaceGlobals(lg, props)
	return nil
}

// ForRank returns the global logger tagged with the process rank and role.
func ForRank(rank int, role string) *zap.Logger {
	return log.L().With(zap.Int("rank", rank), zap.String("role", role))
}
