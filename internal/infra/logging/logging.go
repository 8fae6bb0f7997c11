// Package logging builds the structured zap logger shared by the runtime.
// Each subsystem receives a Named child so every line carries a fixed
// subsystem tag.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls logging behavior.
type Config struct {
	Level string `toml:"level"` // debug | info | warn | error
	File  string `toml:"file"`  // empty = stderr only
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{Level: "info"}
}

// New builds a logger from the config.
func New(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	if cfg.File != "" {
		zc.OutputPaths = append(zc.OutputPaths, cfg.File)
	}
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return zc.Build()
}
