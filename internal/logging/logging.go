// Package logging provides zap logger helpers.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ServiceName is attached to every entry as the "service" field.
const ServiceName = "crawlcore"

// Options selects the encoder and minimum level.
type Options struct {
	Development bool
	// Level overrides the default minimum level ("debug", "info", ...).
	Level string
}

// New builds a zap.Logger configured for development or production.
func New(development bool) (*zap.Logger, error) {
	return Build(Options{Development: development})
}

// Build constructs a logger from opts.
func Build(opts Options) (*zap.Logger, error) {
	var cfg zap.Config
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.DisableStacktrace = false
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.InitialFields = map[string]any{"service": ServiceName}
	if opts.Level != "" {
		level, err := zap.ParseAtomicLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		cfg.Level = level
	}
	logger, err := cfg.Build()
	if err != nil {
		mode := "prod"
		if opts.Development {
			mode = "dev"
		}
		return nil, fmt.Errorf("build %s logger: %w", mode, err)
	}
	return logger, nil
}
