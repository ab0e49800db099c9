// Package logging provides zap logger helpers.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ServiceName is attached to every log line.
const ServiceName = "videre-progress"

type options struct {
	level  *zapcore.Level
	output []string
}

// Option customizes New.
type Option func(*options)

// WithLevel overrides the minimum enabled level.
func WithLevel(level zapcore.Level) Option {
	return func(o *options) { o.level = &level }
}

// WithOutput replaces the output paths (files, "stdout", "stderr").
func WithOutput(paths ...string) Option {
	return func(o *options) { o.output = paths }
}

// New builds a zap.Logger configured for development or production.
func New(development bool, opts ...Option) (*zap.Logger, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfg := zap.NewProductionConfig()
	kind := "prod"
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		kind = "dev"
	} else {
		cfg.DisableStacktrace = false
	}
	cfg.EncoderConfig.TimeKey = "ts"
	if o.level != nil {
		cfg.Level = zap.NewAtomicLevelAt(*o.level)
	}
	if len(o.output) > 0 {
		cfg.OutputPaths = o.output
	}
	logger, err := cfg.Build(zap.Fields(zap.String("service", ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("build %s logger: %w", kind, err)
	}
	return logger, nil
}
