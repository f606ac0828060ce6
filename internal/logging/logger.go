// Package logging provides zap logger helpers.
package logging

import (
	"errors"
	"fmt"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Service is attached to every log line.
const Service = "handleprobe"

// New builds a zap.Logger configured for development or production.
// Development logs are human readable on stderr; production logs are JSON.
func New(development bool) (*zap.Logger, error) {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.DisableStacktrace = true
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.OutputPaths = []string{"stderr"}

	logger, err := cfg.Build()
	if err != nil {
		mode := "prod"
		if development {
			mode = "dev"
		}
		return nil, fmt.Errorf("build %s logger: %w", mode, err)
	}
	return logger.Named(Service).With(zap.String("service", Service)), nil
}

// Sync flushes the logger, ignoring the errors terminals report for fsync.
func Sync(logger *zap.Logger) error {
	if logger == nil {
		return nil
	}
	err := logger.Sync()
	switch {
	case err == nil,
		errors.Is(err, syscall.EINVAL),
		errors.Is(err, syscall.ENOTTY),
		errors.Is(err, syscall.EBADF),
		errors.Is(err, syscall.ENOTSUP):
		return nil
	}
	return fmt.Errorf("sync logger: %w", err)
}
