package util

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// NewLogger builds the sugared logger handed to every component
func NewLogger(verbose bool) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.DisableStacktrace = !verbose
	logger, err := cfg.Build()
	if err != nil {
		return nil, errors.Wrap(err, "build logger issue: ")
	}
	return logger.Sugar(), nil
}

// NamedLogger narrows logger to name, falling back to a no-op logger
func NamedLogger(logger *zap.SugaredLogger, name string) *zap.SugaredLogger {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return logger.Named(name)
}
