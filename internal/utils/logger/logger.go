// Package logger provides the single zap logger instance shared by every
// package in this module.
package logger

import (
	"sync"

	"go.uber.org/zap"
)

var (
	once   sync.Once
	sugar  *zap.SugaredLogger
	silent bool
)

// SetSilent suppresses Info/Debug output; Warn/Error always pass through.
// Mirrors the -silent flag from the CLI.
func SetSilent(v bool) {
	silent = v
}

// Logger returns the process-wide sugared logger, building it on first use.
func Logger() *zap.SugaredLogger {
	once.Do(func() {
		cfg := zap.NewDevelopmentConfig()
		cfg.DisableStacktrace = true
		cfg.EncoderConfig.TimeKey = ""
		l, err := cfg.Build()
		if err != nil {
			l = zap.NewNop()
		}
		sugar = l.Sugar()
	})
	if silent {
		return sugar.Desugar().WithOptions(zap.IncreaseLevel(zap.WarnLevel)).Sugar()
	}
	return sugar
}
