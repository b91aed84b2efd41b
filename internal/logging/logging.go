// Package logging constructs the zap logger every command shares, honoring
// the CLI's verbosity flags: -v/-vv raise the level, -q silences everything
// but errors and wins over -v, and --json switches the encoder so log lines
// don't interleave with the --json result envelope on stdout.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.Logger for the given verbosity/quiet/json combination.
// verbosity counts repetitions of -v; 0 is INFO, 1 is DEBUG, 2+ is the
// lowest level zap exposes (also DEBUG, since zap has no TRACE level).
func New(verbosity int, quiet bool, jsonOutput bool) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	switch {
	case quiet:
		level = zapcore.ErrorLevel
	case verbosity >= 1:
		level = zapcore.DebugLevel
	}

	cfg := zap.NewProductionConfig()
	if !jsonOutput {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	return cfg.Build()
}
