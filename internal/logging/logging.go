// Package logging builds the logr.Logger handed to every tally component.
//
// Verbosity follows logr: V(DEBUG) lines are per-flush and per-merge detail
// and only appear at the "debug" level.
package logging

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// logr verbosity levels used across the code base.
const (
	DEFAULT = 0
	DEBUG   = 1
)

// Development selects NewDevelopment in New.
const Development = "dev"

// ParseLevel maps a level name to a zap level. logr's V(n) is zap level -n,
// so "debug" enables V(DEBUG).
func ParseLevel(name string) (zapcore.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return zapcore.Level(-DEBUG), nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	}
	return 0, fmt.Errorf("unknown log level %q", name)
}

// New returns a production JSON logger at the named level, or the
// development logger for Development.
func New(level string) (logr.Logger, error) {
	if strings.EqualFold(level, Development) {
		return NewDevelopment(), nil
	}
	lvl, err := ParseLevel(level)
	if err != nil {
		return logr.Discard(), err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	z, err := cfg.Build(zap.AddCaller())
	if err != nil {
		return logr.Discard(), err
	}
	return zapr.NewLogger(z), nil
}

// NewDevelopment returns a human readable logger with every level enabled.
func NewDevelopment() logr.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-DEBUG))
	z, err := cfg.Build(zap.AddCaller())
	if err != nil {
		return logr.Discard()
	}
	return zapr.NewLogger(z)
}

// Fatal calls logger.Error followed by os.Exit(1).
func Fatal(logger logr.Logger, err error, msg string, keysAndValues ...interface{}) {
	logger.Error(err, msg, keysAndValues...)
	os.Exit(1)
}
