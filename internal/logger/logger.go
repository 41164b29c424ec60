// Package logger builds the zap loggers used across the postmaster.
package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the encoder and the minimum level.
type Config struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Development bool   `mapstructure:"development" yaml:"development"`
	Encoding    string `mapstructure:"encoding" yaml:"encoding"` // json or console
}

// New builds a production (JSON) or development (console) logger.
func New(cfg Config) (*zap.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	if cfg.Encoding != "" {
		zc.Encoding = cfg.Encoding
	}
	l, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return l, nil
}

// ParseLevel maps a configured level name onto zap. "crit" is the queue
// setting for errors-only-and-worse.
func ParseLevel(name string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	case "crit", "critical":
		return zapcore.DPanicLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", name)
	}
}

// ForQueue returns the logger for one polling cycle of a queue. The level
// only ever tightens the base logger; "none" silences the queue.
func ForQueue(base *zap.Logger, queueSlug, level string) *zap.Logger {
	if base == nil {
		base = zap.NewNop()
	}
	if strings.EqualFold(strings.TrimSpace(level), "none") {
		return zap.NewNop()
	}
	l := base.With(zap.String("queue_slug", queueSlug))
	if lvl, err := ParseLevel(level); err == nil && lvl > zapcore.DebugLevel {
		l = l.WithOptions(zap.IncreaseLevel(lvl))
	}
	return l
}
