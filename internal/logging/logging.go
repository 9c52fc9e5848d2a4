// Package logging builds the single *zap.Logger each process constructs at
// startup and threads by reference, per SPEC_FULL.md §1.
package logging

import (
	"github.com/megatechtrackers/alarmnotifier/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Build constructs a logger from cfg.Format ("console" or "json") and
// cfg.Level. An unparseable level falls back to info.
func Build(cfg config.LoggingConfig) *zap.Logger {
	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zcfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
