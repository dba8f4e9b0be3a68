// Package logger builds the shared zap logger for the webhook pipeline
// binaries.
package logger

import (
	"fmt"
	"strings"

	"github.com/presenq/billing/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "billing-webhooks"

// New builds the process logger from Config. Production emits JSON for log
// shipping, everything else a console encoder for local runs. The logger is
// installed as the zap global so code logging through zap.L shares it.
func New(appCfg config.Config) (*zap.Logger, error) {
	var cfg zap.Config
	if strings.EqualFold(appCfg.Environment, "production") {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	level := appCfg.LogLevel
	if level == "" {
		level = "info"
	}
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	logger = logger.With(
		zap.String("service", serviceName),
		zap.String("env", appCfg.Environment),
	)

	zap.ReplaceGlobals(logger)
	return logger, nil
}
