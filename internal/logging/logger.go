// Package logging builds the zap loggers used across the service and keeps
// secrets out of them.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	redactedPrefixLen = 6
	redacted          = "## REDACTED ##"
)

// Config selects the encoder flavour and minimum level.
type Config struct {
	// Development switches to the console encoder with coloured levels.
	Development bool `mapstructure:"development"`
	// Level overrides the flavour's default level ("debug", "info", ...).
	Level string `mapstructure:"level"`
}

// New builds a zap.Logger for cfg.
func New(cfg Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zcfg.EncoderConfig.TimeKey = "ts"
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		zcfg.Level = level
	}
	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// Redact shortens a secret to a prefix that is safe to log.
func Redact(secret string) string {
	if len(secret) <= redactedPrefixLen {
		return redacted
	}
	return secret[:redactedPrefixLen] + "..."
}

// Token returns a zap field carrying a redacted token.
func Token(secret string) zap.Field {
	return zap.String("token", Redact(secret))
}
