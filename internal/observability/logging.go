// Package observability owns process-wide logger construction.
//
// Loggers are built once at startup from config; packages receive them by
// reference. CLILogger exists for command entry points that log before full
// wiring is complete.
package observability

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is available from process start for command-level logging.
// Init replaces it with a configured logger.
var CLILogger = zap.Must(zap.NewDevelopment())

// Init builds the process logger from config.
//
// Profile "STRUCTURED" emits JSON for log shippers; anything else uses the
// console encoder for humans.
func Init(level, profile string) (*zap.Logger, error) {
	parsed, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}

	var cfg zap.Config
	if strings.EqualFold(profile, "STRUCTURED") {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(parsed)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	CLILogger = logger
	return logger, nil
}
