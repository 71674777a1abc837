// Package logging builds the process-wide zap logger.
//
// Logs always go to stderr: stdout belongs to the MCP stdio transport.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	EnvLogLevel  = "CELLKERNEL_LOG_LEVEL"
	EnvLogFormat = "CELLKERNEL_LOG_FORMAT"
)

// New returns a logger at level. CELLKERNEL_LOG_LEVEL overrides level and
// CELLKERNEL_LOG_FORMAT selects "console" (default) or "json" encoding.
func New(level string) (*zap.Logger, error) {
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		level = v
	}
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Encoding = "console"
	if strings.EqualFold(strings.TrimSpace(os.Getenv(EnvLogFormat)), "json") {
		cfg.Encoding = "json"
	} else {
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	return cfg.Build()
}

// ParseLevel maps a level name to a zap level. An empty name is info.
func ParseLevel(raw string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zapcore.InfoLevel, nil
	case "warning":
		return zapcore.WarnLevel, nil
	case "off", "none", "disabled":
		// Above fatal: nothing is emitted.
		return zapcore.FatalLevel + 1, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(raw)))); err != nil {
		return lvl, fmt.Errorf("invalid log level %q", raw)
	}
	return lvl, nil
}
