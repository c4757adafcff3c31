// Package logging builds the zap loggers used by the server and the CLI.
//
// The language server speaks JSON-RPC on stdout, so loggers only ever write to
// stderr or to a file.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects the level and destination of a logger.
type Options struct {
	// Level is a zap level name or "off".
	Level string
	// Path is a log file. Empty or "-" means stderr.
	Path string
	// JSON switches from console to JSON encoding.
	JSON bool
}

// New builds a logger from opts.
func New(opts Options) (*zap.Logger, error) {
	levelName := strings.ToLower(strings.TrimSpace(opts.Level))
	if levelName == "" {
		levelName = "info"
	}
	if levelName == "off" {
		return zap.NewNop(), nil
	}
	level, err := zap.ParseAtomicLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.Sampling = nil
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if opts.JSON {
		cfg.Encoding = "json"
	}
	out := opts.Path
	if out == "" || out == "-" {
		out = "stderr"
	}
	cfg.OutputPaths = []string{out}
	cfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}
