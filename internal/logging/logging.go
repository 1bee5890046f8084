// Package logging constructs the single structured logger shared by every
// component of the shuffle writer, replacing the teacher's hand-rolled
// JSON-to-stdout helper with go.uber.org/zap.
package logging

import (
	"go.uber.org/zap"
)

// Config selects the logger's encoding and level. Mirrors the fields the
// rest of the retrieved pack drives a logger construction from.
type Config struct {
	Level    string // "debug", "info", "warn", "error"
	Encoding string // "json" or "console"
}

// DefaultConfig returns the shuffle writer's default logging setup:
// structured JSON at info level, suitable for ingestion by a log
// aggregator the way the teacher's LogJSON entries were.
func DefaultConfig() Config {
	return Config{Level: "info", Encoding: "json"}
}

// New builds a *zap.SugaredLogger from cfg. Falls back to info level on an
// unrecognized level string rather than failing construction.
func New(cfg Config) *zap.SugaredLogger {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	zapCfg := zap.Config{
		Level:            level,
		Development:      false,
		Encoding:         cfg.Encoding,
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapCfg.Build()
	if err != nil {
		// Construction only fails on a malformed config; fall back to a
		// zap's example logger rather than leaving callers with nil.
		logger = zap.NewExample()
	}
	return logger.Sugar()
}

// Nop returns a logger that discards everything, for tests that don't
// want log noise.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
