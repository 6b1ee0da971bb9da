// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ServiceName is attached to every log line emitted through Setup.
const ServiceName = "asset-sync"

// LogLevel represents the logging level.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(ParseLevel(string(cfg.Level)))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out}
	}

	logger := zerolog.New(out).With().
		Timestamp().
		Str("service", ServiceName).
		Logger()

	log.Logger = logger

	return logger
}

// ParseLevel converts a level name to a zerolog.Level. Unknown names map to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a logger derived from the global one with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// WithRun tags a logger with the id of the current sync run.
func WithRun(logger zerolog.Logger, runID string) zerolog.Logger {
	return logger.With().Str("run_id", runID).Logger()
}

// Log Level Guidelines:
//
// Debug: per-request detail
//   - page requests (page number, page size)
//   - duplicate assets skipped
//   - credential still fresh
//
// Info: normal operation
//   - authentication succeeded (expires_at, instance_url)
//   - asset written (asset_id, path)
//   - sync finished (pages, written, skipped, duration)
//
// Warn: unusual but non-fatal
//   - page reported full but carried no items
//   - lock release failed after the run
//
// Error: the run is aborted
//   - authentication failed
//   - asset list request failed (page, status, error_class)
//   - asset could not be persisted
//   - configuration missing
//
// Context Fields:
//   - component: auth, crm-client, assetsync, storage, lock
//   - run_id: id of the current sync run
//   - page: page number being fetched
//   - asset_id, path: persisted asset
//   - status_code, error_class: failed HTTP calls
