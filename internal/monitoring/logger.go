package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, pretty
}

// NewLogger creates a structured logger for the ingestion broker.
//
// JSON output is the default (log aggregation friendly); the pretty console
// writer is meant for local development only.
func NewLogger(config LoggerConfig) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch config.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "ingest-server").
		Logger()
}

// RecoverPanic logs a recovered panic with its stack trace.
// Use as a deferred call in connection-handling goroutines so a single bad
// connection cannot take the process down.
func RecoverPanic(logger zerolog.Logger, where string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Interface("panic_value", r).
			Str("where", where).
			Str("stack_trace", string(debug.Stack()))
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("Panic recovered")
	}
}
