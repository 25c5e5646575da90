// Package logger builds the process-wide slog logger.
package logger

import (
	"io"
	"log/slog"
	"os"

	"github.com/golang-cz/devslog"
)

const (
	// EnvDev selects the human-readable devslog handler at debug level.
	EnvDev = "dev"
	// EnvProd selects a JSON handler at info level.
	EnvProd = "prod"
)

// New creates a logger for env and installs it as the slog default.
func New(env string) *slog.Logger {
	log := newLogger(os.Stdout, env)
	slog.SetDefault(log)
	return log
}

func newLogger(w io.Writer, env string) *slog.Logger {
	if env == EnvProd {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
			AddSource: true,
			Level:     slog.LevelInfo,
		}))
	}

	opts := &devslog.Options{
		HandlerOptions: &slog.HandlerOptions{
			AddSource: true,
			Level:     slog.LevelDebug,
		},
		MaxSlicePrintSize: 10,
		SortKeys:          true,
		NewLineAfterLog:   true,
		StringerFormatter: true,
		TimeFormat:        "[15:04:05.000]",
	}
	return slog.New(devslog.NewHandler(w, opts))
}

// Discard returns a logger that drops everything. Used when no logger is injected.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Err returns a slog.Attr carrying the error message.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{Key: "error", Value: slog.StringValue("<nil>")}
	}
	return slog.Attr{
		Key:   "error",
		Value: slog.StringValue(err.Error()),
	}
}
