package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/c360/cotgate/config"
)

// parseLevel accepts debug, info, warn and error in any case
func parseLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
	return lvl, nil
}

// newLogger builds the process logger. Debug level adds source locations.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level <= slog.LevelDebug,
	}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler).With(
		"service", appName,
		"version", Version,
		"pid", os.Getpid(),
	)
}

// gatewayLogger tags every record with the device protocol this process
// serves, so logs of several gateways on one host stay apart.
func gatewayLogger(logger *slog.Logger, cfg *config.Config) *slog.Logger {
	return logger.With("protocol", cfg.Gateway.Protocol)
}
