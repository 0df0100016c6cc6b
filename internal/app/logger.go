package app

import (
	"io"
	"log/slog"
	"os"
)

// NewLogger returns a configured slog.Logger based on configuration.
func NewLogger(cfg *Config) *slog.Logger {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg *Config, out io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{AddSource: true}
	var handler slog.Handler = slog.NewTextHandler(out, opts)
	env := "development"
	if cfg != nil {
		if cfg.LogFormat == "json" {
			handler = slog.NewJSONHandler(out, opts)
		}
		if cfg.AppEnv != "" {
			env = cfg.AppEnv
		}
	}
	return slog.New(handler).With(slog.String("service", "odyssey-supply"), slog.String("env", env))
}
