// Package rlog configures the process-wide structured logger.
package rlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, configured by Init.
var Logger zerolog.Logger

// Config controls the global logger's output.
type Config struct {
	Level      string
	JSONOutput bool
	Output     io.Writer
}

// Init configures the global Logger. Safe to call once at process start.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(out).With().Timestamp().Logger()
		return
	}
	Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
}

func init() {
	// Usable before Init is called, e.g. from package-level tests.
	Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// WithNode returns a child logger tagged with the local server id.
func WithNode(id string) zerolog.Logger {
	return Logger.With().Str("node_id", id).Logger()
}

// WithComponent returns a child logger tagged with a component name.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}
