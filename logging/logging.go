// Package logging wraps zerolog the way the corpus's cluster-management
// libraries do: a single global logger plus small helpers that attach the
// field a caller always wants (component, node name, namespace) instead of
// repeating With().Str(...) at every call site.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the package-wide logger. Init replaces it; until Init is called
// it writes human-readable console output at info level, which is enough
// for tests and for library consumers who never call Init themselves.
var Logger zerolog.Logger

func init() {
	Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		Level(zerolog.InfoLevel).With().Timestamp().Logger()
}

// Level mirrors zerolog's levels under names that don't require importing
// zerolog at every call site.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls Init.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init (re)configures the package logger. Call it once at client
// construction; nodekv's own code never calls it on import so embedding
// applications keep control of where logs go.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
		return
	}
	Logger = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the subsystem name
// ("tender", "connpool", "scan", …).
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithNode returns a child logger tagged with a node's server-reported name.
func WithNode(name string) zerolog.Logger {
	return Logger.With().Str("node", name).Logger()
}

// WithNamespace returns a child logger tagged with a namespace.
func WithNamespace(ns string) zerolog.Logger {
	return Logger.With().Str("namespace", ns).Logger()
}
