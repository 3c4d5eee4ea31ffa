package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log is the process-wide logger. Components derive their own via For.
var Log zerolog.Logger

func init() {
	Log = New(os.Getenv("APP_ENV"), os.Getenv("LOG_LEVEL"))
}

// New builds a logger for the given environment and level name.
// Outside production the output is the human friendly console writer.
func New(env, level string) zerolog.Logger {
	var out io.Writer = os.Stdout
	if env != "production" {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).
		Level(ParseLevel(level)).
		With().
		Timestamp().
		Logger()
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	if level == "" {
		return zerolog.InfoLevel
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// Configure replaces the global logger, typically once config has been loaded.
func Configure(env, level string) {
	Log = New(env, level)
}

// For returns a child of the global logger tagged with the component name.
func For(component string) zerolog.Logger {
	return Log.With().Str("component", component).Logger()
}
