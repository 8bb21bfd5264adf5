// Package logging builds the process's zerolog loggers from the
// logging configuration and carries request-scoped loggers through
// context for the signal pipeline.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config mirrors the logging section of the application config.
type Config struct {
	Level       string
	Output      string // "stdout" or "stderr"
	JSONFormat  bool
	IncludeFile bool
	Component   string
}

var (
	defaultMu  sync.RWMutex
	defaultLog = zerolog.New(os.Stdout).With().Timestamp().Logger()
)

// New builds a logger from config. Unknown levels fall back to info.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	if cfg.Output == "stderr" {
		out = os.Stderr
	}
	if !cfg.JSONFormat {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	logCtx := zerolog.New(out).Level(level).With().Timestamp()
	if cfg.IncludeFile {
		logCtx = logCtx.Caller()
	}
	if cfg.Component != "" {
		logCtx = logCtx.Str("component", cfg.Component)
	}
	return logCtx.Logger()
}

// SetDefault installs the root logger the context helpers derive from.
func SetDefault(l zerolog.Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLog = l
}

// Default returns the installed root logger.
func Default() zerolog.Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLog
}
