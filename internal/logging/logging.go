// Package logging provides structured logging for the sync engine.
package logging

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var mu sync.Mutex

var rootLogger zerolog.Logger
var initOnce sync.Once

func root() zerolog.Logger {
	initOnce.Do(func() {
		level := parseLevel(os.Getenv("SYNCENGINE_LOG_LEVEL"))
		zerolog.TimeFieldFormat = time.RFC3339
		w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		if strings.EqualFold(os.Getenv("SYNCENGINE_LOG_FORMAT"), "json") {
			rootLogger = zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
			return
		}
		rootLogger = zerolog.New(w).Level(level).With().Timestamp().Logger()
	})
	return rootLogger
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "":
		return zerolog.InfoLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithComponent returns a logger tagged with the given component name.
func WithComponent(component string) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return root().With().Str("component", component).Logger()
}

// WithProcess returns a logger tagged with the given component and process identifier.
func WithProcess(component, processID string) zerolog.Logger {
	return WithComponent(component).With().Str("process_id", processID).Logger()
}
