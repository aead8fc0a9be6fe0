package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the global zerolog logger. Level defaults to info;
// set PROMPTCHAIN_LOG_LEVEL or pass a level string to override.
func Setup(level string) {
	zerolog.TimeFieldFormat = time.RFC3339

	if level == "" {
		level = os.Getenv("PROMPTCHAIN_LOG_LEVEL")
	}

	parsed := zerolog.InfoLevel
	if level != "" {
		if l, err := zerolog.ParseLevel(strings.ToLower(level)); err == nil {
			parsed = l
		}
	}
	zerolog.SetGlobalLevel(parsed)

	if os.Getenv("PROMPTCHAIN_LOG_PRETTY") == "true" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

// ForExecution returns a logger carrying the execution id on every entry
func ForExecution(executionID int64) zerolog.Logger {
	return log.With().Int64("execution_id", executionID).Logger()
}
