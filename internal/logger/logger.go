package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"convsync/internal/config"
)

// New creates a console zerolog.Logger tagged with the service name.
// Output goes to stderr so CLI commands keep stdout for their results.
func New(cfg *config.Config, service string) zerolog.Logger {
	level := parseLevel(cfg.Logging.Level)
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}
	return log.Output(output).
		With().
		Timestamp().
		Str("service", service).
		Str("environment", cfg.Server.Env).
		Logger().
		Level(level)
}

func parseLevel(raw string) zerolog.Level {
	if raw == "" {
		return zerolog.InfoLevel
	}
	level, err := zerolog.ParseLevel(strings.ToLower(raw))
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}
