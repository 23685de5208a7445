package config

import (
	"os"

	"github.com/rs/zerolog"
)

// NewLogger builds the process root logger from config.
func NewLogger(cfg Config, service string) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(os.Stdout)
	if cfg.LogPretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	return logger.Level(level).With().
		Timestamp().
		Str("service", service).
		Logger()
}
