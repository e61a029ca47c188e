package logger

import (
	"os"

	"github.com/watchllm/gateway/config"
	"github.com/rs/zerolog"
)

// New returns a configured zerolog.Logger: console-writer and debug level
// in development, JSON and info level otherwise.
func New(cfg *config.Config) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	if cfg.IsDevelopment() {
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if cfg.IsDevelopment() {
		out := zerolog.ConsoleWriter{Out: os.Stderr}
		return zerolog.New(out).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
