// Package app holds process-wide state and logger setup for the service.
package app

import (
	"os"
	"strings"
	"time"

	"call-transcription-service/internal/config"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Config
}

// New constructs a new Application from the provided configuration.
func New(cfg *config.Config) *Application {
	a := &Application{
		Cfg: cfg,
	}
	a.setupLogger()

	a.Logger.Info().
		Str("component", "application").
		Msg("call transcription service application created")
	return a
}

// setupLogger configures zerolog for the service. LOG_LEVEL from config wins;
// ZEROLOG_LOG_LEVEL overrides it for ad-hoc debugging.
func (a *Application) setupLogger() {
	logLevel := zerolog.InfoLevel
	levelSrc := a.Cfg.Observability.LogLevel
	if envLevel := os.Getenv("ZEROLOG_LOG_LEVEL"); envLevel != "" {
		levelSrc = envLevel
	}
	if parsedLevel, err := zerolog.ParseLevel(strings.ToLower(levelSrc)); err == nil {
		logLevel = parsedLevel
	}

	zerolog.SetGlobalLevel(logLevel)
	zerolog.TimeFieldFormat = time.RFC3339

	if a.Cfg.Service.Env == "dev" {
		a.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Str("service", a.Cfg.Service.Name).
			Logger()
	} else {
		a.Logger = zerolog.New(os.Stdout).With().
			Timestamp().
			Str("service", a.Cfg.Service.Name).
			Logger()
	}
	log.Logger = a.Logger

	a.Logger.Info().
		Str("logLevel", logLevel.String()).
		Str("environment", a.Cfg.Service.Env).
		Msg("logger setup completed")
}

// Start performs any startup work required before serving traffic.
func (a *Application) Start() error {
	a.StartupTime = time.Now().UTC()
	a.Logger.Info().
		Time("startupTime", a.StartupTime).
		Msg("call transcription service starting")
	return nil
}

// Shutdown performs a best-effort cleanup before process exit.
func (a *Application) Shutdown() {
	a.Logger.Info().Msg("call transcription service shutting down")
}
