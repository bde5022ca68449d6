package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	api "call-transcription-service/internal/api/http"
	"call-transcription-service/internal/app"
	"call-transcription-service/internal/config"
	"call-transcription-service/internal/events"
	"call-transcription-service/internal/ingest"
	"call-transcription-service/internal/models"
	"call-transcription-service/internal/observability"
	"call-transcription-service/internal/observability/metrics"
	"call-transcription-service/internal/store"
	"call-transcription-service/internal/transcribe"
	"call-transcription-service/internal/transcribe/deepgram"
	"call-transcription-service/internal/transcribe/google"
	"call-transcription-service/internal/transcribe/mock"
)

func main() {
	// .env is optional; real deployments inject environment directly
	_ = godotenv.Load()

	cfg := config.Load()
	application := app.New(cfg)
	if err := application.Start(); err != nil {
		log.Fatal().Err(err).Msg("application start failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, cleanup, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("store setup failed")
	}
	if cleanup != nil {
		defer cleanup()
	}

	publisher := events.New(&events.Config{
		Enabled:   cfg.Kafka.Enabled,
		Brokers:   cfg.Kafka.Brokers,
		Topic:     cfg.Kafka.TopicFinal,
		Principal: cfg.Kafka.Principal,
	})
	defer publisher.Close()

	factory, err := buildEngineFactory(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("transcription engine setup failed")
	}

	// Finalized transcripts fan out to the store and Kafka. Either leg may
	// fail independently; the call itself is never interrupted by it.
	sink := func(ev models.TranscriptEvent) {
		if st != nil {
			start := time.Now()
			err := st.Append(context.Background(), ev)
			metrics.DefaultMetrics.RecordStoreAppend(err, time.Since(start).Seconds())
			if err != nil {
				log.Error().Err(err).Str("callSid", ev.CallSID).Msg("transcript store append failed")
			}
		}
		if err := publisher.PublishFinal(context.Background(), ev); err != nil {
			log.Error().Err(err).Str("callSid", ev.CallSID).Msg("transcript publish failed")
		}
	}

	mgr := transcribe.NewManager(factory, transcribe.CodecParams{
		Encoding:       cfg.Engine.AudioEncoding,
		SampleRateHz:   cfg.Engine.SampleRateHz,
		Channels:       cfg.Engine.Channels,
		Language:       cfg.Engine.LanguageCode,
		Diarization:    cfg.Engine.Diarization,
		InterimResults: cfg.Engine.InterimResults,
	}, sink)

	ingestServer := ingest.NewServer(ingest.NewRegistry(), mgr, ingest.Options{
		ProgressLogEvery:   cfg.Ingest.ProgressLogEvery,
		SessionIdleTimeout: cfg.Ingest.SessionIdleTimeout,
		ReapInterval:       cfg.Ingest.ReapInterval,
		CompletedTTL:       cfg.Ingest.CompletedTTL,
	})
	go ingestServer.RunReaper(ctx)

	router := api.NewRouter(api.RouterConfig{
		Transcripts: &api.TranscriptHandler{
			Store: st,
			Calls: ingestServer.Registry(),
		},
		MediaStream:     ingestServer.HandleMediaStream,
		MediaStreamPath: cfg.Server.MediaWSPath,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	metricsServer := observability.NewServer(":" + cfg.Observability.MetricsPort)
	metricsServer.Start()

	go func() {
		log.Info().
			Str("port", cfg.Server.Port).
			Str("mediaStreamPath", cfg.Server.MediaWSPath).
			Msg("call transcription service listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http serve failed")
		}
	}()

	<-ctx.Done()

	log.Info().Msg("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("metrics shutdown failed")
	}
	application.Shutdown()
}

// buildStore selects the transcript store backend. Returning a nil store is
// valid: transcription persistence degrades gracefully when unconfigured.
func buildStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	switch cfg.Store.Backend {
	case "postgres":
		if cfg.Store.PostgresDSN == "" {
			return nil, nil, fmt.Errorf("store backend postgres requires STORE_POSTGRES_DSN")
		}
		if err := store.Migrate(cfg.Store.PostgresDSN); err != nil {
			return nil, nil, fmt.Errorf("run migrations: %w", err)
		}
		pg, err := store.NewPostgres(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	case "memory":
		return store.NewMemory(), nil, nil
	case "none":
		log.Warn().Msg("transcript store disabled, retrieval API will serve empty responses")
		return nil, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func buildEngineFactory(ctx context.Context, cfg *config.Config) (transcribe.EngineFactory, error) {
	switch cfg.Engine.Provider {
	case "mock":
		log.Warn().Msg("using mock transcription engine, transcripts are simulated")
		return mock.Factory, nil
	case "google":
		if os.Getenv("GOOGLE_APPLICATION_CREDENTIALS") == "" {
			return nil, fmt.Errorf("engine provider google requires GOOGLE_APPLICATION_CREDENTIALS")
		}
		return google.Factory, nil
	case "deepgram":
		if cfg.Engine.DeepgramAPIKey == "" {
			return nil, fmt.Errorf("engine provider deepgram requires DEEPGRAM_API_KEY")
		}
		return deepgram.Factory(deepgram.Config{
			URL:    cfg.Engine.DeepgramURL,
			APIKey: cfg.Engine.DeepgramAPIKey,
		}), nil
	default:
		return nil, fmt.Errorf("unknown engine provider %q", cfg.Engine.Provider)
	}
}
