// Package config loads service configuration from the environment.
// Invalid values fall back to defaults rather than failing startup.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ServiceConfig identifies the service instance.
type ServiceConfig struct {
	Name string
	Env  string // "dev" switches logging to console output
}

// ServerConfig holds the main HTTP server settings. The media-stream
// WebSocket and the retrieval API share one listener.
type ServerConfig struct {
	Port         string
	MediaWSPath  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// IngestConfig controls the audio ingestion pipeline.
type IngestConfig struct {
	// ProgressLogEvery logs per-call frame progress every N media frames.
	ProgressLogEvery int
	// SessionIdleTimeout force-closes a call session that has seen no media
	// and no stop for this long. Zero disables the reaper.
	SessionIdleTimeout time.Duration
	// ReapInterval is how often the reaper sweeps for idle sessions.
	ReapInterval time.Duration
	// CompletedTTL is how long a finished call's completed marker is kept for
	// the retrieval API before the reaper evicts it.
	CompletedTTL time.Duration
}

// EngineConfig holds streaming speech-to-text engine settings.
type EngineConfig struct {
	Provider       string // mock, google, deepgram
	LanguageCode   string
	SampleRateHz   int
	Channels       int
	AudioEncoding  string // MULAW or LINEAR16
	Diarization    bool
	InterimResults bool // server path leaves this off so the engine only emits finals

	DeepgramURL    string
	DeepgramAPIKey string
}

// StoreConfig selects the transcript store backend.
type StoreConfig struct {
	Backend     string // postgres, memory, none
	PostgresDSN string
}

// KafkaConfig holds the final-transcript fan-out settings.
type KafkaConfig struct {
	Enabled    bool
	Brokers    []string
	TopicFinal string
	Principal  string
}

// ObservabilityConfig holds metrics server and logging settings.
type ObservabilityConfig struct {
	MetricsPort string
	LogLevel    string
}

// Config is the full service configuration.
type Config struct {
	Service       ServiceConfig
	Server        ServerConfig
	Ingest        IngestConfig
	Engine        EngineConfig
	Store         StoreConfig
	Kafka         KafkaConfig
	Observability ObservabilityConfig
}

// Load reads configuration from environment variables, applying defaults for
// anything unset or unparseable.
func Load() *Config {
	serviceName := envOrDefault("SERVICE_NAME", "call-transcription-service")

	return &Config{
		Service: ServiceConfig{
			Name: serviceName,
			Env:  envOrDefault("ENV", ""),
		},
		Server: ServerConfig{
			Port:         envOrDefault("HTTP_PORT", "8080"),
			MediaWSPath:  envOrDefault("MEDIA_WS_PATH", "/media-stream"),
			ReadTimeout:  envOrDefaultDuration("HTTP_READ_TIMEOUT", 0), // WebSocket reads are long-lived
			WriteTimeout: envOrDefaultDuration("HTTP_WRITE_TIMEOUT", 0),
		},
		Ingest: IngestConfig{
			ProgressLogEvery:   envOrDefaultInt("INGEST_PROGRESS_LOG_EVERY", 100),
			SessionIdleTimeout: envOrDefaultDuration("INGEST_SESSION_IDLE_TIMEOUT", 5*time.Minute),
			ReapInterval:       envOrDefaultDuration("INGEST_REAP_INTERVAL", 30*time.Second),
			CompletedTTL:       envOrDefaultDuration("INGEST_COMPLETED_TTL", time.Hour),
		},
		Engine: EngineConfig{
			Provider:       envOrDefault("ENGINE_PROVIDER", "mock"),
			LanguageCode:   envOrDefault("ENGINE_LANGUAGE_CODE", "en-US"),
			SampleRateHz:   envOrDefaultInt("ENGINE_SAMPLE_RATE_HZ", 8000),
			Channels:       envOrDefaultInt("ENGINE_CHANNELS", 1),
			AudioEncoding:  envOrDefault("ENGINE_AUDIO_ENCODING", "MULAW"),
			Diarization:    envOrDefaultBool("ENGINE_DIARIZATION", false),
			InterimResults: envOrDefaultBool("ENGINE_INTERIM_RESULTS", false),
			DeepgramURL:    envOrDefault("DEEPGRAM_URL", "wss://api.deepgram.com/v1/listen"),
			DeepgramAPIKey: envOrDefault("DEEPGRAM_API_KEY", ""),
		},
		Store: StoreConfig{
			Backend:     envOrDefault("STORE_BACKEND", "memory"),
			PostgresDSN: envOrDefault("STORE_POSTGRES_DSN", ""),
		},
		Kafka: KafkaConfig{
			Enabled:    envOrDefaultBool("KAFKA_ENABLED", false),
			Brokers:    envOrDefaultList("KAFKA_BROKERS", nil),
			TopicFinal: envOrDefault("KAFKA_TOPIC_FINAL", "call.transcript.final"),
			Principal:  envOrDefault("KAFKA_PRINCIPAL", serviceName),
		},
		Observability: ObservabilityConfig{
			MetricsPort: envOrDefault("METRICS_PORT", "9090"),
			LogLevel:    envOrDefault("LOG_LEVEL", "info"),
		},
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envOrDefaultBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(strings.ToLower(v))
	if err != nil {
		return def
	}
	return b
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envOrDefaultList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
