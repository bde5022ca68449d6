// Package api provides the HTTP surface: the transcript retrieval API polled
// by clients and the media-stream WebSocket mount.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RouterConfig wires the handlers the router mounts.
type RouterConfig struct {
	Transcripts *TranscriptHandler
	// MediaStream is the ingestion WebSocket handler; mounted when non-nil.
	MediaStream http.HandlerFunc
	// MediaStreamPath is the mount path for MediaStream.
	MediaStreamPath string
}

// NewRouter constructs the HTTP router for the service.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health endpoints
	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	// Transcript retrieval API, polled by the client at short intervals
	r.Get("/transcripts", cfg.Transcripts.Get)
	r.Delete("/transcripts", cfg.Transcripts.Delete)

	if cfg.MediaStream != nil {
		path := cfg.MediaStreamPath
		if path == "" {
			path = "/media-stream"
		}
		r.Get(path, cfg.MediaStream)
	}

	return r
}
