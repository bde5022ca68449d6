package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"call-transcription-service/internal/models"
	"call-transcription-service/internal/store"
)

// CompletionTracker reports whether the ingestion pipeline has observed the
// end of a call. Implemented by the ingest registry.
type CompletionTracker interface {
	Completed(callSID string) bool
	ClearCompleted(callSID string)
}

// TranscriptHandler serves the polling retrieval API for transcript events.
type TranscriptHandler struct {
	// Store may be nil when transcription persistence is not configured.
	// The API then degrades to flagged empty responses instead of erroring,
	// because transcription is best-effort relative to the call itself.
	Store store.Store
	Calls CompletionTracker
}

type transcriptEventPayload struct {
	Speaker    models.Speaker `json:"speaker"`
	Text       string         `json:"text"`
	Timestamp  int64          `json:"timestamp"`
	Confidence float64        `json:"confidence"`
}

type listResponse struct {
	Events    []transcriptEventPayload `json:"events"`
	Completed bool                     `json:"completed"`
	Disabled  bool                     `json:"disabled,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Get returns transcript events for a call, optionally only those strictly
// newer than the since cursor (a millisecond timestamp from a previous poll).
func (h *TranscriptHandler) Get(w http.ResponseWriter, r *http.Request) {
	callSID := r.URL.Query().Get("call_id")
	if callSID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "call_id is required"})
		return
	}

	var sinceMs int64
	if since := r.URL.Query().Get("since"); since != "" {
		v, err := strconv.ParseInt(since, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "since must be a millisecond timestamp"})
			return
		}
		sinceMs = v
	}

	if h.Store == nil {
		writeJSON(w, http.StatusOK, listResponse{
			Events:   []transcriptEventPayload{},
			Disabled: true,
		})
		return
	}

	rows, err := h.Store.List(r.Context(), callSID, sinceMs)
	if err != nil {
		log.Error().Err(err).Str("callSid", callSID).Msg("failed to list transcripts")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to list transcripts"})
		return
	}

	events := make([]transcriptEventPayload, 0, len(rows))
	for _, row := range rows {
		events = append(events, transcriptEventPayload{
			Speaker:    row.Speaker,
			Text:       row.Text,
			Timestamp:  row.Timestamp,
			Confidence: row.Confidence,
		})
	}

	completed := false
	if h.Calls != nil {
		completed = h.Calls.Completed(callSID)
	}

	writeJSON(w, http.StatusOK, listResponse{
		Events:    events,
		Completed: completed,
	})
}

// Delete removes all transcript events for a call. Idempotent; deleting a
// call that has no rows succeeds.
func (h *TranscriptHandler) Delete(w http.ResponseWriter, r *http.Request) {
	callSID := r.URL.Query().Get("call_id")
	if callSID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "call_id is required"})
		return
	}

	if h.Store != nil {
		if err := h.Store.Delete(r.Context(), callSID); err != nil {
			log.Error().Err(err).Str("callSid", callSID).Msg("failed to delete transcripts")
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to delete transcripts"})
			return
		}
	}
	if h.Calls != nil {
		h.Calls.ClearCompleted(callSID)
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to encode response")
	}
}
