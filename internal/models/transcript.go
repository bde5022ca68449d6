// Package models defines the canonical transcript event shape shared by the
// ingestion pipeline, the store and the retrieval API.
package models

// Speaker identifies which party of the call produced an utterance. The set is
// closed: single-track telephony audio cannot support open-ended diarization,
// so every utterance is attributed to one of these two roles.
type Speaker string

const (
	// SpeakerCustomer is the far-end party of the call.
	SpeakerCustomer Speaker = "customer"
	// SpeakerAgent is the local agent leg of the call.
	SpeakerAgent Speaker = "agent"
)

// TranscriptEvent is one finalized, timestamped utterance for a call.
// Interim engine results are never promoted to a TranscriptEvent; only
// finalized text reaches the store. Events are immutable once persisted.
type TranscriptEvent struct {
	CallSID    string  `json:"callSid"`
	Speaker    Speaker `json:"speaker"`
	Text       string  `json:"text"`
	Timestamp  int64   `json:"timestamp"` // producer-side capture time, ms since epoch; ordering and cursor key
	Confidence float64 `json:"confidence"`
}
