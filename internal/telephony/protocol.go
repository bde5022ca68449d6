// Package telephony implements the media-stream control protocol spoken by
// the telephony provider: JSON control frames interleaved with base64 audio
// payloads on a single WebSocket connection.
package telephony

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Control frame event discriminators.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventError     = "error"
)

// Track names used by the provider for the two media legs.
const (
	TrackInbound  = "inbound"
	TrackOutbound = "outbound"
)

var (
	// ErrMalformedFrame indicates a frame that could not be parsed. The
	// connection survives; only the frame is discarded.
	ErrMalformedFrame = errors.New("malformed control frame")
	// ErrMissingCallSID indicates a start frame without a call identifier.
	ErrMissingCallSID = errors.New("start frame missing callSid")
	// ErrMissingPayload indicates a media frame without an audio payload.
	ErrMissingPayload = errors.New("media frame missing payload")
)

// MediaFormat describes the audio codec the provider negotiated for a stream.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// StartPayload carries the call identity and stream parameters of a start frame.
type StartPayload struct {
	CallSID     string      `json:"callSid"`
	StreamSID   string      `json:"streamSid"`
	AccountSID  string      `json:"accountSid"`
	Tracks      []string    `json:"tracks"`
	MediaFormat MediaFormat `json:"mediaFormat"`
}

// MediaPayload carries one base64-encoded audio chunk.
type MediaPayload struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

// Frame is one inbound control frame. Start and Media are populated only for
// their respective events.
type Frame struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSID      string        `json:"streamSid,omitempty"`
	Start          *StartPayload `json:"start,omitempty"`
	Media          *MediaPayload `json:"media,omitempty"`
}

// ParseFrame decodes and validates one control frame. The event-specific
// required fields of the protocol table are enforced here so that the
// ingestion loop only ever sees well-formed frames.
func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch f.Event {
	case "":
		return nil, fmt.Errorf("%w: missing event", ErrMalformedFrame)
	case EventStart:
		if f.Start == nil || f.Start.CallSID == "" {
			return nil, ErrMissingCallSID
		}
	case EventMedia:
		if f.Media == nil || f.Media.Payload == "" {
			return nil, ErrMissingPayload
		}
	}
	return &f, nil
}

// DecodeAudio returns the raw audio bytes of a media payload.
func (m *MediaPayload) DecodeAudio() ([]byte, error) {
	audio, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode media payload: %w", err)
	}
	return audio, nil
}

// ErrorFrame is written back to the provider when a start cannot be honored,
// e.g. the transcription engine refused the session.
type ErrorFrame struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid,omitempty"`
	CallSID   string `json:"callSid,omitempty"`
	Message   string `json:"message"`
}

// NewErrorFrame builds an error frame for the given stream and call.
func NewErrorFrame(streamSID, callSID, message string) ErrorFrame {
	return ErrorFrame{
		Event:     EventError,
		StreamSID: streamSID,
		CallSID:   callSID,
		Message:   message,
	}
}
