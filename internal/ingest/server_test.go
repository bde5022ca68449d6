package ingest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"call-transcription-service/internal/models"
	"call-transcription-service/internal/transcribe"
)

// scriptedEngine is a controllable engine double. It records forwarded audio
// and, when configured, flushes a final transcript as part of Close, the way
// a real engine drains its stream on shutdown.
type scriptedEngine struct {
	mu           sync.Mutex
	cb           transcribe.Callback
	audio        []byte
	closed       bool
	startErr     error
	finalOnClose string
}

func (e *scriptedEngine) Start(ctx context.Context, params transcribe.CodecParams, cb transcribe.Callback) error {
	if e.startErr != nil {
		return e.startErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cb = cb
	return nil
}

func (e *scriptedEngine) SendAudio(ctx context.Context, audio []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.audio = append(e.audio, audio...)
	return nil
}

func (e *scriptedEngine) Close() error {
	e.mu.Lock()
	cb := e.cb
	final := e.finalOnClose
	e.closed = true
	e.mu.Unlock()
	if cb != nil && final != "" {
		cb.OnFinal(final, 0.9)
	}
	return nil
}

func (e *scriptedEngine) received() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]byte, len(e.audio))
	copy(out, e.audio)
	return out
}

// engineHub hands out one scriptedEngine per session and keeps them all for
// later inspection.
type engineHub struct {
	mu           sync.Mutex
	engines      []*scriptedEngine
	startErr     error
	finalOnClose string
}

func (h *engineHub) factory(ctx context.Context) (transcribe.Engine, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := &scriptedEngine{startErr: h.startErr, finalOnClose: h.finalOnClose}
	h.engines = append(h.engines, e)
	return e, nil
}

func (h *engineHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.engines)
}

func (h *engineHub) engine(i int) *scriptedEngine {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.engines[i]
}

type eventLog struct {
	mu     sync.Mutex
	events []models.TranscriptEvent
}

func (l *eventLog) sink(ev models.TranscriptEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) all() []models.TranscriptEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.TranscriptEvent, len(l.events))
	copy(out, l.events)
	return out
}

func newTestIngest(t *testing.T, hub *engineHub, sink transcribe.Sink, opts Options) (*Server, *websocket.Conn, func()) {
	t.Helper()

	mgr := transcribe.NewManager(hub.factory, transcribe.CodecParams{
		Encoding:     "MULAW",
		SampleRateHz: 8000,
		Channels:     1,
		Language:     "en-US",
	}, sink)

	srv := NewServer(NewRegistry(), mgr, opts)
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleMediaStream))

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		ts.Close()
		t.Fatalf("failed to dial media stream: %v", err)
	}

	return srv, conn, func() {
		conn.Close()
		ts.Close()
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func sendJSON(t *testing.T, conn *websocket.Conn, format string, args ...any) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(format, args...))); err != nil {
		t.Fatalf("failed to send frame: %v", err)
	}
}

func sendStart(t *testing.T, conn *websocket.Conn, callSID, streamSID string) {
	t.Helper()
	sendJSON(t, conn, `{"event":"start","streamSid":%q,"start":{"callSid":%q,"streamSid":%q,"tracks":["inbound"],"mediaFormat":{"encoding":"MULAW","sampleRate":8000,"channels":1}}}`,
		streamSID, callSID, streamSID)
}

func sendMedia(t *testing.T, conn *websocket.Conn, streamSID string, audio []byte) {
	t.Helper()
	sendJSON(t, conn, `{"event":"media","streamSid":%q,"media":{"track":"inbound","payload":%q}}`,
		streamSID, base64.StdEncoding.EncodeToString(audio))
}

func sendStop(t *testing.T, conn *websocket.Conn, streamSID string) {
	t.Helper()
	sendJSON(t, conn, `{"event":"stop","streamSid":%q}`, streamSID)
}

func TestMediaStreamStartMediaStop(t *testing.T) {
	hub := &engineHub{finalOnClose: "thanks for calling"}
	log := &eventLog{}
	srv, conn, cleanup := newTestIngest(t, hub, log.sink, Options{})
	defer cleanup()

	sendJSON(t, conn, `{"event":"connected","protocol":"Call","version":"1.0.0"}`)
	sendStart(t, conn, "CA123", "MZ123")

	waitFor(t, "call session registered", func() bool {
		return srv.Registry().Has("CA123")
	})

	sendMedia(t, conn, "MZ123", []byte{0x01, 0x02})
	sendMedia(t, conn, "MZ123", []byte{0x03, 0x04})

	waitFor(t, "audio forwarded", func() bool {
		return len(hub.engine(0).received()) == 4
	})
	got := hub.engine(0).received()
	if got[0] != 0x01 || got[3] != 0x04 {
		t.Error("expected decoded audio forwarded in receipt order")
	}

	sendStop(t, conn, "MZ123")

	waitFor(t, "call completed", func() bool {
		return srv.Registry().Completed("CA123")
	})
	if srv.Registry().Active() != 0 {
		t.Errorf("expected no active sessions after stop, got %d", srv.Registry().Active())
	}

	events := log.all()
	if len(events) != 1 {
		t.Fatalf("expected 1 final transcript flushed on stop, got %d", len(events))
	}
	if events[0].CallSID != "CA123" {
		t.Errorf("expected event for CA123, got %s", events[0].CallSID)
	}
	if events[0].Text != "thanks for calling" {
		t.Errorf("expected flushed final text, got %q", events[0].Text)
	}
}

func TestMediaForUnknownStreamDropped(t *testing.T) {
	hub := &engineHub{}
	srv, conn, cleanup := newTestIngest(t, hub, nil, Options{})
	defer cleanup()

	sendMedia(t, conn, "MZ999", []byte{0x01})
	sendStop(t, conn, "MZ999")

	// The connection must survive: a start afterwards still works.
	sendStart(t, conn, "CA1", "MZ1")
	waitFor(t, "subsequent start accepted", func() bool {
		return srv.Registry().Has("CA1")
	})
	if hub.count() != 1 {
		t.Errorf("expected 1 engine (for the valid start only), got %d", hub.count())
	}
}

func TestMalformedFrameDoesNotKillConnection(t *testing.T) {
	hub := &engineHub{}
	srv, conn, cleanup := newTestIngest(t, hub, nil, Options{})
	defer cleanup()

	sendJSON(t, conn, `{not json`)
	sendJSON(t, conn, `{"event":"start","start":{"streamSid":"MZ1"}}`) // missing callSid
	sendJSON(t, conn, `{"event":"media","streamSid":"MZ1","media":{}}`)

	sendStart(t, conn, "CA1", "MZ1")
	waitFor(t, "start accepted after malformed frames", func() bool {
		return srv.Registry().Has("CA1")
	})
}

func TestDuplicateStartRejected(t *testing.T) {
	hub := &engineHub{}
	srv, conn, cleanup := newTestIngest(t, hub, nil, Options{})
	defer cleanup()

	sendStart(t, conn, "CA123", "MZ1")
	waitFor(t, "first start accepted", func() bool {
		return srv.Registry().Has("CA123")
	})

	sendStart(t, conn, "CA123", "MZ2")

	// The duplicate must not open a second engine or disturb the first
	// session. Push media to force ordering past the duplicate start.
	sendMedia(t, conn, "MZ1", []byte{0x01})
	waitFor(t, "media after duplicate start", func() bool {
		return len(hub.engine(0).received()) == 1
	})
	if hub.count() != 1 {
		t.Errorf("expected duplicate start to open no engine, got %d engines", hub.count())
	}
	if srv.Registry().GetByStream("MZ2") != nil {
		t.Error("expected no session registered for the duplicate stream")
	}
}

func TestInterleavedCallsIsolated(t *testing.T) {
	hub := &engineHub{}
	log := &eventLog{}
	srv, conn, cleanup := newTestIngest(t, hub, log.sink, Options{})
	defer cleanup()

	sendStart(t, conn, "CA1", "MZ1")
	waitFor(t, "CA1 registered", func() bool { return srv.Registry().Has("CA1") })
	sendStart(t, conn, "CA2", "MZ2")
	waitFor(t, "CA2 registered", func() bool { return srv.Registry().Has("CA2") })

	sendMedia(t, conn, "MZ1", []byte{0xAA})
	sendMedia(t, conn, "MZ2", []byte{0xBB})
	sendMedia(t, conn, "MZ1", []byte{0xAC})

	waitFor(t, "audio demultiplexed", func() bool {
		return len(hub.engine(0).received()) == 2 && len(hub.engine(1).received()) == 1
	})
	if a := hub.engine(0).received(); a[0] != 0xAA || a[1] != 0xAC {
		t.Error("expected CA1 engine to receive only CA1 audio")
	}
	if b := hub.engine(1).received(); b[0] != 0xBB {
		t.Error("expected CA2 engine to receive only CA2 audio")
	}

	// Stopping one call leaves the other live.
	sendStop(t, conn, "MZ1")
	waitFor(t, "CA1 completed", func() bool { return srv.Registry().Completed("CA1") })
	if !srv.Registry().Has("CA2") {
		t.Error("expected CA2 to survive CA1 stop")
	}

	sendMedia(t, conn, "MZ2", []byte{0xBC})
	waitFor(t, "CA2 still receiving", func() bool {
		return len(hub.engine(1).received()) == 2
	})
}

func TestLateMediaAfterStopDropped(t *testing.T) {
	hub := &engineHub{}
	srv, conn, cleanup := newTestIngest(t, hub, nil, Options{})
	defer cleanup()

	sendStart(t, conn, "CA123", "MZ123")
	waitFor(t, "start accepted", func() bool { return srv.Registry().Has("CA123") })

	sendMedia(t, conn, "MZ123", []byte{0x01})
	waitFor(t, "media forwarded", func() bool {
		return len(hub.engine(0).received()) == 1
	})

	sendStop(t, conn, "MZ123")
	waitFor(t, "call completed", func() bool { return srv.Registry().Completed("CA123") })

	sendMedia(t, conn, "MZ123", []byte{0x02})

	// Force ordering: a fresh call's media proves the late frame was read.
	sendStart(t, conn, "CAx", "MZx")
	sendMedia(t, conn, "MZx", []byte{0x03})
	waitFor(t, "fresh call media", func() bool {
		return hub.count() == 2 && len(hub.engine(1).received()) == 1
	})

	if len(hub.engine(0).received()) != 1 {
		t.Error("expected media after stop to be dropped, not forwarded")
	}
}

func TestConnectionCloseFinalizesSessions(t *testing.T) {
	hub := &engineHub{finalOnClose: "goodbye"}
	log := &eventLog{}
	srv, conn, cleanup := newTestIngest(t, hub, log.sink, Options{})
	defer cleanup()

	sendStart(t, conn, "CA123", "MZ123")
	waitFor(t, "start accepted", func() bool { return srv.Registry().Has("CA123") })

	conn.Close()

	waitFor(t, "session finalized on connection close", func() bool {
		return srv.Registry().Completed("CA123")
	})
	if srv.Registry().Active() != 0 {
		t.Errorf("expected no active sessions, got %d", srv.Registry().Active())
	}

	events := log.all()
	if len(events) != 1 || events[0].Text != "goodbye" {
		t.Error("expected the engine flush to be delivered during finalization")
	}
}

func TestEngineOpenFailureNotifiesProvider(t *testing.T) {
	hub := &engineHub{startErr: fmt.Errorf("upstream refused")}
	srv, conn, cleanup := newTestIngest(t, hub, nil, Options{})
	defer cleanup()

	sendStart(t, conn, "CA123", "MZ123")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected an error frame from the server, got %v", err)
	}

	var ef struct {
		Event   string `json:"event"`
		CallSID string `json:"callSid"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &ef); err != nil {
		t.Fatalf("failed to decode error frame: %v", err)
	}
	if ef.Event != "error" {
		t.Errorf("expected event error, got %q", ef.Event)
	}
	if ef.CallSID != "CA123" {
		t.Errorf("expected callSid CA123, got %q", ef.CallSID)
	}

	if srv.Registry().Has("CA123") {
		t.Error("expected no session registered after engine open failure")
	}
}

func TestReaperClosesIdleSessions(t *testing.T) {
	hub := &engineHub{}
	srv, conn, cleanup := newTestIngest(t, hub, nil, Options{
		SessionIdleTimeout: 50 * time.Millisecond,
		ReapInterval:       20 * time.Millisecond,
	})
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.RunReaper(ctx)

	sendStart(t, conn, "CA123", "MZ123")
	waitFor(t, "start accepted", func() bool { return srv.Registry().Has("CA123") })

	waitFor(t, "idle session reaped", func() bool {
		return srv.Registry().Completed("CA123")
	})
	if !hub.engine(0).closed {
		t.Error("expected engine closed when session was reaped")
	}
}
