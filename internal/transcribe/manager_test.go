package transcribe

import (
	"context"
	"errors"
	"sync"
	"testing"

	"call-transcription-service/internal/models"
)

// fakeEngine records forwarded audio and exposes the callback so tests can
// drive engine results directly.
type fakeEngine struct {
	mu       sync.Mutex
	cb       Callback
	params   CodecParams
	audio    [][]byte
	closed   bool
	startErr error
	sendErr  error
}

func (f *fakeEngine) Start(ctx context.Context, params CodecParams, cb Callback) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cb = cb
	f.params = params
	return nil
}

func (f *fakeEngine) SendAudio(ctx context.Context, audio []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, audio)
	return nil
}

func (f *fakeEngine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeEngine) sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.audio))
	copy(out, f.audio)
	return out
}

func factoryFor(eng *fakeEngine) EngineFactory {
	return func(ctx context.Context) (Engine, error) {
		return eng, nil
	}
}

func collectSink() (Sink, *[]models.TranscriptEvent, *sync.Mutex) {
	var mu sync.Mutex
	var events []models.TranscriptEvent
	sink := func(ev models.TranscriptEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	}
	return sink, &events, &mu
}

func TestManagerOpenAndForward(t *testing.T) {
	eng := &fakeEngine{}
	sink, events, mu := collectSink()
	mgr := NewManager(factoryFor(eng), CodecParams{Encoding: "MULAW", SampleRateHz: 8000, Channels: 1, Language: "en-US"}, sink)

	s, err := mgr.Open(context.Background(), "CA100", CodecParams{Track: "inbound"})
	if err != nil {
		t.Fatalf("expected open to succeed, got %v", err)
	}

	if err := s.Send(context.Background(), []byte{0x01}); err != nil {
		t.Errorf("expected send to succeed, got %v", err)
	}
	if err := s.Send(context.Background(), []byte{0x02}); err != nil {
		t.Errorf("expected send to succeed, got %v", err)
	}

	sent := eng.sent()
	if len(sent) != 2 {
		t.Fatalf("expected 2 audio chunks forwarded, got %d", len(sent))
	}
	if sent[0][0] != 0x01 || sent[1][0] != 0x02 {
		t.Error("expected audio forwarded in receipt order")
	}

	eng.cb.OnFinal("hello there", 0.92)

	mu.Lock()
	defer mu.Unlock()
	if len(*events) != 1 {
		t.Fatalf("expected 1 transcript event, got %d", len(*events))
	}
	ev := (*events)[0]
	if ev.CallSID != "CA100" {
		t.Errorf("expected callSid CA100, got %s", ev.CallSID)
	}
	if ev.Speaker != models.SpeakerCustomer {
		t.Errorf("expected speaker customer for inbound track, got %s", ev.Speaker)
	}
	if ev.Text != "hello there" {
		t.Errorf("expected text 'hello there', got %q", ev.Text)
	}
	if ev.Confidence != 0.92 {
		t.Errorf("expected confidence 0.92, got %f", ev.Confidence)
	}
	if ev.Timestamp <= 0 {
		t.Error("expected positive millisecond timestamp")
	}
}

func TestManagerSpeakerMapping(t *testing.T) {
	tests := []struct {
		track string
		want  models.Speaker
	}{
		{"inbound", models.SpeakerCustomer},
		{"outbound", models.SpeakerAgent},
		{"", models.SpeakerCustomer},
		{"both", models.SpeakerCustomer},
	}

	for _, tt := range tests {
		eng := &fakeEngine{}
		sink, events, mu := collectSink()
		mgr := NewManager(factoryFor(eng), CodecParams{}, sink)

		if _, err := mgr.Open(context.Background(), "CA200", CodecParams{Track: tt.track}); err != nil {
			t.Fatalf("track %q: open failed: %v", tt.track, err)
		}

		eng.cb.OnFinal("text", 0.5)

		mu.Lock()
		if len(*events) != 1 {
			t.Fatalf("track %q: expected 1 event, got %d", tt.track, len(*events))
		}
		if (*events)[0].Speaker != tt.want {
			t.Errorf("track %q: expected speaker %s, got %s", tt.track, tt.want, (*events)[0].Speaker)
		}
		mu.Unlock()
	}
}

func TestManagerOpenFailure(t *testing.T) {
	eng := &fakeEngine{startErr: errors.New("upstream refused")}
	mgr := NewManager(factoryFor(eng), CodecParams{}, nil)

	s, err := mgr.Open(context.Background(), "CA300", CodecParams{})
	if err == nil {
		t.Fatal("expected open to fail when engine start fails")
	}
	if s != nil {
		t.Error("expected nil session on open failure")
	}
	if !eng.closed {
		t.Error("expected engine closed after failed start")
	}
}

func TestManagerFactoryFailure(t *testing.T) {
	mgr := NewManager(func(ctx context.Context) (Engine, error) {
		return nil, errors.New("no engine available")
	}, CodecParams{}, nil)

	if _, err := mgr.Open(context.Background(), "CA301", CodecParams{}); err == nil {
		t.Fatal("expected open to fail when factory fails")
	}
}

func TestSessionInterimDropped(t *testing.T) {
	eng := &fakeEngine{}
	sink, events, mu := collectSink()
	mgr := NewManager(factoryFor(eng), CodecParams{}, sink)

	_, err := mgr.Open(context.Background(), "CA400", CodecParams{})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	eng.cb.OnInterim("partial tex", 0.4)
	eng.cb.OnInterim("partial text", 0.6)
	eng.cb.OnFinal("partial text done", 0.9)

	mu.Lock()
	defer mu.Unlock()
	if len(*events) != 1 {
		t.Fatalf("expected interims dropped and 1 final event, got %d events", len(*events))
	}
	if (*events)[0].Text != "partial text done" {
		t.Errorf("expected final text, got %q", (*events)[0].Text)
	}
}

func TestSessionEmptyFinalSkipped(t *testing.T) {
	eng := &fakeEngine{}
	sink, events, mu := collectSink()
	mgr := NewManager(factoryFor(eng), CodecParams{}, sink)

	_, err := mgr.Open(context.Background(), "CA401", CodecParams{})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	eng.cb.OnFinal("", 0.9)

	mu.Lock()
	defer mu.Unlock()
	if len(*events) != 0 {
		t.Errorf("expected empty final skipped, got %d events", len(*events))
	}
}

func TestSessionCloseRejectsAudioAcceptsFlush(t *testing.T) {
	eng := &fakeEngine{}
	sink, events, mu := collectSink()
	mgr := NewManager(factoryFor(eng), CodecParams{}, sink)

	s, err := mgr.Open(context.Background(), "CA500", CodecParams{})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	// A final flushed during close is still delivered: BeginClose keeps
	// CanEmit true until Finish. Simulate with a direct lifecycle walk.
	s.state.BeginClose()
	eng.cb.OnFinal("flushed on close", 0.8)
	s.state.Finish()

	if err := s.Send(context.Background(), []byte{0x01}); err != ErrSessionClosed {
		t.Errorf("expected ErrSessionClosed for audio after close, got %v", err)
	}

	eng.cb.OnFinal("too late", 0.8)

	mu.Lock()
	defer mu.Unlock()
	if len(*events) != 1 {
		t.Fatalf("expected exactly the flushed final, got %d events", len(*events))
	}
	if (*events)[0].Text != "flushed on close" {
		t.Errorf("expected flushed final text, got %q", (*events)[0].Text)
	}
}

// flushingEngine delivers its final from a separate goroutine while Close is
// in flight, returning from Close only once the delivery happened - the same
// shape as a real adapter draining its receive loop on close.
type flushingEngine struct {
	fakeEngine
	flushText string
}

func (f *flushingEngine) Close() error {
	f.mu.Lock()
	cb := f.cb
	f.closed = true
	f.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		cb.OnFinal(f.flushText, 0.9)
	}()
	wg.Wait()
	return nil
}

func TestSessionCloseDeliversAsyncFlushedFinal(t *testing.T) {
	eng := &flushingEngine{flushText: "thanks goodbye"}
	sink, events, mu := collectSink()
	mgr := NewManager(func(ctx context.Context) (Engine, error) {
		return eng, nil
	}, CodecParams{}, sink)

	s, err := mgr.Open(context.Background(), "CA600", CodecParams{})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := s.Send(context.Background(), []byte{0x01}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("expected state CLOSED after close, got %s", s.State())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(*events) != 1 {
		t.Fatalf("expected the final flushed on close to reach the sink, got %d events", len(*events))
	}
	if (*events)[0].Text != "thanks goodbye" {
		t.Errorf("expected flushed final text, got %q", (*events)[0].Text)
	}
}

func TestSessionCloseIdempotent(t *testing.T) {
	eng := &fakeEngine{}
	mgr := NewManager(factoryFor(eng), CodecParams{}, nil)

	s, err := mgr.Open(context.Background(), "CA501", CodecParams{})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Errorf("expected first close to succeed, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("expected second close to be a no-op, got %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("expected state CLOSED, got %s", s.State())
	}
}

func TestSessionEngineErrorTearsDownSession(t *testing.T) {
	eng := &fakeEngine{}
	mgr := NewManager(factoryFor(eng), CodecParams{}, nil)

	s, err := mgr.Open(context.Background(), "CA502", CodecParams{})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	eng.cb.OnError(errors.New("stream reset"))

	if s.State() != StateClosed {
		t.Errorf("expected session closed after engine error, got %s", s.State())
	}
	if err := s.Send(context.Background(), []byte{0x01}); err != ErrSessionClosed {
		t.Errorf("expected subsequent audio rejected, got %v", err)
	}
}

func TestManagerMergeParams(t *testing.T) {
	mgr := NewManager(nil, CodecParams{Encoding: "MULAW", SampleRateHz: 8000, Channels: 1, Language: "en-US"}, nil)

	merged := mgr.mergeParams(CodecParams{Encoding: "LINEAR16", SampleRateHz: 16000})
	if merged.Encoding != "LINEAR16" {
		t.Errorf("expected per-call encoding to win, got %s", merged.Encoding)
	}
	if merged.SampleRateHz != 16000 {
		t.Errorf("expected per-call sample rate to win, got %d", merged.SampleRateHz)
	}
	if merged.Channels != 1 {
		t.Errorf("expected default channels kept, got %d", merged.Channels)
	}
	if merged.Language != "en-US" {
		t.Errorf("expected default language kept, got %s", merged.Language)
	}
}
