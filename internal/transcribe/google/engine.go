// Package google provides a Google Cloud Speech-to-Text engine adapter.
package google

import (
	"context"
	"io"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"github.com/rs/zerolog/log"
	speechpb "google.golang.org/genproto/googleapis/cloud/speech/v1"
	"google.golang.org/grpc/status"

	"call-transcription-service/internal/transcribe"
)

// Engine implements transcribe.Engine using Google Cloud Speech-to-Text.
type Engine struct {
	client *speech.Client
	stream speechpb.Speech_StreamingRecognizeClient
	cb     transcribe.Callback

	// sendMu serializes Send and CloseSend; gRPC forbids calling them
	// concurrently on one stream.
	sendMu sync.Mutex
	// done is closed when the receive loop exits. Close waits on it so the
	// results the engine flushes after the half-close are delivered before
	// Close returns.
	done chan struct{}
}

// New creates a new Google engine. Requires GOOGLE_APPLICATION_CREDENTIALS
// to be set; a missing credential fails here, synchronously, so the caller
// can report the start failure instead of silently dropping audio.
func New(ctx context.Context) (*Engine, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &Engine{client: c}, nil
}

// Factory is a transcribe.EngineFactory producing Google engines.
func Factory(ctx context.Context) (transcribe.Engine, error) {
	return New(ctx)
}

// Start opens a streaming recognition session, sends the initial config and
// spawns the receive loop.
func (e *Engine) Start(ctx context.Context, params transcribe.CodecParams, cb transcribe.Callback) error {
	stream, err := e.client.StreamingRecognize(ctx)
	if err != nil {
		return err
	}
	e.stream = stream
	e.cb = cb

	cfg := &speechpb.RecognitionConfig{
		Encoding:        encodingFor(params.Encoding),
		SampleRateHertz: int32(params.SampleRateHz),
		LanguageCode:    params.Language,
	}
	if params.Diarization {
		cfg.DiarizationConfig = &speechpb.SpeakerDiarizationConfig{
			EnableSpeakerDiarization: true,
		}
	}

	err = stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:         cfg,
				InterimResults: params.InterimResults,
			},
		},
	})
	if err != nil {
		return err
	}

	e.done = make(chan struct{})
	go e.listen()
	return nil
}

// SendAudio forwards audio bytes to the recognition stream.
func (e *Engine) SendAudio(ctx context.Context, audio []byte) error {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	return e.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: audio,
		},
	})
}

// Close half-closes the stream so the engine finalizes buffered audio, then
// waits for the receive loop to drain the remaining results. Finals flushed
// by the half-close are therefore delivered before Close returns.
func (e *Engine) Close() error {
	if e.stream == nil {
		return nil
	}
	e.sendMu.Lock()
	err := e.stream.CloseSend()
	e.sendMu.Unlock()
	if e.done != nil {
		<-e.done
	}
	return err
}

// listen receives recognition responses and invokes callbacks until the
// stream ends.
func (e *Engine) listen() {
	for {
		resp, err := e.stream.Recv()
		if err != nil {
			// done closes before OnError: the error callback tears the
			// session down, which lands back in Close waiting on done.
			close(e.done)
			if err == io.EOF {
				return
			}
			if st, ok := status.FromError(err); ok {
				log.Debug().Str("grpcCode", st.Code().String()).Msg("google speech stream ended")
			}
			e.cb.OnError(err)
			return
		}

		for _, r := range resp.Results {
			if len(r.Alternatives) == 0 {
				continue
			}
			alt := r.Alternatives[0]
			if r.IsFinal {
				e.cb.OnFinal(alt.Transcript, float64(alt.Confidence))
			} else {
				e.cb.OnInterim(alt.Transcript, float64(alt.Confidence))
			}
		}
	}
}

func encodingFor(encoding string) speechpb.RecognitionConfig_AudioEncoding {
	switch encoding {
	case "MULAW", "audio/x-mulaw":
		return speechpb.RecognitionConfig_MULAW
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}
