// Command captureclient streams a WAV file through the direct capture path:
// audio goes straight to the transcription engine socket, and transcripts
// print to stdout. Useful for exercising the engine without a telephony leg.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"call-transcription-service/internal/capture"
)

// WAV header is 44 bytes for standard PCM files
const wavHeaderSize = 44

// Stream audio in chunks to simulate real-time capture
// At 8kHz 16-bit mono = 16000 bytes/second
// 100ms chunks = 1600 bytes
const chunkSize = 1600
const chunkIntervalMs = 100

func main() {
	audioFile := flag.String("audio", "testdata/sample-8khz.wav", "Path to WAV file (8kHz 16-bit mono)")
	engineURL := flag.String("url", os.Getenv("DEEPGRAM_URL"), "Engine listen URL (wss://...)")
	apiKey := flag.String("key", os.Getenv("DEEPGRAM_API_KEY"), "Engine API key")
	language := flag.String("language", "en-US", "Transcription language")
	flag.Parse()

	if *engineURL == "" {
		*engineURL = "wss://api.deepgram.com/v1/listen"
	}
	if *apiKey == "" {
		log.Fatal("Engine API key required (-key or DEEPGRAM_API_KEY)")
	}

	// Open audio file
	f, err := os.Open(*audioFile)
	if err != nil {
		log.Fatalf("Failed to open audio file: %v", err)
	}
	defer f.Close()

	// Read and validate WAV header
	header := make([]byte, wavHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		log.Fatalf("Failed to read WAV header: %v", err)
	}

	// Validate it's a WAV file
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		log.Fatal("Not a valid WAV file")
	}

	// Extract audio format info
	audioFormat := binary.LittleEndian.Uint16(header[20:22])
	numChannels := binary.LittleEndian.Uint16(header[22:24])
	sampleRate := binary.LittleEndian.Uint32(header[24:28])
	bitsPerSample := binary.LittleEndian.Uint16(header[34:36])

	log.Printf("WAV file: format=%d channels=%d sampleRate=%d bitsPerSample=%d",
		audioFormat, numChannels, sampleRate, bitsPerSample)

	if audioFormat != 1 { // PCM
		log.Fatal("Only PCM format supported")
	}

	neg := capture.NegotiatorFunc(func(ctx context.Context) (capture.ConnectionParams, error) {
		u, err := url.Parse(*engineURL)
		if err != nil {
			return capture.ConnectionParams{}, fmt.Errorf("parse engine url: %w", err)
		}
		q := u.Query()
		q.Set("encoding", "linear16")
		q.Set("sample_rate", fmt.Sprintf("%d", sampleRate))
		q.Set("channels", fmt.Sprintf("%d", numChannels))
		q.Set("language", *language)
		q.Set("interim_results", "true")
		u.RawQuery = q.Encode()

		h := http.Header{}
		h.Set("Authorization", "Token "+*apiKey)

		return capture.ConnectionParams{
			URL:          u.String(),
			Header:       h,
			SampleRateHz: int(sampleRate),
			Encoding:     "linear16",
		}, nil
	})

	rec := capture.New(neg, func(text string, confidence float64, final bool) {
		marker := "~"
		if final {
			marker = "✔"
		}
		log.Printf("%s %s (confidence=%.2f)", marker, text, confidence)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	if err := rec.Start(ctx); err != nil {
		log.Fatalf("Failed to start capture: %v", err)
	}

	// Push audio in chunks
	chunk := make([]byte, chunkSize)
	var totalBytes int64
	var chunkNum int
	startTime := time.Now()

	for {
		n, err := f.Read(chunk)
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Fatalf("Failed to read audio: %v", err)
		}

		chunkNum++
		totalBytes += int64(n)

		frame := make([]byte, n)
		copy(frame, chunk[:n])
		if err := rec.Push(frame); err != nil {
			log.Fatalf("Failed to push frame: %v", err)
		}

		if chunkNum%10 == 0 {
			log.Printf("Pushed chunk %d (%d bytes total)", chunkNum, totalBytes)
		}

		// Simulate real-time capture cadence
		time.Sleep(chunkIntervalMs * time.Millisecond)
	}

	elapsed := time.Since(startTime)
	log.Printf("Finished pushing: %d chunks, %d bytes in %v (dropped=%d)", chunkNum, totalBytes, elapsed, rec.Dropped())

	// Let the engine flush trailing results before closing
	time.Sleep(2 * time.Second)

	if err := rec.Stop(); err != nil {
		log.Printf("Stop error: %v", err)
	}
	log.Println("Capture stopped")
}
