package stt

import (
	"context"
	"time"

	"github.com/harunnryd/lyra/pkg/audio"
)

// Transcription is one recognizer hypothesis. IsFinal marks it stable;
// interim hypotheses for the same utterance may precede it.
type Transcription struct {
	Text       string
	IsFinal    bool
	Confidence float64
	Language   string
	At         time.Time
}

// StreamingSTT defines the contract for any STT vendor implementation.
type StreamingSTT interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// TranscribeStream consumes the audio stream and returns a channel of
	// transcriptions. The returned channel closes when the input stream ends,
	// the context is cancelled, or the adapter is closed. Implementations must
	// support cancellation mid-stream without hanging.
	TranscribeStream(ctx context.Context, in <-chan audio.Chunk) (<-chan Transcription, error)
	// Close shuts down the STT connection.
	Close() error
}

// Config contains vendor-agnostic STT configuration.
type Config struct {
	SessionID  string
	SampleRate int
	Language   string
}
