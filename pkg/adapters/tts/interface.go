package tts

import (
	"context"

	"github.com/harunnryd/lyra/pkg/audio"
)

// StreamingTTS defines the contract for any TTS vendor implementation.
type StreamingTTS interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// SpeakStream synthesizes text and returns a channel of audio chunks.
	// The channel closes when synthesis completes, Stop is called, or the
	// context is cancelled.
	SpeakStream(ctx context.Context, text string) (<-chan audio.Chunk, error)
	// Stop aborts the in-flight synthesis and discards buffered audio. It is
	// safe to call concurrently with a consumer draining SpeakStream.
	Stop()
	// Close shuts down the TTS connection.
	Close() error
}

// Config contains vendor-agnostic TTS configuration.
type Config struct {
	SessionID  string
	SampleRate int
	Channels   int
	Language   string
}
