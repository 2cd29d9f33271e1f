package mock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/lyra/pkg/adapters/tts"
	"github.com/harunnryd/lyra/pkg/audio"
)

// TTSConfig drives the deterministic synthesizer.
type TTSConfig struct {
	// ChunkCount is how many silent chunks each utterance produces.
	ChunkCount int
	// ChunkInterval spaces the chunks out, simulating playback duration.
	ChunkInterval time.Duration
	ChunkBytes    int
	SampleRate    int
	Channels      int
}

// StreamingTTS emits deterministic silent audio. Stop cuts the in-flight
// stream immediately and is safe to call from any goroutine.
type StreamingTTS struct {
	cfg TTSConfig

	mu      sync.Mutex
	cancels map[int64]context.CancelFunc
	nextID  int64
	closed  bool

	spokenMu sync.Mutex
	spoken   []string
	stops    atomic.Int64
}

func NewTTS(cfg TTSConfig) *StreamingTTS {
	if cfg.ChunkCount <= 0 {
		cfg.ChunkCount = 4
	}
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = 320
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	return &StreamingTTS{cfg: cfg, cancels: make(map[int64]context.CancelFunc)}
}

func (s *StreamingTTS) Name() string { return "mock_tts" }

func (s *StreamingTTS) SpeakStream(ctx context.Context, text string) (<-chan audio.Chunk, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("synthesizer closed")
	}
	streamCtx, cancel := context.WithCancel(ctx)
	id := s.nextID
	s.nextID++
	s.cancels[id] = cancel
	s.mu.Unlock()

	s.spokenMu.Lock()
	s.spoken = append(s.spoken, text)
	s.spokenMu.Unlock()

	out := make(chan audio.Chunk, s.cfg.ChunkCount)
	go func() {
		defer func() {
			close(out)
			s.mu.Lock()
			delete(s.cancels, id)
			s.mu.Unlock()
			cancel()
		}()
		for i := 0; i < s.cfg.ChunkCount; i++ {
			if s.cfg.ChunkInterval > 0 {
				select {
				case <-streamCtx.Done():
					return
				case <-time.After(s.cfg.ChunkInterval):
				}
			} else if streamCtx.Err() != nil {
				return
			}
			pcm := make([]byte, s.cfg.ChunkBytes)
			chunk := audio.NewChunk(time.Now().UnixNano(), pcm, s.cfg.SampleRate, s.cfg.Channels)
			select {
			case <-streamCtx.Done():
				return
			case out <- chunk:
			}
		}
	}()
	return out, nil
}

// Stop cancels every in-flight stream.
func (s *StreamingTTS) Stop() {
	s.stops.Add(1)
	s.mu.Lock()
	for id, cancel := range s.cancels {
		cancel()
		delete(s.cancels, id)
	}
	s.mu.Unlock()
}

func (s *StreamingTTS) Close() error {
	s.Stop()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Spoken returns every text passed to SpeakStream, in call order.
func (s *StreamingTTS) Spoken() []string {
	s.spokenMu.Lock()
	defer s.spokenMu.Unlock()
	out := make([]string, len(s.spoken))
	copy(out, s.spoken)
	return out
}

// Stops returns how many times Stop was called.
func (s *StreamingTTS) Stops() int64 { return s.stops.Load() }

var _ tts.StreamingTTS = (*StreamingTTS)(nil)
