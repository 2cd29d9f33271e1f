package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/harunnryd/lyra/pkg/adapters/stt"
	"github.com/harunnryd/lyra/pkg/audio"
)

// STTScriptEntry is one scripted recognizer result, emitted After the stream
// starts.
type STTScriptEntry struct {
	After         time.Duration
	Transcription stt.Transcription
}

// STTConfig drives the scripted recognizer.
type STTConfig struct {
	Script   []STTScriptEntry
	Language string
}

// StreamingSTT is a deterministic recognizer for tests and local runs. It
// discards incoming audio, walks its script on a timer, and accepts direct
// injection via Emit.
type StreamingSTT struct {
	cfg    STTConfig
	out    chan stt.Transcription
	mu     sync.Mutex
	open   bool
	closed bool
}

func NewSTT(cfg STTConfig) *StreamingSTT {
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	return &StreamingSTT{cfg: cfg, out: make(chan stt.Transcription, 64)}
}

func (s *StreamingSTT) Name() string { return "mock_stt" }

func (s *StreamingSTT) TranscribeStream(ctx context.Context, in <-chan audio.Chunk) (<-chan stt.Transcription, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("recognizer closed")
	}
	if s.open {
		s.mu.Unlock()
		return nil, errors.New("stream already open")
	}
	s.open = true
	s.mu.Unlock()

	// Drain audio so a slow recognizer never backs up the source.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case chunk, ok := <-in:
				if !ok {
					return
				}
				audio.ReleaseChunk(chunk)
			}
		}
	}()

	go func() {
		start := time.Now()
		for _, entry := range s.cfg.Script {
			wait := entry.After - time.Since(start)
			if wait > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
				}
			}
			tr := entry.Transcription
			if tr.Language == "" {
				tr.Language = s.cfg.Language
			}
			s.push(tr)
		}
	}()

	go func() {
		<-ctx.Done()
		s.closeOut()
	}()

	return s.out, nil
}

// Emit injects a transcription as if the recognizer produced it now.
func (s *StreamingSTT) Emit(tr stt.Transcription) {
	if tr.Language == "" {
		tr.Language = s.cfg.Language
	}
	s.push(tr)
}

func (s *StreamingSTT) push(tr stt.Transcription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if tr.At.IsZero() {
		tr.At = time.Now()
	}
	select {
	case s.out <- tr:
	default:
	}
}

func (s *StreamingSTT) Close() error {
	s.closeOut()
	return nil
}

func (s *StreamingSTT) closeOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
}

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
