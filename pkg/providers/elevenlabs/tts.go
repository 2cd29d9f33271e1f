package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/lyra/pkg/adapters/tts"
	"github.com/harunnryd/lyra/pkg/audio"
	"github.com/harunnryd/lyra/pkg/errorsx"
	"github.com/harunnryd/lyra/pkg/resilience"
)

type Config struct {
	APIKey       string
	VoiceID      string
	ModelID      string
	OutputFormat string
	SampleRate   int
	Channels     int
	SessionID    string
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.OutputFormat == "" {
		c.OutputFormat = "pcm_16000"
	}
	return c
}

// ElevenLabsTTS synthesizes speech over the stream-input websocket API. Each
// SpeakStream call opens its own connection for one utterance; Stop aborts
// every in-flight utterance and discards buffered audio.
type ElevenLabsTTS struct {
	cfg Config

	mu       sync.Mutex
	inflight map[uint64]context.CancelFunc
	nextID   uint64
	closed   bool
}

func New(cfg Config) *ElevenLabsTTS {
	return &ElevenLabsTTS{
		cfg:      cfg.withDefaults(),
		inflight: make(map[uint64]context.CancelFunc),
	}
}

func (s *ElevenLabsTTS) Name() string { return "elevenlabs_tts" }

func (s *ElevenLabsTTS) SpeakStream(ctx context.Context, text string) (<-chan audio.Chunk, error) {
	if s.cfg.APIKey == "" || s.cfg.VoiceID == "" {
		return nil, errorsx.Wrap(errors.New("missing elevenlabs config"), errorsx.ReasonTTSConnect)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	text = strings.TrimSpace(text)
	if text == "" {
		out := make(chan audio.Chunk)
		close(out)
		return out, nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errorsx.Wrap(errors.New("adapter closed"), errorsx.ReasonTTSStream)
	}
	utterCtx, cancel := context.WithCancel(ctx)
	s.nextID++
	id := s.nextID
	s.inflight[id] = cancel
	s.mu.Unlock()

	conn, err := s.dial(utterCtx)
	if err != nil {
		s.release(id)
		return nil, err
	}

	out := make(chan audio.Chunk, 256)
	go s.run(utterCtx, id, conn, text, out)
	return out, nil
}

// Stop aborts every in-flight utterance. Consumers see their chunk channels
// close shortly after.
func (s *ElevenLabsTTS) Stop() {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.inflight))
	for _, c := range s.inflight {
		cancels = append(cancels, c)
	}
	s.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	if len(cancels) > 0 {
		slog.Info("tts_stop",
			slog.String("session_id", s.cfg.SessionID),
			slog.Int("aborted", len(cancels)))
	}
}

func (s *ElevenLabsTTS) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.Stop()
	return nil
}

func (s *ElevenLabsTTS) dial(ctx context.Context) (*websocket.Conn, error) {
	u := s.buildURL()
	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment}
	conn, resp, err := dialer.DialContext(ctx, u, http.Header{
		"xi-api-key": []string{s.cfg.APIKey},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			slog.Error("elevenlabs_rate_limited",
				slog.String("session_id", s.cfg.SessionID),
				slog.String("status", resp.Status))
			return nil, resilience.RateLimitError{Provider: "elevenlabs", Message: resp.Status}
		}
		return nil, errorsx.Wrap(err, errorsx.ReasonTTSConnect)
	}
	return conn, nil
}

func (s *ElevenLabsTTS) buildURL() string {
	base := "wss://api.elevenlabs.io/v1/text-to-speech/" + s.cfg.VoiceID + "/stream-input"
	q := url.Values{}
	if s.cfg.ModelID != "" {
		q.Set("model_id", s.cfg.ModelID)
	}
	q.Set("output_format", s.cfg.OutputFormat)
	q.Set("optimize_streaming_latency", "4")
	return base + "?" + q.Encode()
}

// run drives one utterance: send the text, flush, then relay audio messages
// until the server marks the stream final or the context is cancelled.
func (s *ElevenLabsTTS) run(ctx context.Context, id uint64, conn *websocket.Conn, text string, out chan audio.Chunk) {
	defer func() {
		_ = conn.Close()
		close(out)
		s.release(id)
	}()

	go func() {
		<-ctx.Done()
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}()

	init := map[string]any{
		"text": " ",
		"voice_settings": map[string]any{
			"stability":        0.5,
			"similarity_boost": 0.8,
		},
		"generation_config": map[string]any{
			"chunk_length_schedule": []int{120, 160, 250, 290},
		},
	}
	if err := writeJSON(conn, init); err != nil {
		s.logStreamError(ctx, err)
		return
	}
	if !strings.HasSuffix(text, " ") {
		text += " "
	}
	if err := writeJSON(conn, map[string]any{"text": text, "flush": true}); err != nil {
		s.logStreamError(ctx, err)
		return
	}
	// Empty text closes the input stream and makes the server finalize.
	if err := writeJSON(conn, map[string]any{"text": ""}); err != nil {
		s.logStreamError(ctx, err)
		return
	}

	var pts int64
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.logStreamError(ctx, err)
			return
		}
		raw, final := s.decodeMessage(data)
		if len(raw) > 0 {
			chunk := audio.NewChunk(pts, raw, s.cfg.SampleRate, s.cfg.Channels)
			pts++
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if final {
			return
		}
	}
}

// decodeMessage extracts base64 audio from a stream-input message, returning
// the decoded bytes and whether the server marked the utterance final.
func (s *ElevenLabsTTS) decodeMessage(data []byte) ([]byte, bool) {
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("elevenlabs_raw_message",
			slog.String("session_id", s.cfg.SessionID))
		return nil, false
	}
	final, _ := msg["isFinal"].(bool)

	enc, ok := msg["audio"].(string)
	if !ok {
		if a, ok := msg["audio_base_64"].(string); ok {
			enc = a
		} else if a, ok := msg["audio_base64"].(string); ok {
			enc = a
		} else {
			return nil, final
		}
	}
	if enc == "" {
		return nil, final
	}
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		slog.Error("elevenlabs_audio_decode_error",
			slog.String("session_id", s.cfg.SessionID),
			slog.String("error", err.Error()))
		return nil, final
	}
	return raw, final
}

func (s *ElevenLabsTTS) logStreamError(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	slog.Error("elevenlabs_stream_error",
		slog.String("session_id", s.cfg.SessionID),
		slog.String("error", err.Error()))
}

func (s *ElevenLabsTTS) release(id uint64) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

func writeJSON(conn *websocket.Conn, payload map[string]any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}

var _ tts.StreamingTTS = (*ElevenLabsTTS)(nil)
