package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/lyra/pkg/adapters/stt"
	"github.com/harunnryd/lyra/pkg/audio"
	"github.com/harunnryd/lyra/pkg/errorsx"
	"github.com/harunnryd/lyra/pkg/logging"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

type Config struct {
	APIKey         string
	Model          string
	Language       string
	SampleRate     int
	Encoding       string
	Interim        bool
	UtteranceEndMS int
	SessionID      string
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = "nova-2"
	}
	if c.Language == "" {
		c.Language = "en"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Encoding == "" {
		c.Encoding = "linear16"
	}
	return c
}

// StreamingSTT streams audio to Deepgram over the live websocket API and
// surfaces hypotheses as transcriptions. Interim results are forwarded when
// enabled; finals carry IsFinal.
type StreamingSTT struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	dgClient   *client.WSCallback
	out        chan stt.Transcription
	pipeWriter *io.PipeWriter
	cancel     context.CancelFunc
	metaLogged bool
	closed     bool
}

func New(cfg Config) *StreamingSTT {
	return &StreamingSTT{
		cfg:    cfg.withDefaults(),
		logger: logging.NewComponentLogger(slog.Default(), "deepgram_stt"),
	}
}

func (s *StreamingSTT) Name() string { return "deepgram_streaming" }

func (s *StreamingSTT) TranscribeStream(ctx context.Context, in <-chan audio.Chunk) (<-chan stt.Transcription, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errorsx.Wrap(fmt.Errorf("adapter closed"), errorsx.ReasonSTTStream)
	}
	if s.dgClient != nil {
		return nil, errorsx.Wrap(fmt.Errorf("stream already active"), errorsx.ReasonSTTStream)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.out = make(chan stt.Transcription, 256)

	pipeReader, pipeWriter := io.Pipe()
	s.pipeWriter = pipeWriter

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          s.cfg.Model,
		Language:       s.cfg.Language,
		Encoding:       s.cfg.Encoding,
		SampleRate:     s.cfg.SampleRate,
		InterimResults: s.cfg.Interim,
		SmartFormat:    true,
	}
	if s.cfg.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = fmt.Sprintf("%d", s.cfg.UtteranceEndMS)
	}

	s.logger.Info("initializing deepgram connection",
		slog.String("session_id", s.cfg.SessionID),
		slog.String("model", s.cfg.Model),
		slog.String("language", s.cfg.Language),
		slog.Int("sample_rate", s.cfg.SampleRate))

	cb := &callback{parent: s}

	dgClient, err := client.NewWSUsingCallback(streamCtx, s.cfg.APIKey, clientOptions, transcriptOptions, cb)
	if err != nil {
		cancel()
		return nil, errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}
	if connected := dgClient.Connect(); !connected {
		cancel()
		return nil, errorsx.Wrap(fmt.Errorf("deepgram connection failed"), errorsx.ReasonSTTConnect)
	}
	s.dgClient = dgClient

	s.logger.Info("deepgram_connected",
		slog.String("session_id", s.cfg.SessionID),
		slog.String("model", s.cfg.Model))

	go func() {
		if err := dgClient.Stream(pipeReader); err != nil && streamCtx.Err() == nil {
			s.logger.Error("deepgram_stream_error",
				slog.String("error", err.Error()),
				slog.String("session_id", s.cfg.SessionID))
		}
	}()

	go s.pump(streamCtx, in, pipeWriter)

	return s.out, nil
}

// pump forwards inbound audio to the Deepgram socket. It exits when the
// input channel closes or the stream context is cancelled.
func (s *StreamingSTT) pump(ctx context.Context, in <-chan audio.Chunk, w *io.PipeWriter) {
	defer func() { _ = w.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-in:
			if !ok {
				return
			}
			_, err := w.Write(chunk.RawPayload())
			audio.ReleaseChunk(chunk)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Error("deepgram_send_error",
						slog.String("error", err.Error()),
						slog.String("session_id", s.cfg.SessionID))
				}
				return
			}
		}
	}
}

func (s *StreamingSTT) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	s.logger.Info("closing deepgram connection",
		slog.String("session_id", s.cfg.SessionID))

	if s.cancel != nil {
		s.cancel()
	}
	if s.pipeWriter != nil {
		_ = s.pipeWriter.Close()
	}
	if s.dgClient != nil {
		s.dgClient.Stop()
		s.dgClient = nil
	}
	if s.out != nil {
		close(s.out)
		s.out = nil
	}
	return nil
}

// emit delivers a transcription without blocking the SDK callback. Sends
// after Close are dropped.
func (s *StreamingSTT) emit(tr stt.Transcription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.out == nil {
		return
	}
	select {
	case s.out <- tr:
	default:
		s.logger.Warn("deepgram_out_channel_full",
			slog.String("session_id", s.cfg.SessionID))
	}
}

type callback struct {
	parent *StreamingSTT
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened",
		slog.String("session_id", c.parent.cfg.SessionID))
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return nil
	}
	tr := stt.Transcription{
		Text:       alt.Transcript,
		IsFinal:    mr.IsFinal || mr.SpeechFinal,
		Confidence: alt.Confidence,
		Language:   c.parent.cfg.Language,
		At:         time.Now(),
	}

	c.parent.logger.Debug("transcript_received",
		slog.String("session_id", c.parent.cfg.SessionID),
		slog.Bool("is_final", tr.IsFinal))

	c.parent.emit(tr)
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	if !c.parent.metaLogged {
		c.parent.metaLogged = true
		c.parent.logger.Info("deepgram_metadata_received",
			slog.String("session_id", c.parent.cfg.SessionID),
			slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	c.parent.logger.Debug("speech_started_event",
		slog.String("session_id", c.parent.cfg.SessionID))
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	c.parent.logger.Debug("utterance_end_event",
		slog.String("session_id", c.parent.cfg.SessionID))
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed",
		slog.String("session_id", c.parent.cfg.SessionID))
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("session_id", c.parent.cfg.SessionID),
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event",
		slog.String("session_id", c.parent.cfg.SessionID))
	return nil
}

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
