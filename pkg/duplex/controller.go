package duplex

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/lyra/pkg/adapters/intent"
	"github.com/harunnryd/lyra/pkg/adapters/stt"
	"github.com/harunnryd/lyra/pkg/adapters/tts"
	"github.com/harunnryd/lyra/pkg/audio"
	"github.com/harunnryd/lyra/pkg/errorsx"
	"github.com/harunnryd/lyra/pkg/logging"
	"github.com/harunnryd/lyra/pkg/metrics"
	"github.com/harunnryd/lyra/pkg/redact"
	"github.com/harunnryd/lyra/pkg/resilience"
)

const (
	// monitorTick paces the Monitor loop and bounds how fast cancellation is
	// observed by polling waits.
	monitorTick = 100 * time.Millisecond
	// backchannelFreshness is how recent user speech must be for an
	// acknowledgment to still feel natural. Distinct from the interruption
	// threshold.
	backchannelFreshness = 500 * time.Millisecond

	transcriptionQueueCap = 64
	responseQueueCap      = 16
)

// Callbacks are invoked synchronously from their owning loop and must not
// block. A panicking callback is caught and logged.
type Callbacks struct {
	OnTranscription func(stt.Transcription)
	OnResponse      func(string)
	OnIntent        func(intent.Intent)
	OnInterruption  func(time.Time)
}

// Controller orchestrates the real-time handoff between listening and
// speaking. It owns four loops (Listen, Process, Speak, Monitor), the
// state machine, the inter-loop queues, and the public event stream.
type Controller struct {
	cfg    Config
	fsm    *machine
	timing *timingState

	sttAdapter stt.StreamingSTT
	ttsAdapter tts.StreamingTTS
	analyzer   intent.Analyzer
	responder  Responder

	transcriptions chan stt.Transcription
	responses      chan string
	bus            *eventBus

	callbacks Callbacks

	retry      resilience.RetryPolicy
	ttsBreaker *resilience.CircuitBreaker
	obs        metrics.Observer
	logger     *slog.Logger
	sessionID  string

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	sink    audio.Sink
}

// NewController creates a controller for one session. External components are
// attached via SetComponents before Start.
func NewController(cfg Config) *Controller {
	redact.SetEnabled(cfg.RedactPII)
	return &Controller{
		cfg:            cfg,
		fsm:            newMachine(),
		timing:         newTimingState(),
		responder:      NewTemplateResponder(),
		transcriptions: make(chan stt.Transcription, transcriptionQueueCap),
		responses:      make(chan string, responseQueueCap),
		bus:            newEventBus(64),
		retry:          resilience.NewRetryPolicy(2, 100*time.Millisecond),
		ttsBreaker:     resilience.NewCircuitBreaker(3, 30*time.Second),
		obs:            metrics.NoopObserver{},
		logger:         logging.NewComponentLogger(slog.Default(), "duplex_controller"),
		sessionID:      uuid.NewString(),
	}
}

// SetComponents attaches the external recognizer, synthesizer, and analyzer.
func (c *Controller) SetComponents(sttAdapter stt.StreamingSTT, ttsAdapter tts.StreamingTTS, analyzer intent.Analyzer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sttAdapter = sttAdapter
	c.ttsAdapter = ttsAdapter
	c.analyzer = analyzer
}

// SetResponder overrides the default template responder.
func (c *Controller) SetResponder(r Responder) {
	if r != nil {
		c.responder = r
	}
}

// SetCallbacks registers per-event callbacks.
func (c *Controller) SetCallbacks(cb Callbacks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = cb
}

// SetObserver wires a metrics observer.
func (c *Controller) SetObserver(obs metrics.Observer) {
	if obs != nil {
		c.obs = obs
	}
}

// AddStateListener registers a listener for state change events.
func (c *Controller) AddStateListener(l StateListener) {
	c.fsm.AddListener(l)
}

// SessionID returns the identifier tagged onto logs and metrics.
func (c *Controller) SessionID() string { return c.sessionID }

// Events returns a fresh event stream, infinite until the controller stops.
// Each call yields an independent subscription.
func (c *Controller) Events() <-chan Event { return c.bus.Subscribe() }

// State returns the current duplex state.
func (c *Controller) State() State { return c.fsm.State() }

// TurnOwner returns who currently holds the conversational floor.
func (c *Controller) TurnOwner() Turn { return c.fsm.TurnOwner() }

func (c *Controller) IsListening() bool {
	s := c.fsm.State()
	return s == StateListening || s == StateDuplex
}

func (c *Controller) IsSpeaking() bool {
	s := c.fsm.State()
	return s == StateSpeaking || s == StateDuplex
}

// Start spawns the four loops and transitions IDLE -> LISTENING. It returns
// once the session is running; Stop terminates it.
func (c *Controller) Start(ctx context.Context, source audio.Source, sink audio.Sink) error {
	if err := c.cfg.Validate(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return errors.New("controller already started")
	}
	if c.sttAdapter == nil || c.ttsAdapter == nil || c.analyzer == nil {
		return errorsx.Wrap(errors.New("components not attached"), errorsx.ReasonNotConfigured)
	}
	if source == nil || sink == nil {
		return errorsx.Wrap(errors.New("audio source and sink required"), errorsx.ReasonNotConfigured)
	}

	ctx, cancel := context.WithCancel(ctx)
	results, err := c.sttAdapter.TranscribeStream(ctx, source.Chunks())
	if err != nil {
		cancel()
		return errorsx.Wrap(err, errorsx.ReasonSTTStream)
	}
	if err := c.fsm.Transition(StateListening, TurnUser, "session start"); err != nil {
		cancel()
		return err
	}

	c.cancel = cancel
	c.sink = sink
	c.running = true

	c.wg.Add(4)
	go c.listenLoop(ctx, results)
	go c.processLoop(ctx)
	go c.speakLoop(ctx)
	go c.monitorLoop(ctx)

	c.logger.Info("duplex_start",
		"session_id", c.sessionID,
		"language", c.cfg.Language,
		"sample_rate", c.cfg.SampleRate,
		"allow_interruptions", c.cfg.AllowInterruptions,
		"enable_backchannels", c.cfg.EnableBackchannels,
	)
	return nil
}

// Stop signals cancellation, joins all loops, and resets to IDLE. It blocks
// until every loop has exited, so no audio is emitted after it returns.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.ttsAdapter.Stop()
	c.wg.Wait()

	_ = c.fsm.Transition(StateIdle, TurnUser, "session stop")
	c.bus.Close()
	c.logger.Info("duplex_stop", "session_id", c.sessionID)
	return nil
}

// listenLoop consumes recognizer output for the lifetime of the session.
func (c *Controller) listenLoop(ctx context.Context, results <-chan stt.Transcription) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case tr, ok := <-results:
			if !ok {
				// Recognizer stream ended; only Stop terminates the loop.
				c.logger.Warn("stt_stream_closed", "session_id", c.sessionID)
				results = nil
				continue
			}
			c.onTranscription(ctx, tr)
		}
	}
}

func (c *Controller) onTranscription(ctx context.Context, tr stt.Transcription) {
	now := time.Now()
	if tr.At.IsZero() {
		tr.At = now
	}
	c.timing.touchUserSpeech(now)
	c.fsm.OnUserSpeech()

	select {
	case c.transcriptions <- tr:
	case <-ctx.Done():
		return
	}

	c.bus.Publish(newEvent(EventTranscription, tr.Text, map[string]string{
		"is_final": strconv.FormatBool(tr.IsFinal),
		"language": tr.Language,
	}))
	c.invoke("on_transcription", func() {
		if c.callbacks.OnTranscription != nil {
			c.callbacks.OnTranscription(tr)
		}
	})
	c.record("stt_transcript", map[string]string{"is_final": strconv.FormatBool(tr.IsFinal)})
	if tr.IsFinal {
		c.record("stt_final", nil)
	}
	c.logger.Debug("transcript",
		"session_id", c.sessionID,
		"text", redact.Text(tr.Text),
		"is_final", tr.IsFinal,
		"confidence", tr.Confidence,
	)
}

// processLoop is the single consumer of the transcription queue; it drains in
// arrival order, so responses are generated in the order their triggering
// transcriptions finalized.
func (c *Controller) processLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case tr := <-c.transcriptions:
			if !tr.IsFinal {
				continue
			}
			it, err := c.analyze(ctx, tr)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Error("intent_analyze_failed",
					"session_id", c.sessionID,
					"error", err.Error(),
					"reason", string(errorsx.Reason(err)),
				)
				c.record("loop_error", map[string]string{"loop": "process"})
				continue
			}
			c.invoke("on_intent", func() {
				if c.callbacks.OnIntent != nil {
					c.callbacks.OnIntent(it)
				}
			})

			lang := tr.Language
			if lang == "" {
				lang = c.cfg.Language
			}
			text := c.responder.Respond(it, lang)
			c.record("response_ready", map[string]string{"action": it.Action})

			select {
			case c.responses <- text:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Controller) analyze(ctx context.Context, tr stt.Transcription) (intent.Intent, error) {
	var it intent.Intent
	err := c.retry.Do(func() error {
		var aerr error
		it, aerr = c.analyzer.Analyze(ctx, tr.Text, map[string]string{
			"language": tr.Language,
			"session":  c.sessionID,
		})
		return aerr
	})
	if err != nil {
		return intent.Intent{}, errorsx.Wrap(err, errorsx.ReasonIntentAnalyze)
	}
	return it, nil
}

// speakLoop drains the response queue and streams synthesis to the sink.
func (c *Controller) speakLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-c.responses:
			c.awaitPendingTranscriptions(ctx)
			if ctx.Err() != nil {
				return
			}
			if err := c.fsm.Transition(StateSpeaking, TurnAssistant, "response playback"); err != nil {
				c.logger.Warn("speak_transition_rejected",
					"session_id", c.sessionID,
					"error", err.Error(),
				)
				continue
			}
			c.speak(ctx, text)
		}
	}
}

// awaitPendingTranscriptions implements "pending transcription wins": when a
// fresh utterance is already queued, give the Process loop one tick to drain
// it before taking the floor.
func (c *Controller) awaitPendingTranscriptions(ctx context.Context) {
	if len(c.transcriptions) == 0 {
		return
	}
	deadline := time.After(monitorTick)
	for len(c.transcriptions) > 0 {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (c *Controller) speak(ctx context.Context, text string) {
	if !c.ttsBreaker.Allow() {
		c.logger.Warn("tts_circuit_open", "session_id", c.sessionID)
		c.record("loop_error", map[string]string{"loop": "speak"})
		c.finishInterrupted(time.Now(), "tts_error")
		return
	}
	chunks, err := c.ttsAdapter.SpeakStream(ctx, text)
	if err != nil {
		c.ttsBreaker.OnError(err)
		c.logger.Error("tts_stream_failed",
			"session_id", c.sessionID,
			"error", err.Error(),
		)
		c.record("loop_error", map[string]string{"loop": "speak"})
		// A synthesizer failure mid-utterance behaves exactly like a detected
		// interruption: fall back to LISTENING rather than sticking in SPEAKING.
		c.finishInterrupted(time.Now(), "tts_error")
		return
	}
	c.ttsBreaker.OnSuccess()

	first := true
	for {
		select {
		case <-ctx.Done():
			c.ttsAdapter.Stop()
			return
		case chunk, ok := <-chunks:
			if !ok {
				c.finishSpoken(text)
				return
			}
			if at, fired := c.interruptedAt(); fired {
				c.ttsAdapter.Stop()
				go drainChunks(chunks)
				c.finishInterrupted(at, "user_speech")
				return
			}
			if err := c.sink.Write(chunk); err != nil {
				c.logger.Warn("audio_write_failed",
					"session_id", c.sessionID,
					"error", err.Error(),
				)
				continue
			}
			c.timing.touchAgentSpeech(time.Now())
			if first {
				c.record("tts_first_audio", nil)
				first = false
			}
		}
	}
}

// interruptedAt evaluates the barge-in condition: user speech fresher than
// the threshold while the session is in DUPLEX.
func (c *Controller) interruptedAt() (time.Time, bool) {
	if !c.cfg.AllowInterruptions {
		return time.Time{}, false
	}
	if c.fsm.State() != StateDuplex {
		return time.Time{}, false
	}
	at := c.timing.userSpeechAt()
	if at.IsZero() || time.Since(at) >= c.cfg.InterruptionThreshold {
		return time.Time{}, false
	}
	return at, true
}

func (c *Controller) finishSpoken(text string) {
	if err := c.fsm.Transition(StateListening, TurnUser, "playback complete"); err != nil {
		c.logger.Warn("finish_transition_rejected", "session_id", c.sessionID, "error", err.Error())
	}
	c.bus.Publish(newEvent(EventResponse, text, nil))
	c.invoke("on_response", func() {
		if c.callbacks.OnResponse != nil {
			c.callbacks.OnResponse(text)
		}
	})
	c.record("speak_done", nil)
	c.logger.Info("response_spoken",
		"session_id", c.sessionID,
		"text", redact.Text(text),
	)
}

func (c *Controller) finishInterrupted(at time.Time, reason string) {
	if err := c.fsm.Transition(StateListening, TurnUser, "interrupted: "+reason); err != nil {
		c.logger.Warn("interrupt_transition_rejected", "session_id", c.sessionID, "error", err.Error())
	}
	c.bus.Publish(newEvent(EventInterruption, "", map[string]string{
		"reason":       reason,
		"triggered_at": at.Format(time.RFC3339Nano),
	}))
	c.invoke("on_interruption", func() {
		if c.callbacks.OnInterruption != nil {
			c.callbacks.OnInterruption(at)
		}
	})
	c.record("interruption", map[string]string{"reason": reason})
	c.record("speak_done", nil)
	c.logger.Info("playback_interrupted",
		"session_id", c.sessionID,
		"reason", reason,
	)
}

// monitorLoop runs on a fixed tick for the lifetime of the session.
func (c *Controller) monitorLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(monitorTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.maybeBackchannel(ctx)
		}
	}
}

func (c *Controller) maybeBackchannel(ctx context.Context) {
	if !c.cfg.EnableBackchannels {
		return
	}
	if c.fsm.TurnOwner() != TurnUser {
		return
	}
	now := time.Now()
	if c.timing.sinceBackchannel(now) <= c.cfg.BackchannelInterval {
		return
	}
	if c.timing.sinceUserSpeech(now) >= backchannelFreshness {
		return
	}

	phrase := c.responder.Backchannel(c.cfg.Language)
	c.timing.touchBackchannel(now)
	c.bus.Publish(newEvent(EventBackchannel, phrase, nil))
	c.record("backchannel", nil)

	// Safe: the monitor loop itself keeps the counter positive.
	c.wg.Add(1)
	go c.speakBackchannel(ctx, phrase)
}

// speakBackchannel plays an acknowledgment straight at the sink; it never
// competes with the Speak loop's response queue.
func (c *Controller) speakBackchannel(ctx context.Context, phrase string) {
	defer c.wg.Done()
	if !c.ttsBreaker.Allow() {
		return
	}
	chunks, err := c.ttsAdapter.SpeakStream(ctx, phrase)
	if err != nil {
		c.logger.Debug("backchannel_tts_failed",
			"session_id", c.sessionID,
			"error", err.Error(),
		)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			if err := c.sink.Write(chunk); err != nil {
				return
			}
		}
	}
}

// invoke runs a callback, catching panics so a faulty external callback
// cannot terminate its owning loop.
func (c *Controller) invoke(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("callback_panic",
				"session_id", c.sessionID,
				"callback", name,
				"panic", r,
				"reason", string(errorsx.ReasonCallback),
			)
		}
	}()
	fn()
}

func (c *Controller) record(name string, tags map[string]string) {
	merged := map[string]string{"stream_id": c.sessionID}
	for k, v := range tags {
		merged[k] = v
	}
	c.obs.RecordEvent(metrics.MetricsEvent{
		Name: name,
		Time: time.Now(),
		Tags: merged,
	})
}

func drainChunks(ch <-chan audio.Chunk) {
	for range ch {
	}
}
