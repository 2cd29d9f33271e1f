package duplex

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/lyra/pkg/adapters/stt"
	"github.com/harunnryd/lyra/pkg/audio"
	"github.com/harunnryd/lyra/pkg/metrics"
	"github.com/harunnryd/lyra/pkg/providers/mock"
)

type countingSink struct {
	mu     sync.Mutex
	writes int
}

func (s *countingSink) Write(audio.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	return nil
}

func (s *countingSink) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
	done   chan struct{}
}

func recordEvents(ch <-chan Event) *eventRecorder {
	r := &eventRecorder{done: make(chan struct{})}
	go func() {
		defer close(r.done)
		for ev := range ch {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		}
	}()
	return r
}

func (r *eventRecorder) ofType(typ EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.EnableBackchannels = false
	return cfg
}

func finalAt(after time.Duration, text string) mock.STTScriptEntry {
	return mock.STTScriptEntry{
		After:         after,
		Transcription: stt.Transcription{Text: text, IsFinal: true, Confidence: 0.95},
	}
}

func partialAt(after time.Duration, text string) mock.STTScriptEntry {
	return mock.STTScriptEntry{
		After:         after,
		Transcription: stt.Transcription{Text: text, Confidence: 0.4},
	}
}

func startController(t *testing.T, cfg Config, script []mock.STTScriptEntry, ttsCfg mock.TTSConfig) (*Controller, *mock.StreamingSTT, *mock.StreamingTTS, *countingSink) {
	t.Helper()
	recognizer := mock.NewSTT(mock.STTConfig{Script: script})
	synthesizer := mock.NewTTS(ttsCfg)
	ctrl := NewController(cfg)
	ctrl.SetComponents(recognizer, synthesizer, mock.NewKeywordAnalyzer())

	sink := &countingSink{}
	source := audio.NewChanSource(make(chan audio.Chunk, 4))
	if err := ctrl.Start(context.Background(), source, sink); err != nil {
		t.Fatalf("start: %v", err)
	}
	return ctrl, recognizer, synthesizer, sink
}

func TestControllerRespondsOncePerFinal(t *testing.T) {
	script := []mock.STTScriptEntry{
		partialAt(20*time.Millisecond, "open"),
		partialAt(60*time.Millisecond, "open the"),
		partialAt(100*time.Millisecond, "open the chr"),
		finalAt(140*time.Millisecond, "open chrome"),
	}
	ctrl, _, synthesizer, sink := startController(t, testConfig(), script, mock.TTSConfig{ChunkCount: 3})
	rec := recordEvents(ctrl.Events())

	if !waitFor(t, 2*time.Second, func() bool { return len(rec.ofType(EventResponse)) == 1 }) {
		t.Fatalf("expected a response event, got %+v", rec.all())
	}
	// Let any stray processing settle, then confirm nothing else spoke.
	time.Sleep(200 * time.Millisecond)

	responses := rec.ofType(EventResponse)
	if len(responses) != 1 {
		t.Fatalf("expected exactly one response, got %d", len(responses))
	}
	if responses[0].Text != "Opening chrome." {
		t.Fatalf("unexpected response: %q", responses[0].Text)
	}
	if spoken := synthesizer.Spoken(); len(spoken) != 1 {
		t.Fatalf("expected one synthesis call, got %v", spoken)
	}
	transcripts := rec.ofType(EventTranscription)
	if len(transcripts) != 4 {
		t.Fatalf("expected 4 transcription events, got %d", len(transcripts))
	}
	finals := 0
	for _, ev := range transcripts {
		if ev.Meta["is_final"] == "true" {
			finals++
		}
	}
	if finals != 1 {
		t.Fatalf("expected 1 final transcription event, got %d", finals)
	}
	if sink.Writes() == 0 {
		t.Fatalf("expected synthesized audio at the sink")
	}
	if ctrl.State() != StateListening {
		t.Fatalf("expected LISTENING after playback, got %s", ctrl.State())
	}
	_ = ctrl.Stop()
}

func TestControllerPreservesResponseOrder(t *testing.T) {
	script := []mock.STTScriptEntry{
		finalAt(30*time.Millisecond, "open chrome"),
		finalAt(120*time.Millisecond, "click button"),
	}
	ctrl, _, _, _ := startController(t, testConfig(), script, mock.TTSConfig{ChunkCount: 2})
	rec := recordEvents(ctrl.Events())

	if !waitFor(t, 2*time.Second, func() bool { return len(rec.ofType(EventResponse)) == 2 }) {
		t.Fatalf("expected two responses, got %+v", rec.ofType(EventResponse))
	}
	responses := rec.ofType(EventResponse)
	if responses[0].Text != "Opening chrome." || responses[1].Text != "Clicking button." {
		t.Fatalf("responses out of order: %q, %q", responses[0].Text, responses[1].Text)
	}
	_ = ctrl.Stop()
}

func TestControllerBargeInInterruptsPlayback(t *testing.T) {
	script := []mock.STTScriptEntry{
		finalAt(30*time.Millisecond, "read the article"),
	}
	// A long utterance: 30 chunks at 50ms is well past the test's patience.
	ctrl, recognizer, synthesizer, _ := startController(t, testConfig(), script, mock.TTSConfig{
		ChunkCount:    30,
		ChunkInterval: 50 * time.Millisecond,
	})
	rec := recordEvents(ctrl.Events())

	if !waitFor(t, 2*time.Second, ctrl.IsSpeaking) {
		t.Fatalf("controller never started speaking")
	}

	recognizer.Emit(stt.Transcription{Text: "wait stop", Confidence: 0.5})

	if !waitFor(t, 2*time.Second, func() bool { return len(rec.ofType(EventInterruption)) == 1 }) {
		t.Fatalf("expected an interruption event")
	}
	interruptions := rec.ofType(EventInterruption)
	if interruptions[0].Meta["reason"] != "user_speech" {
		t.Fatalf("unexpected interruption reason: %q", interruptions[0].Meta["reason"])
	}
	if interruptions[0].Meta["triggered_at"] == "" {
		t.Fatalf("interruption missing trigger timestamp")
	}
	if !waitFor(t, time.Second, func() bool { return ctrl.State() == StateListening }) {
		t.Fatalf("expected LISTENING after barge-in, got %s", ctrl.State())
	}
	if ctrl.TurnOwner() != TurnUser {
		t.Fatalf("expected floor returned to user, got %s", ctrl.TurnOwner())
	}
	if synthesizer.Stops() == 0 {
		t.Fatalf("expected synthesis aborted")
	}
	if got := rec.ofType(EventResponse); len(got) != 0 {
		t.Fatalf("interrupted playback must not complete, got %+v", got)
	}
	_ = ctrl.Stop()
}

func TestControllerIgnoresBargeInWhenDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.AllowInterruptions = false
	script := []mock.STTScriptEntry{
		finalAt(30*time.Millisecond, "read the article"),
	}
	ctrl, recognizer, _, _ := startController(t, cfg, script, mock.TTSConfig{
		ChunkCount:    6,
		ChunkInterval: 50 * time.Millisecond,
	})
	rec := recordEvents(ctrl.Events())

	if !waitFor(t, 2*time.Second, ctrl.IsSpeaking) {
		t.Fatalf("controller never started speaking")
	}
	recognizer.Emit(stt.Transcription{Text: "wait stop", Confidence: 0.5})

	if !waitFor(t, 2*time.Second, func() bool { return len(rec.ofType(EventResponse)) == 1 }) {
		t.Fatalf("expected playback to complete")
	}
	if got := rec.ofType(EventInterruption); len(got) != 0 {
		t.Fatalf("expected no interruption with barge-in disabled, got %+v", got)
	}
	_ = ctrl.Stop()
}

func TestControllerBackchannelThrottling(t *testing.T) {
	cfg := testConfig()
	cfg.EnableBackchannels = true
	cfg.BackchannelInterval = 300 * time.Millisecond

	ctrl, recognizer, _, _ := startController(t, cfg, nil, mock.TTSConfig{ChunkCount: 1})
	rec := recordEvents(ctrl.Events())

	// Keep user speech fresh for ~1.2s without ever finalizing.
	for i := 0; i < 12; i++ {
		recognizer.Emit(stt.Transcription{Text: "so I was thinking", Confidence: 0.4})
		time.Sleep(100 * time.Millisecond)
	}

	backchannels := rec.ofType(EventBackchannel)
	if len(backchannels) < 2 {
		t.Fatalf("expected at least 2 backchannels, got %d", len(backchannels))
	}
	// 1.2s at a 300ms interval bounds the count.
	if len(backchannels) > 5 {
		t.Fatalf("backchannels not throttled: got %d", len(backchannels))
	}
	// Allow a little clock skew between touch and event timestamping.
	minGap := cfg.BackchannelInterval - 20*time.Millisecond
	for i := 1; i < len(backchannels); i++ {
		gap := backchannels[i].Timestamp.Sub(backchannels[i-1].Timestamp)
		if gap < minGap {
			t.Fatalf("backchannel gap %v below interval %v", gap, cfg.BackchannelInterval)
		}
	}
	if got := rec.ofType(EventResponse); len(got) != 0 {
		t.Fatalf("partials alone must not produce responses, got %+v", got)
	}
	_ = ctrl.Stop()
}

func TestControllerNoBackchannelWithoutFreshSpeech(t *testing.T) {
	cfg := testConfig()
	cfg.EnableBackchannels = true
	cfg.BackchannelInterval = 100 * time.Millisecond

	ctrl, _, _, _ := startController(t, cfg, nil, mock.TTSConfig{ChunkCount: 1})
	rec := recordEvents(ctrl.Events())

	// Silence: the user never speaks, so no acknowledgment should fire.
	time.Sleep(600 * time.Millisecond)
	if got := rec.ofType(EventBackchannel); len(got) != 0 {
		t.Fatalf("expected no backchannels during silence, got %d", len(got))
	}
	_ = ctrl.Stop()
}

func TestControllerStopMidSpeech(t *testing.T) {
	script := []mock.STTScriptEntry{
		finalAt(30*time.Millisecond, "read the article"),
	}
	ctrl, _, _, sink := startController(t, testConfig(), script, mock.TTSConfig{
		ChunkCount:    50,
		ChunkInterval: 50 * time.Millisecond,
	})
	rec := recordEvents(ctrl.Events())

	if !waitFor(t, 2*time.Second, ctrl.IsSpeaking) {
		t.Fatalf("controller never started speaking")
	}
	if err := ctrl.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if ctrl.IsSpeaking() {
		t.Fatalf("still speaking after Stop")
	}
	if ctrl.State() != StateIdle {
		t.Fatalf("expected IDLE after Stop, got %s", ctrl.State())
	}

	// No audio may reach the sink once Stop has returned.
	writes := sink.Writes()
	time.Sleep(200 * time.Millisecond)
	if sink.Writes() != writes {
		t.Fatalf("audio emitted after Stop: %d -> %d", writes, sink.Writes())
	}

	// The event stream terminates for all subscribers.
	select {
	case <-rec.done:
	case <-time.After(time.Second):
		t.Fatalf("event stream not closed after Stop")
	}

	// Stop is idempotent.
	if err := ctrl.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestControllerStartValidation(t *testing.T) {
	ctrl := NewController(testConfig())
	source := audio.NewChanSource(make(chan audio.Chunk))
	sink := &countingSink{}

	if err := ctrl.Start(context.Background(), source, sink); err == nil {
		t.Fatalf("expected error without components")
	}

	ctrl.SetComponents(mock.NewSTT(mock.STTConfig{}), mock.NewTTS(mock.TTSConfig{}), mock.NewKeywordAnalyzer())
	if err := ctrl.Start(context.Background(), nil, sink); err == nil {
		t.Fatalf("expected error without source")
	}

	bad := testConfig()
	bad.SampleRate = 0
	badCtrl := NewController(bad)
	badCtrl.SetComponents(mock.NewSTT(mock.STTConfig{}), mock.NewTTS(mock.TTSConfig{}), mock.NewKeywordAnalyzer())
	if err := badCtrl.Start(context.Background(), source, sink); err == nil {
		t.Fatalf("expected error for invalid config")
	}
}

func TestControllerDoubleStart(t *testing.T) {
	ctrl, _, _, _ := startController(t, testConfig(), nil, mock.TTSConfig{ChunkCount: 1})
	source := audio.NewChanSource(make(chan audio.Chunk))
	if err := ctrl.Start(context.Background(), source, &countingSink{}); err == nil {
		t.Fatalf("expected error on second start")
	}
	_ = ctrl.Stop()
}

func TestControllerAnalyzerFailureKeepsListening(t *testing.T) {
	recognizer := mock.NewSTT(mock.STTConfig{Script: []mock.STTScriptEntry{
		finalAt(30*time.Millisecond, "open chrome"),
	}})
	analyzer := mock.NewKeywordAnalyzer()
	analyzer.SetErr(context.DeadlineExceeded)
	ctrl := NewController(testConfig())
	ctrl.SetComponents(recognizer, mock.NewTTS(mock.TTSConfig{ChunkCount: 1}), analyzer)

	sink := &countingSink{}
	source := audio.NewChanSource(make(chan audio.Chunk, 1))
	if err := ctrl.Start(context.Background(), source, sink); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec := recordEvents(ctrl.Events())

	time.Sleep(500 * time.Millisecond)
	if got := rec.ofType(EventResponse); len(got) != 0 {
		t.Fatalf("expected no response on analyzer failure, got %+v", got)
	}
	if ctrl.State() != StateListening {
		t.Fatalf("expected controller to keep listening, got %s", ctrl.State())
	}

	// Recovery: the next utterance goes through once the analyzer heals.
	analyzer.SetErr(nil)
	recognizer.Emit(stt.Transcription{Text: "open chrome", IsFinal: true, Confidence: 0.9})
	if !waitFor(t, 2*time.Second, func() bool { return len(rec.ofType(EventResponse)) == 1 }) {
		t.Fatalf("expected a response after analyzer recovery")
	}
	_ = ctrl.Stop()
}

func TestControllerEmitsMetrics(t *testing.T) {
	recognizer := mock.NewSTT(mock.STTConfig{Script: []mock.STTScriptEntry{
		finalAt(30*time.Millisecond, "open chrome"),
	}})
	ctrl := NewController(testConfig())
	ctrl.SetComponents(recognizer, mock.NewTTS(mock.TTSConfig{ChunkCount: 2}), mock.NewKeywordAnalyzer())
	mem := metrics.NewMemoryObserver()
	ctrl.SetObserver(mem)

	source := audio.NewChanSource(make(chan audio.Chunk, 1))
	sink := audio.SinkFunc(func(audio.Chunk) error { return nil })
	if err := ctrl.Start(context.Background(), source, sink); err != nil {
		t.Fatalf("start: %v", err)
	}

	count := func(name string) int {
		n := 0
		for _, ev := range mem.Snapshot() {
			if ev.Name == name {
				n++
			}
		}
		return n
	}
	if !waitFor(t, 2*time.Second, func() bool { return count("speak_done") == 1 }) {
		t.Fatalf("expected a completed turn in metrics")
	}
	for _, name := range []string{"stt_transcript", "stt_final", "response_ready", "tts_first_audio"} {
		if count(name) != 1 {
			t.Fatalf("expected one %s event, got %d", name, count(name))
		}
	}
	for _, ev := range mem.Snapshot() {
		if ev.Tags["stream_id"] != ctrl.SessionID() {
			t.Fatalf("metric %s missing session tag: %+v", ev.Name, ev.Tags)
		}
	}
	_ = ctrl.Stop()
}

func TestControllerTurnOwnershipDuringOverlap(t *testing.T) {
	script := []mock.STTScriptEntry{
		finalAt(30*time.Millisecond, "read the article"),
	}
	cfg := testConfig()
	// Keep the overlap observable: barge-in disabled so DUPLEX persists.
	cfg.AllowInterruptions = false
	ctrl, recognizer, _, _ := startController(t, cfg, script, mock.TTSConfig{
		ChunkCount:    10,
		ChunkInterval: 50 * time.Millisecond,
	})

	if !waitFor(t, 2*time.Second, ctrl.IsSpeaking) {
		t.Fatalf("controller never started speaking")
	}
	if ctrl.TurnOwner() != TurnAssistant {
		t.Fatalf("expected assistant turn while speaking, got %s", ctrl.TurnOwner())
	}

	recognizer.Emit(stt.Transcription{Text: "hmm", Confidence: 0.4})
	if !waitFor(t, time.Second, func() bool { return ctrl.State() == StateDuplex }) {
		t.Fatalf("expected DUPLEX during overlap, got %s", ctrl.State())
	}
	if ctrl.TurnOwner() != TurnOverlap {
		t.Fatalf("expected OVERLAP turn, got %s", ctrl.TurnOwner())
	}
	if !ctrl.IsListening() || !ctrl.IsSpeaking() {
		t.Fatalf("DUPLEX must report both listening and speaking")
	}
	_ = ctrl.Stop()
}
