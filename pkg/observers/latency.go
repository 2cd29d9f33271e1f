package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/lyra/pkg/metrics"
)

// LatencyObserver tracks the final-transcription to first-audio path per
// session and logs one latency line when the utterance completes.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	log    *slog.Logger
}

type trace struct {
	sttFinal   time.Time
	respReady  time.Time
	firstAudio time.Time
	done       time.Time
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	streamID := ""
	if ev.Tags != nil {
		streamID = ev.Tags["stream_id"]
	}
	if streamID == "" {
		return
	}
	o.mu.Lock()
	t := o.traces[streamID]
	if t == nil {
		t = &trace{}
		o.traces[streamID] = t
	}
	switch ev.Name {
	case "stt_final":
		if t.sttFinal.IsZero() {
			t.sttFinal = ev.Time
		}
	case "response_ready":
		if t.respReady.IsZero() {
			t.respReady = ev.Time
		}
	case "tts_first_audio":
		if t.firstAudio.IsZero() {
			t.firstAudio = ev.Time
		}
	case "speak_done":
		t.done = ev.Time
	}
	if !t.done.IsZero() {
		o.logTurnLocked(streamID, t)
		delete(o.traces, streamID)
	}
	o.mu.Unlock()
}

func (o *LatencyObserver) logTurnLocked(streamID string, t *trace) {
	respLatency := durationMs(t.sttFinal, t.respReady)
	audioLatency := durationMs(t.respReady, t.firstAudio)
	ttfb := durationMs(t.sttFinal, t.firstAudio)
	o.log.Info("latency",
		"stream_id", streamID,
		"response_ms", respLatency,
		"first_audio_ms", audioLatency,
		"ttfb_ms", ttfb,
	)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
