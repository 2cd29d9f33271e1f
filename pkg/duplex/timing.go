package duplex

import (
	"math"
	"sync"
	"time"
)

// never is returned by the since helpers before the first touch.
const never = time.Duration(math.MaxInt64)

// timingState holds the shared speech timestamps. Each field has a single
// writer (Listen, Speak, Monitor respectively) and multiple readers.
type timingState struct {
	mu              sync.RWMutex
	lastUserSpeech  time.Time
	lastAgentSpeech time.Time
	lastBackchannel time.Time
}

func newTimingState() *timingState {
	return &timingState{}
}

func (t *timingState) touchUserSpeech(now time.Time) {
	t.mu.Lock()
	t.lastUserSpeech = now
	t.mu.Unlock()
}

func (t *timingState) touchAgentSpeech(now time.Time) {
	t.mu.Lock()
	t.lastAgentSpeech = now
	t.mu.Unlock()
}

func (t *timingState) touchBackchannel(now time.Time) {
	t.mu.Lock()
	t.lastBackchannel = now
	t.mu.Unlock()
}

func (t *timingState) userSpeechAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastUserSpeech
}

func (t *timingState) sinceUserSpeech(now time.Time) time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.lastUserSpeech.IsZero() {
		return never
	}
	return now.Sub(t.lastUserSpeech)
}

func (t *timingState) sinceBackchannel(now time.Time) time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.lastBackchannel.IsZero() {
		return never
	}
	return now.Sub(t.lastBackchannel)
}
