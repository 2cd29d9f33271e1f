package duplex

import (
	"sync"
	"time"
)

// EventType classifies events on the controller's public stream.
type EventType string

const (
	EventTranscription EventType = "transcription"
	EventResponse      EventType = "response"
	EventInterruption  EventType = "interruption"
	EventBackchannel   EventType = "backchannel"
)

// Event is an immutable value emitted by a loop and consumed by external
// subscribers.
type Event struct {
	Type      EventType
	Text      string
	Meta      map[string]string
	Timestamp time.Time
}

func newEvent(typ EventType, text string, meta map[string]string) Event {
	return Event{
		Type:      typ,
		Text:      text,
		Meta:      cloneMeta(meta),
		Timestamp: time.Now(),
	}
}

func cloneMeta(meta map[string]string) map[string]string {
	if meta == nil {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

// eventBus fans events out to any number of subscribers. Each subscriber gets
// an independent buffered channel; a slow subscriber drops events rather than
// stalling the producing loop.
type eventBus struct {
	mu     sync.Mutex
	subs   []chan Event
	closed bool
	buffer int
}

func newEventBus(buffer int) *eventBus {
	if buffer <= 0 {
		buffer = 64
	}
	return &eventBus{buffer: buffer}
}

// Subscribe returns a fresh stream of events. The channel closes when the
// controller stops.
func (b *eventBus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

func (b *eventBus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *eventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
