package mock

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/lyra/pkg/audio"
	"github.com/harunnryd/lyra/pkg/transports"
)

// Transport is an in-memory transport for local testing and integration. It
// implements the transports.Transport interface without any network
// dependency.
type Transport struct {
	recvCh chan audio.Chunk
	sentCh chan audio.Chunk
	closed atomic.Bool
	mu     sync.Mutex
}

func New() *Transport {
	return &Transport{
		recvCh: make(chan audio.Chunk, 256),
		sentCh: make(chan audio.Chunk, 256),
	}
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()
	return nil
}

func (t *Transport) Stop() error {
	if t.closed.CompareAndSwap(false, true) {
		t.mu.Lock()
		close(t.recvCh)
		close(t.sentCh)
		t.mu.Unlock()
	}
	return nil
}

func (t *Transport) Chunks() <-chan audio.Chunk { return t.recvCh }

func (t *Transport) Write(c audio.Chunk) error {
	if t.closed.Load() {
		return nil
	}
	select {
	case t.sentCh <- c:
	default:
	}
	return nil
}

// Close satisfies audio.Source so the transport can back a controller
// directly.
func (t *Transport) Close() error { return t.Stop() }

// Push injects an inbound chunk into the transport.
func (t *Transport) Push(c audio.Chunk) {
	if t.closed.Load() {
		return
	}
	select {
	case t.recvCh <- c:
	default:
	}
}

// Sent exposes outbound chunks for inspection.
func (t *Transport) Sent() <-chan audio.Chunk { return t.sentCh }

var (
	_ transports.Transport = (*Transport)(nil)
	_ audio.Source         = (*Transport)(nil)
	_ audio.Sink           = (*Transport)(nil)
)
