package transports

import (
	"context"

	"github.com/harunnryd/lyra/pkg/audio"
)

// Transport is a vendor-agnostic audio I/O boundary: it is both the
// controller's input source and its output sink. Implementations own their
// network lifecycle.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	// Chunks exposes captured audio; the channel closes when the transport
	// stops. A transport is not restartable.
	Chunks() <-chan audio.Chunk
	// Write plays a synthesized chunk. Fire-and-forget.
	Write(audio.Chunk) error
}

// ReadyReporter allows transports to expose readiness metadata (e.g., listen
// addresses) for informational logging.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
