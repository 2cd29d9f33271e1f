package audio

import "sync"

// Chunk is a slice of raw PCM audio with its format attached.
type Chunk struct {
	data   []byte
	rate   int
	ch     int
	pts    int64
	pooled bool
}

func NewChunk(pts int64, data []byte, rate, ch int) Chunk {
	return Chunk{pts: pts, data: data, rate: rate, ch: ch}
}

func NewChunkFromPool(pts int64, data []byte, rate, ch int) Chunk {
	buf := AcquireBuf(len(data))
	copy(buf, data)
	return Chunk{pts: pts, data: buf, rate: rate, ch: ch, pooled: true}
}

func (c Chunk) Data() []byte       { return append([]byte(nil), c.data...) }
func (c Chunk) RawPayload() []byte { return c.data }
func (c Chunk) Rate() int          { return c.rate }
func (c Chunk) Channels() int      { return c.ch }
func (c Chunk) PTS() int64         { return c.pts }
func (c Chunk) Len() int           { return len(c.data) }

func ReleaseChunk(c Chunk) bool {
	if c.pooled {
		ReleaseBuf(c.data)
		return true
	}
	return false
}

// Source produces a lazy stream of audio chunks. The channel closes when the
// source is exhausted or closed; a source is not restartable.
type Source interface {
	Chunks() <-chan Chunk
	Close() error
}

// Sink consumes audio chunks. Write is fire-and-forget.
type Sink interface {
	Write(Chunk) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Chunk) error

func (f SinkFunc) Write(c Chunk) error { return f(c) }

type chanSource struct {
	ch   chan Chunk
	once sync.Once
}

// NewChanSource wraps a channel as a Source. Close stops delivery without
// closing the underlying channel.
func NewChanSource(ch chan Chunk) Source {
	return &chanSource{ch: ch}
}

func (s *chanSource) Chunks() <-chan Chunk { return s.ch }

func (s *chanSource) Close() error {
	s.once.Do(func() { close(s.ch) })
	return nil
}

var bufPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, 4096)
	},
}

func AcquireBuf(size int) []byte {
	b := bufPool.Get().([]byte)
	if cap(b) < size {
		return make([]byte, size)
	}
	return b[:size]
}

func ReleaseBuf(b []byte) {
	bufPool.Put(b[:0])
}
