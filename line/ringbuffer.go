package line

import "sync"

// MaxBufferBytes is the bound on both rx_buf and tx_buf per line (spec §3).
const MaxBufferBytes = 16 * 1024

// RingBuffer is a bounded, mutex-guarded byte queue with front-to-back
// shift consumption, matching spec §4.3's description of the LIB buffers.
// It is not a classic power-of-two ring; the spec calls for plain
// shift-on-consume semantics, so that's what this implements.
type RingBuffer struct {
	mu    sync.Mutex
	buf   []byte
	bytes int64 // lifetime byte count, for stats/telemetry
}

// NewRingBuffer returns an empty buffer bounded at MaxBufferBytes.
func NewRingBuffer() *RingBuffer {
	return &RingBuffer{buf: make([]byte, 0, 256)}
}

// Len returns the number of bytes currently queued.
func (b *RingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Empty reports whether the buffer currently holds no bytes.
func (b *RingBuffer) Empty() bool {
	return b.Len() == 0
}

// Push appends bytes, truncating silently at MaxBufferBytes (a line that
// overruns its buffer has already desynced; the scanner's per-character
// pace is the real backpressure mechanism, per spec §4.3).
func (b *RingBuffer) Push(p []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := MaxBufferBytes - len(b.buf)
	if room <= 0 {
		return 0
	}
	if len(p) > room {
		p = p[:room]
	}
	b.buf = append(b.buf, p...)
	b.bytes += int64(len(p))
	return len(p)
}

// PushByte appends a single byte if there is room, reporting whether it fit.
func (b *RingBuffer) PushByte(c byte) bool {
	return b.Push([]byte{c}) == 1
}

// Pop removes and returns the front byte, or ok=false if empty.
func (b *RingBuffer) Pop() (c byte, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf) == 0 {
		return 0, false
	}
	c = b.buf[0]
	b.buf = b.buf[1:]
	return c, true
}

// Drain removes and returns every queued byte, clearing the buffer. Used to
// flush a completed transmit frame to the data channel (spec §4.3: "A
// complete frame is flushed ... when the scanner enters PCF C or D").
func (b *RingBuffer) Drain() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	b.buf = b.buf[:0]
	return out
}

// BytesTotal returns the lifetime byte count pushed through this buffer.
func (b *RingBuffer) BytesTotal() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bytes
}
