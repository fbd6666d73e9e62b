package recorder

import (
	"sync"
	"time"

	"vigil/internal/frame"
)

// BufferedFrame is a frame held for pre-roll together with when it was buffered
type BufferedFrame struct {
	Frame     *frame.Frame
	Timestamp time.Time
}

// PreRollBuffer keeps the most recent frames in a fixed-capacity ring
type PreRollBuffer struct {
	mu    sync.Mutex
	ring  []BufferedFrame
	start int
	count int
}

// NewPreRollBuffer sizes the ring to fps*seconds entries, never fewer than one
// so the triggering frame is always available to start a clip
func NewPreRollBuffer(fps, seconds int) *PreRollBuffer {
	capacity := fps * seconds
	if capacity < 1 {
		capacity = 1
	}
	return &PreRollBuffer{ring: make([]BufferedFrame, capacity)}
}

// Add appends a frame, evicting the oldest one when full
func (b *PreRollBuffer) Add(f *frame.Frame) {
	if f == nil {
		return
	}
	ts := f.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	capacity := len(b.ring)
	if b.count < capacity {
		b.ring[(b.start+b.count)%capacity] = BufferedFrame{Frame: f, Timestamp: ts}
		b.count++
		return
	}
	b.ring[b.start] = BufferedFrame{Frame: f, Timestamp: ts}
	b.start = (b.start + 1) % capacity
}

// Snapshot returns the buffered frames oldest first. The returned slice is
// owned by the caller; frames themselves are immutable.
func (b *PreRollBuffer) Snapshot() []BufferedFrame {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]BufferedFrame, b.count)
	capacity := len(b.ring)
	for i := 0; i < b.count; i++ {
		out[i] = b.ring[(b.start+i)%capacity]
	}
	return out
}

// Clear drops every buffered frame
func (b *PreRollBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.ring {
		b.ring[i] = BufferedFrame{}
	}
	b.start, b.count = 0, 0
}

// Len returns the number of buffered frames
func (b *PreRollBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Cap returns the ring capacity
func (b *PreRollBuffer) Cap() int {
	return len(b.ring)
}

// Full reports whether the next Add will evict
func (b *PreRollBuffer) Full() bool {
	return b.Len() == b.Cap()
}
