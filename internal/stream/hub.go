package stream

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"vigil/internal/frame"
)

var (
	// ErrTimeout is returned when no frame is published within the wait timeout
	ErrTimeout = errors.New("timed out waiting for frame")
	// ErrClosed is returned once the hub is closed
	ErrClosed = errors.New("broadcast hub closed")
)

// Viewer is one live consumer of the hub
type Viewer struct {
	ID          string    `json:"id"`
	Remote      string    `json:"remote"`
	Kind        string    `json:"kind"`
	ConnectedAt time.Time `json:"connectedAt"`

	framesSent atomic.Uint64
}

// FramesSent returns how many frames were delivered to the viewer
func (v *Viewer) FramesSent() uint64 {
	return v.framesSent.Load()
}

// slot is one published generation: the captured frame and the motion boxes
// to draw over it. The overlay is rendered once, by the first reader.
type slot struct {
	raw   *frame.Frame
	boxes []image.Rectangle

	once     sync.Once
	rendered *frame.Frame
}

func (s *slot) frame(logger *slog.Logger) *frame.Frame {
	if len(s.boxes) == 0 {
		return s.raw
	}
	s.once.Do(func() {
		out, err := Annotate(s.raw, s.boxes, Caption(s.raw.Timestamp, true))
		if err != nil {
			logger.Debug("failed to annotate frame", "seq", s.raw.Seq, "error", err)
			out = s.raw
		}
		s.rendered = out
	})
	return s.rendered
}

// Hub distributes the latest frame to any number of viewers. It holds a
// single slot: slow viewers skip frames instead of queueing them.
type Hub struct {
	logger *slog.Logger

	mu          sync.Mutex
	latest      *slot
	gen         uint64
	ready       chan struct{} // closed and replaced on every publish
	closed      bool
	lastPublish time.Time

	viewersMu sync.RWMutex
	viewers   map[string]*Viewer

	published atomic.Uint64
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		logger:  slog.With("component", "BroadcastHub"),
		ready:   make(chan struct{}),
		viewers: make(map[string]*Viewer),
	}
}

// Publish replaces the latest frame and wakes every waiting viewer
func (h *Hub) Publish(f *frame.Frame) {
	h.PublishWithBoxes(f, nil)
}

// PublishWithBoxes publishes f with motion boxes that readers see drawn on
// it. Drawing is deferred to the first reader so the publisher never pays
// for a JPEG round trip.
func (h *Hub) PublishWithBoxes(f *frame.Frame, boxes []image.Rectangle) {
	if f == nil {
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.latest = &slot{raw: f, boxes: boxes}
	h.gen++
	h.lastPublish = time.Now()
	close(h.ready)
	h.ready = make(chan struct{})
	h.mu.Unlock()

	h.published.Add(1)
}

// Write implements the pipeline frame sink
func (h *Hub) Write(f *frame.Frame) error {
	h.Publish(f)
	return nil
}

// Latest returns the most recent frame and its generation, or nil before the first publish
func (h *Hub) Latest() (*frame.Frame, uint64) {
	h.mu.Lock()
	s, gen := h.latest, h.gen
	h.mu.Unlock()
	if s == nil {
		return nil, gen
	}
	return s.frame(h.logger), gen
}

// AwaitNextFrame blocks until a frame newer than generation after is
// available, the timeout elapses, ctx is done, or the hub closes.
func (h *Hub) AwaitNextFrame(ctx context.Context, after uint64, timeout time.Duration) (*frame.Frame, uint64, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	for {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return nil, 0, ErrClosed
		}
		if h.gen > after && h.latest != nil {
			s, gen := h.latest, h.gen
			h.mu.Unlock()
			return s.frame(h.logger), gen, nil
		}
		ready := h.ready
		h.mu.Unlock()

		select {
		case <-ready:
		case <-timer:
			return nil, 0, ErrTimeout
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
}

// LastFrameAge returns the time since the last publish, or -1 if nothing was ever published
func (h *Hub) LastFrameAge() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastPublish.IsZero() {
		return -1
	}
	return time.Since(h.lastPublish)
}

// FramesPublished returns the total number of published frames
func (h *Hub) FramesPublished() uint64 {
	return h.published.Load()
}

// Close wakes all waiters with ErrClosed. Publishing after Close is a no-op.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.ready)
}

// AddViewer registers a viewer and returns it
func (h *Hub) AddViewer(kind, remote string) *Viewer {
	v := &Viewer{
		ID:          uuid.New().String(),
		Remote:      remote,
		Kind:        kind,
		ConnectedAt: time.Now(),
	}
	h.viewersMu.Lock()
	h.viewers[v.ID] = v
	n := len(h.viewers)
	h.viewersMu.Unlock()

	h.logger.Info("viewer connected", "id", v.ID, "kind", kind, "remote", remote, "viewers", n)
	return v
}

// RemoveViewer drops a viewer; unknown ids are ignored
func (h *Hub) RemoveViewer(id string) {
	h.viewersMu.Lock()
	v, ok := h.viewers[id]
	delete(h.viewers, id)
	n := len(h.viewers)
	h.viewersMu.Unlock()

	if ok {
		h.logger.Info("viewer disconnected", "id", id, "frames", v.FramesSent(), "viewers", n)
	}
}

// ViewerCount returns the number of connected viewers
func (h *Hub) ViewerCount() int {
	h.viewersMu.RLock()
	defer h.viewersMu.RUnlock()
	return len(h.viewers)
}

// Viewers returns a snapshot of connected viewers
func (h *Hub) Viewers() []*Viewer {
	h.viewersMu.RLock()
	defer h.viewersMu.RUnlock()
	out := make([]*Viewer, 0, len(h.viewers))
	for _, v := range h.viewers {
		out = append(out, v)
	}
	return out
}

// Serve feeds frames to v through write until write fails, a wait times out,
// ctx ends, or the hub closes. The viewer is always removed on return.
// write runs without any hub lock held.
func (h *Hub) Serve(ctx context.Context, v *Viewer, timeout time.Duration, write func(*frame.Frame) error) error {
	defer h.RemoveViewer(v.ID)

	var gen uint64
	for {
		f, next, err := h.AwaitNextFrame(ctx, gen, timeout)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				h.logger.Warn("no frame within timeout, dropping viewer", "id", v.ID, "timeout", timeout)
			}
			return err
		}
		gen = next

		if err := write(f); err != nil {
			h.logger.Debug("viewer write failed", "id", v.ID, "error", err)
			return err
		}
		v.framesSent.Add(1)
	}
}
