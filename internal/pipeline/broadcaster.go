package pipeline

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"vigil/internal/events"
	"vigil/internal/frame"
	"vigil/internal/motion"
	"vigil/internal/recorder"
	"vigil/internal/stream"
	"vigil/internal/supervisor"
)

// Options selects the optional stages of a Broadcaster. With no Detector it
// only publishes frames to the hub.
type Options struct {
	Detector  MotionDetector
	Recorder  *recorder.Recorder
	Prebuffer *recorder.PreRollBuffer
	Bus       *events.Bus
	Annotate  bool // draw motion boxes on published frames
	Inline    bool // analyze every frame on the capture path instead of the motion worker

	// SinkRetry bounds clip starts that fail to open a video sink; once used
	// up, Write returns the resource error. Zero means the default policy.
	SinkRetry supervisor.RetryPolicy
}

// MotionEvent is published when motion starts or stops
type MotionEvent struct {
	Active bool                 `json:"active"`
	Seq    uint64               `json:"seq"`
	Boxes  []motion.BoundingBox `json:"boxes"`
}

// Stats counts broadcaster activity
type Stats struct {
	Frames   uint64 `json:"frames"`
	Analyzed uint64 `json:"analyzed"`
	Skipped  uint64 `json:"skipped"`
	Motion   bool   `json:"motion"`
}

// Broadcaster is the frame sink of the capture path. Every frame is published
// to the hub and buffered for pre-roll; when a detector is configured, motion
// analysis drives the recorder.
type Broadcaster struct {
	hub    *stream.Hub
	opts   Options
	logger *slog.Logger

	slot    chan *frame.Frame // latest frame waiting for the motion worker
	pending atomic.Bool       // motion seen while idle, start a clip on the next frame
	motion  atomic.Bool

	boxesMu sync.Mutex
	boxes   []motion.BoundingBox

	// capture path only
	openFailures int
	retryAt      time.Time

	frames   atomic.Uint64
	analyzed atomic.Uint64
	skipped  atomic.Uint64
}

var (
	_ FrameSink = (*Broadcaster)(nil)
	_ FrameSink = (*stream.Hub)(nil)
)

// NewBroadcaster creates a broadcaster publishing to hub
func NewBroadcaster(hub *stream.Hub, opts Options) *Broadcaster {
	if opts.SinkRetry.Attempts < 1 {
		opts.SinkRetry = supervisor.DefaultRetryPolicy()
	}
	return &Broadcaster{
		hub:    hub,
		opts:   opts,
		logger: slog.With("component", "Broadcaster"),
		slot:   make(chan *frame.Frame, 1),
	}
}

// Write handles one captured frame. It never blocks on motion analysis.
// The only error besides an empty frame is a recorder that could not open a
// video sink within the retry budget.
func (b *Broadcaster) Write(f *frame.Frame) error {
	if f == nil || len(f.Data) == 0 {
		return frame.ErrEmpty
	}
	b.frames.Add(1)

	detect := b.opts.Detector != nil
	if detect && b.opts.Inline {
		b.analyze(f)
	}

	b.publish(f)
	err := b.record(f)

	if detect && !b.opts.Inline {
		b.offer(f)
	}
	return err
}

// RunMotion analyzes the most recent offered frame until ctx is done.
// Frames offered while an analysis runs replace each other.
func (b *Broadcaster) RunMotion(ctx context.Context) {
	if b.opts.Detector == nil || b.opts.Inline {
		return
	}
	b.logger.Info("motion worker started")
	defer b.logger.Info("motion worker stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-b.slot:
			b.analyze(f)
		}
	}
}

// Close force-stops any clip in progress. No event is stored for it.
func (b *Broadcaster) Close() error {
	if rec := b.opts.Recorder; rec != nil && rec.IsRecording() {
		rec.ForceStop()
	}
	return nil
}

// Motion reports whether the last analyzed frame had motion
func (b *Broadcaster) Motion() bool {
	return b.motion.Load()
}

// ResetMotion makes the detector relearn the background, e.g. after the
// camera was moved. It reports false when the detector cannot be reset.
func (b *Broadcaster) ResetMotion() bool {
	r, ok := b.opts.Detector.(interface{ Reset() })
	if !ok {
		return false
	}
	r.Reset()
	b.logger.Info("motion background reset")
	return true
}

// Boxes returns the motion boxes of the last analyzed frame
func (b *Broadcaster) Boxes() []motion.BoundingBox {
	b.boxesMu.Lock()
	defer b.boxesMu.Unlock()
	return append([]motion.BoundingBox(nil), b.boxes...)
}

// Stats returns a snapshot of the counters
func (b *Broadcaster) Stats() Stats {
	return Stats{
		Frames:   b.frames.Load(),
		Analyzed: b.analyzed.Load(),
		Skipped:  b.skipped.Load(),
		Motion:   b.motion.Load(),
	}
}

// offer hands f to the motion worker, displacing a frame it has not taken yet
func (b *Broadcaster) offer(f *frame.Frame) {
	select {
	case b.slot <- f:
		return
	default:
	}
	select {
	case <-b.slot:
		b.skipped.Add(1)
	default:
	}
	select {
	case b.slot <- f:
	default:
		b.skipped.Add(1)
	}
}

func (b *Broadcaster) analyze(f *frame.Frame) {
	det := b.opts.Detector.Detect(f)
	b.analyzed.Add(1)

	b.boxesMu.Lock()
	b.boxes = det.Boxes
	b.boxesMu.Unlock()

	was := b.motion.Swap(det.Motion)
	if det.Motion != was {
		if det.Motion {
			b.logger.Info("motion detected", "seq", f.Seq, "regions", len(det.Boxes))
		} else {
			b.logger.Debug("motion ended", "seq", f.Seq)
		}
		b.opts.Bus.Publish(events.New(events.TypeMotion, MotionEvent{Active: det.Motion, Seq: f.Seq, Boxes: det.Boxes}))
	}

	if det.Motion && b.opts.Recorder != nil && !b.opts.Recorder.IsRecording() {
		b.pending.Store(true)
	}
}

// publish hands the raw frame and the current boxes to the hub; the overlay
// is drawn off the capture path by the first viewer that reads it
func (b *Broadcaster) publish(f *frame.Frame) {
	if !b.opts.Annotate || !b.motion.Load() {
		b.hub.Publish(f)
		return
	}
	boxes := b.Boxes()
	rects := make([]image.Rectangle, len(boxes))
	for i, box := range boxes {
		rects[i] = box.Rect()
	}
	b.hub.PublishWithBoxes(f, rects)
}

// record feeds the pre-roll buffer and the recorder. Clips are started here,
// on the capture path, so the pre-roll snapshot and the live frames that
// follow never overlap or leave a gap.
func (b *Broadcaster) record(f *frame.Frame) error {
	rec := b.opts.Recorder
	if rec == nil {
		return nil
	}
	if b.opts.Prebuffer != nil {
		b.opts.Prebuffer.Add(f)
	}

	if rec.IsRecording() {
		b.pending.Store(false)
		if _, err := rec.Frame(f, b.motion.Load()); err != nil {
			b.logger.Error("recording frame failed", "seq", f.Seq, "error", err)
		}
		return nil
	}

	if !b.pending.Load() || time.Now().Before(b.retryAt) {
		return nil
	}
	b.pending.Store(false)

	var snapshot []recorder.BufferedFrame
	if b.opts.Prebuffer != nil {
		snapshot = b.opts.Prebuffer.Snapshot()
	} else {
		snapshot = []recorder.BufferedFrame{{Frame: f, Timestamp: time.Now()}}
	}
	return b.startClip(rec, snapshot, f)
}

// startClip counts consecutive resource failures against SinkRetry and
// spaces the next attempt by its backoff
func (b *Broadcaster) startClip(rec *recorder.Recorder, snapshot []recorder.BufferedFrame, f *frame.Frame) error {
	err := rec.Start(snapshot, f.Size())
	switch {
	case err == nil:
		b.openFailures = 0
		b.retryAt = time.Time{}
		return nil
	case !supervisor.IsResource(err):
		b.logger.Error("failed to start recording", "seq", f.Seq, "error", err)
		return nil
	}

	policy := b.opts.SinkRetry
	b.openFailures++
	if b.openFailures >= policy.Attempts {
		b.logger.Error("giving up on recording", "attempts", b.openFailures, "error", err)
		return fmt.Errorf("recorder unavailable after %d attempts: %w", b.openFailures, err)
	}

	delay := policy.Backoff(b.openFailures)
	b.retryAt = time.Now().Add(delay)
	b.pending.Store(true)
	b.logger.Warn("failed to start recording, retrying",
		"seq", f.Seq,
		"attempt", b.openFailures,
		"max_attempts", policy.Attempts,
		"delay", delay,
		"error", err)
	return nil
}
