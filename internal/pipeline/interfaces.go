package pipeline

import (
	"context"

	"vigil/internal/frame"
	"vigil/internal/motion"
)

// FrameSource produces JPEG frames from a camera or a synthetic generator
type FrameSource interface {
	// Start opens the device; it may be retried after a failure
	Start(ctx context.Context) error

	// Next blocks for the next frame. io.EOF means the source ended normally.
	Next(ctx context.Context) (*frame.Frame, error)

	// Close releases the device
	Close() error
}

// FrameSink receives every captured frame on the capture path
type FrameSink interface {
	Write(f *frame.Frame) error
}

// MotionDetector classifies a frame. It never fails: bad input yields no motion.
type MotionDetector interface {
	Detect(f *frame.Frame) motion.Detection
}

var _ MotionDetector = (*motion.Detector)(nil)
