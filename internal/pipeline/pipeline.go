package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"vigil/internal/supervisor"
)

// Pipeline is the capture path: it pulls frames from a source and writes each
// one to the sink
type Pipeline struct {
	source FrameSource
	sink   FrameSink
	logger *slog.Logger

	captured  atomic.Uint64
	sinkFails atomic.Uint64
}

// New creates a pipeline; the source must already be started
func New(source FrameSource, sink FrameSink) *Pipeline {
	return &Pipeline{
		source: source,
		sink:   sink,
		logger: slog.With("component", "Pipeline"),
	}
}

// Run reads frames until ctx is done (nil), the source ends (nil) or the
// source fails (error). Sink errors are logged and skipped, except resource
// faults, which end the run so the supervisor can rebuild the pipeline.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("capture loop started")
	defer func() {
		p.logger.Info("capture loop stopped", "frames", p.captured.Load())
	}()

	for {
		f, err := p.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				p.logger.Info("frame source ended")
				return nil
			}
			return fmt.Errorf("failed to read frame: %w", err)
		}

		n := p.captured.Add(1)
		if err := p.sink.Write(f); err != nil {
			if supervisor.IsResource(err) {
				return fmt.Errorf("frame sink failed: %w", err)
			}
			p.sinkFails.Add(1)
			p.logger.Warn("frame sink failed", "seq", f.Seq, "error", err)
		}
		if n%1000 == 0 {
			p.logger.Debug("capture progress", "frames", n, "sink_failures", p.sinkFails.Load())
		}
	}
}

// FramesCaptured returns how many frames the source delivered
func (p *Pipeline) FramesCaptured() uint64 {
	return p.captured.Load()
}
