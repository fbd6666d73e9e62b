package camera

import (
	"context"
	"image"
	"image/color"
	"log/slog"
	"sync"
	"time"

	"vigil/internal/frame"
)

// PatternOptions configures the synthetic source
type PatternOptions struct {
	Width  int
	Height int
	FPS    int

	// A bright block crosses the scene for MotionFor out of every MotionEvery.
	// Zero MotionEvery keeps the scene static.
	MotionEvery time.Duration
	MotionFor   time.Duration
}

// TestPattern generates a static gradient scene with periodic motion. It lets
// the service run, and be tested, without a camera.
type TestPattern struct {
	opts   PatternOptions
	logger *slog.Logger

	mu      sync.Mutex
	ticker  *time.Ticker
	started time.Time
	seq     uint64
	img     *image.Gray
}

// NewTestPattern creates a synthetic source
func NewTestPattern(opts PatternOptions) *TestPattern {
	if opts.Width <= 0 {
		opts.Width = 640
	}
	if opts.Height <= 0 {
		opts.Height = 480
	}
	if opts.FPS <= 0 {
		opts.FPS = 10
	}
	if opts.MotionEvery > 0 && opts.MotionFor <= 0 {
		opts.MotionFor = 3 * time.Second
	}
	return &TestPattern{
		opts:   opts,
		logger: slog.With("component", "TestPattern"),
	}
}

// Start begins pacing frames at the configured rate
func (p *TestPattern) Start(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ticker != nil {
		p.ticker.Stop()
	}
	p.ticker = time.NewTicker(time.Second / time.Duration(p.opts.FPS))
	p.started = time.Now()
	p.img = image.NewGray(image.Rect(0, 0, p.opts.Width, p.opts.Height))
	p.logger.Info("test pattern started", "resolution", p.img.Bounds().Size(), "fps", p.opts.FPS)
	return nil
}

// Next renders the next frame once the ticker fires
func (p *TestPattern) Next(ctx context.Context) (*frame.Frame, error) {
	p.mu.Lock()
	ticker := p.ticker
	p.mu.Unlock()
	if ticker == nil {
		return nil, ErrNotStarted
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case now := <-ticker.C:
		return p.render(now)
	}
}

// Close stops the ticker
func (p *TestPattern) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ticker != nil {
		p.ticker.Stop()
		p.ticker = nil
	}
	return nil
}

func (p *TestPattern) render(now time.Time) (*frame.Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	drawGradient(p.img)
	if phase, active := p.motionPhase(now.Sub(p.started)); active {
		drawBlock(p.img, phase)
	}
	return frame.FromImage(p.seq, p.img, now, 80)
}

// motionPhase reports whether elapsed falls inside a motion window and how
// far into it, from 0 to 1
func (p *TestPattern) motionPhase(elapsed time.Duration) (float64, bool) {
	if p.opts.MotionEvery <= 0 {
		return 0, false
	}
	into := elapsed % p.opts.MotionEvery
	start := p.opts.MotionEvery - p.opts.MotionFor
	if start < 0 {
		start = 0
	}
	if into < start {
		return 0, false
	}
	return float64(into-start) / float64(p.opts.MotionFor), true
}

func drawGradient(img *image.Gray) {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		v := uint8(60 + 80*(y-b.Min.Y)/max(b.Dy(), 1))
		row := img.Pix[(y-b.Min.Y)*img.Stride : (y-b.Min.Y)*img.Stride+b.Dx()]
		for i := range row {
			row[i] = v
		}
	}
}

// drawBlock paints a bright square whose position follows phase left to right
func drawBlock(img *image.Gray, phase float64) {
	b := img.Bounds()
	side := max(b.Dy()/4, 4)
	x0 := b.Min.X + int(phase*float64(b.Dx()-side))
	y0 := b.Min.Y + (b.Dy()-side)/2
	c := color.Gray{Y: 250}
	for y := y0; y < y0+side; y++ {
		for x := x0; x < x0+side; x++ {
			img.SetGray(x, y, c)
		}
	}
}
