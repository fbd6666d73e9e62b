package motion

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"vigil/internal/frame"
)

// ErrNoFrame is returned by Analyze for a nil image
var ErrNoFrame = errors.New("no frame to analyze")

// Config holds motion detection tuning
type Config struct {
	Threshold    float64           // squared distance, in variances, beyond which a pixel is foreground
	MinArea      int               // regions must be strictly larger than this to count
	LearningRate float64           // background adaptation rate in [0,1]
	Exclusions   []image.Rectangle // regions never reported as motion
}

// DefaultConfig returns sensible defaults for a 720p camera
func DefaultConfig() Config {
	return Config{
		Threshold:    16,
		MinArea:      500,
		LearningRate: 0.01,
	}
}

// Detection is the outcome of analyzing one frame
type Detection struct {
	Motion bool          `json:"motion"`
	Boxes  []BoundingBox `json:"boxes"`
}

// Detector classifies frames against an adaptive background model.
// The first frame seen only seeds the model.
type Detector struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	model     *backgroundModel
	mask      []uint8
	scratch   []uint8
	processed uint64

	lastMotion atomic.Int64 // unix nanos, 0 if never
}

// NewDetector creates a new motion detector
func NewDetector(cfg Config) *Detector {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultConfig().Threshold
	}
	if cfg.LearningRate < 0 {
		cfg.LearningRate = 0
	} else if cfg.LearningRate > 1 {
		cfg.LearningRate = 1
	}

	logger := slog.With("component", "MotionDetector")
	logger.Info("motion detector initialized",
		"threshold", cfg.Threshold,
		"min_area", cfg.MinArea,
		"learning_rate", cfg.LearningRate,
		"exclusions", len(cfg.Exclusions))

	return &Detector{cfg: cfg, logger: logger}
}

// Detect decodes and analyzes f. It never fails: a nil or undecodable frame,
// or any fault while analyzing, yields a no-motion Detection.
func (d *Detector) Detect(f *frame.Frame) Detection {
	if f == nil {
		return Detection{Boxes: []BoundingBox{}}
	}
	gray, err := f.Gray()
	if err != nil {
		d.logger.Warn("skipping undecodable frame", "seq", f.Seq, "error", err)
		return Detection{Boxes: []BoundingBox{}}
	}

	det, err := d.Analyze(gray)
	if err != nil {
		d.logger.Error("motion analysis failed", "seq", f.Seq, "error", err)
		return Detection{Boxes: []BoundingBox{}}
	}
	return det
}

// Analyze runs one background-subtraction step on a luminance image
func (d *Detector) Analyze(img *image.Gray) (det Detection, err error) {
	det.Boxes = []BoundingBox{}
	if img == nil {
		return det, ErrNoFrame
	}

	defer func() {
		if r := recover(); r != nil {
			det = Detection{Boxes: []BoundingBox{}}
			err = fmt.Errorf("panic during motion analysis: %v", r)
		}
	}()

	d.mu.Lock()
	defer d.mu.Unlock()

	// Pix rows are relative to Bounds().Min, so the model works in frame-local coordinates
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return det, fmt.Errorf("empty frame %dx%d", w, h)
	}

	if d.model == nil || d.model.width != w || d.model.height != h {
		if d.model != nil {
			d.logger.Warn("frame size changed, resetting background", "width", w, "height", h)
		}
		d.model = newBackgroundModel(w, h, d.cfg.Threshold)
		d.model.seed(img)
		d.mask = make([]uint8, w*h)
		d.scratch = make([]uint8, w*h)
		d.processed++
		return det, nil
	}

	d.model.apply(img, d.mask, float32(d.cfg.LearningRate))
	d.processed++

	closeOpen(d.mask, d.scratch, w, h)
	for _, r := range d.cfg.Exclusions {
		clearRect(d.mask, w, h, r)
	}

	det.Boxes = filterRegions(externalRegions(d.mask, w, h), d.cfg.MinArea)
	det.Motion = len(det.Boxes) > 0
	if det.Motion {
		d.lastMotion.Store(time.Now().UnixNano())
	}
	return det, nil
}

// LastMotion returns when motion was last detected, or the zero time
func (d *Detector) LastMotion() time.Time {
	ns := d.lastMotion.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Reset discards the background model; the next frame seeds a new one
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.model = nil
	d.mask = nil
	d.scratch = nil
}

func clearRect(mask []uint8, w, h int, r image.Rectangle) {
	r = r.Intersect(image.Rect(0, 0, w, h))
	for y := r.Min.Y; y < r.Max.Y; y++ {
		row := mask[y*w+r.Min.X : y*w+r.Max.X]
		for i := range row {
			row[i] = 0
		}
	}
}
