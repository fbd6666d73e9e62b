package recorder

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"vigil/internal/database"
	"vigil/internal/events"
	"vigil/internal/frame"
	"vigil/internal/supervisor"
)

var (
	// ErrAlreadyRecording is returned by Start while a clip is open
	ErrAlreadyRecording = errors.New("recording already in progress")
	// ErrEmptyPrebuffer is returned by Start without any pre-roll frames
	ErrEmptyPrebuffer = errors.New("prebuffer is empty")
)

// State is the recorder lifecycle state
type State int

const (
	StateIdle State = iota
	StateRecording
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRecording:
		return "Recording"
	default:
		return "Unknown"
	}
}

// EventStore persists finalized clips
type EventStore interface {
	SaveEvent(event *database.EventRecord) error
}

// Config controls clip naming and post-roll length
type Config struct {
	FPS             int
	PostRollSeconds int
	OutputDir       string
	Extension       string // without dot, e.g. "mp4"
}

// Status is a point-in-time view of the recorder
type Status struct {
	State     string    `json:"state"`
	Path      string    `json:"path,omitempty"`
	StartedAt time.Time `json:"startedAt,omitempty"`
	Frames    int       `json:"frames,omitempty"`
}

type session struct {
	path      string
	sink      Sink
	startedAt time.Time
	countdown int
	frames    int
}

// Recorder turns motion into clips: pre-roll frames, live frames while motion
// lasts, then fps*post_roll quiet frames before the clip is finalized.
// Sink I/O is serialized by opMu; state readers only take mu.
type Recorder struct {
	cfg    Config
	open   OpenSinkFunc
	store  EventStore
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time

	opMu sync.Mutex

	mu      sync.Mutex
	state   State
	current *session
}

// New creates a recorder. store and bus may be nil.
func New(cfg Config, open OpenSinkFunc, store EventStore, bus *events.Bus) *Recorder {
	if cfg.Extension == "" {
		cfg.Extension = "mp4"
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 1
	}
	return &Recorder{
		cfg:    cfg,
		open:   open,
		store:  store,
		bus:    bus,
		logger: slog.With("component", "Recorder"),
		now:    time.Now,
	}
}

// PostRollFrames is the quiet countdown length in frames
func (r *Recorder) PostRollFrames() int {
	return r.cfg.FPS * r.cfg.PostRollSeconds
}

// Start opens a new clip and writes the pre-roll frames into it.
// On failure the recorder stays idle and no sink is left open.
func (r *Recorder) Start(prebuffer []BufferedFrame, size image.Point) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	if r.State() == StateRecording {
		r.logger.Warn("recording already in progress")
		return ErrAlreadyRecording
	}
	if len(prebuffer) == 0 {
		return ErrEmptyPrebuffer
	}

	if err := os.MkdirAll(r.cfg.OutputDir, 0o755); err != nil {
		return supervisor.Resource("create output directory", err)
	}
	startedAt := r.now()
	path := r.clipPath(startedAt)

	sink, err := r.open(path, size, r.cfg.FPS)
	if err != nil {
		r.logger.Error("failed to open video sink", "path", path, "error", err)
		return supervisor.Resource("open video sink", err)
	}

	s := &session{path: path, sink: sink, startedAt: startedAt, countdown: r.PostRollFrames()}
	for _, bf := range prebuffer {
		if err := r.write(s, bf.Frame); err != nil {
			_ = sink.Close()
			_ = os.Remove(path)
			return err
		}
	}

	r.mu.Lock()
	r.current = s
	r.state = StateRecording
	r.mu.Unlock()

	r.logger.Info("recording started", "path", path, "prebuffer", len(prebuffer))
	r.bus.Publish(events.New(events.TypeRecordingStarted, Status{
		State: StateRecording.String(), Path: path, StartedAt: startedAt, Frames: s.frames,
	}))
	return nil
}

// Frame appends a live frame to the open clip. Motion resets the post-roll
// countdown, a quiet frame decrements it, and at zero the clip is finalized
// and its event returned. Frames are ignored while idle.
func (r *Recorder) Frame(f *frame.Frame, motion bool) (*database.EventRecord, error) {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	s := r.current
	r.mu.Unlock()
	if s == nil {
		return nil, nil
	}

	if err := r.write(s, f); err != nil {
		r.logger.Error("video sink failed, stopping recording", "path", s.path, "error", err)
		r.forceStopLocked(s)
		return nil, err
	}

	if motion {
		s.countdown = r.PostRollFrames()
		return nil, nil
	}
	s.countdown--
	if s.countdown > 0 {
		return nil, nil
	}
	return r.finish(s)
}

// ForceStop closes any open clip without waiting for the post-roll. No event
// is stored for the partial file.
func (r *Recorder) ForceStop() {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	s := r.current
	r.mu.Unlock()
	if s == nil {
		return
	}
	r.logger.Warn("force stopping recording", "path", s.path)
	r.forceStopLocked(s)
}

// State returns the current lifecycle state
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// IsRecording reports whether a clip is open
func (r *Recorder) IsRecording() bool {
	return r.State() == StateRecording
}

// CurrentPath returns the path of the open clip, or "" while idle
func (r *Recorder) CurrentPath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return ""
	}
	return r.current.path
}

// Status returns the current state and clip details
func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{State: r.state.String()}
	if r.current != nil {
		st.Path = r.current.path
		st.StartedAt = r.current.startedAt
	}
	return st
}

// write sends one frame to the sink. Transient frame errors are logged and
// swallowed; only ErrSinkUnusable is returned.
func (r *Recorder) write(s *session, f *frame.Frame) error {
	if err := s.sink.WriteFrame(f); err != nil {
		if errors.Is(err, ErrSinkUnusable) {
			return err
		}
		r.logger.Warn("failed to write frame", "path", s.path, "error", err)
		return nil
	}
	s.frames++
	return nil
}

func (r *Recorder) finish(s *session) (*database.EventRecord, error) {
	closeErr := s.sink.Close()
	r.idle()

	duration := r.now().Sub(s.startedAt)
	if closeErr != nil {
		r.logger.Error("failed to close video sink", "path", s.path, "error", closeErr)
	}

	info, err := os.Stat(s.path)
	if err != nil {
		r.logger.Error("recording file missing after close, no event stored", "path", s.path, "error", err)
		return nil, nil
	}

	ev := database.NewEventRecord(s.path, info.Size(), s.startedAt)
	if r.store != nil {
		if err := r.store.SaveEvent(ev); err != nil {
			r.logger.Error("failed to store event", "path", s.path, "error", err)
			return ev, fmt.Errorf("failed to store event: %w", err)
		}
	}

	r.logger.Info("recording finished",
		"path", filepath.Base(s.path),
		"frames", s.frames,
		"size", info.Size(),
		"duration", duration.Round(100*time.Millisecond))
	r.bus.Publish(events.New(events.TypeRecordingFinished, ev))
	return ev, nil
}

func (r *Recorder) forceStopLocked(s *session) {
	if err := s.sink.Close(); err != nil {
		r.logger.Error("failed to close video sink", "path", s.path, "error", err)
	}
	r.idle()
}

func (r *Recorder) idle() {
	r.mu.Lock()
	r.current = nil
	r.state = StateIdle
	r.mu.Unlock()
}

// clipPath names a clip after its start time, adding a suffix if a clip
// from the same second already exists
func (r *Recorder) clipPath(t time.Time) string {
	base := "motion_" + t.Format("20060102_150405")
	path := filepath.Join(r.cfg.OutputDir, base+"."+r.cfg.Extension)
	for i := 2; ; i++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
		path = filepath.Join(r.cfg.OutputDir, fmt.Sprintf("%s_%d.%s", base, i, r.cfg.Extension))
	}
}
