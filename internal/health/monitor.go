package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"vigil/internal/events"
)

// Status is the liveness verdict reported to clients
type Status string

const (
	StatusHealthy   Status = "Healthy"
	StatusUnhealthy Status = "Unhealthy"
	StatusStopped   Status = "Stopped"
)

// FrameAger reports the time since the last published frame, negative if none yet
type FrameAger interface {
	LastFrameAge() time.Duration
}

// Config controls polling
type Config struct {
	MaxFrameAge   time.Duration
	CheckInterval time.Duration
	MaxFailures   int
}

// Report is published on every status change
type Report struct {
	Status   Status        `json:"status"`
	FrameAge time.Duration `json:"frameAge"`
	Failures int           `json:"failures"`
}

// Monitor polls frame liveness and asks for a restart after MaxFailures
// consecutive stale checks
type Monitor struct {
	cfg       Config
	source    FrameAger
	onRestart func(reason string)
	bus       *events.Bus
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	status    Status
	failures  int
	startedAt time.Time
}

// NewMonitor creates a stopped monitor. onRestart is called from the monitor
// goroutine; bus may be nil.
func NewMonitor(cfg Config, source FrameAger, onRestart func(reason string), bus *events.Bus) *Monitor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	if cfg.MaxFrameAge <= 0 {
		cfg.MaxFrameAge = 10 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	return &Monitor{
		cfg:       cfg,
		source:    source,
		onRestart: onRestart,
		bus:       bus,
		logger:    slog.With("component", "HealthMonitor"),
		now:       time.Now,
		status:    StatusStopped,
	}
}

// Run checks on every interval until ctx is done, then reports Stopped
func (m *Monitor) Run(ctx context.Context) {
	m.mu.Lock()
	m.startedAt = m.now()
	m.failures = 0
	m.mu.Unlock()
	m.setStatus(StatusHealthy, 0)

	m.logger.Info("health monitor started",
		"interval", m.cfg.CheckInterval,
		"max_frame_age", m.cfg.MaxFrameAge,
		"max_failures", m.cfg.MaxFailures)

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.setStatus(StatusStopped, 0)
			m.logger.Info("health monitor stopped")
			return
		case <-ticker.C:
			m.Check()
		}
	}
}

// Check runs one liveness check and returns the resulting status. Before the
// first frame the age counts from when the monitor started.
func (m *Monitor) Check() Status {
	age := m.source.LastFrameAge()

	m.mu.Lock()
	if age < 0 {
		age = m.now().Sub(m.startedAt)
	}
	if age <= m.cfg.MaxFrameAge {
		recovered := m.failures > 0
		m.failures = 0
		m.mu.Unlock()
		if recovered {
			m.logger.Info("frames flowing again", "age", age)
		}
		m.setStatus(StatusHealthy, 0)
		return StatusHealthy
	}

	m.failures++
	failures := m.failures
	trigger := failures >= m.cfg.MaxFailures
	if trigger {
		m.failures = 0
	}
	m.mu.Unlock()

	m.logger.Warn("no recent frame", "age", age.Round(time.Millisecond), "failures", failures)
	m.setStatus(StatusUnhealthy, failures)

	if trigger {
		m.logger.Error("pipeline stalled, requesting restart", "failures", failures)
		if m.onRestart != nil {
			m.onRestart("no frame for " + age.Round(time.Second).String())
		}
	}
	return StatusUnhealthy
}

// Status returns the current verdict
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Monitor) setStatus(s Status, failures int) {
	m.mu.Lock()
	changed := m.status != s
	m.status = s
	m.mu.Unlock()

	if changed {
		m.bus.Publish(events.New(events.TypeHealth, Report{
			Status:   s,
			FrameAge: m.source.LastFrameAge(),
			Failures: failures,
		}))
	}
}
