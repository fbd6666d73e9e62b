package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrRestartBudgetExhausted is returned once the pipeline failed more than MaxRestarts times
var ErrRestartBudgetExhausted = errors.New("restart budget exhausted")

// RunFunc builds and runs one pipeline generation. It must return once ctx is
// done, after tearing down everything it owns. Calling restart cancels ctx and
// marks the exit as a monitor-requested restart.
type RunFunc func(ctx context.Context, restart func(reason string)) error

// Config bounds the restart loop
type Config struct {
	MaxRestarts  int
	RestartDelay time.Duration // wait after a failure
	QuickDelay   time.Duration // wait after a requested restart
	StableAfter  time.Duration // a run this long resets the restart count
}

// Supervisor owns the pipeline lifecycle and restarts it on failure
type Supervisor struct {
	cfg    Config
	run    RunFunc
	logger *slog.Logger

	mu       sync.Mutex
	restarts int
}

// New creates a supervisor around run
func New(cfg Config, run RunFunc) *Supervisor {
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = 5 * time.Second
	}
	if cfg.QuickDelay <= 0 {
		cfg.QuickDelay = 100 * time.Millisecond
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = 10 * time.Minute
	}
	return &Supervisor{
		cfg:    cfg,
		run:    run,
		logger: slog.With("component", "Supervisor"),
	}
}

// Run keeps the pipeline running until ctx is done (returns nil) or the
// restart budget is exhausted (returns ErrRestartBudgetExhausted)
func (s *Supervisor) Run(ctx context.Context) error {
	failures := 0
	for generation := 1; ; generation++ {
		runCtx, cancel := context.WithCancel(ctx)

		var (
			reqMu  sync.Mutex
			reason string
		)
		restart := func(r string) {
			reqMu.Lock()
			if reason == "" {
				reason = r
			}
			reqMu.Unlock()
			cancel()
		}

		s.logger.Info("starting pipeline", "generation", generation)
		started := time.Now()
		err := s.run(runCtx, restart)
		cancel()

		if ctx.Err() != nil {
			s.logger.Info("pipeline stopped on shutdown", "generation", generation)
			return nil
		}

		reqMu.Lock()
		requested := reason
		reqMu.Unlock()

		if err == nil && requested == "" {
			s.logger.Info("pipeline exited", "generation", generation)
			return nil
		}
		if time.Since(started) >= s.cfg.StableAfter {
			failures = 0
		}
		failures++

		delay := s.cfg.RestartDelay
		if requested != "" {
			delay = s.cfg.QuickDelay
			s.logger.Warn("pipeline restart requested", "reason", requested, "error", err)
		} else {
			s.logger.Error("pipeline failed", "error", err, "resource_fault", IsResource(err))
		}

		if failures > s.cfg.MaxRestarts {
			s.logger.Error("restart budget exhausted, giving up", "restarts", failures-1, "max_restarts", s.cfg.MaxRestarts)
			if err == nil {
				err = errors.New(requested)
			}
			return fmt.Errorf("%w: %w", ErrRestartBudgetExhausted, err)
		}

		s.mu.Lock()
		s.restarts++
		s.mu.Unlock()
		s.logger.Info("restarting pipeline", "delay", delay, "attempt", failures, "max_restarts", s.cfg.MaxRestarts)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

// Restarts returns how many times the pipeline was restarted
func (s *Supervisor) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// Teardown runs named shutdown steps in the order they were added, giving
// each a bounded time before moving on
type Teardown struct {
	steps  []teardownStep
	logger *slog.Logger
}

type teardownStep struct {
	name string
	fn   func() error
}

// NewTeardown creates an empty teardown sequence
func NewTeardown() *Teardown {
	return &Teardown{logger: slog.With("component", "Teardown")}
}

// Add appends a step
func (t *Teardown) Add(name string, fn func() error) {
	t.steps = append(t.steps, teardownStep{name: name, fn: fn})
}

// Run executes every step; a step that exceeds timeout is abandoned and
// failures are logged. It returns the names of steps that failed or timed out.
func (t *Teardown) Run(timeout time.Duration) []string {
	var failed []string
	for _, step := range t.steps {
		done := make(chan error, 1)
		go func() { done <- step.fn() }()

		select {
		case err := <-done:
			if err != nil {
				t.logger.Warn("teardown step failed", "step", step.name, "error", err)
				failed = append(failed, step.name)
			}
		case <-time.After(timeout):
			t.logger.Warn("teardown step timed out, abandoning", "step", step.name, "timeout", timeout)
			failed = append(failed, step.name)
		}
	}
	t.steps = nil
	return failed
}
