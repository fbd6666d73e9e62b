package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errCamera = errors.New("camera gone")

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{Attempts: 3, Delay: time.Millisecond}, "open camera",
		func(context.Context) error {
			calls++
			if calls < 3 {
				return Resource("open camera", errCamera)
			}
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryGivesUp(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{Attempts: 2, Delay: time.Millisecond}, "bind",
		func(context.Context) error {
			calls++
			return Resource("bind", errCamera)
		})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.ErrorIs(t, err, errCamera)
	assert.True(t, IsResource(err))
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, RetryPolicy{Attempts: 5, Delay: time.Hour}, "bind", func(context.Context) error {
		calls++
		cancel()
		return errCamera
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestBackoffIsCapped(t *testing.T) {
	p := RetryPolicy{Delay: time.Second, MaxDelay: 3 * time.Second}
	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 3*time.Second, p.Backoff(3))

	fixed := RetryPolicy{Delay: time.Second}
	assert.Equal(t, time.Second, fixed.Backoff(4))
}

func TestSupervisorExhaustsBudget(t *testing.T) {
	var runs atomic.Int32
	s := New(Config{MaxRestarts: 2, RestartDelay: time.Millisecond}, func(ctx context.Context, _ func(string)) error {
		runs.Add(1)
		return Resource("open camera", errCamera)
	})

	err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrRestartBudgetExhausted)
	assert.ErrorIs(t, err, errCamera)
	assert.Equal(t, int32(3), runs.Load())
	assert.Equal(t, 2, s.Restarts())
}

func TestSupervisorRestartsOnRequest(t *testing.T) {
	var runs atomic.Int32
	s := New(Config{MaxRestarts: 3, RestartDelay: time.Hour, QuickDelay: time.Millisecond},
		func(ctx context.Context, restart func(string)) error {
			if runs.Add(1) == 1 {
				restart("stalled")
				<-ctx.Done()
				return nil
			}
			return nil
		})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("requested restart should use the quick delay")
	}
	assert.Equal(t, int32(2), runs.Load())
}

func TestSupervisorCleanShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	s := New(Config{MaxRestarts: 1}, func(runCtx context.Context, _ func(string)) error {
		close(started)
		<-runCtx.Done()
		return runCtx.Err()
	})

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	<-started
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	assert.Zero(t, s.Restarts())
}

func TestTeardownOrderAndTimeout(t *testing.T) {
	var order []string
	td := NewTeardown()
	td.Add("camera", func() error { order = append(order, "camera"); return nil })
	td.Add("recorder", func() error { order = append(order, "recorder"); return errors.New("close failed") })
	td.Add("stuck", func() error { time.Sleep(time.Second); return nil })
	td.Add("servers", func() error { order = append(order, "servers"); return nil })

	failed := td.Run(50 * time.Millisecond)
	assert.Equal(t, []string{"recorder", "stuck"}, failed)
	assert.Equal(t, []string{"camera", "recorder", "servers"}, order)
}
