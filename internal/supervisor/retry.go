package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ResourceError marks a failure to acquire a camera, video sink or socket.
// These are retried and then escalated to the Supervisor.
type ResourceError struct {
	Op  string
	Err error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}

// Resource wraps err as a ResourceError; nil stays nil
func Resource(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ResourceError{Op: op, Err: err}
}

// IsResource reports whether err is or wraps a ResourceError
func IsResource(err error) bool {
	var re *ResourceError
	return errors.As(err, &re)
}

// RetryPolicy bounds a retried operation
type RetryPolicy struct {
	Attempts int           // total tries, at least 1
	Delay    time.Duration // wait before the second try
	MaxDelay time.Duration // cap for the doubled delay; zero keeps it fixed
}

// DefaultRetryPolicy is used for camera init, server bind and video sink open
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Delay: time.Second, MaxDelay: 4 * time.Second}
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	if p.MaxDelay <= 0 {
		return p.Delay
	}
	delay := p.Delay * time.Duration(1<<uint(attempt-1))
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}
	return delay
}

// Retry runs fn until it succeeds, the attempts are used up, or ctx is done.
// The last error is returned wrapped with op.
func Retry(ctx context.Context, policy RetryPolicy, op string, fn func(ctx context.Context) error) error {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}

	var err error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if err = fn(ctx); err == nil {
			if attempt > 1 {
				slog.Info("operation succeeded after retry", "op", op, "attempt", attempt)
			}
			return nil
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == policy.Attempts {
			break
		}

		delay := policy.Backoff(attempt)
		slog.Warn("operation failed, retrying",
			"op", op,
			"attempt", attempt,
			"max_attempts", policy.Attempts,
			"delay", delay,
			"error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s: giving up after %d attempts: %w", op, policy.Attempts, err)
}
