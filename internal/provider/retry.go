package provider

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const (
	// MaxRetries caps retries for transient failures.
	MaxRetries     = 2
	defaultBackoff = 5 * time.Second
)

// RetryPolicy configures Do. Attempts above MaxRetries are clamped.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
	Logger     *slog.Logger
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.MaxRetries > MaxRetries {
		p.MaxRetries = MaxRetries
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return p
}

// DefaultRetryPolicy retries twice with a fixed 5s pause.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: MaxRetries, Backoff: defaultBackoff}
}

// Do runs fn, retrying only errors matching ErrTransient with a fixed backoff.
func Do[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	policy = policy.normalized()
	var (
		zero    T
		lastErr error
	)
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			policy.Logger.Warn("retrying provider call", slog.Int("attempt", attempt+1), slog.Duration("backoff", policy.Backoff), slog.Any("error", lastErr))
			timer := time.NewTimer(policy.Backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !errors.Is(err, ErrTransient) || ctx.Err() != nil {
			return zero, err
		}
	}
	return zero, lastErr
}
