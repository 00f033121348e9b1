package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// RetryPolicy configures outbound delivery retries. Backoff is fixed between attempts.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

const (
	defaultMaxRetries = 2
	defaultBackoff    = 5 * time.Second
)

func (p RetryPolicy) normalize() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.MaxRetries == 0 && p.Backoff == 0 {
		p.MaxRetries = defaultMaxRetries
	}
	if p.MaxRetries > defaultMaxRetries {
		p.MaxRetries = defaultMaxRetries
	}
	if p.Backoff <= 0 {
		p.Backoff = defaultBackoff
	}
	return p
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying, e.g. a platform rejecting the payload.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

func sendWithRetry(ctx context.Context, log *slog.Logger, sender Sender, target Target, reply Reply, policy RetryPolicy) error {
	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(policy.Backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("send outbound canceled: %w", ctx.Err())
			case <-timer.C:
			}
		}
		err := sender.Send(ctx, target, reply)
		if err == nil {
			return nil
		}
		lastErr = err
		if IsPermanent(err) || ctx.Err() != nil {
			return err
		}
		log.Warn("send outbound retry",
			slog.String("channel", target.Channel.String()),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err))
	}
	return fmt.Errorf("send outbound failed after retries: %w", lastErr)
}
