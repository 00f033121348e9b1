package orchestrator

import (
	"context"
	"errors"
	"time"
)

// ErrPollTimeout is reported when a remote job does not settle within the poll budget.
var ErrPollTimeout = errors.New("timed out")

// PollResult is one observation of a remote job.
type PollResult struct {
	Status Status
	Data   []byte
	URL    string
	Err    error
}

// Done reports whether the job reached a terminal status.
func (r PollResult) Done() bool {
	return r.Status == StatusDone || r.Status == StatusFailed
}

// PollFunc checks the remote job once. Returning an error aborts polling.
type PollFunc func(ctx context.Context) (PollResult, error)

// Poll calls fn every interval until it reports Done or Failed. When timeout elapses
// first, it returns a Failed result carrying ErrPollTimeout.
func Poll(ctx context.Context, fn PollFunc, interval, timeout time.Duration) (PollResult, error) {
	if interval <= 0 {
		interval = time.Second
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		res, err := fn(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && timeout > 0 {
				return timedOut(), ErrPollTimeout
			}
			return PollResult{Status: StatusFailed, Err: err}, err
		}
		if res.Done() {
			return res, nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && timeout > 0 {
				return timedOut(), ErrPollTimeout
			}
			return PollResult{Status: StatusFailed, Err: ctx.Err()}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func timedOut() PollResult {
	return PollResult{Status: StatusFailed, Err: ErrPollTimeout}
}
