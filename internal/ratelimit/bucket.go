package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// Bucket is a non-blocking token bucket used to throttle outbound generation calls.
type Bucket struct {
	limiter *rate.Limiter
	now     func() time.Time
}

type Option func(*Bucket)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Bucket) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBucket returns a full bucket. capacity below 1 is raised to 1.
func NewBucket(capacity, ratePerSecond float64, opts ...Option) *Bucket {
	if capacity < 1 {
		capacity = 1
	}
	if ratePerSecond < 0 {
		ratePerSecond = 0
	}
	b := &Bucket{now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	b.limiter = rate.NewLimiter(rate.Limit(ratePerSecond), int(capacity))
	// Anchor the limiter's clock so a fake clock starts with a full bucket.
	b.limiter.SetLimitAt(b.now(), rate.Limit(ratePerSecond))
	return b
}

// PerMinute builds a bucket holding perMinute tokens that refills at perMinute/60 per second.
func PerMinute(perMinute int, opts ...Option) *Bucket {
	return NewBucket(float64(perMinute), float64(perMinute)/60.0, opts...)
}

// Acquire takes one token if available. It never waits; false means reject now.
func (b *Bucket) Acquire() bool {
	return b.limiter.AllowN(b.now(), 1)
}

// Tokens reports the current level.
func (b *Bucket) Tokens() float64 {
	return b.limiter.TokensAt(b.now())
}
