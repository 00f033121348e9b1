package kvstore

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Store is a concurrency-safe map whose entries expire after a per-entry TTL.
// Expired entries are evicted lazily on access; Sweep only bounds memory.
type Store[V any] struct {
	mu         sync.Mutex
	items      map[string]entry[V]
	defaultTTL time.Duration
	now        func() time.Time
}

type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// New creates a store. defaultTTL applies when a call passes ttl <= 0.
func New[V any](defaultTTL time.Duration, opts ...Option) *Store[V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Store[V]{
		items:      map[string]entry[V]{},
		defaultTTL: defaultTTL,
		now:        o.now,
	}
}

func (s *Store[V]) ttl(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return s.defaultTTL
	}
	return ttl
}

// lookup returns the live entry for key, evicting it if expired. Caller holds mu.
func (s *Store[V]) lookup(key string, now time.Time) (entry[V], bool) {
	e, ok := s.items[key]
	if !ok {
		return e, false
	}
	if !now.Before(e.expiresAt) {
		delete(s.items, key)
		return entry[V]{}, false
	}
	return e, true
}

func (s *Store[V]) Set(key string, value V, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = entry[V]{value: value, expiresAt: s.now().Add(s.ttl(ttl))}
}

func (s *Store[V]) Get(key string) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key, s.now())
	return e.value, ok
}

func (s *Store[V]) Contains(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// SetIfAbsent stores value only when key has no live entry and reports whether it did.
// Check and insert happen under one lock, so concurrent callers with the same key
// see exactly one true.
func (s *Store[V]) SetIfAbsent(key string, value V, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if _, ok := s.lookup(key, now); ok {
		return false
	}
	s.items[key] = entry[V]{value: value, expiresAt: now.Add(s.ttl(ttl))}
	return true
}

// Update runs fn on the current value atomically. fn receives the value and whether
// it exists, and returns the new value and whether to keep it. A kept value gets a
// fresh TTL; a dropped one is deleted.
func (s *Store[V]) Update(key string, ttl time.Duration, fn func(current V, exists bool) (V, bool)) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	e, ok := s.lookup(key, now)
	next, keep := fn(e.value, ok)
	if !keep {
		delete(s.items, key)
		var zero V
		return zero, false
	}
	s.items[key] = entry[V]{value: next, expiresAt: now.Add(s.ttl(ttl))}
	return next, true
}

func (s *Store[V]) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
}

func (s *Store[V]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = map[string]entry[V]{}
}

// Len counts entries including ones that expired but were not yet evicted.
func (s *Store[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Sweep evicts every expired entry and returns how many were removed.
func (s *Store[V]) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for key, e := range s.items {
		if !now.Before(e.expiresAt) {
			delete(s.items, key)
			removed++
		}
	}
	return removed
}

// Sweeper is anything with a Sweep method; all Store instantiations qualify.
type Sweeper interface {
	Sweep() int
}

// StartSweeper schedules Sweep for each store on a cron spec such as "@every 10m".
// The returned stop func waits for a running sweep to finish.
func StartSweeper(log *slog.Logger, spec string, stores map[string]Sweeper) (func(), error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "kv_sweeper"))
	c := cron.New()
	for name, store := range stores {
		name, store := name, store
		if _, err := c.AddFunc(spec, func() {
			if n := store.Sweep(); n > 0 {
				log.Debug("swept expired entries", slog.String("store", name), slog.Int("removed", n))
			}
		}); err != nil {
			return nil, fmt.Errorf("schedule sweep %q: %w", spec, err)
		}
	}
	c.Start()
	return func() { <-c.Stop().Done() }, nil
}
