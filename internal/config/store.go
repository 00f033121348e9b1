package config

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Store holds the active configuration behind an atomic pointer. Readers get an
// immutable snapshot; Reload builds a fresh Config and swaps it in whole.
type Store struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[Config]

	mu        sync.Mutex
	listeners []func(Config)
	loader    func(string) (Config, error)
}

func NewStore(log *slog.Logger, path string, initial Config) *Store {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{
		path:   path,
		logger: log.With(slog.String("component", "config")),
		loader: Load,
	}
	s.current.Store(&initial)
	return s
}

// Current returns the active snapshot. Callers must not mutate it.
func (s *Store) Current() *Config {
	return s.current.Load()
}

// OnReload registers fn to run after every successful reload.
func (s *Store) OnReload(fn func(Config)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Reload re-reads the config file. On error the previous snapshot stays active.
func (s *Store) Reload() (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.loader(s.path)
	if err != nil {
		s.logger.Warn("config reload failed", slog.String("path", s.path), slog.Any("error", err))
		return s.current.Load(), err
	}
	s.current.Store(&next)
	s.logger.Info("config reloaded", slog.String("path", s.path))
	for _, fn := range s.listeners {
		fn(next)
	}
	return &next, nil
}
