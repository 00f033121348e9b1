package memory

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/memohai/chatgate/internal/kvstore"
)

// InMemoryStore keeps history in an expiring map; idle sessions vanish after ttl.
type InMemoryStore struct {
	items  *kvstore.Store[[]Message]
	rounds int
	ttl    time.Duration
	logger *slog.Logger
}

func NewInMemoryStore(log *slog.Logger, rounds int, ttl time.Duration, opts ...kvstore.Option) *InMemoryStore {
	if log == nil {
		log = slog.Default()
	}
	return &InMemoryStore{
		items:  kvstore.New[[]Message](ttl, opts...),
		rounds: rounds,
		ttl:    ttl,
		logger: log.With(slog.String("component", "memory")),
	}
}

func (s *InMemoryStore) Append(_ context.Context, sessionID string, msgs ...Message) error {
	if strings.TrimSpace(sessionID) == "" {
		return ErrSessionRequired
	}
	s.items.Update(sessionID, s.ttl, func(current []Message, _ bool) ([]Message, bool) {
		next := make([]Message, 0, len(current)+len(msgs))
		next = append(next, current...)
		next = append(next, msgs...)
		return trimRounds(next, s.rounds), true
	})
	return nil
}

func (s *InMemoryStore) History(_ context.Context, sessionID string) ([]Message, error) {
	msgs, ok := s.items.Get(sessionID)
	if !ok {
		return nil, nil
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *InMemoryStore) Clear(_ context.Context, sessionID string) error {
	s.items.Delete(sessionID)
	return nil
}

func (s *InMemoryStore) ClearAll(context.Context) error {
	s.items.Clear()
	s.logger.Info("all sessions cleared")
	return nil
}

// Sweeper exposes the backing map to the kvstore sweeper.
func (s *InMemoryStore) Sweeper() kvstore.Sweeper {
	return s.items
}
