// Package memory keeps per-session chat history for the LLM plugin.
package memory

import (
	"context"
	"errors"
	"log/slog"

	"github.com/memohai/chatgate/internal/config"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var ErrSessionRequired = errors.New("session id is required")

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Store holds bounded conversation history keyed by session id.
type Store interface {
	// Append adds messages to the end of a session, dropping the oldest rounds
	// beyond the configured limit.
	Append(ctx context.Context, sessionID string, msgs ...Message) error
	History(ctx context.Context, sessionID string) ([]Message, error)
	Clear(ctx context.Context, sessionID string) error
	ClearAll(ctx context.Context) error
}

// NewFromConfig returns the SQLite store when memory.sqlite_path is set and the
// in-process store otherwise.
func NewFromConfig(log *slog.Logger, cfg config.Config) (Store, error) {
	rounds := cfg.Memory.MaxRounds
	if cfg.Memory.SQLitePath != "" {
		return NewSQLiteStore(log, cfg.Memory.SQLitePath, rounds)
	}
	return NewInMemoryStore(log, rounds, cfg.Session.TTL()), nil
}

// trimRounds keeps the newest rounds*2 messages; rounds <= 0 keeps everything.
func trimRounds(msgs []Message, rounds int) []Message {
	if rounds <= 0 {
		return msgs
	}
	if limit := rounds * 2; len(msgs) > limit {
		return msgs[len(msgs)-limit:]
	}
	return msgs
}
