package plugins

import (
	"errors"
	"time"

	"github.com/memohai/chatgate/internal/kvstore"
)

var errNoAttachment = errors.New("message has no attachment")

// SessionState is the armed command of one user in one plugin.
type SessionState struct {
	Mode   string
	Quota  int
	Prompt string
	Search string
	Model  string
}

// Sessions stores per-user plugin state. Keys are "<mode>:<session id>" so each
// plugin keeps its own quota.
type Sessions struct {
	store *kvstore.Store[SessionState]
	ttl   time.Duration
}

func NewSessions(store *kvstore.Store[SessionState], ttl time.Duration) *Sessions {
	return &Sessions{store: store, ttl: ttl}
}

func sessionKey(mode, sessionID string) string {
	return mode + ":" + sessionID
}

// Arm grants one use of mode to the session.
func (s *Sessions) Arm(sessionID string, st SessionState) {
	st.Quota = 1
	s.store.Set(sessionKey(st.Mode, sessionID), st, s.ttl)
}

// Consume spends the quota atomically. Concurrent callers see at most one true.
func (s *Sessions) Consume(mode, sessionID string) (SessionState, bool) {
	var (
		spent SessionState
		ok    bool
	)
	s.store.Update(sessionKey(mode, sessionID), s.ttl, func(cur SessionState, exists bool) (SessionState, bool) {
		if !exists {
			return cur, false
		}
		if cur.Quota > 0 {
			spent, ok = cur, true
			cur.Quota = 0
		}
		return cur, true
	})
	return spent, ok
}

// Armed reports whether the session has quota left without spending it.
func (s *Sessions) Armed(mode, sessionID string) (SessionState, bool) {
	st, ok := s.store.Get(sessionKey(mode, sessionID))
	return st, ok && st.Quota > 0
}

// Reset drops every armed command of the session.
func (s *Sessions) Reset(sessionID string, modes ...string) {
	for _, mode := range modes {
		s.store.Delete(sessionKey(mode, sessionID))
	}
}

// ResetAll drops state for every session.
func (s *Sessions) ResetAll() {
	s.store.Clear()
}
