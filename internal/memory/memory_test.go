package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/chatgate/internal/kvstore"
)

func round(q, a string) []Message {
	return []Message{{Role: RoleUser, Content: q}, {Role: RoleAssistant, Content: a}}
}

func storeImplementations(t *testing.T, rounds int) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(nil, filepath.Join(t.TempDir(), "db", "memory.db"), rounds)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Store{
		"inmemory": NewInMemoryStore(nil, rounds, time.Hour),
		"sqlite":   sqlite,
	}
}

func TestStoreAppendAndTrim(t *testing.T) {
	t.Parallel()

	for name, s := range storeImplementations(t, 2) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Append(ctx, "u1", round("q1", "a1")...))
			require.NoError(t, s.Append(ctx, "u1", round("q2", "a2")...))
			require.NoError(t, s.Append(ctx, "u1", round("q3", "a3")...))
			require.NoError(t, s.Append(ctx, "u2", round("x", "y")...))

			got, err := s.History(ctx, "u1")
			require.NoError(t, err)
			assert.Equal(t, append(round("q2", "a2"), round("q3", "a3")...), got)

			other, err := s.History(ctx, "u2")
			require.NoError(t, err)
			assert.Len(t, other, 2)
		})
	}
}

func TestStoreClear(t *testing.T) {
	t.Parallel()

	for name, s := range storeImplementations(t, 10) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Append(ctx, "u1", round("q", "a")...))
			require.NoError(t, s.Append(ctx, "u2", round("q", "a")...))

			require.NoError(t, s.Clear(ctx, "u1"))
			got, err := s.History(ctx, "u1")
			require.NoError(t, err)
			assert.Empty(t, got)
			got, err = s.History(ctx, "u2")
			require.NoError(t, err)
			assert.Len(t, got, 2)

			require.NoError(t, s.ClearAll(ctx))
			got, err = s.History(ctx, "u2")
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestStoreRequiresSession(t *testing.T) {
	t.Parallel()

	for name, s := range storeImplementations(t, 1) {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, s.Append(context.Background(), " ", round("q", "a")...), ErrSessionRequired)
		})
	}
}

func TestInMemoryStoreExpires(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	s := NewInMemoryStore(nil, 5, time.Minute, kvstore.WithClock(func() time.Time { return now }))
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, "u1", round("q", "a")...))

	now = now.Add(2 * time.Minute)
	got, err := s.History(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestHistoryReturnsCopy(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore(nil, 5, time.Hour)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, "u1", round("q", "a")...))
	got, _ := s.History(ctx, "u1")
	got[0].Content = "mutated"
	again, _ := s.History(ctx, "u1")
	assert.Equal(t, "q", again[0].Content)
}
