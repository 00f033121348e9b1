package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS chat_messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages(session_id, id);
`

// SQLiteStore persists history so it survives restarts.
type SQLiteStore struct {
	db     *sql.DB
	rounds int
	logger *slog.Logger
	now    func() time.Time
}

func NewSQLiteStore(log *slog.Logger, dbPath string, rounds int) (*SQLiteStore, error) {
	if log == nil {
		log = slog.Default()
	}
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate memory schema: %w", err)
	}
	return &SQLiteStore{
		db:     db,
		rounds: rounds,
		logger: log.With(slog.String("component", "memory"), slog.String("backend", "sqlite")),
		now:    time.Now,
	}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, sessionID string, msgs ...Message) error {
	if strings.TrimSpace(sessionID) == "" {
		return ErrSessionRequired
	}
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	now := s.now().UTC()
	for _, m := range msgs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chat_messages (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
			sessionID, m.Role, m.Content, now,
		); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	if s.rounds > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM chat_messages WHERE session_id = ? AND id NOT IN (
				SELECT id FROM chat_messages WHERE session_id = ? ORDER BY id DESC LIMIT ?)`,
			sessionID, sessionID, s.rounds*2,
		); err != nil {
			return fmt.Errorf("trim history: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) History(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content FROM chat_messages WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return trimRounds(out, s.rounds), rows.Err()
}

func (s *SQLiteStore) Clear(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE session_id = ?`, sessionID)
	return err
}

func (s *SQLiteStore) ClearAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_messages`); err != nil {
		return err
	}
	s.logger.Info("all sessions cleared")
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
