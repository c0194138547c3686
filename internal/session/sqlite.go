package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/capitalize-ai/querystream/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL DEFAULT '',
	query      TEXT NOT NULL DEFAULT '[]',
	updated_at TEXT NOT NULL
)`

// SQLiteStore persists sessions in a SQLite database. The query array is
// stored as a JSON text column.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) a SQLite session database.
func OpenSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Get returns the session.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, query, updated_at FROM sessions WHERE id = ?", id)

	var (
		sess      model.Session
		rawQuery  string
		updatedAt string
	)
	err := row.Scan(&sess.ID, &sess.UserID, &rawQuery, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	if err := json.Unmarshal([]byte(rawQuery), &sess.Query); err != nil {
		return nil, fmt.Errorf("decode session query: %w", err)
	}
	sess.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

	return &sess, nil
}

// UpdateQuery upserts the session's persisted conversation.
func (s *SQLiteStore) UpdateQuery(ctx context.Context, id string, query []string) error {
	if query == nil {
		query = []string{}
	}
	raw, err := json.Marshal(query)
	if err != nil {
		return fmt.Errorf("encode session query: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, query, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET query = excluded.query, updated_at = excluded.updated_at`,
		id, string(raw), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("update session query: %w", err)
	}
	return nil
}

// CreateSession claims the session for userID unless it already has an owner.
func (s *SQLiteStore) CreateSession(ctx context.Context, id, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET user_id = excluded.user_id WHERE sessions.user_id = ''`,
		id, userID, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}
