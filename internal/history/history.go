// Package history provides a WAL-mode SQLite-backed chat history store
// for the demo chat server. Messages are persisted on Append and
// replayed (newest N, oldest first) to newly connected users.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so that the
// event-handler goroutine appending messages and the connection
// handlers reading recent history can proceed without blocking each
// other.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// ddl is the idempotent schema.
const ddl = `
CREATE TABLE IF NOT EXISTS messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	uid        TEXT NOT NULL,
	body       TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages (created_at);
`

// Message is one stored chat message.
type Message struct {
	ID        int64
	UID       string
	Body      string
	CreatedAt time.Time
}

// Store is a WAL-mode SQLite-backed chat history. It is safe for
// concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path, enables WAL
// journal mode, and applies the schema. ":memory:" is suitable for
// tests but loses all data when closed.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time. Limiting the pool to a
	// single connection avoids "database is locked" errors when
	// concurrent handlers call Append; each call serialises through
	// this connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Append persists one message and returns its id.
func (s *Store) Append(ctx context.Context, uid, body string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (uid, body, created_at) VALUES (?, ?, ?)`,
		uid, body, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("history: append: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("history: append id: %w", err)
	}
	return id, nil
}

// Recent returns the newest n messages in chronological (oldest-first)
// order.
func (s *Store) Recent(ctx context.Context, n int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, uid, body, created_at
		FROM (
			SELECT id, uid, body, created_at
			FROM messages ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, n)
	if err != nil {
		return nil, fmt.Errorf("history: recent: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var createdMS int64
		if err := rows.Scan(&m.ID, &m.UID, &m.Body, &createdMS); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		m.CreatedAt = time.UnixMilli(createdMS)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: rows: %w", err)
	}
	return out, nil
}

// Count returns the number of stored messages.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("history: count: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }
