package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

// SnapshotStore is the local SQLite fallback. Each conversation is stored
// as one JSON document, replaced wholesale on every save, so the snapshot
// always reflects the last successfully persisted state.
type SnapshotStore struct {
	db *sql.DB
}

// DefaultSnapshotPath returns the default path for the snapshot database,
// ~/.kbrag/conversations.db, creating the directory if needed.
func DefaultSnapshotPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("conversation: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".kbrag")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("conversation: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "conversations.db"), nil
}

// OpenSnapshot opens (or creates) a SnapshotStore at the given path and
// runs the schema migration. Use ":memory:" in tests.
func OpenSnapshot(path string) (*SnapshotStore, error) {
	// WAL mode improves concurrent read performance and is safe for single-host use.
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("conversation: open %s: %w", path, err)
	}
	// Limit to a single writer connection to avoid SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	s := &SnapshotStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SnapshotStore) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS conversations (
    id          TEXT PRIMARY KEY,
    data        TEXT    NOT NULL,  -- full conversation as JSON
    updated_at  INTEGER NOT NULL   -- Unix timestamp (seconds)
);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("conversation: migrate: %w", err)
	}
	return nil
}

// SaveConversation replaces the stored JSON document for c.ID.
func (s *SnapshotStore) SaveConversation(ctx context.Context, c *Conversation) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("conversation: encode %s: %w", c.ID, err)
	}
	const q = `INSERT INTO conversations (id, data, updated_at) VALUES (?, ?, ?)
	           ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, q, c.ID, string(data), time.Now().Unix()); err != nil {
		return fmt.Errorf("conversation: save %s: %w", c.ID, err)
	}
	return nil
}

// GetConversation returns the stored conversation or ErrNotFound.
func (s *SnapshotStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	const q = `SELECT data FROM conversations WHERE id = ?`
	var data string
	err := s.db.QueryRowContext(ctx, q, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("conversation: get %s: %w", id, err)
	}
	var c Conversation
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, fmt.Errorf("conversation: decode %s: %w", id, err)
	}
	return &c, nil
}

// LoadAll returns every stored conversation keyed by ID.
func (s *SnapshotStore) LoadAll(ctx context.Context) (map[string]*Conversation, error) {
	const q = `SELECT data FROM conversations`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("conversation: load all: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*Conversation)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("conversation: scan: %w", err)
		}
		var c Conversation
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return nil, fmt.Errorf("conversation: decode: %w", err)
		}
		out[c.ID] = &c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation: load all: %w", err)
	}
	return out, nil
}

// DeleteConversation removes one conversation; unknown IDs are a no-op.
func (s *SnapshotStore) DeleteConversation(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("conversation: delete %s: %w", id, err)
	}
	return nil
}

// DeleteAll removes every conversation.
func (s *SnapshotStore) DeleteAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations`); err != nil {
		return fmt.Errorf("conversation: delete all: %w", err)
	}
	return nil
}

// Ping reports database reachability.
func (s *SnapshotStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SnapshotStore) Close() error {
	return s.db.Close()
}
