package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"
)

// conversationRow is the bun model for the conversations table. Messages
// and settings are JSONB documents so schema changes in either never need
// a migration.
type conversationRow struct {
	bun.BaseModel `bun:"table:conversations,alias:c"`

	ID        string          `bun:"id,pk"`
	Title     string          `bun:"title,notnull"`
	CreatedAt time.Time       `bun:"created_at,notnull"`
	UpdatedAt time.Time       `bun:"updated_at,notnull"`
	Messages  json.RawMessage `bun:"messages,type:jsonb,notnull"`
	Settings  json.RawMessage `bun:"settings,type:jsonb,notnull"`
}

// PostgresStore is the primary conversation store.
type PostgresStore struct {
	db *bun.DB
}

// NewPostgresStore connects to dsn and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	db.AddQueryHook(bundebug.NewQueryHook(bundebug.FromEnv("BUNDEBUG")))

	if _, err := db.NewCreateTable().Model((*conversationRow)(nil)).IfNotExists().Exec(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("conversation: failed to create conversations table: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// SaveConversation upserts the full conversation row.
func (s *PostgresStore) SaveConversation(ctx context.Context, c *Conversation) error {
	row, err := toRow(c)
	if err != nil {
		return err
	}
	_, err = s.db.NewInsert().Model(row).On("CONFLICT (id) DO UPDATE").
		Set("title = EXCLUDED.title").
		Set("updated_at = EXCLUDED.updated_at").
		Set("messages = EXCLUDED.messages").
		Set("settings = EXCLUDED.settings").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("conversation: save %s: %w", c.ID, err)
	}
	return nil
}

// GetConversation returns the stored conversation or ErrNotFound.
func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var row conversationRow
	err := s.db.NewSelect().Model(&row).Where("c.id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("conversation: get %s: %w", id, err)
	}
	return fromRow(&row)
}

// LoadAll returns every stored conversation keyed by ID.
func (s *PostgresStore) LoadAll(ctx context.Context) (map[string]*Conversation, error) {
	var rows []conversationRow
	if err := s.db.NewSelect().Model(&rows).Scan(ctx); err != nil {
		return nil, fmt.Errorf("conversation: load all: %w", err)
	}
	out := make(map[string]*Conversation, len(rows))
	for i := range rows {
		c, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out[c.ID] = c
	}
	return out, nil
}

// DeleteConversation removes one conversation; unknown IDs are a no-op.
func (s *PostgresStore) DeleteConversation(ctx context.Context, id string) error {
	if _, err := s.db.NewDelete().Model((*conversationRow)(nil)).Where("id = ?", id).Exec(ctx); err != nil {
		return fmt.Errorf("conversation: delete %s: %w", id, err)
	}
	return nil
}

// DeleteAll removes every conversation.
func (s *PostgresStore) DeleteAll(ctx context.Context) error {
	if _, err := s.db.NewDelete().Model((*conversationRow)(nil)).Where("TRUE").Exec(ctx); err != nil {
		return fmt.Errorf("conversation: delete all: %w", err)
	}
	return nil
}

// Ping reports database reachability.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func toRow(c *Conversation) (*conversationRow, error) {
	msgs, err := json.Marshal(c.Messages)
	if err != nil {
		return nil, fmt.Errorf("conversation: encode messages for %s: %w", c.ID, err)
	}
	settings, err := json.Marshal(c.Settings)
	if err != nil {
		return nil, fmt.Errorf("conversation: encode settings for %s: %w", c.ID, err)
	}
	return &conversationRow{
		ID:        c.ID,
		Title:     c.Title,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
		Messages:  msgs,
		Settings:  settings,
	}, nil
}

func fromRow(row *conversationRow) (*Conversation, error) {
	c := &Conversation{
		ID:        row.ID,
		Title:     row.Title,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
	if err := json.Unmarshal(row.Messages, &c.Messages); err != nil {
		return nil, fmt.Errorf("conversation: decode messages for %s: %w", row.ID, err)
	}
	if err := json.Unmarshal(row.Settings, &c.Settings); err != nil {
		return nil, fmt.Errorf("conversation: decode settings for %s: %w", row.ID, err)
	}
	return c, nil
}
