package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// DualStore writes through to a primary store and a local snapshot.
// Reads prefer the primary and fall back to the snapshot when the primary
// errors. A primary write failure degrades rather than failing the
// operation: the snapshot is still written, the failure is logged, and the
// returned error wraps ErrPersistenceDegraded so callers can carry on.
//
// Primary may be nil, in which case the snapshot serves everything.
type DualStore struct {
	primary  Store
	snapshot Store
	logger   *slog.Logger
}

// NewDualStore builds a DualStore. Snapshot must not be nil.
func NewDualStore(primary, snapshot Store, logger *slog.Logger) *DualStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &DualStore{primary: primary, snapshot: snapshot, logger: logger}
}

// SaveConversation writes to the primary, then always refreshes the
// snapshot. Only a snapshot failure (with no healthy primary write) fails
// the save outright.
func (s *DualStore) SaveConversation(ctx context.Context, c *Conversation) error {
	var primaryErr error
	if s.primary != nil {
		if primaryErr = s.primary.SaveConversation(ctx, c); primaryErr != nil {
			s.logger.Warn("primary conversation store write failed, continuing on snapshot",
				"conversation_id", c.ID, "error", primaryErr)
		}
	}

	snapErr := s.snapshot.SaveConversation(ctx, c)
	if snapErr != nil && primaryErr != nil {
		return fmt.Errorf("conversation: both stores failed: primary: %v: %w", primaryErr, snapErr)
	}
	if snapErr != nil && s.primary == nil {
		return snapErr
	}
	if snapErr != nil {
		s.logger.Warn("snapshot conversation store write failed",
			"conversation_id", c.ID, "error", snapErr)
		return nil
	}
	if primaryErr != nil {
		return fmt.Errorf("%w: %w", ErrPersistenceDegraded, primaryErr)
	}
	return nil
}

// GetConversation reads from the primary, falling back to the snapshot
// when the primary errors. A clean not-found from a healthy primary is
// trusted and not masked by stale snapshot data.
func (s *DualStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	if s.primary == nil {
		return s.snapshot.GetConversation(ctx, id)
	}
	c, err := s.primary.GetConversation(ctx, id)
	if err == nil || errors.Is(err, ErrNotFound) {
		return c, err
	}
	s.logger.Warn("primary conversation store read failed, falling back to snapshot",
		"conversation_id", id, "error", err)
	return s.snapshot.GetConversation(ctx, id)
}

// LoadAll reads from the primary, falling back to the snapshot on error.
func (s *DualStore) LoadAll(ctx context.Context) (map[string]*Conversation, error) {
	if s.primary == nil {
		return s.snapshot.LoadAll(ctx)
	}
	all, err := s.primary.LoadAll(ctx)
	if err == nil {
		return all, nil
	}
	s.logger.Warn("primary conversation store load failed, falling back to snapshot", "error", err)
	return s.snapshot.LoadAll(ctx)
}

// DeleteConversation removes the conversation from both stores.
func (s *DualStore) DeleteConversation(ctx context.Context, id string) error {
	var primaryErr error
	if s.primary != nil {
		primaryErr = s.primary.DeleteConversation(ctx, id)
	}
	if err := s.snapshot.DeleteConversation(ctx, id); err != nil {
		return err
	}
	if primaryErr != nil {
		return fmt.Errorf("%w: %w", ErrPersistenceDegraded, primaryErr)
	}
	return nil
}

// DeleteAll removes every conversation from both stores.
func (s *DualStore) DeleteAll(ctx context.Context) error {
	var primaryErr error
	if s.primary != nil {
		primaryErr = s.primary.DeleteAll(ctx)
	}
	if err := s.snapshot.DeleteAll(ctx); err != nil {
		return err
	}
	if primaryErr != nil {
		return fmt.Errorf("%w: %w", ErrPersistenceDegraded, primaryErr)
	}
	return nil
}

// Ping reports reachability of the primary when present, else the snapshot.
func (s *DualStore) Ping(ctx context.Context) error {
	if s.primary != nil {
		return s.primary.Ping(ctx)
	}
	return s.snapshot.Ping(ctx)
}

// Close closes both stores, returning the first error.
func (s *DualStore) Close() error {
	var firstErr error
	if s.primary != nil {
		firstErr = s.primary.Close()
	}
	if err := s.snapshot.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
