package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/avelsk/kbrag-go/internal/conversation"
)

// titleLength caps the auto-derived conversation title.
const titleLength = 50

// ConversationManager holds live conversation state with write-through
// persistence. Each conversation has its own lock so turns on one
// conversation apply in client order while different conversations
// proceed independently.
type ConversationManager struct {
	mu            sync.Mutex
	conversations map[string]*conversation.Conversation
	locks         map[string]*sync.Mutex

	store    conversation.Store
	defaults conversation.LLMSettings
	logger   *slog.Logger
}

// NewConversationManager builds a manager and warms it from the store.
func NewConversationManager(ctx context.Context, store conversation.Store, defaults conversation.LLMSettings, logger *slog.Logger) (*ConversationManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	all, err := store.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	return &ConversationManager{
		conversations: all,
		locks:         make(map[string]*sync.Mutex),
		store:         store,
		defaults:      defaults,
		logger:        logger,
	}, nil
}

// Lock returns the mutex serializing turns for one conversation.
func (m *ConversationManager) Lock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// Append adds one message, creating the conversation (with an auto-derived
// title) on first use, and writes the new state through to the store. A
// degraded primary store is logged but does not fail the append.
func (m *ConversationManager) Append(ctx context.Context, id string, role conversation.Role, content string, settings conversation.LLMSettings) error {
	m.mu.Lock()
	c, ok := m.conversations[id]
	now := time.Now().UTC()
	if !ok {
		c = &conversation.Conversation{
			ID:        id,
			Title:     deriveTitle(content),
			CreatedAt: now,
		}
		m.conversations[id] = c
	}
	c.Messages = append(c.Messages, conversation.Message{Role: role, Content: content, Timestamp: now})
	c.UpdatedAt = now
	c.Settings = settings
	snapshot := *c
	snapshot.Messages = append([]conversation.Message(nil), c.Messages...)
	m.mu.Unlock()

	err := m.store.SaveConversation(ctx, &snapshot)
	if errors.Is(err, conversation.ErrPersistenceDegraded) {
		m.logger.Warn("conversation persisted on fallback store only", "conversation_id", id, "error", err)
		return nil
	}
	return err
}

// History returns the trailing limit messages of the conversation, oldest
// first. A non-positive limit returns everything.
func (m *ConversationManager) History(id string, limit int) []conversation.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil
	}
	msgs := c.Messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]conversation.Message, len(msgs))
	copy(out, msgs)
	return out
}

// ResolveSettings picks the settings for a turn with field-wise precedence:
// explicit caller fields win, then the conversation's last-used settings,
// then process defaults. A request may override a single field, such as
// RewriteProvider, and inherit the rest.
func (m *ConversationManager) ResolveSettings(id string, explicit *conversation.LLMSettings) conversation.LLMSettings {
	m.mu.Lock()
	resolved := m.defaults
	if c, ok := m.conversations[id]; ok {
		resolved = overlaySettings(resolved, c.Settings)
	}
	m.mu.Unlock()

	if explicit != nil {
		resolved = overlaySettings(resolved, *explicit)
	}
	return resolved
}

// overlaySettings returns base with every non-empty field of over applied.
func overlaySettings(base, over conversation.LLMSettings) conversation.LLMSettings {
	if over.AnswerProvider != "" {
		base.AnswerProvider = over.AnswerProvider
	}
	if over.AnswerModel != "" {
		base.AnswerModel = over.AnswerModel
	}
	if over.RewriteProvider != "" {
		base.RewriteProvider = over.RewriteProvider
	}
	if over.RewriteModel != "" {
		base.RewriteModel = over.RewriteModel
	}
	if over.EndpointURL != "" {
		base.EndpointURL = over.EndpointURL
	}
	if len(over.Extra) > 0 {
		base.Extra = over.Extra
	}
	return base
}

// Get returns a copy of the conversation, or false when unknown.
func (m *ConversationManager) Get(id string) (conversation.Conversation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return conversation.Conversation{}, false
	}
	out := *c
	out.Messages = append([]conversation.Message(nil), c.Messages...)
	return out, true
}

// List returns a copy of every live conversation.
func (m *ConversationManager) List() []conversation.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]conversation.Conversation, 0, len(m.conversations))
	for _, c := range m.conversations {
		cp := *c
		cp.Messages = append([]conversation.Message(nil), c.Messages...)
		out = append(out, cp)
	}
	return out
}

// Delete removes one conversation from memory and the store. The lock
// entry stays in place: an in-flight turn still holds it, and dropping it
// would let a new turn on the same ID obtain a fresh mutex and interleave.
func (m *ConversationManager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.conversations, id)
	m.mu.Unlock()
	return m.store.DeleteConversation(ctx, id)
}

// ResetAll drops every conversation, in memory and in the store. Lock
// entries survive for the same reason they do in Delete.
func (m *ConversationManager) ResetAll(ctx context.Context) error {
	m.mu.Lock()
	m.conversations = make(map[string]*conversation.Conversation)
	m.mu.Unlock()
	return m.store.DeleteAll(ctx)
}

// ActiveCount returns the number of live conversations.
func (m *ConversationManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conversations)
}

// deriveTitle takes the first 50 characters of the first user message,
// with an ellipsis when truncated.
func deriveTitle(content string) string {
	runes := []rune(content)
	if len(runes) <= titleLength {
		return content
	}
	return string(runes[:titleLength]) + "..."
}
