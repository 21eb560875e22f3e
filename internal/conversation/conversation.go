// Package conversation defines multi-turn conversation state and its
// persistence. Conversations live in Postgres when available, with a local
// SQLite snapshot as the fallback path; DualStore ties the two together.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a conversation ID is unknown.
	ErrNotFound = errors.New("conversation: not found")

	// ErrPersistenceDegraded wraps a primary-store failure that the
	// snapshot store absorbed. The user-visible operation still succeeded.
	ErrPersistenceDegraded = errors.New("conversation: primary store degraded")
)

// RewriteDisabled is the sentinel rewrite provider value that turns off
// query rewriting for a conversation.
const RewriteDisabled = "disabled"

// Role identifies the author of a conversation message.
type Role string

const (
	// RoleUser is a message sent by the end user.
	RoleUser Role = "user"
	// RoleAssistant is a message produced by the model.
	RoleAssistant Role = "assistant"
)

// Message is a single turn in a conversation.
type Message struct {
	// Role is the author of the message.
	Role Role `json:"role"`
	// Content is the text of the message.
	Content string `json:"content"`
	// Timestamp is when the message was appended.
	Timestamp time.Time `json:"timestamp"`
}

// LLMSettings selects the providers and models driving a conversation.
// Unknown-but-valid JSON fields round-trip through Extra so settings
// written by a newer build survive being loaded and saved by this one.
type LLMSettings struct {
	// AnswerProvider is the backend tag used for answer generation.
	AnswerProvider string

	// AnswerModel is the model used for answer generation.
	AnswerModel string

	// RewriteProvider is the backend tag used for query rewriting, or
	// RewriteDisabled to turn rewriting off.
	RewriteProvider string

	// RewriteModel optionally overrides the model for rewriting.
	RewriteModel string

	// EndpointURL optionally overrides the provider endpoint.
	EndpointURL string

	// Extra holds fields this build does not know about.
	Extra map[string]json.RawMessage
}

// Disabled reports whether query rewriting is turned off.
func (s LLMSettings) Disabled() bool {
	return s.RewriteProvider == RewriteDisabled
}

// MarshalJSON emits the known fields plus every Extra field.
func (s LLMSettings) MarshalJSON() ([]byte, error) {
	m := make(map[string]json.RawMessage, len(s.Extra)+5)
	for k, v := range s.Extra {
		m[k] = v
	}
	set := func(key, val string) error {
		if val == "" {
			return nil
		}
		raw, err := json.Marshal(val)
		if err != nil {
			return err
		}
		m[key] = raw
		return nil
	}
	if err := set("answer_provider", s.AnswerProvider); err != nil {
		return nil, err
	}
	if err := set("answer_model", s.AnswerModel); err != nil {
		return nil, err
	}
	if err := set("rewrite_provider", s.RewriteProvider); err != nil {
		return nil, err
	}
	if err := set("rewrite_model", s.RewriteModel); err != nil {
		return nil, err
	}
	if err := set("endpoint_url", s.EndpointURL); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// UnmarshalJSON fills the known fields and keeps the rest in Extra.
func (s *LLMSettings) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	take := func(key string, dst *string) error {
		raw, ok := m[key]
		if !ok {
			return nil
		}
		delete(m, key)
		return json.Unmarshal(raw, dst)
	}
	if err := take("answer_provider", &s.AnswerProvider); err != nil {
		return err
	}
	if err := take("answer_model", &s.AnswerModel); err != nil {
		return err
	}
	if err := take("rewrite_provider", &s.RewriteProvider); err != nil {
		return err
	}
	if err := take("rewrite_model", &s.RewriteModel); err != nil {
		return err
	}
	if err := take("endpoint_url", &s.EndpointURL); err != nil {
		return err
	}
	if len(m) > 0 {
		s.Extra = m
	} else {
		s.Extra = nil
	}
	return nil
}

// Conversation is one multi-turn exchange with its settings.
type Conversation struct {
	// ID is the conversation identifier.
	ID string `json:"id"`

	// Title is derived from the first user message and set once.
	Title string `json:"title"`

	// CreatedAt is when the conversation was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt moves forward on every appended message.
	UpdatedAt time.Time `json:"updated_at"`

	// Messages are the turns in append order.
	Messages []Message `json:"messages"`

	// Settings are the last-used LLM settings for this conversation.
	Settings LLMSettings `json:"settings"`
}

// Store persists conversations. Implementations must be safe for
// concurrent use.
type Store interface {
	// SaveConversation writes the full conversation, replacing any
	// previous state under the same ID.
	SaveConversation(ctx context.Context, c *Conversation) error

	// GetConversation returns the conversation or ErrNotFound.
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// LoadAll returns every stored conversation keyed by ID.
	LoadAll(ctx context.Context) (map[string]*Conversation, error)

	// DeleteConversation removes one conversation. Unknown IDs are a no-op.
	DeleteConversation(ctx context.Context, id string) error

	// DeleteAll removes every conversation.
	DeleteAll(ctx context.Context) error

	// Ping reports backend reachability.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
