package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/avelsk/kbrag-go/internal/conversation"
)

func newTestManager(t *testing.T) (*ConversationManager, *conversation.SnapshotStore) {
	t.Helper()
	store, err := conversation.OpenSnapshot(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	m, err := NewConversationManager(context.Background(), store, testDefaults(), nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m, store
}

func Test_Manager_OrderingAndLimit(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	ctx := context.Background()

	contents := []string{"q1", "a1", "q2", "a2", "q3", "a3"}
	for i, c := range contents {
		role := conversation.RoleUser
		if i%2 == 1 {
			role = conversation.RoleAssistant
		}
		if err := m.Append(ctx, "c1", role, c, testDefaults()); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	full := m.History("c1", len(contents))
	for i, msg := range full {
		if msg.Content != contents[i] {
			t.Errorf("message %d = %q, want %q", i, msg.Content, contents[i])
		}
	}

	tail := m.History("c1", 2)
	if len(tail) != 2 || tail[0].Content != "q3" || tail[1].Content != "a3" {
		t.Errorf("History(2) = %+v", tail)
	}

	if got := m.History("unknown", 5); got != nil {
		t.Errorf("unknown conversation history = %v", got)
	}
}

func Test_Manager_TitleFromFirstUserMessage(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	ctx := context.Background()

	long := strings.Repeat("z", 80)
	if err := m.Append(ctx, "c1", conversation.RoleUser, long, testDefaults()); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := m.Append(ctx, "c1", conversation.RoleAssistant, "short answer", testDefaults()); err != nil {
		t.Fatalf("append: %v", err)
	}

	c, ok := m.Get("c1")
	if !ok {
		t.Fatal("conversation missing")
	}
	if c.Title != strings.Repeat("z", 50)+"..." {
		t.Errorf("title = %q", c.Title)
	}

	// Title is set once; later messages never change it.
	if err := m.Append(ctx, "c1", conversation.RoleUser, "different", testDefaults()); err != nil {
		t.Fatalf("append: %v", err)
	}
	c, _ = m.Get("c1")
	if !strings.HasPrefix(c.Title, "zzz") {
		t.Errorf("title changed to %q", c.Title)
	}

	m2, _ := newTestManager(t)
	if err := m2.Append(ctx, "c2", conversation.RoleUser, "short question", testDefaults()); err != nil {
		t.Fatalf("append: %v", err)
	}
	c2, _ := m2.Get("c2")
	if c2.Title != "short question" {
		t.Errorf("short title = %q", c2.Title)
	}
}

func Test_Manager_WriteThroughAndWarmStart(t *testing.T) {
	t.Parallel()

	store, err := conversation.OpenSnapshot(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	m, err := NewConversationManager(ctx, store, testDefaults(), nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := m.Append(ctx, "c1", conversation.RoleUser, "hello", testDefaults()); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Every append reaches the store immediately.
	stored, err := store.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("get from store: %v", err)
	}
	if len(stored.Messages) != 1 || stored.Messages[0].Content != "hello" {
		t.Errorf("stored = %+v", stored.Messages)
	}

	// A fresh manager over the same store sees the conversation.
	m2, err := NewConversationManager(ctx, store, testDefaults(), nil)
	if err != nil {
		t.Fatalf("second manager: %v", err)
	}
	if m2.ActiveCount() != 1 {
		t.Errorf("warm start count = %d, want 1", m2.ActiveCount())
	}
}

func Test_Manager_ResolveSettings(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	ctx := context.Background()

	// No conversation yet: process defaults.
	got := m.ResolveSettings("c1", nil)
	if got.AnswerProvider != "ollama" {
		t.Errorf("defaults not applied: %+v", got)
	}

	// Explicit settings win over everything.
	explicit := conversation.LLMSettings{AnswerProvider: "openai", AnswerModel: "gpt-4o"}
	got = m.ResolveSettings("c1", &explicit)
	if got.AnswerProvider != "openai" {
		t.Errorf("explicit settings ignored: %+v", got)
	}

	// The conversation's last-used settings beat the defaults.
	if err := m.Append(ctx, "c1", conversation.RoleUser, "q", explicit); err != nil {
		t.Fatalf("append: %v", err)
	}
	got = m.ResolveSettings("c1", nil)
	if got.AnswerProvider != "openai" || got.AnswerModel != "gpt-4o" {
		t.Errorf("last-used settings not applied: %+v", got)
	}
}

func Test_Manager_ResolveSettings_PartialOverride(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	ctx := context.Background()

	// A request carrying only a rewrite override keeps the default
	// answer settings.
	explicit := conversation.LLMSettings{RewriteProvider: conversation.RewriteDisabled}
	got := m.ResolveSettings("c1", &explicit)
	if got.RewriteProvider != conversation.RewriteDisabled {
		t.Errorf("rewrite override ignored: %+v", got)
	}
	if got.AnswerProvider != "ollama" {
		t.Errorf("answer defaults lost: %+v", got)
	}

	// Same with a conversation carrying last-used settings.
	last := conversation.LLMSettings{AnswerProvider: "openai", AnswerModel: "gpt-4o"}
	if err := m.Append(ctx, "c1", conversation.RoleUser, "q", last); err != nil {
		t.Fatalf("append: %v", err)
	}
	got = m.ResolveSettings("c1", &explicit)
	if got.AnswerProvider != "openai" || got.AnswerModel != "gpt-4o" {
		t.Errorf("last-used answer settings lost: %+v", got)
	}
	if got.RewriteProvider != conversation.RewriteDisabled {
		t.Errorf("rewrite override ignored with history: %+v", got)
	}
}

func Test_Manager_DeleteAndResetAll(t *testing.T) {
	t.Parallel()

	m, store := newTestManager(t)
	ctx := context.Background()

	for _, id := range []string{"c1", "c2"} {
		if err := m.Append(ctx, id, conversation.RoleUser, "q", testDefaults()); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}

	if err := m.Delete(ctx, "c1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if m.ActiveCount() != 1 {
		t.Errorf("count after delete = %d", m.ActiveCount())
	}
	if _, err := store.GetConversation(ctx, "c1"); err == nil {
		t.Error("deleted conversation still in store")
	}

	if err := m.ResetAll(ctx); err != nil {
		t.Fatalf("reset all: %v", err)
	}
	if m.ActiveCount() != 0 {
		t.Errorf("count after reset = %d", m.ActiveCount())
	}
	all, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("store not empty after reset: %d", len(all))
	}
}

func Test_Manager_DeleteKeepsLockIdentity(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.Append(ctx, "c1", conversation.RoleUser, "q", testDefaults()); err != nil {
		t.Fatalf("append: %v", err)
	}

	// A turn in flight when the conversation is deleted must still
	// serialize against the next turn on the same ID.
	before := m.Lock("c1")
	before.Lock()

	if err := m.Delete(ctx, "c1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if after := m.Lock("c1"); after != before {
		t.Error("delete replaced the conversation mutex")
	}
	before.Unlock()

	if err := m.ResetAll(ctx); err != nil {
		t.Fatalf("reset all: %v", err)
	}
	if after := m.Lock("c1"); after != before {
		t.Error("reset replaced the conversation mutex")
	}
}
