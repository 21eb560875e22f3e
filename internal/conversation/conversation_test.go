package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func Test_LLMSettings_RoundTripPreservesUnknownFields(t *testing.T) {
	t.Parallel()

	in := []byte(`{"answer_provider":"ollama","answer_model":"llama3","rewrite_provider":"disabled","top_p":0.9,"experimental":{"beam":2}}`)

	var s LLMSettings
	if err := json.Unmarshal(in, &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if s.AnswerProvider != "ollama" || s.AnswerModel != "llama3" {
		t.Errorf("known fields not decoded: %+v", s)
	}
	if !s.Disabled() {
		t.Error("rewrite_provider=disabled should report Disabled()")
	}
	if len(s.Extra) != 2 {
		t.Fatalf("extra fields = %v, want top_p and experimental", s.Extra)
	}

	out, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if string(m["top_p"]) != "0.9" {
		t.Errorf("top_p lost in round trip: %s", out)
	}
	if _, ok := m["experimental"]; !ok {
		t.Errorf("experimental lost in round trip: %s", out)
	}
	if string(m["rewrite_provider"]) != `"disabled"` {
		t.Errorf("rewrite_provider = %s", m["rewrite_provider"])
	}
	if _, ok := m["rewrite_model"]; ok {
		t.Error("empty rewrite_model should be omitted")
	}
}

func Test_LLMSettings_EmptyRoundTrip(t *testing.T) {
	t.Parallel()

	out, err := json.Marshal(LLMSettings{})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != "{}" {
		t.Errorf("empty settings = %s, want {}", out)
	}

	var s LLMSettings
	if err := json.Unmarshal([]byte("{}"), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if s.Extra != nil {
		t.Errorf("empty object should leave Extra nil, got %v", s.Extra)
	}
}

func sampleConversation(id string) *Conversation {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return &Conversation{
		ID:        id,
		Title:     "What is pgvector?",
		CreatedAt: now,
		UpdatedAt: now.Add(time.Minute),
		Messages: []Message{
			{Role: RoleUser, Content: "What is pgvector?", Timestamp: now},
			{Role: RoleAssistant, Content: "A Postgres extension for vectors.", Timestamp: now.Add(time.Minute)},
		},
		Settings: LLMSettings{AnswerProvider: "ollama", AnswerModel: "llama3", RewriteProvider: "ollama"},
	}
}

func Test_SnapshotStore_CRUD(t *testing.T) {
	t.Parallel()

	store, err := OpenSnapshot(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	if _, err := store.GetConversation(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	c := sampleConversation("c1")
	if err := store.SaveConversation(ctx, c); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != c.Title || len(got.Messages) != 2 {
		t.Errorf("round trip = %+v", got)
	}
	if got.Messages[1].Role != RoleAssistant {
		t.Errorf("message order lost: %+v", got.Messages)
	}

	// Save again with an extra message; the document is replaced.
	c.Messages = append(c.Messages, Message{Role: RoleUser, Content: "tell me more", Timestamp: time.Now().UTC()})
	if err := store.SaveConversation(ctx, c); err != nil {
		t.Fatalf("re-save: %v", err)
	}
	got, err = store.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("get after re-save: %v", err)
	}
	if len(got.Messages) != 3 {
		t.Errorf("message count after re-save = %d, want 3", len(got.Messages))
	}

	if err := store.SaveConversation(ctx, sampleConversation("c2")); err != nil {
		t.Fatalf("save c2: %v", err)
	}
	all, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("load all = %d conversations, want 2", len(all))
	}

	if err := store.DeleteConversation(ctx, "c1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetConversation(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted conversation still present: %v", err)
	}

	if err := store.DeleteAll(ctx); err != nil {
		t.Fatalf("delete all: %v", err)
	}
	all, err = store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("load all after delete all: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("store not empty after DeleteAll: %d left", len(all))
	}
}

// failingStore errors on everything, standing in for an unreachable
// primary backend.
type failingStore struct{}

var errDown = errors.New("connection refused")

func (failingStore) SaveConversation(context.Context, *Conversation) error { return errDown }
func (failingStore) GetConversation(context.Context, string) (*Conversation, error) {
	return nil, errDown
}
func (failingStore) LoadAll(context.Context) (map[string]*Conversation, error) {
	return nil, errDown
}
func (failingStore) DeleteConversation(context.Context, string) error { return errDown }
func (failingStore) DeleteAll(context.Context) error                  { return errDown }
func (failingStore) Ping(context.Context) error                       { return errDown }
func (failingStore) Close() error                                     { return nil }

func Test_DualStore_DegradesToSnapshot(t *testing.T) {
	t.Parallel()

	snapshot, err := OpenSnapshot(":memory:")
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	dual := NewDualStore(failingStore{}, snapshot, nil)
	defer dual.Close()
	ctx := context.Background()

	c := sampleConversation("c1")
	saveErr := dual.SaveConversation(ctx, c)
	if !errors.Is(saveErr, ErrPersistenceDegraded) {
		t.Fatalf("expected ErrPersistenceDegraded, got %v", saveErr)
	}

	// The conversation is still readable through the fallback path.
	got, err := dual.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("get via fallback: %v", err)
	}
	if got.ID != "c1" {
		t.Errorf("fallback returned %+v", got)
	}

	all, err := dual.LoadAll(ctx)
	if err != nil {
		t.Fatalf("load all via fallback: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("load all = %d, want 1", len(all))
	}
}

func Test_DualStore_HealthyPrimaryNotFoundIsTrusted(t *testing.T) {
	t.Parallel()

	primary, err := OpenSnapshot(":memory:")
	if err != nil {
		t.Fatalf("open primary: %v", err)
	}
	snapshot, err := OpenSnapshot(":memory:")
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	dual := NewDualStore(primary, snapshot, nil)
	defer dual.Close()
	ctx := context.Background()

	// Stale data only in the snapshot must not resurface.
	if err := snapshot.SaveConversation(ctx, sampleConversation("stale")); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}
	if _, err := dual.GetConversation(ctx, "stale"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound from healthy primary, got %v", err)
	}
}

func Test_DualStore_NilPrimaryUsesSnapshot(t *testing.T) {
	t.Parallel()

	snapshot, err := OpenSnapshot(":memory:")
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	dual := NewDualStore(nil, snapshot, nil)
	defer dual.Close()
	ctx := context.Background()

	if err := dual.SaveConversation(ctx, sampleConversation("c1")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := dual.GetConversation(ctx, "c1"); err != nil {
		t.Errorf("get: %v", err)
	}
	if err := dual.Ping(ctx); err != nil {
		t.Errorf("ping: %v", err)
	}
}
