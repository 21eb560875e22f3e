package server

import (
	"context"
	"errors"
	"net/http"
	"testing"
)

// fakePinger is a test double for the Pinger interface.
type fakePinger struct {
	// name is returned by Name().
	name string
	// err is returned by Ping(); nil means healthy.
	err error
}

func (f *fakePinger) Name() string                 { return f.name }
func (f *fakePinger) Ping(_ context.Context) error { return f.err }

// ---------------------------------------------------------------------------
// GET /api/health (liveness)
// ---------------------------------------------------------------------------

func Test_HandleHealth_Empty(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(t)

	w := doJSON(t, s.handleHealth, http.MethodGet, "/api/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("want 200, got %d (body: %s)", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: want application/json, got %q", ct)
	}

	var resp healthResponse
	decodeBody(t, w, &resp)

	if resp.Status != "healthy" {
		t.Errorf("status: want healthy, got %q", resp.Status)
	}
	if resp.TotalChunks != 0 || resp.TotalDocuments != 0 || resp.ActiveConversations != 0 {
		t.Errorf("empty server must report zero counts, got %+v", resp)
	}
	if resp.EmbeddingProvider != "" {
		t.Errorf("embedding_provider must be empty while unconfigured, got %q", resp.EmbeddingProvider)
	}
	if resp.EmbeddingLocked {
		t.Error("embedding_locked must be false while empty")
	}
}

func Test_HandleHealth_ReflectsState(t *testing.T) {
	t.Parallel()
	s, _, idx := newTestServer(t)

	if _, err := idx.SetEmbeddingProvider(t.Context(), "ollama", "nomic-embed-text"); err != nil {
		t.Fatalf("configure: %v", err)
	}
	up := doJSON(t, s.handleUpload, http.MethodPost, "/api/documents", uploadRequest{
		DocName: "one.md",
		Text:    "short document",
	})
	if up.Code != http.StatusOK {
		t.Fatalf("upload: want 200, got %d", up.Code)
	}

	w := doJSON(t, s.handleHealth, http.MethodGet, "/api/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", w.Code)
	}

	var resp healthResponse
	decodeBody(t, w, &resp)

	if resp.TotalChunks != 1 {
		t.Errorf("total_chunks: want 1, got %d", resp.TotalChunks)
	}
	if resp.TotalDocuments != 1 {
		t.Errorf("total_documents: want 1, got %d", resp.TotalDocuments)
	}
	if resp.EmbeddingProvider != "ollama" {
		t.Errorf("embedding_provider: want ollama, got %q", resp.EmbeddingProvider)
	}
	if !resp.EmbeddingLocked {
		t.Error("embedding_locked must be true once a chunk is stored")
	}
}

// ---------------------------------------------------------------------------
// GET /api/ready (readiness)
// ---------------------------------------------------------------------------

func Test_HandleReady_AllHealthy(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(t)
	s.pingers = []Pinger{
		&fakePinger{name: "postgres"},
		&fakePinger{name: "qdrant"},
	}

	w := doJSON(t, s.handleReady, http.MethodGet, "/api/ready", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("want 200, got %d (body: %s)", w.Code, w.Body.String())
	}

	var resp readyResponse
	decodeBody(t, w, &resp)

	if !resp.Ready {
		t.Error("ready must be true when all probes succeed")
	}
	if len(resp.Checks) != 2 {
		t.Fatalf("want 2 checks, got %d", len(resp.Checks))
	}
	for _, c := range resp.Checks {
		if !c.OK || c.Error != "" {
			t.Errorf("check %s: want ok with no error, got %+v", c.Name, c)
		}
	}
}

func Test_HandleReady_OneFailing(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(t)
	s.pingers = []Pinger{
		&fakePinger{name: "postgres"},
		&fakePinger{name: "qdrant", err: errors.New("connection refused")},
	}

	w := doJSON(t, s.handleReady, http.MethodGet, "/api/ready", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("want 503, got %d", w.Code)
	}

	var resp readyResponse
	decodeBody(t, w, &resp)

	if resp.Ready {
		t.Error("ready must be false when any probe fails")
	}
	var failing *readyCheck
	for i := range resp.Checks {
		if resp.Checks[i].Name == "qdrant" {
			failing = &resp.Checks[i]
		}
	}
	if failing == nil || failing.OK || failing.Error == "" {
		t.Errorf("qdrant check should carry the failure, got %+v", resp.Checks)
	}
}

func Test_HandleReady_NoPingers(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(t)

	w := doJSON(t, s.handleReady, http.MethodGet, "/api/ready", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("liveness-only mode must return 200, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Pinger adapters
// ---------------------------------------------------------------------------

// fakePingable fakes a backend exposing Ping.
type fakePingable struct {
	err error
}

func (f *fakePingable) Ping(_ context.Context) error { return f.err }

func Test_BackendPinger_WrapsFailure(t *testing.T) {
	t.Parallel()

	p := NewBackendPinger(&fakePingable{err: errors.New("dial tcp: refused")}, "postgres")

	if p.Name() != "postgres" {
		t.Errorf("name: want postgres, got %q", p.Name())
	}
	err := p.Ping(t.Context())
	if err == nil {
		t.Fatal("want error, got nil")
	}
	if got := err.Error(); got != "postgres ping failed: dial tcp: refused" {
		t.Errorf("unexpected error message %q", got)
	}
}

func Test_BackendPinger_Healthy(t *testing.T) {
	t.Parallel()

	p := NewBackendPinger(&fakePingable{}, "snapshot")
	if err := p.Ping(t.Context()); err != nil {
		t.Errorf("want nil, got %v", err)
	}
}
