package server

import (
	"net/http"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// GET /api/config/embedding
// ---------------------------------------------------------------------------

func Test_HandleGetEmbeddingConfig_Unconfigured(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(t)

	w := doJSON(t, s.handleGetEmbeddingConfig, http.MethodGet, "/api/config/embedding", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", w.Code)
	}

	var resp embeddingConfigResponse
	decodeBody(t, w, &resp)

	if resp.Settings != nil {
		t.Errorf("settings must be null while unconfigured, got %+v", resp.Settings)
	}
	if resp.IsLocked {
		t.Error("an empty index must not be locked")
	}
}

func Test_HandleGetEmbeddingConfig_Configured(t *testing.T) {
	t.Parallel()
	s, _, idx := newTestServer(t)

	if _, err := idx.SetEmbeddingProvider(t.Context(), "ollama", "nomic-embed-text"); err != nil {
		t.Fatalf("configure: %v", err)
	}

	w := doJSON(t, s.handleGetEmbeddingConfig, http.MethodGet, "/api/config/embedding", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", w.Code)
	}

	var resp embeddingConfigResponse
	decodeBody(t, w, &resp)

	if resp.Settings == nil || resp.Settings.Provider != "ollama" {
		t.Errorf("settings: want ollama, got %+v", resp.Settings)
	}
	if resp.IsLocked {
		t.Error("configuration alone must not lock the index")
	}
}

// ---------------------------------------------------------------------------
// POST /api/config/embedding
// ---------------------------------------------------------------------------

func Test_HandleSetEmbeddingConfig_OK(t *testing.T) {
	t.Parallel()
	s, _, idx := newTestServer(t)

	w := doJSON(t, s.handleSetEmbeddingConfig, http.MethodPost, "/api/config/embedding", setEmbeddingRequest{
		Provider: "ollama",
		Model:    "nomic-embed-text",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("want 200, got %d (body: %s)", w.Code, w.Body.String())
	}

	var resp setEmbeddingResponse
	decodeBody(t, w, &resp)

	if !resp.Success {
		t.Error("success must be true")
	}
	if resp.Settings.Provider != "ollama" || resp.Settings.Model != "nomic-embed-text" {
		t.Errorf("settings: unexpected %+v", resp.Settings)
	}
	if !idx.configured {
		t.Error("index must be configured after the call")
	}
}

func Test_HandleSetEmbeddingConfig_Locked(t *testing.T) {
	t.Parallel()
	s, _, idx := newTestServer(t)
	idx.configured = true

	// Lock the index by uploading a document.
	up := doJSON(t, s.handleUpload, http.MethodPost, "/api/documents", uploadRequest{
		DocName: "one.md",
		Text:    "short document",
	})
	if up.Code != http.StatusOK {
		t.Fatalf("upload: want 200, got %d", up.Code)
	}

	w := doJSON(t, s.handleSetEmbeddingConfig, http.MethodPost, "/api/config/embedding", setEmbeddingRequest{
		Provider: "openai",
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("want 409, got %d", w.Code)
	}

	var resp errorResponse
	decodeBody(t, w, &resp)
	if !strings.Contains(resp.Detail, "reset the knowledge base") {
		t.Errorf("detail should direct the user to reset, got %q", resp.Detail)
	}
}

func Test_HandleSetEmbeddingConfig_MissingProvider(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(t)

	w := doJSON(t, s.handleSetEmbeddingConfig, http.MethodPost, "/api/config/embedding", setEmbeddingRequest{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// POST /api/config/test-connection
// ---------------------------------------------------------------------------

func Test_HandleTestConnection_UnknownProviderReportedInBody(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(t)

	w := doJSON(t, s.handleTestConnection, http.MethodPost, "/api/config/test-connection", testConnectionRequest{
		Provider: "no-such-backend",
	})

	// Probe failures are reported in the body, not as HTTP errors.
	if w.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", w.Code)
	}

	var resp testConnectionResponse
	decodeBody(t, w, &resp)

	if resp.Success {
		t.Error("success must be false for an unknown backend")
	}
	if !strings.Contains(resp.Message, "no-such-backend") {
		t.Errorf("message should name the backend, got %q", resp.Message)
	}
}

func Test_HandleTestConnection_MissingProvider(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(t)

	w := doJSON(t, s.handleTestConnection, http.MethodPost, "/api/config/test-connection", testConnectionRequest{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// POST /api/config/test-embedding
// ---------------------------------------------------------------------------

func Test_HandleTestEmbedding_UnknownProviderReportedInBody(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(t)

	w := doJSON(t, s.handleTestEmbedding, http.MethodPost, "/api/config/test-embedding", testConnectionRequest{
		Provider: "no-such-backend",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", w.Code)
	}

	var resp testConnectionResponse
	decodeBody(t, w, &resp)
	if resp.Success {
		t.Error("success must be false for an unknown backend")
	}
}
