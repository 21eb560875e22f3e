package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/avelsk/kbrag-go/internal/chunker"
	"github.com/avelsk/kbrag-go/internal/conversation"
	"github.com/avelsk/kbrag-go/internal/embedder"
	"github.com/avelsk/kbrag-go/internal/engine"
	"github.com/avelsk/kbrag-go/internal/index"
	"github.com/avelsk/kbrag-go/internal/logging"
	"github.com/avelsk/kbrag-go/internal/provider"
)

// handleChat handles POST /api/chat. It runs one full RAG turn: rewrite,
// retrieve, answer, persist.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		writeError(w, r, http.StatusBadRequest, "message is required")
		return
	}

	start := time.Now()
	result, err := s.chatter.Chat(r.Context(), req.Message, req.ConversationID, req.Settings)
	elapsed := time.Since(start)

	if err != nil {
		outcome := "error"
		status := http.StatusInternalServerError
		detail := err.Error()
		switch {
		case errors.Is(err, index.ErrNotConfigured):
			outcome = "invalid_config"
			status = http.StatusBadRequest
			detail = "Please select an embedding provider before chatting"
		case errors.Is(err, engine.ErrRewriteFailed):
			outcome = "rewrite_failed"
		case errors.Is(err, conversation.ErrPersistenceDegraded):
			outcome = "persistence"
		}
		s.metrics.chatRequestsTotal.WithLabelValues(outcome).Inc()
		s.metrics.chatDurationSeconds.WithLabelValues(outcome).Observe(elapsed.Seconds())
		log.Error("chat turn failed",
			slog.String("conversation_id", req.ConversationID),
			slog.Any("error", err),
		)
		writeError(w, r, status, detail)
		return
	}

	s.metrics.chatRequestsTotal.WithLabelValues("ok").Inc()
	s.metrics.chatDurationSeconds.WithLabelValues("ok").Observe(elapsed.Seconds())

	writeJSON(w, r, http.StatusOK, chatResponse{
		Answer:         result.Answer,
		Sources:        result.Sources,
		ConversationID: result.ConversationID,
		RewrittenQuery: result.RewrittenQuery,
		Settings:       result.Settings,
	})
}

// handleUpload handles POST /api/documents. The document text is split into
// overlapping chunks, embedded in one batch, and added to the index.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	var req uploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DocName == "" {
		writeError(w, r, http.StatusBadRequest, "doc_name is required")
		return
	}
	if req.Text == "" {
		writeError(w, r, http.StatusBadRequest, "text is required")
		return
	}

	docID := uuid.NewString()
	chunks := chunker.Split(docID, req.DocName, req.Text, chunker.DefaultSize, chunker.DefaultOverlap)

	if err := s.index.AddDocuments(r.Context(), chunks); err != nil {
		if errors.Is(err, index.ErrNotConfigured) {
			writeError(w, r, http.StatusBadRequest, "Please select an embedding provider before uploading documents")
			return
		}
		log.Error("document upload failed",
			slog.String("doc_name", req.DocName),
			slog.Any("error", err),
		)
		writeError(w, r, http.StatusInternalServerError, fmt.Sprintf("Error processing document: %s", err))
		return
	}

	s.metrics.documentsUploadedTotal.Inc()
	s.metrics.chunksIndexedTotal.Add(float64(len(chunks)))

	log.Info("document indexed",
		slog.String("doc_id", docID),
		slog.String("doc_name", req.DocName),
		slog.Int("num_chunks", len(chunks)),
	)

	writeJSON(w, r, http.StatusOK, uploadResponse{
		DocID:     docID,
		DocName:   req.DocName,
		NumChunks: len(chunks),
		Message:   fmt.Sprintf("Successfully uploaded and processed %s", req.DocName),
	})
}

// handleListDocuments handles GET /api/documents.
func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.index.GetAllDocuments(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, fmt.Sprintf("Error listing documents: %s", err))
		return
	}
	if docs == nil {
		docs = []index.DocumentSummary{}
	}
	writeJSON(w, r, http.StatusOK, documentsResponse{Documents: docs})
}

// handleDeleteDocument handles DELETE /api/documents/{id}. Deleting an
// unknown document succeeds.
func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("id")
	if docID == "" {
		writeError(w, r, http.StatusBadRequest, "document id is required")
		return
	}

	if err := s.index.DeleteDocument(r.Context(), docID); err != nil {
		writeError(w, r, http.StatusInternalServerError, fmt.Sprintf("Error deleting document: %s", err))
		return
	}

	writeJSON(w, r, http.StatusOK, messageResponse{
		Message: fmt.Sprintf("Document %s deleted successfully", docID),
	})
}

// handleReset handles POST /api/reset. It clears the vector index, unlocks
// the embedding settings, and drops every conversation.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	if err := s.index.Reset(r.Context()); err != nil {
		writeError(w, r, http.StatusInternalServerError, fmt.Sprintf("Error resetting knowledge base: %s", err))
		return
	}
	if err := s.manager.ResetAll(r.Context()); err != nil {
		writeError(w, r, http.StatusInternalServerError, fmt.Sprintf("Error resetting knowledge base: %s", err))
		return
	}

	log.Info("knowledge base reset")

	writeJSON(w, r, http.StatusOK, messageResponse{Message: "Knowledge base reset successfully"})
}

// handleGetEmbeddingConfig handles GET /api/config/embedding.
func (s *Server) handleGetEmbeddingConfig(w http.ResponseWriter, r *http.Request) {
	resp := embeddingConfigResponse{IsLocked: s.index.Locked()}
	if settings, ok := s.index.Settings(); ok {
		resp.Settings = &settings
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// handleSetEmbeddingConfig handles POST /api/config/embedding. Settings can
// only change while the index holds no vectors.
func (s *Server) handleSetEmbeddingConfig(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	var req setEmbeddingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Provider == "" {
		writeError(w, r, http.StatusBadRequest, "provider is required")
		return
	}

	settings, err := s.index.SetEmbeddingProvider(r.Context(), req.Provider, req.Model)
	if err != nil {
		switch {
		case errors.Is(err, index.ErrLocked):
			writeError(w, r, http.StatusConflict,
				"Cannot change embedding provider after documents have been uploaded. Please reset the knowledge base first.")
		case errors.Is(err, embedder.ErrUnknownProvider):
			writeError(w, r, http.StatusBadRequest, err.Error())
		default:
			log.Error("embedding config failed",
				slog.String("provider", req.Provider),
				slog.Any("error", err),
			)
			writeError(w, r, http.StatusInternalServerError, err.Error())
		}
		return
	}

	log.Info("embedding provider configured",
		slog.String("provider", settings.Provider),
		slog.String("model", settings.Model),
		slog.Int("dimension", settings.Dimension),
	)

	writeJSON(w, r, http.StatusOK, setEmbeddingResponse{Success: true, Settings: settings})
}

// handleTestConnection handles POST /api/config/test-connection. It probes an
// LLM backend with a minimal generate request and never fails the HTTP call:
// an unreachable backend is reported in the response body.
func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	var req testConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Provider == "" {
		writeError(w, r, http.StatusBadRequest, "provider is required")
		return
	}

	p, err := provider.New(r.Context(), provider.Settings{
		Provider:    req.Provider,
		Model:       req.Model,
		EndpointURL: req.EndpointURL,
	})
	if err != nil {
		writeJSON(w, r, http.StatusOK, testConnectionResponse{
			Success: false,
			Message: fmt.Sprintf("Connection test failed: %s", err),
		})
		return
	}

	ok, msg := p.TestConnection(r.Context())
	writeJSON(w, r, http.StatusOK, testConnectionResponse{Success: ok, Message: msg})
}

// handleTestEmbedding handles POST /api/config/test-embedding. Same contract
// as test-connection, but for embedding backends.
func (s *Server) handleTestEmbedding(w http.ResponseWriter, r *http.Request) {
	var req testConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Provider == "" {
		writeError(w, r, http.StatusBadRequest, "provider is required")
		return
	}

	p, err := embedder.New(req.Provider, req.Model)
	if err != nil {
		writeJSON(w, r, http.StatusOK, testConnectionResponse{
			Success: false,
			Message: fmt.Sprintf("Test failed: %s", err),
		})
		return
	}

	ok, msg := p.TestConnection(r.Context())
	writeJSON(w, r, http.StatusOK, testConnectionResponse{Success: ok, Message: msg})
}
