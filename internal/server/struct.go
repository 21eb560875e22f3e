package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/avelsk/kbrag-go/internal/conversation"
	"github.com/avelsk/kbrag-go/internal/engine"
	"github.com/avelsk/kbrag-go/internal/index"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	// Chat turns wait on LLM backends, so this defaults generously.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, slog.Default() is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on rate-limited
	// endpoints (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// MetricsRegistry receives the server's Prometheus metrics. If nil, the
	// default registerer is used.
	MetricsRegistry prometheus.Registerer
	// MetricsGatherer backs GET /metrics. If nil, the default gatherer is used.
	MetricsGatherer prometheus.Gatherer
}

// chatter is the interface handleChat calls to run one RAG turn.
// *engine.Engine satisfies it; tests inject a fake.
type chatter interface {
	// Chat runs one full turn and returns the answer with its sources.
	Chat(ctx context.Context, message, conversationID string, explicit *conversation.LLMSettings) (*engine.ChatResult, error)
}

// Server is the HTTP server that exposes the knowledge base API.
type Server struct {
	// engine runs the RAG pipeline; set in production, overridden by a
	// fake chatter in tests via the chatter field.
	chatter chatter
	// manager tracks in-memory conversations for /api/health and /api/reset.
	manager *engine.ConversationManager
	// index is the vector index behind document and config endpoints.
	index index.Index
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics holds the Prometheus instruments registered for this instance.
	metrics *serverMetrics
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
}

// chatRequest is the JSON body for POST /api/chat.
type chatRequest struct {
	// Message is the user's question.
	Message string `json:"message"`
	// ConversationID continues an existing conversation when set; a new
	// conversation is created otherwise.
	ConversationID string `json:"conversation_id,omitempty"`
	// Settings optionally overrides the LLM settings for this turn.
	Settings *conversation.LLMSettings `json:"settings,omitempty"`
}

// chatResponse is the JSON response for POST /api/chat.
type chatResponse struct {
	// Answer is the generated grounded answer.
	Answer string `json:"answer"`
	// Sources lists the retrieved chunks the answer drew on.
	Sources []engine.Source `json:"sources"`
	// ConversationID identifies the conversation this turn belongs to.
	ConversationID string `json:"conversation_id"`
	// RewrittenQuery is the standalone retrieval query; omitted when
	// rewriting was skipped or disabled.
	RewrittenQuery string `json:"rewritten_query,omitempty"`
	// Settings are the resolved settings this turn ran with.
	Settings conversation.LLMSettings `json:"settings"`
}

// uploadRequest is the JSON body for POST /api/documents.
type uploadRequest struct {
	// DocName is the human-readable document name.
	DocName string `json:"doc_name"`
	// Text is the full document text to chunk and index.
	Text string `json:"text"`
}

// uploadResponse is the JSON response for POST /api/documents.
type uploadResponse struct {
	// DocID is the generated document identifier.
	DocID string `json:"doc_id"`
	// DocName echoes the uploaded document name.
	DocName string `json:"doc_name"`
	// NumChunks is how many chunks the document was split into.
	NumChunks int `json:"num_chunks"`
	// Message is a human-readable confirmation.
	Message string `json:"message"`
}

// documentsResponse is the JSON response for GET /api/documents.
type documentsResponse struct {
	// Documents lists every ingested document with its chunk count.
	Documents []index.DocumentSummary `json:"documents"`
}

// embeddingConfigResponse is the JSON response for GET /api/config/embedding.
type embeddingConfigResponse struct {
	// Settings are the active embedding settings; null while unconfigured.
	Settings *index.EmbeddingSettings `json:"settings"`
	// IsLocked reports whether the settings can still be changed.
	IsLocked bool `json:"is_locked"`
}

// setEmbeddingRequest is the JSON body for POST /api/config/embedding.
type setEmbeddingRequest struct {
	// Provider is the embedding backend name (ollama, openai, azure).
	Provider string `json:"provider"`
	// Model optionally overrides the provider's default embedding model.
	Model string `json:"model,omitempty"`
}

// setEmbeddingResponse is the JSON response for POST /api/config/embedding.
type setEmbeddingResponse struct {
	// Success is true when the settings were applied.
	Success bool `json:"success"`
	// Settings are the settings that are now active.
	Settings index.EmbeddingSettings `json:"settings"`
}

// testConnectionRequest is the JSON body for POST /api/config/test-connection
// and POST /api/config/test-embedding.
type testConnectionRequest struct {
	// Provider is the backend name to probe.
	Provider string `json:"provider"`
	// Model optionally selects the model to probe with.
	Model string `json:"model,omitempty"`
	// EndpointURL optionally overrides the backend endpoint (Ollama).
	EndpointURL string `json:"endpoint_url,omitempty"`
}

// testConnectionResponse is the JSON response for the connection test endpoints.
type testConnectionResponse struct {
	// Success is true when the backend answered the probe.
	Success bool `json:"success"`
	// Message carries the probe result detail, success or failure.
	Message string `json:"message"`
}

// messageResponse is the generic JSON confirmation body.
type messageResponse struct {
	// Message is a human-readable confirmation.
	Message string `json:"message"`
}

// errorResponse is the JSON error body returned by all handlers.
type errorResponse struct {
	// Detail describes what went wrong.
	Detail string `json:"detail"`
}

// healthResponse is the JSON body returned by GET /api/health.
type healthResponse struct {
	// Status is always "healthy" when the process is serving.
	Status string `json:"status"`
	// TotalChunks is the number of chunks in the vector index.
	TotalChunks int `json:"total_chunks"`
	// TotalDocuments is the number of distinct indexed documents.
	TotalDocuments int `json:"total_documents"`
	// ActiveConversations is the number of conversations held in memory.
	ActiveConversations int `json:"active_conversations"`
	// EmbeddingProvider is the configured embedding backend, or "" when unset.
	EmbeddingProvider string `json:"embedding_provider"`
	// EmbeddingLocked reports whether the embedding settings are frozen.
	EmbeddingLocked bool `json:"embedding_locked"`
}
