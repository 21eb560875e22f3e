// Package index provides the vector index abstraction used for retrieval.
//
// An index moves through three states: unconfigured (no embedding provider),
// configured (provider chosen, dimension fixed) and locked (at least one
// vector stored). Changing the provider on a locked index is refused; Reset
// discards all vectors and settings and returns the index to unconfigured.
package index

import (
	"context"
	"errors"

	"github.com/avelsk/kbrag-go/internal/embedder"
)

var (
	// ErrNotConfigured is returned by operations that need an embedding
	// provider before one has been set.
	ErrNotConfigured = errors.New("index: embedding provider not configured")

	// ErrLocked is returned when the embedding provider of an index that
	// already holds vectors would change. Reset the index first.
	ErrLocked = errors.New("index: embedding settings are locked; reset the index to change them")

	// ErrDimensionMismatch is returned when a vector of the wrong length
	// would enter the index.
	ErrDimensionMismatch = errors.New("index: embedding dimension mismatch")
)

// Chunk is one fragment of an ingested document. Chunks are immutable once
// stored; ChunkID is dense and 0-based within a document.
type Chunk struct {
	// DocID identifies the document this chunk belongs to.
	DocID string `json:"doc_id"`

	// DocName is the human-readable document name, shown in sources.
	DocName string `json:"doc_name"`

	// ChunkID is the 0-based position of this chunk within its document.
	ChunkID int `json:"chunk_id"`

	// Text is the chunk content.
	Text string `json:"text"`

	// StartChar is the offset of the first character of Text in the
	// original document.
	StartChar int `json:"start_char"`

	// EndChar is the offset one past the last character of Text.
	EndChar int `json:"end_char"`
}

// EmbeddingSettings is the active embedding configuration of an index.
// Exactly one is active at a time; it locks once any vector is stored.
type EmbeddingSettings struct {
	// Provider is the embedding backend name (ollama, openai, azure).
	Provider string `json:"provider"`

	// Model is the embedding model identifier.
	Model string `json:"model"`

	// Dimension is the vector length fixed by provider and model.
	Dimension int `json:"dimension"`
}

// Result is a single search hit. Distance is backend-specific; smaller
// means more similar, and values are only comparable within one backend.
type Result struct {
	Chunk

	// Distance is the backend's distance between query and chunk vectors.
	Distance float64 `json:"distance"`
}

// DocumentSummary describes one ingested document.
type DocumentSummary struct {
	// DocID identifies the document.
	DocID string `json:"doc_id"`

	// DocName is the human-readable document name.
	DocName string `json:"doc_name"`

	// NumChunks is how many chunks the document was split into.
	NumChunks int `json:"num_chunks"`
}

// Stats reports the size of an index.
type Stats struct {
	// TotalChunks is the number of stored chunks (= stored vectors).
	TotalChunks int `json:"total_chunks"`

	// TotalDocuments is the number of distinct documents.
	TotalDocuments int `json:"total_documents"`
}

// Index is the vector index contract. Implementations are safe for
// concurrent use; mutation is serialized behind a single writer lock.
type Index interface {
	// SetEmbeddingProvider configures the embedding backend and fixes the
	// index dimension. Fails with ErrLocked once any vector is stored.
	// An empty model selects the provider default.
	SetEmbeddingProvider(ctx context.Context, provider, model string) (EmbeddingSettings, error)

	// Settings returns the active embedding settings. The second return
	// is false while the index is unconfigured.
	Settings() (EmbeddingSettings, bool)

	// Locked reports whether the index holds at least one vector.
	Locked() bool

	// AddDocuments embeds the given chunks in one batch and appends them
	// atomically. Empty input is a no-op. Returns ErrNotConfigured when no
	// provider is set. The first successful call locks the settings.
	AddDocuments(ctx context.Context, chunks []Chunk) error

	// Search embeds the query and returns up to topK results ordered by
	// ascending distance. An empty index returns an empty slice.
	Search(ctx context.Context, query string, topK int) ([]Result, error)

	// DeleteDocument removes every chunk of the given document. Deleting
	// an unknown document is a no-op.
	DeleteDocument(ctx context.Context, docID string) error

	// GetAllDocuments lists ingested documents with their chunk counts.
	GetAllDocuments(ctx context.Context) ([]DocumentSummary, error)

	// Stats reports chunk and document counts.
	Stats(ctx context.Context) (Stats, error)

	// Reset discards all vectors and embedding settings, returning the
	// index to the unconfigured state.
	Reset(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// providerFactory builds an embedding provider for the given backend name
// and model. Swapped out in tests.
type providerFactory func(provider, model string) (embedder.Provider, error)

func defaultProviderFactory(provider, model string) (embedder.Provider, error) {
	return embedder.New(provider, model)
}

func summarize(chunks []Chunk) []DocumentSummary {
	counts := make(map[string]*DocumentSummary)
	order := make([]string, 0)
	for _, c := range chunks {
		s, ok := counts[c.DocID]
		if !ok {
			s = &DocumentSummary{DocID: c.DocID, DocName: c.DocName}
			counts[c.DocID] = s
			order = append(order, c.DocID)
		}
		s.NumChunks++
	}
	out := make([]DocumentSummary, 0, len(order))
	for _, id := range order {
		out = append(out, *counts[id])
	}
	return out
}
