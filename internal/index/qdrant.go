package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/avelsk/kbrag-go/internal/embedder"
)

// QdrantConfig holds connection parameters for a Qdrant-backed index.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// Collection is the Qdrant collection name to use.
	Collection string

	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool

	// StatePath is the local JSON file holding the embedding settings and
	// document summaries. Qdrant itself stores only points.
	StatePath string
}

// qdrantState is the sidecar file next to the Qdrant collection. The
// collection holds vectors and chunk payloads; everything the index must
// answer without a round trip lives here.
type qdrantState struct {
	Settings   EmbeddingSettings `json:"settings"`
	Configured bool              `json:"configured"`
	Documents  []DocumentSummary `json:"documents"`
	ChunkCount int               `json:"chunk_count"`
}

// QdrantIndex stores chunk vectors in a Qdrant collection created with
// cosine distance. Reported distances are 1 - score, so smaller stays
// more similar, matching the other backends.
type QdrantIndex struct {
	mu     sync.RWMutex
	client *qdrant.Client
	cfg    *QdrantConfig

	newProvider providerFactory
	provider    embedder.Provider

	state qdrantState
}

// NewQdrantIndex connects to Qdrant and restores local state from the
// sidecar file if present.
func NewQdrantIndex(ctx context.Context, cfg *QdrantConfig) (*QdrantIndex, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.Collection == "" {
		cfg.Collection = "kbrag_chunks"
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("index: failed to create qdrant client: %w", err)
	}

	idx := &QdrantIndex{
		client:      client,
		cfg:         cfg,
		newProvider: defaultProviderFactory,
	}
	if err := idx.loadState(); err != nil {
		_ = client.Close()
		return nil, err
	}
	if idx.state.Configured {
		p, err := idx.newProvider(idx.state.Settings.Provider, idx.state.Settings.Model)
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("index: failed to restore embedding provider: %w", err)
		}
		idx.provider = p
	}
	return idx, nil
}

// SetEmbeddingProvider configures the embedding backend, recreating the
// collection with the new vector size. Refused once points exist.
func (x *QdrantIndex) SetEmbeddingProvider(ctx context.Context, provider, model string) (EmbeddingSettings, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.state.ChunkCount > 0 {
		return EmbeddingSettings{}, ErrLocked
	}

	p, err := x.newProvider(provider, model)
	if err != nil {
		return EmbeddingSettings{}, err
	}
	if model == "" {
		model = embedder.DefaultModel(provider)
	}
	settings := EmbeddingSettings{Provider: provider, Model: model, Dimension: p.Dimension()}

	exists, err := x.client.CollectionExists(ctx, x.cfg.Collection)
	if err != nil {
		return EmbeddingSettings{}, fmt.Errorf("index: failed to check collection existence: %w", err)
	}
	if exists {
		if err := x.client.DeleteCollection(ctx, x.cfg.Collection); err != nil {
			return EmbeddingSettings{}, fmt.Errorf("index: failed to drop collection %q: %w", x.cfg.Collection, err)
		}
	}
	err = x.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: x.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(settings.Dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return EmbeddingSettings{}, fmt.Errorf("index: failed to create collection %q: %w", x.cfg.Collection, err)
	}

	x.state = qdrantState{Settings: settings, Configured: true}
	if err := x.saveStateLocked(); err != nil {
		return EmbeddingSettings{}, err
	}
	x.provider = p
	return settings, nil
}

// Settings returns the active embedding settings, or false while
// unconfigured.
func (x *QdrantIndex) Settings() (EmbeddingSettings, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.state.Settings, x.state.Configured
}

// Locked reports whether the collection holds at least one point.
func (x *QdrantIndex) Locked() bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.state.ChunkCount > 0
}

// AddDocuments embeds all chunks in one batch and upserts them with their
// fields in the point payload.
func (x *QdrantIndex) AddDocuments(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if !x.state.Configured {
		return ErrNotConfigured
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vecs, err := x.provider.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("index: embedding failed: %w", err)
	}
	if len(vecs) != len(chunks) {
		return fmt.Errorf("index: embedding returned %d vectors for %d chunks", len(vecs), len(chunks))
	}

	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for i, c := range chunks {
		if len(vecs[i]) != x.state.Settings.Dimension {
			return fmt.Errorf("%w: got %d, index dimension is %d", ErrDimensionMismatch, len(vecs[i]), x.state.Settings.Dimension)
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(uuid.NewString()),
			Vectors: qdrant.NewVectors(vecs[i]...),
			Payload: qdrant.NewValueMap(map[string]interface{}{
				"doc_id":     c.DocID,
				"doc_name":   c.DocName,
				"chunk_id":   int64(c.ChunkID),
				"text":       c.Text,
				"start_char": int64(c.StartChar),
				"end_char":   int64(c.EndChar),
			}),
		})
	}

	if _, err := x.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: x.cfg.Collection,
		Points:         points,
	}); err != nil {
		return fmt.Errorf("index: upsert failed: %w", err)
	}

	x.applyAddLocked(chunks)
	return x.saveStateLocked()
}

// Search embeds the query and returns up to topK results ordered by
// ascending distance (1 - cosine score).
func (x *QdrantIndex) Search(ctx context.Context, query string, topK int) ([]Result, error) {
	x.mu.RLock()
	if !x.state.Configured {
		x.mu.RUnlock()
		return nil, ErrNotConfigured
	}
	provider := x.provider
	empty := x.state.ChunkCount == 0
	x.mu.RUnlock()

	if empty {
		return []Result{}, nil
	}

	qs, err := provider.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("index: query embedding failed: %w", err)
	}

	limit := uint64(topK)
	points, err := x.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: x.cfg.Collection,
		Query:          qdrant.NewQuery(qs[0]...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("index: search failed: %w", err)
	}

	results := make([]Result, 0, len(points))
	for _, pt := range points {
		c := Chunk{}
		if p := pt.Payload; p != nil {
			if v, ok := p["doc_id"]; ok {
				c.DocID = v.GetStringValue()
			}
			if v, ok := p["doc_name"]; ok {
				c.DocName = v.GetStringValue()
			}
			if v, ok := p["chunk_id"]; ok {
				c.ChunkID = int(v.GetIntegerValue())
			}
			if v, ok := p["text"]; ok {
				c.Text = v.GetStringValue()
			}
			if v, ok := p["start_char"]; ok {
				c.StartChar = int(v.GetIntegerValue())
			}
			if v, ok := p["end_char"]; ok {
				c.EndChar = int(v.GetIntegerValue())
			}
		}
		results = append(results, Result{Chunk: c, Distance: 1 - float64(pt.Score)})
	}
	return results, nil
}

// DeleteDocument removes every point of the given document with a
// payload filter; no re-embedding happens.
func (x *QdrantIndex) DeleteDocument(ctx context.Context, docID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if !x.state.Configured {
		return nil
	}

	_, err := x.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: x.cfg.Collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("doc_id", docID)},
		}),
	})
	if err != nil {
		return fmt.Errorf("index: failed to delete document %s: %w", docID, err)
	}

	x.applyDeleteLocked(docID)
	return x.saveStateLocked()
}

// GetAllDocuments lists ingested documents in first-seen order.
func (x *QdrantIndex) GetAllDocuments(ctx context.Context) ([]DocumentSummary, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]DocumentSummary, len(x.state.Documents))
	copy(out, x.state.Documents)
	return out, nil
}

// Stats reports chunk and document counts.
func (x *QdrantIndex) Stats(ctx context.Context) (Stats, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return Stats{
		TotalChunks:    x.state.ChunkCount,
		TotalDocuments: len(x.state.Documents),
	}, nil
}

// Reset drops the collection, the sidecar state and the settings.
func (x *QdrantIndex) Reset(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	exists, err := x.client.CollectionExists(ctx, x.cfg.Collection)
	if err != nil {
		return fmt.Errorf("index: failed to check collection existence: %w", err)
	}
	if exists {
		if err := x.client.DeleteCollection(ctx, x.cfg.Collection); err != nil {
			return fmt.Errorf("index: failed to drop collection %q: %w", x.cfg.Collection, err)
		}
	}

	x.state = qdrantState{}
	x.provider = nil
	if err := os.Remove(x.cfg.StatePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("index: failed to remove state file: %w", err)
	}
	return nil
}

// Ping calls the Qdrant HealthCheck RPC to verify the instance is reachable.
func (x *QdrantIndex) Ping(ctx context.Context) error {
	if _, err := x.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("index: qdrant health check failed: %w", err)
	}
	return nil
}

// Close closes the underlying gRPC connection.
func (x *QdrantIndex) Close() error {
	return x.client.Close()
}

func (x *QdrantIndex) applyAddLocked(chunks []Chunk) {
	for _, c := range chunks {
		found := false
		for i := range x.state.Documents {
			if x.state.Documents[i].DocID == c.DocID {
				x.state.Documents[i].NumChunks++
				found = true
				break
			}
		}
		if !found {
			x.state.Documents = append(x.state.Documents, DocumentSummary{
				DocID:     c.DocID,
				DocName:   c.DocName,
				NumChunks: 1,
			})
		}
	}
	x.state.ChunkCount += len(chunks)
}

func (x *QdrantIndex) applyDeleteLocked(docID string) {
	for i := range x.state.Documents {
		if x.state.Documents[i].DocID == docID {
			x.state.ChunkCount -= x.state.Documents[i].NumChunks
			x.state.Documents = append(x.state.Documents[:i], x.state.Documents[i+1:]...)
			return
		}
	}
}

func (x *QdrantIndex) loadState() error {
	data, err := os.ReadFile(x.cfg.StatePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("index: failed to read state file: %w", err)
	}
	if err := json.Unmarshal(data, &x.state); err != nil {
		return fmt.Errorf("index: failed to decode state file: %w", err)
	}
	return nil
}

func (x *QdrantIndex) saveStateLocked() error {
	data, err := json.MarshalIndent(x.state, "", "  ")
	if err != nil {
		return fmt.Errorf("index: failed to encode state: %w", err)
	}
	if dir := filepath.Dir(x.cfg.StatePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("index: failed to create state dir: %w", err)
		}
	}
	tmp := x.cfg.StatePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("index: failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, x.cfg.StatePath); err != nil {
		return fmt.Errorf("index: failed to replace state file: %w", err)
	}
	return nil
}
