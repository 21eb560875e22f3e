package index

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/avelsk/kbrag-go/internal/embedder"
)

const (
	configFile  = "embedding_config.json"
	chunksFile  = "chunks.json"
	vectorsFile = "vectors.bin"
)

// MemoryIndex is a flat in-process index with exact nearest-neighbour
// search over squared Euclidean distance. Every mutation rewrites the
// on-disk snapshot under the data directory, so a restart resumes with
// the same contents. Deleting a document rebuilds the whole index, which
// costs one batch re-embedding of every retained chunk.
type MemoryIndex struct {
	mu      sync.RWMutex
	dataDir string

	newProvider providerFactory
	provider    embedder.Provider

	settings   EmbeddingSettings
	configured bool

	// chunks and vecs are parallel slices.
	chunks []Chunk
	vecs   [][]float32
}

// NewMemoryIndex opens (or creates) a flat index persisted under dataDir.
// A previously saved snapshot is loaded, including its embedding provider,
// whose credentials must still be resolvable from the environment.
func NewMemoryIndex(dataDir string) (*MemoryIndex, error) {
	return newMemoryIndex(dataDir, defaultProviderFactory)
}

func newMemoryIndex(dataDir string, factory providerFactory) (*MemoryIndex, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("index: failed to create data dir: %w", err)
	}

	idx := &MemoryIndex{
		dataDir:     dataDir,
		newProvider: factory,
	}
	if err := idx.load(); err != nil {
		return nil, err
	}
	return idx, nil
}

// SetEmbeddingProvider configures the embedding backend. Refused with
// ErrLocked once the index holds vectors.
func (x *MemoryIndex) SetEmbeddingProvider(ctx context.Context, provider, model string) (EmbeddingSettings, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if len(x.vecs) > 0 {
		return EmbeddingSettings{}, ErrLocked
	}

	p, err := x.newProvider(provider, model)
	if err != nil {
		return EmbeddingSettings{}, err
	}

	if model == "" {
		model = embedder.DefaultModel(provider)
	}
	settings := EmbeddingSettings{
		Provider:  provider,
		Model:     model,
		Dimension: p.Dimension(),
	}

	// Config reaches disk before any vector can.
	if err := x.writeJSON(configFile, settings); err != nil {
		return EmbeddingSettings{}, err
	}

	x.provider = p
	x.settings = settings
	x.configured = true
	return settings, nil
}

// Settings returns the active embedding settings, or false while
// unconfigured.
func (x *MemoryIndex) Settings() (EmbeddingSettings, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.settings, x.configured
}

// Locked reports whether the index holds at least one vector.
func (x *MemoryIndex) Locked() bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.vecs) > 0
}

// AddDocuments embeds all chunks in one batch and appends them atomically.
func (x *MemoryIndex) AddDocuments(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if !x.configured {
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
	for _, v := range vecs {
		if len(v) != x.settings.Dimension {
			return fmt.Errorf("%w: got %d, index dimension is %d", ErrDimensionMismatch, len(v), x.settings.Dimension)
		}
	}

	x.chunks = append(x.chunks, chunks...)
	x.vecs = append(x.vecs, vecs...)

	return x.persistLocked()
}

// Search embeds the query and returns up to topK chunks ordered by
// ascending squared Euclidean distance.
func (x *MemoryIndex) Search(ctx context.Context, query string, topK int) ([]Result, error) {
	x.mu.RLock()
	if !x.configured {
		x.mu.RUnlock()
		return nil, ErrNotConfigured
	}
	provider := x.provider
	dim := x.settings.Dimension
	chunks := x.chunks
	vecs := x.vecs
	x.mu.RUnlock()

	if len(vecs) == 0 {
		return []Result{}, nil
	}

	qs, err := provider.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("index: query embedding failed: %w", err)
	}
	q := qs[0]
	if len(q) != dim {
		return nil, fmt.Errorf("%w: query has %d, index dimension is %d", ErrDimensionMismatch, len(q), dim)
	}

	results := make([]Result, len(vecs))
	for i, v := range vecs {
		results[i] = Result{Chunk: chunks[i], Distance: squaredL2(q, v)}
	}
	sort.Slice(results, func(a, b int) bool { return results[a].Distance < results[b].Distance })

	if topK > 0 && topK < len(results) {
		results = results[:topK]
	}
	return results, nil
}

// DeleteDocument drops every chunk of docID and rebuilds the index from
// the retained chunks, re-embedding them in one batch.
func (x *MemoryIndex) DeleteDocument(ctx context.Context, docID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	retained := make([]Chunk, 0, len(x.chunks))
	for _, c := range x.chunks {
		if c.DocID != docID {
			retained = append(retained, c)
		}
	}
	if len(retained) == len(x.chunks) {
		return nil
	}

	if len(retained) == 0 {
		x.chunks = nil
		x.vecs = nil
		return x.persistLocked()
	}

	texts := make([]string, len(retained))
	for i, c := range retained {
		texts[i] = c.Text
	}
	vecs, err := x.provider.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("index: rebuild embedding failed: %w", err)
	}
	if len(vecs) != len(retained) {
		return fmt.Errorf("index: rebuild returned %d vectors for %d chunks", len(vecs), len(retained))
	}

	x.chunks = retained
	x.vecs = vecs
	return x.persistLocked()
}

// GetAllDocuments lists ingested documents in first-seen order.
func (x *MemoryIndex) GetAllDocuments(ctx context.Context) ([]DocumentSummary, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return summarize(x.chunks), nil
}

// Stats reports chunk and document counts.
func (x *MemoryIndex) Stats(ctx context.Context) (Stats, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return Stats{
		TotalChunks:    len(x.chunks),
		TotalDocuments: len(summarize(x.chunks)),
	}, nil
}

// Reset discards all vectors and settings and removes the on-disk snapshot.
func (x *MemoryIndex) Reset(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.chunks = nil
	x.vecs = nil
	x.provider = nil
	x.settings = EmbeddingSettings{}
	x.configured = false

	for _, name := range []string{configFile, chunksFile, vectorsFile} {
		if err := os.Remove(filepath.Join(x.dataDir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("index: failed to remove %s: %w", name, err)
		}
	}
	return nil
}

// Close is a no-op; state is already on disk after every mutation.
func (x *MemoryIndex) Close() error { return nil }

func (x *MemoryIndex) persistLocked() error {
	if err := x.writeJSON(chunksFile, x.chunks); err != nil {
		return err
	}

	blob := marshalVectors(x.settings.Dimension, x.vecs)
	tmp := filepath.Join(x.dataDir, vectorsFile+".tmp")
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return fmt.Errorf("index: failed to write vectors: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(x.dataDir, vectorsFile)); err != nil {
		return fmt.Errorf("index: failed to replace vectors: %w", err)
	}
	return nil
}

func (x *MemoryIndex) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("index: failed to encode %s: %w", name, err)
	}
	tmp := filepath.Join(x.dataDir, name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("index: failed to write %s: %w", name, err)
	}
	if err := os.Rename(tmp, filepath.Join(x.dataDir, name)); err != nil {
		return fmt.Errorf("index: failed to replace %s: %w", name, err)
	}
	return nil
}

func (x *MemoryIndex) load() error {
	cfgData, err := os.ReadFile(filepath.Join(x.dataDir, configFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("index: failed to read %s: %w", configFile, err)
	}

	var settings EmbeddingSettings
	if err := json.Unmarshal(cfgData, &settings); err != nil {
		return fmt.Errorf("index: failed to decode %s: %w", configFile, err)
	}
	p, err := x.newProvider(settings.Provider, settings.Model)
	if err != nil {
		return fmt.Errorf("index: failed to restore embedding provider: %w", err)
	}
	x.provider = p
	x.settings = settings
	x.configured = true

	chunkData, err := os.ReadFile(filepath.Join(x.dataDir, chunksFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("index: failed to read %s: %w", chunksFile, err)
	}
	var chunks []Chunk
	if err := json.Unmarshal(chunkData, &chunks); err != nil {
		return fmt.Errorf("index: failed to decode %s: %w", chunksFile, err)
	}

	blob, err := os.ReadFile(filepath.Join(x.dataDir, vectorsFile))
	if errors.Is(err, os.ErrNotExist) {
		blob = nil
	} else if err != nil {
		return fmt.Errorf("index: failed to read %s: %w", vectorsFile, err)
	}
	vecs, dim, err := unmarshalVectors(blob)
	if err != nil {
		return err
	}
	if len(vecs) != len(chunks) {
		return fmt.Errorf("index: snapshot mismatch: %d vectors, %d chunks", len(vecs), len(chunks))
	}
	if dim != 0 && dim != settings.Dimension {
		return fmt.Errorf("%w: snapshot has %d, config says %d", ErrDimensionMismatch, dim, settings.Dimension)
	}

	x.chunks = chunks
	x.vecs = vecs
	return nil
}

// marshalVectors encodes, little-endian: dim(uint32), n(uint32),
// then n vectors of dim float32 each.
func marshalVectors(dim int, vecs [][]float32) []byte {
	out := make([]byte, 0, 8+len(vecs)*dim*4)
	buf := make([]byte, 4)
	putU32 := func(v uint32) {
		binary.LittleEndian.PutUint32(buf, v)
		out = append(out, buf...)
	}
	putU32(uint32(dim))
	putU32(uint32(len(vecs)))
	for _, vec := range vecs {
		for _, f := range vec {
			putU32(math.Float32bits(f))
		}
	}
	return out
}

func unmarshalVectors(data []byte) ([][]float32, int, error) {
	if len(data) == 0 {
		return nil, 0, nil
	}
	if len(data) < 8 {
		return nil, 0, errors.New("index: vector snapshot truncated")
	}
	dim := int(binary.LittleEndian.Uint32(data[0:4]))
	n := int(binary.LittleEndian.Uint32(data[4:8]))
	if len(data) != 8+n*dim*4 {
		return nil, 0, fmt.Errorf("index: vector snapshot has %d bytes, want %d", len(data), 8+n*dim*4)
	}
	off := 8
	vecs := make([][]float32, n)
	for i := 0; i < n; i++ {
		vec := make([]float32, dim)
		for j := 0; j < dim; j++ {
			vec[j] = math.Float32frombits(binary.LittleEndian.Uint32(data[off : off+4]))
			off += 4
		}
		vecs[i] = vec
	}
	return vecs, dim, nil
}

func squaredL2(a, b []float32) float64 {
	var s float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		s += d * d
	}
	return s
}
