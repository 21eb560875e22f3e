package index

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/avelsk/kbrag-go/internal/embedder"
)

// fakeEmbedder maps known texts to fixed 3-dimensional vectors so distance
// ordering in tests is deterministic.
type fakeEmbedder struct {
	vectors map[string][]float32
	calls   int
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := f.vectors[t]
		if !ok {
			return nil, fmt.Errorf("fake: no vector for %q", t)
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dimension() int { return 3 }

func (f *fakeEmbedder) TestConnection(ctx context.Context) (bool, string) {
	return true, "fake"
}

func fakeFactory(f *fakeEmbedder) providerFactory {
	return func(provider, model string) (embedder.Provider, error) {
		return f, nil
	}
}

func newTestVectors() map[string][]float32 {
	return map[string][]float32{
		"alpha": {1, 0, 0},
		"beta":  {0, 1, 0},
		"gamma": {0, 0, 1},
		"query": {0.9, 0.1, 0},
	}
}

func testChunks() []Chunk {
	return []Chunk{
		{DocID: "d1", DocName: "first.txt", ChunkID: 0, Text: "alpha", StartChar: 0, EndChar: 5},
		{DocID: "d1", DocName: "first.txt", ChunkID: 1, Text: "beta", StartChar: 4, EndChar: 8},
		{DocID: "d2", DocName: "second.txt", ChunkID: 0, Text: "gamma", StartChar: 0, EndChar: 5},
	}
}

func newTestIndex(t *testing.T) (*MemoryIndex, *fakeEmbedder) {
	t.Helper()
	fake := &fakeEmbedder{vectors: newTestVectors()}
	idx, err := newMemoryIndex(t.TempDir(), fakeFactory(fake))
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	return idx, fake
}

func Test_MemoryIndex_AddRequiresConfiguration(t *testing.T) {
	t.Parallel()

	idx, _ := newTestIndex(t)

	err := idx.AddDocuments(context.Background(), testChunks())
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func Test_MemoryIndex_SettingsLifecycle(t *testing.T) {
	t.Parallel()

	idx, _ := newTestIndex(t)
	ctx := context.Background()

	if _, ok := idx.Settings(); ok {
		t.Fatal("fresh index should be unconfigured")
	}

	settings, err := idx.SetEmbeddingProvider(ctx, "ollama", "nomic-embed-text")
	if err != nil {
		t.Fatalf("set provider: %v", err)
	}
	if settings.Dimension != 3 {
		t.Errorf("dimension = %d, want 3", settings.Dimension)
	}
	if idx.Locked() {
		t.Error("index should not be locked before any vectors are stored")
	}

	// Reconfiguring before any add is allowed.
	if _, err := idx.SetEmbeddingProvider(ctx, "openai", ""); err != nil {
		t.Fatalf("reconfigure before lock: %v", err)
	}

	if err := idx.AddDocuments(ctx, testChunks()); err != nil {
		t.Fatalf("add: %v", err)
	}
	if !idx.Locked() {
		t.Error("index should be locked after first add")
	}

	if _, err := idx.SetEmbeddingProvider(ctx, "ollama", ""); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}

	if err := idx.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if idx.Locked() {
		t.Error("reset index should not be locked")
	}
	if _, ok := idx.Settings(); ok {
		t.Error("reset index should be unconfigured")
	}
	if _, err := idx.SetEmbeddingProvider(ctx, "ollama", ""); err != nil {
		t.Errorf("configure after reset: %v", err)
	}
}

func Test_MemoryIndex_SearchOrdering(t *testing.T) {
	t.Parallel()

	idx, _ := newTestIndex(t)
	ctx := context.Background()

	if _, err := idx.SetEmbeddingProvider(ctx, "ollama", ""); err != nil {
		t.Fatalf("set provider: %v", err)
	}
	if err := idx.AddDocuments(ctx, testChunks()); err != nil {
		t.Fatalf("add: %v", err)
	}

	results, err := idx.Search(ctx, "query", 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("want 2 results, got %d", len(results))
	}
	if results[0].Text != "alpha" {
		t.Errorf("closest chunk = %q, want alpha", results[0].Text)
	}
	if results[0].Distance > results[1].Distance {
		t.Errorf("results not ordered by ascending distance: %v then %v",
			results[0].Distance, results[1].Distance)
	}
}

func Test_MemoryIndex_SearchEmpty(t *testing.T) {
	t.Parallel()

	idx, _ := newTestIndex(t)
	ctx := context.Background()

	if _, err := idx.SetEmbeddingProvider(ctx, "ollama", ""); err != nil {
		t.Fatalf("set provider: %v", err)
	}

	results, err := idx.Search(ctx, "query", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if results == nil || len(results) != 0 {
		t.Errorf("empty index should return an empty slice, got %v", results)
	}
}

func Test_MemoryIndex_DeleteRebuilds(t *testing.T) {
	t.Parallel()

	idx, fake := newTestIndex(t)
	ctx := context.Background()

	if _, err := idx.SetEmbeddingProvider(ctx, "ollama", ""); err != nil {
		t.Fatalf("set provider: %v", err)
	}
	if err := idx.AddDocuments(ctx, testChunks()); err != nil {
		t.Fatalf("add: %v", err)
	}

	callsBefore := fake.calls
	if err := idx.DeleteDocument(ctx, "d1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if fake.calls != callsBefore+1 {
		t.Errorf("delete should re-embed retained chunks in one batch, calls went %d -> %d",
			callsBefore, fake.calls)
	}

	stats, err := idx.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalChunks != 1 || stats.TotalDocuments != 1 {
		t.Errorf("stats after delete = %+v, want 1 chunk / 1 document", stats)
	}

	docs, err := idx.GetAllDocuments(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 1 || docs[0].DocID != "d2" {
		t.Errorf("remaining documents = %+v, want only d2", docs)
	}

	// Deleting an unknown document is a no-op.
	if err := idx.DeleteDocument(ctx, "missing"); err != nil {
		t.Errorf("delete of unknown document should be a no-op, got %v", err)
	}
	if fake.calls != callsBefore+1 {
		t.Errorf("no-op delete should not re-embed")
	}
}

func Test_MemoryIndex_DeleteLastDocumentUnlocks(t *testing.T) {
	t.Parallel()

	idx, _ := newTestIndex(t)
	ctx := context.Background()

	if _, err := idx.SetEmbeddingProvider(ctx, "ollama", ""); err != nil {
		t.Fatalf("set provider: %v", err)
	}
	chunks := []Chunk{{DocID: "d1", DocName: "only.txt", ChunkID: 0, Text: "alpha", EndChar: 5}}
	if err := idx.AddDocuments(ctx, chunks); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := idx.DeleteDocument(ctx, "d1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if idx.Locked() {
		t.Error("index with no vectors should not be locked")
	}
	if _, err := idx.SetEmbeddingProvider(ctx, "openai", ""); err != nil {
		t.Errorf("reconfigure after deleting all vectors: %v", err)
	}
}

func Test_MemoryIndex_PersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	fake := &fakeEmbedder{vectors: newTestVectors()}
	dir := t.TempDir()
	ctx := context.Background()

	idx, err := newMemoryIndex(dir, fakeFactory(fake))
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	if _, err := idx.SetEmbeddingProvider(ctx, "ollama", "nomic-embed-text"); err != nil {
		t.Fatalf("set provider: %v", err)
	}
	if err := idx.AddDocuments(ctx, testChunks()); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := newMemoryIndex(dir, fakeFactory(fake))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}

	settings, ok := reopened.Settings()
	if !ok {
		t.Fatal("reopened index lost its settings")
	}
	if settings.Provider != "ollama" || settings.Model != "nomic-embed-text" {
		t.Errorf("settings = %+v", settings)
	}
	if !reopened.Locked() {
		t.Error("reopened index with vectors should be locked")
	}

	results, err := reopened.Search(ctx, "query", 1)
	if err != nil {
		t.Fatalf("search after reopen: %v", err)
	}
	if len(results) != 1 || results[0].Text != "alpha" {
		t.Errorf("search after reopen = %+v", results)
	}
}

func Test_MemoryIndex_AddEmptyIsNoop(t *testing.T) {
	t.Parallel()

	idx, fake := newTestIndex(t)

	if err := idx.AddDocuments(context.Background(), nil); err != nil {
		t.Fatalf("empty add: %v", err)
	}
	if fake.calls != 0 {
		t.Error("empty add should not call the embedder")
	}
}

func Test_VectorBlobRoundTrip(t *testing.T) {
	t.Parallel()

	vecs := [][]float32{{1, 2, 3}, {-0.5, 0.25, 4096}}
	blob := marshalVectors(3, vecs)

	got, dim, err := unmarshalVectors(blob)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if dim != 3 || len(got) != 2 {
		t.Fatalf("dim=%d n=%d", dim, len(got))
	}
	for i := range vecs {
		for j := range vecs[i] {
			if got[i][j] != vecs[i][j] {
				t.Errorf("vec[%d][%d] = %v, want %v", i, j, got[i][j], vecs[i][j])
			}
		}
	}

	if _, _, err := unmarshalVectors([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated blob")
	}
}
