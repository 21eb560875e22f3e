package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"github.com/avelsk/kbrag-go/internal/embedder"
)

// chunkRow is the bun model for one stored chunk. The embedding column is
// a pgvector value carried as its text literal ("[0.1,0.2,...]"); the
// column type is created with the runtime dimension, so the model leaves
// it untyped.
type chunkRow struct {
	bun.BaseModel `bun:"table:document_chunks,alias:dc"`

	ID        int64  `bun:"id,pk,autoincrement"`
	DocID     string `bun:"doc_id,notnull"`
	DocName   string `bun:"doc_name,notnull"`
	ChunkID   int    `bun:"chunk_id,notnull"`
	Text      string `bun:"text,notnull"`
	StartChar int    `bun:"start_char,notnull"`
	EndChar   int    `bun:"end_char,notnull"`
	Embedding string `bun:"embedding"`

	Distance float64 `bun:"distance,scanonly"`
}

// embeddingConfigRow is the single-row table holding the locked embedding
// settings. It exists before any chunk row does.
type embeddingConfigRow struct {
	bun.BaseModel `bun:"table:embedding_config,alias:ec"`

	ID        int64  `bun:"id,pk"`
	Provider  string `bun:"provider,notnull"`
	Model     string `bun:"model,notnull"`
	Dimension int    `bun:"dimension,notnull"`
}

// PostgresIndex stores chunks and their embeddings in Postgres with the
// pgvector extension. Search runs server-side over the cosine distance
// operator; deletes remove rows natively without re-embedding.
type PostgresIndex struct {
	mu sync.RWMutex
	db *bun.DB

	newProvider providerFactory
	provider    embedder.Provider

	settings   EmbeddingSettings
	configured bool

	// chunkCount mirrors the row count of document_chunks; it backs the
	// lock state so Locked never needs a round trip.
	chunkCount int
}

// NewPostgresIndex connects to dsn, ensures the extension and config
// table exist and restores any previously configured embedding provider.
func NewPostgresIndex(ctx context.Context, dsn string) (*PostgresIndex, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	db.AddQueryHook(bundebug.NewQueryHook(bundebug.FromEnv("BUNDEBUG")))

	idx := &PostgresIndex{
		db:          db,
		newProvider: defaultProviderFactory,
	}
	if err := idx.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

func (x *PostgresIndex) init(ctx context.Context) error {
	if _, err := x.db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("index: failed to enable pgvector extension: %w", err)
	}
	if _, err := x.db.NewCreateTable().Model((*embeddingConfigRow)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("index: failed to create embedding_config table: %w", err)
	}

	var cfg embeddingConfigRow
	err := x.db.NewSelect().Model(&cfg).Where("id = 1").Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("index: failed to read embedding config: %w", err)
	}

	p, err := x.newProvider(cfg.Provider, cfg.Model)
	if err != nil {
		return fmt.Errorf("index: failed to restore embedding provider: %w", err)
	}
	x.provider = p
	x.settings = EmbeddingSettings{Provider: cfg.Provider, Model: cfg.Model, Dimension: cfg.Dimension}
	x.configured = true

	count, err := x.db.NewSelect().Model((*chunkRow)(nil)).Count(ctx)
	if err != nil {
		return fmt.Errorf("index: failed to count chunks: %w", err)
	}
	x.chunkCount = count
	return nil
}

// SetEmbeddingProvider configures the embedding backend, recreating the
// chunk table with the new vector dimension. Refused once rows exist.
func (x *PostgresIndex) SetEmbeddingProvider(ctx context.Context, provider, model string) (EmbeddingSettings, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.chunkCount > 0 {
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

	err = x.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		cfg := &embeddingConfigRow{ID: 1, Provider: settings.Provider, Model: settings.Model, Dimension: settings.Dimension}
		if _, err := tx.NewInsert().Model(cfg).On("CONFLICT (id) DO UPDATE").
			Set("provider = EXCLUDED.provider").
			Set("model = EXCLUDED.model").
			Set("dimension = EXCLUDED.dimension").
			Exec(ctx); err != nil {
			return fmt.Errorf("index: failed to store embedding config: %w", err)
		}

		// The table is empty at this point, so recreating it with the new
		// vector dimension loses nothing.
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS document_chunks"); err != nil {
			return fmt.Errorf("index: failed to drop chunk table: %w", err)
		}
		ddl := fmt.Sprintf(`CREATE TABLE document_chunks (
			id BIGSERIAL PRIMARY KEY,
			doc_id TEXT NOT NULL,
			doc_name TEXT NOT NULL,
			chunk_id INTEGER NOT NULL,
			text TEXT NOT NULL,
			start_char INTEGER NOT NULL,
			end_char INTEGER NOT NULL,
			embedding vector(%d)
		)`, settings.Dimension)
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("index: failed to create chunk table: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"CREATE INDEX IF NOT EXISTS document_chunks_embedding_idx ON document_chunks USING hnsw (embedding vector_cosine_ops)"); err != nil {
			return fmt.Errorf("index: failed to create hnsw index: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"CREATE INDEX IF NOT EXISTS document_chunks_doc_id_idx ON document_chunks (doc_id)"); err != nil {
			return fmt.Errorf("index: failed to create doc_id index: %w", err)
		}
		return nil
	})
	if err != nil {
		return EmbeddingSettings{}, err
	}

	x.provider = p
	x.settings = settings
	x.configured = true
	return settings, nil
}

// Settings returns the active embedding settings, or false while
// unconfigured.
func (x *PostgresIndex) Settings() (EmbeddingSettings, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.settings, x.configured
}

// Locked reports whether any chunk row exists.
func (x *PostgresIndex) Locked() bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.chunkCount > 0
}

// AddDocuments embeds all chunks in one batch and inserts them in a
// single transaction.
func (x *PostgresIndex) AddDocuments(ctx context.Context, chunks []Chunk) error {
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

	rows := make([]chunkRow, len(chunks))
	for i, c := range chunks {
		if len(vecs[i]) != x.settings.Dimension {
			return fmt.Errorf("%w: got %d, index dimension is %d", ErrDimensionMismatch, len(vecs[i]), x.settings.Dimension)
		}
		rows[i] = chunkRow{
			DocID:     c.DocID,
			DocName:   c.DocName,
			ChunkID:   c.ChunkID,
			Text:      c.Text,
			StartChar: c.StartChar,
			EndChar:   c.EndChar,
			Embedding: vectorLiteral(vecs[i]),
		}
	}

	if _, err := x.db.NewInsert().Model(&rows).Exec(ctx); err != nil {
		return fmt.Errorf("index: failed to insert chunks: %w", err)
	}
	x.chunkCount += len(rows)
	return nil
}

// Search embeds the query and returns up to topK rows ordered by cosine
// distance.
func (x *PostgresIndex) Search(ctx context.Context, query string, topK int) ([]Result, error) {
	x.mu.RLock()
	if !x.configured {
		x.mu.RUnlock()
		return nil, ErrNotConfigured
	}
	provider := x.provider
	empty := x.chunkCount == 0
	x.mu.RUnlock()

	if empty {
		return []Result{}, nil
	}

	qs, err := provider.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("index: query embedding failed: %w", err)
	}
	lit := vectorLiteral(qs[0])

	var rows []chunkRow
	err = x.db.NewSelect().
		Model(&rows).
		ColumnExpr("dc.*").
		ColumnExpr("dc.embedding <=> ? AS distance", lit).
		OrderExpr("dc.embedding <=> ?", lit).
		Limit(topK).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("index: search failed: %w", err)
	}

	results := make([]Result, 0, len(rows))
	for _, r := range rows {
		results = append(results, Result{
			Chunk: Chunk{
				DocID:     r.DocID,
				DocName:   r.DocName,
				ChunkID:   r.ChunkID,
				Text:      r.Text,
				StartChar: r.StartChar,
				EndChar:   r.EndChar,
			},
			Distance: r.Distance,
		})
	}
	return results, nil
}

// DeleteDocument removes every row of the given document.
func (x *PostgresIndex) DeleteDocument(ctx context.Context, docID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	res, err := x.db.NewDelete().Model((*chunkRow)(nil)).Where("doc_id = ?", docID).Exec(ctx)
	if err != nil {
		return fmt.Errorf("index: failed to delete document %s: %w", docID, err)
	}
	if n, err := res.RowsAffected(); err == nil {
		x.chunkCount -= int(n)
	}
	return nil
}

// GetAllDocuments lists ingested documents with their chunk counts, in
// insertion order.
func (x *PostgresIndex) GetAllDocuments(ctx context.Context) ([]DocumentSummary, error) {
	x.mu.RLock()
	configured := x.configured
	x.mu.RUnlock()
	if !configured {
		return []DocumentSummary{}, nil
	}

	var summaries []DocumentSummary
	err := x.db.NewSelect().
		Model((*chunkRow)(nil)).
		ColumnExpr("dc.doc_id").
		ColumnExpr("dc.doc_name").
		ColumnExpr("count(*) AS num_chunks").
		GroupExpr("dc.doc_id, dc.doc_name").
		OrderExpr("min(dc.id)").
		Scan(ctx, &summaries)
	if err != nil {
		return nil, fmt.Errorf("index: failed to list documents: %w", err)
	}
	return summaries, nil
}

// Stats reports chunk and document counts.
func (x *PostgresIndex) Stats(ctx context.Context) (Stats, error) {
	x.mu.RLock()
	configured := x.configured
	chunks := x.chunkCount
	x.mu.RUnlock()
	if !configured {
		return Stats{}, nil
	}

	var docs int
	err := x.db.NewSelect().
		Model((*chunkRow)(nil)).
		ColumnExpr("count(DISTINCT dc.doc_id)").
		Scan(ctx, &docs)
	if err != nil {
		return Stats{}, fmt.Errorf("index: failed to count documents: %w", err)
	}
	return Stats{TotalChunks: chunks, TotalDocuments: docs}, nil
}

// Reset drops all chunks and the embedding configuration.
func (x *PostgresIndex) Reset(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	err := x.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS document_chunks"); err != nil {
			return fmt.Errorf("index: failed to drop chunk table: %w", err)
		}
		if _, err := tx.NewDelete().Model((*embeddingConfigRow)(nil)).Where("id = 1").Exec(ctx); err != nil {
			return fmt.Errorf("index: failed to clear embedding config: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	x.provider = nil
	x.settings = EmbeddingSettings{}
	x.configured = false
	x.chunkCount = 0
	return nil
}

// Ping reports database reachability, for readiness checks.
func (x *PostgresIndex) Ping(ctx context.Context) error {
	return x.db.PingContext(ctx)
}

// Close closes the database connection.
func (x *PostgresIndex) Close() error {
	return x.db.Close()
}

// vectorLiteral renders a pgvector text literal, e.g. "[0.1,0.2]".
func vectorLiteral(vec []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
