// -----------------------------------------------------------------------
// Vector Store - per-index pgvector tables with ANN search
// -----------------------------------------------------------------------

package vectorstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/models"
)

// Store manages one vector table per index, named docs_<indexName>. Index
// names may contain hyphens, so every table reference is a quoted
// identifier.
type Store struct {
	pool   *pgxpool.Pool
	logger arbor.ILogger
}

// NewStore connects a pgx pool with pgvector types registered on every
// connection
func NewStore(ctx context.Context, dsn string, maxConns int, logger arbor.ILogger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres DSN: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &Store{pool: pool, logger: logger}, nil
}

// Pool exposes the underlying connection pool for collaborating stores
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close releases the connection pool
func (s *Store) Close() { s.pool.Close() }

func tableName(indexName string) string {
	return "docs_" + indexName
}

func quoted(indexName string) string {
	return pgx.Identifier{tableName(indexName)}.Sanitize()
}

// EnsureStore prepares the table for an index at the given embedding
// dimension. An existing table with a different declared dimension is
// dropped and recreated.
func (s *Store) EnsureStore(ctx context.Context, indexName string, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("invalid embedding dimension %d", dimension)
	}

	if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to ensure vector extension: %w", err)
	}

	existing, err := s.declaredDimension(ctx, indexName)
	if err != nil {
		return err
	}
	if existing > 0 && existing != dimension {
		s.logger.Warn().
			Str("index", indexName).
			Int("existing", existing).
			Int("requested", dimension).
			Msg("Embedding dimension changed, dropping index table")
		if _, err := s.pool.Exec(ctx, "DROP TABLE IF EXISTS "+quoted(indexName)); err != nil {
			return fmt.Errorf("failed to drop table for %s: %w", indexName, err)
		}
	}

	createSQL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			url TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			embedding VECTOR(%d) NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, quoted(indexName), dimension)
	if _, err := s.pool.Exec(ctx, createSQL); err != nil {
		return fmt.Errorf("failed to create table for %s: %w", indexName, err)
	}

	s.ensureANNIndex(ctx, indexName, dimension)

	urlIdx := pgx.Identifier{tableName(indexName) + "_url_idx"}.Sanitize()
	urlSQL := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (url)", urlIdx, quoted(indexName))
	if _, err := s.pool.Exec(ctx, urlSQL); err != nil {
		return fmt.Errorf("failed to create url index for %s: %w", indexName, err)
	}

	return nil
}

// ensureANNIndex creates a cosine-distance ANN index, preferring HNSW and
// falling back to IVFFlat when the dimension allows. Failure of both leaves
// queries on a sequential scan, which still returns correct results.
func (s *Store) ensureANNIndex(ctx context.Context, indexName string, dimension int) {
	annIdx := pgx.Identifier{tableName(indexName) + "_embedding_idx"}.Sanitize()

	hnswSQL := fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding vector_cosine_ops)",
		annIdx, quoted(indexName))
	if _, err := s.pool.Exec(ctx, hnswSQL); err == nil {
		return
	} else {
		s.logger.Warn().Str("index", indexName).Err(err).Msg("HNSW index creation failed")
	}

	if dimension > 2000 {
		s.logger.Warn().
			Str("index", indexName).
			Int("dimension", dimension).
			Msg("No ANN index available for this dimension, queries fall back to sequential scan")
		return
	}

	ivfSQL := fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS %s ON %s USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)",
		annIdx, quoted(indexName))
	if _, err := s.pool.Exec(ctx, ivfSQL); err != nil {
		s.logger.Warn().Str("index", indexName).Err(err).Msg("IVFFlat index creation failed, queries fall back to sequential scan")
	}
}

// declaredDimension reads the vector typmod of the embedding column, 0 when
// the table does not exist
func (s *Store) declaredDimension(ctx context.Context, indexName string) (int, error) {
	var dim int
	err := s.pool.QueryRow(ctx, `
		SELECT a.atttypmod
		FROM pg_attribute a
		JOIN pg_class c ON c.oid = a.attrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE c.relname = $1 AND a.attname = 'embedding' AND n.nspname = current_schema()`,
		tableName(indexName)).Scan(&dim)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to inspect table for %s: %w", indexName, err)
	}
	return dim, nil
}

// Upsert writes one chunk keyed by url, overwriting any previous content
func (s *Store) Upsert(ctx context.Context, indexName string, chunk *models.DocumentChunk) error {
	sql := fmt.Sprintf(`
		INSERT INTO %s (url, title, content, embedding, metadata)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (url) DO UPDATE SET
			title = EXCLUDED.title,
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding,
			metadata = EXCLUDED.metadata`, quoted(indexName))

	_, err := s.pool.Exec(ctx, sql,
		chunk.URL, chunk.Title, chunk.Content,
		pgvector.NewVector(chunk.Embedding), chunk.Metadata)
	if err != nil {
		return fmt.Errorf("failed to upsert chunk into %s: %w", indexName, err)
	}
	return nil
}

// AnnSearch returns the k nearest chunks by cosine distance with
// score = 1 - distance. Distance ties break by ascending url.
func (s *Store) AnnSearch(ctx context.Context, indexName string, queryVector []float32, k int) ([]models.SearchResult, error) {
	sql := fmt.Sprintf(`
		SELECT url, title, content, embedding <=> $1 AS distance
		FROM %s
		ORDER BY distance ASC, url ASC
		LIMIT $2`, quoted(indexName))

	rows, err := s.pool.Query(ctx, sql, pgvector.NewVector(queryVector), k)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", indexName, err)
	}
	defer rows.Close()

	var results []models.SearchResult
	for rows.Next() {
		var r models.SearchResult
		var distance float64
		if err := rows.Scan(&r.URL, &r.Title, &r.Snippet, &distance); err != nil {
			return nil, fmt.Errorf("failed to scan search row: %w", err)
		}
		r.Score = 1 - distance
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read search rows: %w", err)
	}

	return results, nil
}

// IndexExists reports whether the table backing an index is present
func (s *Store) IndexExists(ctx context.Context, indexName string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_class c
			JOIN pg_namespace n ON n.oid = c.relnamespace
			WHERE c.relname = $1 AND c.relkind = 'r' AND n.nspname = current_schema()
		)`, tableName(indexName)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check index existence: %w", err)
	}
	return exists, nil
}
