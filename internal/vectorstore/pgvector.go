package vectorstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"compliance-auditor/internal/embedding"
	"compliance-auditor/internal/errs"
)

// PGStore backs the collections with a single pgvector table. Query text
// is embedded with the same model that populated the collections; a
// dimension mismatch is logged and yields no results.
type PGStore struct {
	pool     *pgxpool.Pool
	embedder embedding.Client
	logger   *zap.Logger
}

// NewPGStore wires the pgvector backend.
func NewPGStore(pool *pgxpool.Pool, embedder embedding.Client, logger *zap.Logger) *PGStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PGStore{pool: pool, embedder: embedder, logger: logger}
}

// Upsert inserts or replaces records. Every vector must match the
// collection's established dimension; a mismatch aborts the whole batch.
func (s *PGStore) Upsert(ctx context.Context, collection string, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	dim, err := s.Peek(ctx, collection)
	if err != nil {
		return fmt.Errorf("failed to peek collection %q: %w", collection, err)
	}
	for _, record := range records {
		if dim > 0 && len(record.Embedding) != dim {
			return &errs.EmbeddingDimensionError{Collection: collection, Want: dim, Got: len(record.Embedding)}
		}
		if dim == 0 {
			dim = len(record.Embedding)
		}
	}

	batch := &pgx.Batch{}
	for _, record := range records {
		batch.Queue(
			`INSERT INTO vector_records (collection, record_id, embedding, content, metadata)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (collection, record_id)
			 DO UPDATE SET embedding = EXCLUDED.embedding, content = EXCLUDED.content, metadata = EXCLUDED.metadata`,
			collection, record.ID, pgvector.NewVector(record.Embedding), record.Content, record.Metadata,
		)
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range records {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to upsert into %q: %w", collection, err)
		}
	}
	return nil
}

// Query embeds queryText and returns the topK nearest records by
// Euclidean distance, optionally filtered by metadata equality.
func (s *PGStore) Query(ctx context.Context, collection, queryText string, topK int, filter Filter) ([]Match, error) {
	if queryText == "" || topK <= 0 {
		return nil, nil
	}

	vector, err := s.embedder.Embed(ctx, queryText)
	if err != nil {
		s.logger.Warn("query embedding failed", zap.String("collection", collection), zap.Error(err))
		return nil, nil
	}

	dim, err := s.Peek(ctx, collection)
	if err != nil {
		s.logger.Warn("collection peek failed", zap.String("collection", collection), zap.Error(err))
		return nil, nil
	}
	if dim == 0 {
		// Empty or missing collection.
		return nil, nil
	}
	if len(vector) != dim {
		s.logger.Error("query embedding dimension mismatch",
			zap.String("collection", collection),
			zap.Int("collection_dim", dim),
			zap.Int("query_dim", len(vector)))
		return nil, nil
	}

	query := `SELECT record_id, content, metadata, embedding <-> $2 AS distance
	          FROM vector_records
	          WHERE collection = $1`
	args := []any{collection, pgvector.NewVector(vector)}
	idx := 3
	for key, value := range filter {
		query += fmt.Sprintf(" AND metadata->>$%d = $%d", idx, idx+1)
		args = append(args, key, fmt.Sprint(value))
		idx += 2
	}
	query += fmt.Sprintf(" ORDER BY distance ASC LIMIT $%d", idx)
	args = append(args, topK)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		s.logger.Warn("vector query failed", zap.String("collection", collection), zap.Error(err))
		return nil, nil
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.ID, &m.Content, &m.Metadata, &m.Distance); err != nil {
			return nil, fmt.Errorf("failed to scan vector match: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// Peek returns the collection's established vector dimension, or 0 when
// the collection holds no records.
func (s *PGStore) Peek(ctx context.Context, collection string) (int, error) {
	var vec pgvector.Vector
	err := s.pool.QueryRow(ctx,
		`SELECT embedding FROM vector_records WHERE collection = $1 LIMIT 1`,
		collection,
	).Scan(&vec)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return len(vec.Slice()), nil
}
