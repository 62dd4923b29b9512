// Package vectorstore provides the keyed vector collections the context
// builder reads. The Postgres backend stores all collections in one
// pgvector table; an in-memory backend serves tests.
package vectorstore

import "context"

// Collection names by semantic class.
const (
	CollectionManual     = "manual_chunks"
	CollectionRegulation = "regulation_chunks"
	CollectionAMC        = "amc_chunks"
	CollectionGM         = "gm_chunks"
	CollectionEvidence   = "evidence_chunks"
)

// Record is one entry of a collection.
type Record struct {
	ID        string
	Embedding []float32
	Content   string
	Metadata  map[string]any
}

// Match is a similarity query hit. Distance is Euclidean; smaller is
// better.
type Match struct {
	ID       string
	Content  string
	Metadata map[string]any
	Distance float32
}

// Filter is an AND of equality predicates on record metadata.
type Filter map[string]any

// Store is the vector collection interface. A missing collection yields
// empty results, never an error. Upsert surfaces
// errs.EmbeddingDimensionError when a vector's dimension does not match
// the collection's established dimension; Query logs the mismatch and
// returns no results instead of failing the audit.
type Store interface {
	Upsert(ctx context.Context, collection string, records []Record) error
	Query(ctx context.Context, collection, queryText string, topK int, filter Filter) ([]Match, error)
	Peek(ctx context.Context, collection string) (dimension int, err error)
}
