// Package store is the relational data-access layer. Postgres is the
// production backend; Memory backs tests. The handle is created once at
// startup and passed into constructors — no package-level state.
package store

import (
	"context"

	"compliance-auditor/internal/model"
)

// AuditFilter narrows ListAudits.
type AuditFilter struct {
	Status  string
	IsDraft *bool
	Limit   int
}

// FlagFilter narrows ListFlags.
type FlagFilter struct {
	AuditID    int64
	Severity   string
	Regulation string
	Limit      int
	Offset     int
}

// Store is the data-access handle shared by the pipeline components.
// Lookup methods return errs.NotFound-classified errors for missing
// rows.
type Store interface {
	// Tx runs fn inside one transaction; the Store passed to fn is
	// scoped to that transaction. Memory runs fn directly.
	Tx(ctx context.Context, fn func(Store) error) error

	// Documents
	CreateDocument(ctx context.Context, doc *model.Document) error
	DocumentByRef(ctx context.Context, ref string) (*model.Document, error)
	UpdateDocumentStatus(ctx context.Context, id int64, status string) error

	// Chunks
	CreateChunks(ctx context.Context, chunks []model.Chunk) error
	ChunkByChunkID(ctx context.Context, chunkID string) (*model.Chunk, error)
	ChunksInRange(ctx context.Context, documentID int64, lo, hi int) ([]model.Chunk, error)
	CountChunks(ctx context.Context, documentID int64) (int, error)
	PendingChunks(ctx context.Context, auditID, documentID int64, limit int) ([]model.Chunk, error)
	CountPendingChunks(ctx context.Context, auditID, documentID int64) (int, error)
	UpdateChunkEmbeddingStatus(ctx context.Context, chunkID, status string) error

	// Embedding jobs
	CreateEmbeddingJob(ctx context.Context, job *model.EmbeddingJob) error

	// Audits
	CreateAudit(ctx context.Context, audit *model.Audit) error
	AuditByRef(ctx context.Context, ref string) (*model.Audit, error)
	UpdateAudit(ctx context.Context, audit *model.Audit) error
	ListAudits(ctx context.Context, filter AuditFilter) ([]model.Audit, error)

	// Chunk results
	InsertChunkResult(ctx context.Context, result *model.AuditChunkResult) error

	// Flags and citations
	FlagByAuditChunk(ctx context.Context, auditID int64, chunkID string) (*model.Flag, error)
	SaveFlag(ctx context.Context, flag *model.Flag) error
	ReplaceCitations(ctx context.Context, flagID int64, citations []model.Citation) error
	FlagsByAudit(ctx context.Context, auditID int64) ([]model.Flag, error)
	ListFlags(ctx context.Context, filter FlagFilter) ([]model.Flag, int, error)

	// Auditor questions
	QuestionsByAuditRef(ctx context.Context, auditID int64, regulationReference string) ([]model.AuditorQuestion, error)
	QuestionsByAudit(ctx context.Context, auditID int64) ([]model.AuditorQuestion, error)
	InsertQuestions(ctx context.Context, questions []model.AuditorQuestion) error

	// Compliance scores
	SaveScore(ctx context.Context, score *model.ComplianceScore) error
	ScoreHistory(ctx context.Context, organization string, limit int) ([]model.ComplianceScore, error)
}
