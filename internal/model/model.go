// Package model holds the persisted record types. These are plain structs
// with integer surrogate ids; relations and cascade deletes live in the
// SQL schema, not here.
package model

import (
	"strings"
	"time"
)

// Document source classes. Enforced by a check constraint in the schema.
const (
	SourceManual     = "manual"
	SourceRegulation = "regulation"
	SourceAMC        = "amc"
	SourceGM         = "gm"
	SourceEvidence   = "evidence"
)

// Document statuses.
const (
	DocumentUploaded  = "uploaded"
	DocumentProcessed = "processed"
	DocumentFailed    = "failed"
)

// Audit statuses.
const (
	AuditQueued    = "queued"
	AuditRunning   = "running"
	AuditCompleted = "completed"
	AuditFailed    = "failed"
)

// Chunk embedding statuses.
const (
	EmbeddingPending    = "pending"
	EmbeddingInProgress = "in_progress"
	EmbeddingCompleted  = "completed"
	EmbeddingFailed     = "failed"
)

// Flag classes.
const (
	FlagRed    = "RED"
	FlagYellow = "YELLOW"
	FlagGreen  = "GREEN"
)

// Citation types.
const (
	CitationManual     = "manual"
	CitationRegulation = "regulation"
)

// Document is an uploaded tenant artifact.
type Document struct {
	ID               int64     `json:"id"`
	ExternalID       string    `json:"external_id"`
	OriginalFilename string    `json:"original_filename"`
	StoredFilename   string    `json:"stored_filename"`
	StoragePath      string    `json:"storage_path"`
	ContentType      string    `json:"content_type"`
	SizeBytes        int64     `json:"size_bytes"`
	SHA256           string    `json:"sha256"`
	Status           string    `json:"status"`
	SourceType       string    `json:"source_type"`
	Organization     string    `json:"organization,omitempty"`
	Description      string    `json:"description,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ChunkMetadata carries the known chunk metadata keys plus any
// caller-supplied section metadata. Unknown keys stay in Extra so nothing
// is lost across the persistence boundary.
type ChunkMetadata struct {
	SectionIndex    int            `json:"section_index"`
	ChunkIndex      int            `json:"chunk_index"`
	TokenCount      int            `json:"token_count,omitempty"`
	ChunkingMode    string         `json:"chunking_mode,omitempty"`
	PrevChunkID     string         `json:"prev_chunk_id,omitempty"`
	NextChunkID     string         `json:"next_chunk_id,omitempty"`
	TokenStart      int            `json:"token_start,omitempty"`
	TokenEnd        int            `json:"token_end,omitempty"`
	SectionMetadata map[string]any `json:"section_metadata,omitempty"`
	Extra           map[string]any `json:"extra,omitempty"`
}

// Chunk is the unit of analysis. Immutable once created except for
// EmbeddingStatus.
type Chunk struct {
	ID              int64         `json:"id"`
	DocumentID      int64         `json:"document_id"`
	ChunkID         string        `json:"chunk_id"`
	ChunkIndex      int           `json:"chunk_index"`
	SectionPath     string        `json:"section_path,omitempty"`
	ParentHeading   string        `json:"parent_heading,omitempty"`
	Content         string        `json:"content"`
	TokenCount      int           `json:"token_count"`
	Metadata        ChunkMetadata `json:"metadata"`
	EmbeddingStatus string        `json:"embedding_status"`
	CreatedAt       time.Time     `json:"created_at"`
}

// SectionPathParts splits the rendered "a > b > c" section path.
func (c *Chunk) SectionPathParts() []string {
	if c.SectionPath == "" {
		return nil
	}
	parts := strings.Split(c.SectionPath, ">")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// EmbeddingJob tracks one embedding batch for a document. The job runner
// itself is an external collaborator; only the row shape is owned here.
type EmbeddingJob struct {
	ID          int64          `json:"id"`
	DocumentID  int64          `json:"document_id"`
	Status      string         `json:"status"`
	JobType     string         `json:"job_type"`
	Provider    string         `json:"provider,omitempty"`
	ChunkIDs    []string       `json:"chunk_ids,omitempty"`
	Attempts    int            `json:"attempts"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Audit is one execution of the compliance pipeline against a document.
type Audit struct {
	ID             int64      `json:"id"`
	ExternalID     string     `json:"external_id"`
	DocumentID     int64      `json:"document_id"`
	Status         string     `json:"status"`
	IsDraft        bool       `json:"is_draft"`
	ChunkTotal     int        `json:"chunk_total"`
	ChunkCompleted int        `json:"chunk_completed"`
	LastChunkID    string     `json:"last_chunk_id,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	FailedAt       *time.Time `json:"failed_at,omitempty"`
	FailureReason  string     `json:"failure_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// AuditChunkResult is the durable per-(audit, chunk) analysis record.
// Analysis holds the normalized analysis JSON augmented with the context
// summary snapshot.
type AuditChunkResult struct {
	ID                int64     `json:"id"`
	AuditID           int64     `json:"audit_id"`
	ChunkID           string    `json:"chunk_id"`
	ChunkIndex        int       `json:"chunk_index"`
	Status            string    `json:"status"`
	Analysis          []byte    `json:"analysis"`
	ContextTokenCount int       `json:"context_token_count"`
	CreatedAt         time.Time `json:"created_at"`
}

// Flag is the analysis outcome for one (audit, chunk).
type Flag struct {
	ID               int64          `json:"id"`
	AuditID          int64          `json:"audit_id"`
	ChunkID          string         `json:"chunk_id"`
	FlagType         string         `json:"flag_type"`
	SeverityScore    int            `json:"severity_score"`
	Findings         string         `json:"findings"`
	Gaps             []string       `json:"gaps,omitempty"`
	Recommendations  []string       `json:"recommendations,omitempty"`
	AnalysisMetadata map[string]any `json:"analysis_metadata,omitempty"`
	Citations        []Citation     `json:"citations,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Citation links a flag to a manual or regulation reference.
type Citation struct {
	ID           int64  `json:"id"`
	FlagID       int64  `json:"flag_id"`
	CitationType string `json:"citation_type"`
	Reference    string `json:"reference"`
}

// AuditorQuestion is a prioritized reviewer question for one regulation
// reference of an audit. Priority 1 is highest, 10 lowest.
type AuditorQuestion struct {
	ID                  int64          `json:"id"`
	AuditID             int64          `json:"audit_id"`
	RegulationReference string         `json:"regulation_reference"`
	QuestionText        string         `json:"question_text"`
	Priority            int            `json:"priority"`
	Rationale           string         `json:"rationale,omitempty"`
	RelatedFlagIDs      []int64        `json:"related_flag_ids,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
}

// ComplianceScore is a per-audit score snapshot.
type ComplianceScore struct {
	ID           int64     `json:"id"`
	AuditID      int64     `json:"audit_id"`
	OverallScore float64   `json:"overall_score"`
	RedCount     int       `json:"red_count"`
	YellowCount  int       `json:"yellow_count"`
	GreenCount   int       `json:"green_count"`
	TotalFlags   int       `json:"total_flags"`
	CreatedAt    time.Time `json:"created_at"`
}
