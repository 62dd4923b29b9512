package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"compliance-auditor/internal/errs"
	"compliance-auditor/internal/model"
)

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
	q    querier
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool, q: pool}
}

// Tx runs fn inside one transaction.
func (p *Postgres) Tx(ctx context.Context, fn func(Store) error) error {
	if _, inTx := p.q.(pgx.Tx); inTx {
		return fn(p)
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&Postgres{pool: p.pool, q: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ------------------------------------------------------------------ //
// Documents
// ------------------------------------------------------------------ //

func (p *Postgres) CreateDocument(ctx context.Context, doc *model.Document) error {
	if doc.ExternalID == "" {
		doc.ExternalID = uuid.New().String()
	}
	if doc.Status == "" {
		doc.Status = model.DocumentUploaded
	}
	return p.q.QueryRow(ctx,
		`INSERT INTO documents
		   (external_id, original_filename, stored_filename, storage_path, content_type,
		    size_bytes, sha256, status, source_type, organization, description)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		 RETURNING id, created_at, updated_at`,
		doc.ExternalID, doc.OriginalFilename, doc.StoredFilename, doc.StoragePath,
		doc.ContentType, doc.SizeBytes, doc.SHA256, doc.Status, doc.SourceType,
		nullable(doc.Organization), nullable(doc.Description),
	).Scan(&doc.ID, &doc.CreatedAt, &doc.UpdatedAt)
}

func (p *Postgres) DocumentByRef(ctx context.Context, ref string) (*model.Document, error) {
	query := `SELECT id, external_id, original_filename, stored_filename, storage_path,
	                 content_type, size_bytes, sha256, status, source_type,
	                 COALESCE(organization, ''), COALESCE(description, ''), created_at, updated_at
	          FROM documents WHERE `
	var arg any
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		query += "id = $1"
		arg = id
	} else {
		query += "external_id = $1"
		arg = ref
	}

	var doc model.Document
	err := p.q.QueryRow(ctx, query, arg).Scan(
		&doc.ID, &doc.ExternalID, &doc.OriginalFilename, &doc.StoredFilename,
		&doc.StoragePath, &doc.ContentType, &doc.SizeBytes, &doc.SHA256,
		&doc.Status, &doc.SourceType, &doc.Organization, &doc.Description,
		&doc.CreatedAt, &doc.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound("document", ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	return &doc, nil
}

func (p *Postgres) UpdateDocumentStatus(ctx context.Context, id int64, status string) error {
	tag, err := p.q.Exec(ctx,
		`UPDATE documents SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update document status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("document", strconv.FormatInt(id, 10))
	}
	return nil
}

// ------------------------------------------------------------------ //
// Chunks
// ------------------------------------------------------------------ //

const chunkColumns = `id, document_id, chunk_id, chunk_index,
	COALESCE(section_path, ''), COALESCE(parent_heading, ''), content,
	COALESCE(token_count, 0), metadata, embedding_status, created_at`

func scanChunk(row pgx.Row) (*model.Chunk, error) {
	var chunk model.Chunk
	err := row.Scan(
		&chunk.ID, &chunk.DocumentID, &chunk.ChunkID, &chunk.ChunkIndex,
		&chunk.SectionPath, &chunk.ParentHeading, &chunk.Content,
		&chunk.TokenCount, &chunk.Metadata, &chunk.EmbeddingStatus, &chunk.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &chunk, nil
}

func (p *Postgres) CreateChunks(ctx context.Context, chunks []model.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	return p.Tx(ctx, func(s Store) error {
		txp := s.(*Postgres)
		for i := range chunks {
			chunk := &chunks[i]
			err := txp.q.QueryRow(ctx,
				`INSERT INTO chunks
				   (document_id, chunk_id, chunk_index, section_path, parent_heading,
				    content, token_count, metadata, embedding_status)
				 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
				 RETURNING id, created_at`,
				chunk.DocumentID, chunk.ChunkID, chunk.ChunkIndex,
				nullable(chunk.SectionPath), nullable(chunk.ParentHeading),
				chunk.Content, chunk.TokenCount, chunk.Metadata, chunk.EmbeddingStatus,
			).Scan(&chunk.ID, &chunk.CreatedAt)
			if err != nil {
				return fmt.Errorf("failed to insert chunk %s: %w", chunk.ChunkID, err)
			}
		}
		return nil
	})
}

func (p *Postgres) ChunkByChunkID(ctx context.Context, chunkID string) (*model.Chunk, error) {
	chunk, err := scanChunk(p.q.QueryRow(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE chunk_id = $1`, chunkID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound("chunk", chunkID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load chunk: %w", err)
	}
	return chunk, nil
}

func (p *Postgres) ChunksInRange(ctx context.Context, documentID int64, lo, hi int) ([]model.Chunk, error) {
	rows, err := p.q.Query(ctx,
		`SELECT `+chunkColumns+` FROM chunks
		 WHERE document_id = $1 AND chunk_index >= $2 AND chunk_index <= $3
		 ORDER BY chunk_index ASC`,
		documentID, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunk range: %w", err)
	}
	return collectChunks(rows)
}

func (p *Postgres) CountChunks(ctx context.Context, documentID int64) (int, error) {
	var count int
	err := p.q.QueryRow(ctx,
		`SELECT COUNT(*) FROM chunks WHERE document_id = $1`, documentID).Scan(&count)
	return count, err
}

func (p *Postgres) PendingChunks(ctx context.Context, auditID, documentID int64, limit int) ([]model.Chunk, error) {
	query := `SELECT c.id, c.document_id, c.chunk_id, c.chunk_index,
	                 COALESCE(c.section_path, ''), COALESCE(c.parent_heading, ''), c.content,
	                 COALESCE(c.token_count, 0), c.metadata, c.embedding_status, c.created_at
	          FROM chunks c
	          LEFT JOIN audit_chunk_results r
	            ON r.audit_id = $1 AND r.chunk_id = c.chunk_id
	          WHERE c.document_id = $2 AND r.id IS NULL
	          ORDER BY c.chunk_index ASC`
	args := []any{auditID, documentID}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}
	rows, err := p.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending chunks: %w", err)
	}
	return collectChunks(rows)
}

func (p *Postgres) CountPendingChunks(ctx context.Context, auditID, documentID int64) (int, error) {
	var count int
	err := p.q.QueryRow(ctx,
		`SELECT COUNT(*)
		 FROM chunks c
		 LEFT JOIN audit_chunk_results r
		   ON r.audit_id = $1 AND r.chunk_id = c.chunk_id
		 WHERE c.document_id = $2 AND r.id IS NULL`,
		auditID, documentID).Scan(&count)
	return count, err
}

func (p *Postgres) UpdateChunkEmbeddingStatus(ctx context.Context, chunkID, status string) error {
	tag, err := p.q.Exec(ctx,
		`UPDATE chunks SET embedding_status = $2 WHERE chunk_id = $1`, chunkID, status)
	if err != nil {
		return fmt.Errorf("failed to update embedding status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("chunk", chunkID)
	}
	return nil
}

func collectChunks(rows pgx.Rows) ([]model.Chunk, error) {
	defer rows.Close()
	var chunks []model.Chunk
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, *chunk)
	}
	return chunks, rows.Err()
}

// ------------------------------------------------------------------ //
// Embedding jobs
// ------------------------------------------------------------------ //

func (p *Postgres) CreateEmbeddingJob(ctx context.Context, job *model.EmbeddingJob) error {
	if job.Status == "" {
		job.Status = model.EmbeddingPending
	}
	if job.JobType == "" {
		job.JobType = model.SourceManual
	}
	return p.q.QueryRow(ctx,
		`INSERT INTO embedding_jobs (document_id, status, job_type, provider, chunk_ids, attempts, metadata)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 RETURNING id, created_at`,
		job.DocumentID, job.Status, job.JobType, nullable(job.Provider),
		job.ChunkIDs, job.Attempts, job.Metadata,
	).Scan(&job.ID, &job.CreatedAt)
}

// ------------------------------------------------------------------ //
// Audits
// ------------------------------------------------------------------ //

const auditColumns = `id, external_id, document_id, status, is_draft, chunk_total,
	chunk_completed, COALESCE(last_chunk_id, ''), started_at, completed_at,
	failed_at, COALESCE(failure_reason, ''), created_at, updated_at`

func scanAudit(row pgx.Row) (*model.Audit, error) {
	var audit model.Audit
	err := row.Scan(
		&audit.ID, &audit.ExternalID, &audit.DocumentID, &audit.Status,
		&audit.IsDraft, &audit.ChunkTotal, &audit.ChunkCompleted, &audit.LastChunkID,
		&audit.StartedAt, &audit.CompletedAt, &audit.FailedAt, &audit.FailureReason,
		&audit.CreatedAt, &audit.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &audit, nil
}

func (p *Postgres) CreateAudit(ctx context.Context, audit *model.Audit) error {
	if audit.ExternalID == "" {
		audit.ExternalID = uuid.New().String()
	}
	if audit.Status == "" {
		audit.Status = model.AuditQueued
	}
	return p.q.QueryRow(ctx,
		`INSERT INTO audits (external_id, document_id, status, is_draft, chunk_total, chunk_completed)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 RETURNING id, created_at, updated_at`,
		audit.ExternalID, audit.DocumentID, audit.Status, audit.IsDraft,
		audit.ChunkTotal, audit.ChunkCompleted,
	).Scan(&audit.ID, &audit.CreatedAt, &audit.UpdatedAt)
}

func (p *Postgres) AuditByRef(ctx context.Context, ref string) (*model.Audit, error) {
	query := `SELECT ` + auditColumns + ` FROM audits WHERE `
	var arg any
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		query += "id = $1"
		arg = id
	} else {
		query += "external_id = $1"
		arg = ref
	}

	audit, err := scanAudit(p.q.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound("audit", ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load audit: %w", err)
	}
	return audit, nil
}

func (p *Postgres) UpdateAudit(ctx context.Context, audit *model.Audit) error {
	tag, err := p.q.Exec(ctx,
		`UPDATE audits SET
		   status = $2, chunk_total = $3, chunk_completed = $4, last_chunk_id = $5,
		   started_at = $6, completed_at = $7, failed_at = $8, failure_reason = $9,
		   updated_at = now()
		 WHERE id = $1`,
		audit.ID, audit.Status, audit.ChunkTotal, audit.ChunkCompleted,
		nullable(audit.LastChunkID), audit.StartedAt, audit.CompletedAt,
		audit.FailedAt, nullable(audit.FailureReason),
	)
	if err != nil {
		return fmt.Errorf("failed to update audit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("audit", strconv.FormatInt(audit.ID, 10))
	}
	return nil
}

func (p *Postgres) ListAudits(ctx context.Context, filter AuditFilter) ([]model.Audit, error) {
	query := `SELECT ` + auditColumns + ` FROM audits WHERE 1=1`
	var args []any
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.IsDraft != nil {
		args = append(args, *filter.IsDraft)
		query += fmt.Sprintf(" AND is_draft = $%d", len(args))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := p.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audits: %w", err)
	}
	defer rows.Close()

	var audits []model.Audit
	for rows.Next() {
		audit, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit: %w", err)
		}
		audits = append(audits, *audit)
	}
	return audits, rows.Err()
}

// ------------------------------------------------------------------ //
// Chunk results
// ------------------------------------------------------------------ //

func (p *Postgres) InsertChunkResult(ctx context.Context, result *model.AuditChunkResult) error {
	return p.q.QueryRow(ctx,
		`INSERT INTO audit_chunk_results (audit_id, chunk_id, chunk_index, status, analysis, context_token_count)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 RETURNING id, created_at`,
		result.AuditID, result.ChunkID, result.ChunkIndex, result.Status,
		result.Analysis, result.ContextTokenCount,
	).Scan(&result.ID, &result.CreatedAt)
}

// ------------------------------------------------------------------ //
// Flags and citations
// ------------------------------------------------------------------ //

const flagColumns = `id, audit_id, chunk_id, flag_type, severity_score, findings,
	gaps, recommendations, analysis_metadata, created_at`

func scanFlag(row pgx.Row) (*model.Flag, error) {
	var flag model.Flag
	err := row.Scan(
		&flag.ID, &flag.AuditID, &flag.ChunkID, &flag.FlagType, &flag.SeverityScore,
		&flag.Findings, &flag.Gaps, &flag.Recommendations, &flag.AnalysisMetadata,
		&flag.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &flag, nil
}

func (p *Postgres) FlagByAuditChunk(ctx context.Context, auditID int64, chunkID string) (*model.Flag, error) {
	flag, err := scanFlag(p.q.QueryRow(ctx,
		`SELECT `+flagColumns+` FROM flags WHERE audit_id = $1 AND chunk_id = $2`,
		auditID, chunkID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound("flag", chunkID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load flag: %w", err)
	}
	if err := p.loadCitations(ctx, flag); err != nil {
		return nil, err
	}
	return flag, nil
}

func (p *Postgres) SaveFlag(ctx context.Context, flag *model.Flag) error {
	if flag.ID == 0 {
		return p.q.QueryRow(ctx,
			`INSERT INTO flags (audit_id, chunk_id, flag_type, severity_score, findings,
			                    gaps, recommendations, analysis_metadata)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			 RETURNING id, created_at`,
			flag.AuditID, flag.ChunkID, flag.FlagType, flag.SeverityScore,
			flag.Findings, flag.Gaps, flag.Recommendations, flag.AnalysisMetadata,
		).Scan(&flag.ID, &flag.CreatedAt)
	}
	_, err := p.q.Exec(ctx,
		`UPDATE flags SET flag_type = $2, severity_score = $3, findings = $4,
		                  gaps = $5, recommendations = $6, analysis_metadata = $7,
		                  updated_at = now()
		 WHERE id = $1`,
		flag.ID, flag.FlagType, flag.SeverityScore, flag.Findings,
		flag.Gaps, flag.Recommendations, flag.AnalysisMetadata,
	)
	if err != nil {
		return fmt.Errorf("failed to update flag: %w", err)
	}
	return nil
}

func (p *Postgres) ReplaceCitations(ctx context.Context, flagID int64, citations []model.Citation) error {
	return p.Tx(ctx, func(s Store) error {
		txp := s.(*Postgres)
		if _, err := txp.q.Exec(ctx, `DELETE FROM citations WHERE flag_id = $1`, flagID); err != nil {
			return fmt.Errorf("failed to clear citations: %w", err)
		}
		for i := range citations {
			citation := &citations[i]
			citation.FlagID = flagID
			err := txp.q.QueryRow(ctx,
				`INSERT INTO citations (flag_id, citation_type, reference)
				 VALUES ($1,$2,$3) RETURNING id`,
				flagID, citation.CitationType, citation.Reference,
			).Scan(&citation.ID)
			if err != nil {
				return fmt.Errorf("failed to insert citation: %w", err)
			}
		}
		return nil
	})
}

func (p *Postgres) FlagsByAudit(ctx context.Context, auditID int64) ([]model.Flag, error) {
	rows, err := p.q.Query(ctx,
		`SELECT `+flagColumns+` FROM flags WHERE audit_id = $1
		 ORDER BY created_at ASC, id ASC`, auditID)
	if err != nil {
		return nil, fmt.Errorf("failed to query flags: %w", err)
	}
	flags, err := collectFlags(rows)
	if err != nil {
		return nil, err
	}
	for i := range flags {
		if err := p.loadCitations(ctx, &flags[i]); err != nil {
			return nil, err
		}
	}
	return flags, nil
}

func (p *Postgres) ListFlags(ctx context.Context, filter FlagFilter) ([]model.Flag, int, error) {
	where := ` FROM flags f WHERE f.audit_id = $1`
	args := []any{filter.AuditID}
	if filter.Severity != "" {
		args = append(args, filter.Severity)
		where += fmt.Sprintf(" AND f.flag_type = $%d", len(args))
	}
	if filter.Regulation != "" {
		args = append(args, filter.Regulation)
		where += fmt.Sprintf(
			" AND EXISTS (SELECT 1 FROM citations c WHERE c.flag_id = f.id AND c.citation_type = 'regulation' AND c.reference = $%d)",
			len(args))
	}

	var total int
	if err := p.q.QueryRow(ctx, "SELECT COUNT(*)"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count flags: %w", err)
	}

	query := `SELECT f.id, f.audit_id, f.chunk_id, f.flag_type, f.severity_score, f.findings,
	                 f.gaps, f.recommendations, f.analysis_metadata, f.created_at` +
		where + " ORDER BY f.created_at ASC, f.id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := p.q.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list flags: %w", err)
	}
	flags, err := collectFlags(rows)
	if err != nil {
		return nil, 0, err
	}
	for i := range flags {
		if err := p.loadCitations(ctx, &flags[i]); err != nil {
			return nil, 0, err
		}
	}
	return flags, total, nil
}

func (p *Postgres) loadCitations(ctx context.Context, flag *model.Flag) error {
	rows, err := p.q.Query(ctx,
		`SELECT id, flag_id, citation_type, reference FROM citations
		 WHERE flag_id = $1 ORDER BY id ASC`, flag.ID)
	if err != nil {
		return fmt.Errorf("failed to query citations: %w", err)
	}
	defer rows.Close()

	flag.Citations = nil
	for rows.Next() {
		var citation model.Citation
		if err := rows.Scan(&citation.ID, &citation.FlagID, &citation.CitationType, &citation.Reference); err != nil {
			return fmt.Errorf("failed to scan citation: %w", err)
		}
		flag.Citations = append(flag.Citations, citation)
	}
	return rows.Err()
}

func collectFlags(rows pgx.Rows) ([]model.Flag, error) {
	defer rows.Close()
	var flags []model.Flag
	for rows.Next() {
		flag, err := scanFlag(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flag: %w", err)
		}
		flags = append(flags, *flag)
	}
	return flags, rows.Err()
}

// ------------------------------------------------------------------ //
// Auditor questions
// ------------------------------------------------------------------ //

const questionColumns = `id, audit_id, regulation_reference, question_text, priority,
	COALESCE(rationale, ''), related_flag_ids, metadata, created_at`

func (p *Postgres) QuestionsByAuditRef(ctx context.Context, auditID int64, ref string) ([]model.AuditorQuestion, error) {
	rows, err := p.q.Query(ctx,
		`SELECT `+questionColumns+` FROM auditor_questions
		 WHERE audit_id = $1 AND regulation_reference = $2
		 ORDER BY priority ASC, id ASC`, auditID, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to query questions: %w", err)
	}
	return collectQuestions(rows)
}

func (p *Postgres) QuestionsByAudit(ctx context.Context, auditID int64) ([]model.AuditorQuestion, error) {
	rows, err := p.q.Query(ctx,
		`SELECT `+questionColumns+` FROM auditor_questions
		 WHERE audit_id = $1 ORDER BY priority ASC, id ASC`, auditID)
	if err != nil {
		return nil, fmt.Errorf("failed to query questions: %w", err)
	}
	return collectQuestions(rows)
}

func (p *Postgres) InsertQuestions(ctx context.Context, questions []model.AuditorQuestion) error {
	return p.Tx(ctx, func(s Store) error {
		txp := s.(*Postgres)
		for i := range questions {
			question := &questions[i]
			err := txp.q.QueryRow(ctx,
				`INSERT INTO auditor_questions
				   (audit_id, regulation_reference, question_text, priority, rationale,
				    related_flag_ids, metadata)
				 VALUES ($1,$2,$3,$4,$5,$6,$7)
				 RETURNING id, created_at`,
				question.AuditID, question.RegulationReference, question.QuestionText,
				question.Priority, nullable(question.Rationale),
				question.RelatedFlagIDs, question.Metadata,
			).Scan(&question.ID, &question.CreatedAt)
			if err != nil {
				return fmt.Errorf("failed to insert question: %w", err)
			}
		}
		return nil
	})
}

func collectQuestions(rows pgx.Rows) ([]model.AuditorQuestion, error) {
	defer rows.Close()
	var questions []model.AuditorQuestion
	for rows.Next() {
		var q model.AuditorQuestion
		err := rows.Scan(
			&q.ID, &q.AuditID, &q.RegulationReference, &q.QuestionText, &q.Priority,
			&q.Rationale, &q.RelatedFlagIDs, &q.Metadata, &q.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan question: %w", err)
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// ------------------------------------------------------------------ //
// Compliance scores
// ------------------------------------------------------------------ //

func (p *Postgres) SaveScore(ctx context.Context, score *model.ComplianceScore) error {
	return p.q.QueryRow(ctx,
		`INSERT INTO compliance_scores (audit_id, overall_score, red_count, yellow_count, green_count, total_flags)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (audit_id) DO UPDATE SET
		   overall_score = EXCLUDED.overall_score,
		   red_count = EXCLUDED.red_count,
		   yellow_count = EXCLUDED.yellow_count,
		   green_count = EXCLUDED.green_count,
		   total_flags = EXCLUDED.total_flags,
		   updated_at = now()
		 RETURNING id, created_at`,
		score.AuditID, score.OverallScore, score.RedCount, score.YellowCount,
		score.GreenCount, score.TotalFlags,
	).Scan(&score.ID, &score.CreatedAt)
}

func (p *Postgres) ScoreHistory(ctx context.Context, organization string, limit int) ([]model.ComplianceScore, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	query := `SELECT s.id, s.audit_id, s.overall_score, s.red_count, s.yellow_count,
	                 s.green_count, s.total_flags, s.created_at
	          FROM compliance_scores s
	          JOIN audits a ON a.id = s.audit_id`
	var args []any
	if organization != "" {
		query += ` JOIN documents d ON d.id = a.document_id WHERE d.organization = $1`
		args = append(args, organization)
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY s.created_at DESC LIMIT $%d", len(args))

	rows, err := p.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query score history: %w", err)
	}
	defer rows.Close()

	var scores []model.ComplianceScore
	for rows.Next() {
		var score model.ComplianceScore
		err := rows.Scan(
			&score.ID, &score.AuditID, &score.OverallScore, &score.RedCount,
			&score.YellowCount, &score.GreenCount, &score.TotalFlags, &score.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan score: %w", err)
		}
		scores = append(scores, score)
	}
	return scores, rows.Err()
}

// ------------------------------------------------------------------ //
// Helpers
// ------------------------------------------------------------------ //

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
