package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"compliance-auditor/internal/errs"
	"compliance-auditor/internal/model"
)

// Memory is an in-memory Store for tests. It mirrors the Postgres
// semantics closely enough for the runner, flagging, scoring, and
// question tests to run without a database.
type Memory struct {
	mu sync.Mutex

	nextID    int64
	clock     time.Time
	documents map[int64]*model.Document
	chunks    []*model.Chunk
	audits    map[int64]*model.Audit
	results   []*model.AuditChunkResult
	flags     []*model.Flag
	questions []*model.AuditorQuestion
	scores    map[int64]*model.ComplianceScore
	jobs      []*model.EmbeddingJob
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		clock:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		documents: make(map[int64]*model.Document),
		audits:    make(map[int64]*model.Audit),
		scores:    make(map[int64]*model.ComplianceScore),
	}
}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

// tick returns a strictly increasing timestamp so created_at ordering is
// deterministic in tests.
func (m *Memory) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func (m *Memory) Tx(_ context.Context, fn func(Store) error) error {
	return fn(m)
}

// ------------------------------------------------------------------ //
// Documents
// ------------------------------------------------------------------ //

func (m *Memory) CreateDocument(_ context.Context, doc *model.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc.ExternalID == "" {
		doc.ExternalID = uuid.New().String()
	}
	if doc.Status == "" {
		doc.Status = model.DocumentUploaded
	}
	doc.ID = m.id()
	doc.CreatedAt = m.tick()
	doc.UpdatedAt = doc.CreatedAt
	copied := *doc
	m.documents[doc.ID] = &copied
	return nil
}

func (m *Memory) DocumentByRef(_ context.Context, ref string) (*model.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		if doc, ok := m.documents[id]; ok {
			copied := *doc
			return &copied, nil
		}
		return nil, errs.NotFound("document", ref)
	}
	for _, doc := range m.documents {
		if doc.ExternalID == ref {
			copied := *doc
			return &copied, nil
		}
	}
	return nil, errs.NotFound("document", ref)
}

func (m *Memory) UpdateDocumentStatus(_ context.Context, id int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.documents[id]
	if !ok {
		return errs.NotFound("document", strconv.FormatInt(id, 10))
	}
	doc.Status = status
	doc.UpdatedAt = m.tick()
	return nil
}

// ------------------------------------------------------------------ //
// Chunks
// ------------------------------------------------------------------ //

func (m *Memory) CreateChunks(_ context.Context, chunks []model.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range chunks {
		chunks[i].ID = m.id()
		chunks[i].CreatedAt = m.tick()
		copied := chunks[i]
		m.chunks = append(m.chunks, &copied)
	}
	return nil
}

func (m *Memory) ChunkByChunkID(_ context.Context, chunkID string) (*model.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, chunk := range m.chunks {
		if chunk.ChunkID == chunkID {
			copied := *chunk
			return &copied, nil
		}
	}
	return nil, errs.NotFound("chunk", chunkID)
}

func (m *Memory) ChunksInRange(_ context.Context, documentID int64, lo, hi int) ([]model.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Chunk
	for _, chunk := range m.chunks {
		if chunk.DocumentID == documentID && chunk.ChunkIndex >= lo && chunk.ChunkIndex <= hi {
			out = append(out, *chunk)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out, nil
}

func (m *Memory) CountChunks(_ context.Context, documentID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, chunk := range m.chunks {
		if chunk.DocumentID == documentID {
			count++
		}
	}
	return count, nil
}

func (m *Memory) PendingChunks(_ context.Context, auditID, documentID int64, limit int) ([]model.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	done := make(map[string]bool)
	for _, result := range m.results {
		if result.AuditID == auditID {
			done[result.ChunkID] = true
		}
	}
	var out []model.Chunk
	for _, chunk := range m.chunks {
		if chunk.DocumentID == documentID && !done[chunk.ChunkID] {
			out = append(out, *chunk)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CountPendingChunks(ctx context.Context, auditID, documentID int64) (int, error) {
	pending, err := m.PendingChunks(ctx, auditID, documentID, 0)
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}

func (m *Memory) UpdateChunkEmbeddingStatus(_ context.Context, chunkID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, chunk := range m.chunks {
		if chunk.ChunkID == chunkID {
			chunk.EmbeddingStatus = status
			return nil
		}
	}
	return errs.NotFound("chunk", chunkID)
}

// ------------------------------------------------------------------ //
// Embedding jobs
// ------------------------------------------------------------------ //

func (m *Memory) CreateEmbeddingJob(_ context.Context, job *model.EmbeddingJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.Status == "" {
		job.Status = model.EmbeddingPending
	}
	job.ID = m.id()
	job.CreatedAt = m.tick()
	copied := *job
	m.jobs = append(m.jobs, &copied)
	return nil
}

// ------------------------------------------------------------------ //
// Audits
// ------------------------------------------------------------------ //

func (m *Memory) CreateAudit(_ context.Context, audit *model.Audit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if audit.ExternalID == "" {
		audit.ExternalID = uuid.New().String()
	}
	if audit.Status == "" {
		audit.Status = model.AuditQueued
	}
	audit.ID = m.id()
	audit.CreatedAt = m.tick()
	audit.UpdatedAt = audit.CreatedAt
	copied := *audit
	m.audits[audit.ID] = &copied
	return nil
}

func (m *Memory) AuditByRef(_ context.Context, ref string) (*model.Audit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		if audit, ok := m.audits[id]; ok {
			copied := *audit
			return &copied, nil
		}
		return nil, errs.NotFound("audit", ref)
	}
	for _, audit := range m.audits {
		if audit.ExternalID == ref {
			copied := *audit
			return &copied, nil
		}
	}
	return nil, errs.NotFound("audit", ref)
}

func (m *Memory) UpdateAudit(_ context.Context, audit *model.Audit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.audits[audit.ID]
	if !ok {
		return errs.NotFound("audit", strconv.FormatInt(audit.ID, 10))
	}
	audit.UpdatedAt = m.tick()
	copied := *audit
	copied.CreatedAt = stored.CreatedAt
	m.audits[audit.ID] = &copied
	return nil
}

func (m *Memory) ListAudits(_ context.Context, filter AuditFilter) ([]model.Audit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Audit
	for _, audit := range m.audits {
		if filter.Status != "" && audit.Status != filter.Status {
			continue
		}
		if filter.IsDraft != nil && audit.IsDraft != *filter.IsDraft {
			continue
		}
		out = append(out, *audit)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ------------------------------------------------------------------ //
// Chunk results
// ------------------------------------------------------------------ //

func (m *Memory) InsertChunkResult(_ context.Context, result *model.AuditChunkResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.results {
		if existing.AuditID == result.AuditID && existing.ChunkID == result.ChunkID {
			return errs.Validation("duplicate chunk result for audit %d chunk %s", result.AuditID, result.ChunkID)
		}
	}
	result.ID = m.id()
	result.CreatedAt = m.tick()
	copied := *result
	m.results = append(m.results, &copied)
	return nil
}

// Results exposes the stored chunk results for test assertions.
func (m *Memory) Results(auditID int64) []model.AuditChunkResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.AuditChunkResult
	for _, result := range m.results {
		if result.AuditID == auditID {
			out = append(out, *result)
		}
	}
	return out
}

// ------------------------------------------------------------------ //
// Flags and citations
// ------------------------------------------------------------------ //

func (m *Memory) FlagByAuditChunk(_ context.Context, auditID int64, chunkID string) (*model.Flag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, flag := range m.flags {
		if flag.AuditID == auditID && flag.ChunkID == chunkID {
			copied := *flag
			copied.Citations = append([]model.Citation(nil), flag.Citations...)
			return &copied, nil
		}
	}
	return nil, errs.NotFound("flag", chunkID)
}

func (m *Memory) SaveFlag(_ context.Context, flag *model.Flag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if flag.ID == 0 {
		flag.ID = m.id()
		flag.CreatedAt = m.tick()
		copied := *flag
		m.flags = append(m.flags, &copied)
		return nil
	}
	for i, existing := range m.flags {
		if existing.ID == flag.ID {
			copied := *flag
			copied.CreatedAt = existing.CreatedAt
			copied.Citations = existing.Citations
			m.flags[i] = &copied
			return nil
		}
	}
	return errs.NotFound("flag", strconv.FormatInt(flag.ID, 10))
}

func (m *Memory) ReplaceCitations(_ context.Context, flagID int64, citations []model.Citation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, flag := range m.flags {
		if flag.ID == flagID {
			flag.Citations = nil
			for i := range citations {
				citations[i].ID = m.id()
				citations[i].FlagID = flagID
				flag.Citations = append(flag.Citations, citations[i])
			}
			return nil
		}
	}
	return errs.NotFound("flag", strconv.FormatInt(flagID, 10))
}

func (m *Memory) FlagsByAudit(_ context.Context, auditID int64) ([]model.Flag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Flag
	for _, flag := range m.flags {
		if flag.AuditID == auditID {
			copied := *flag
			copied.Citations = append([]model.Citation(nil), flag.Citations...)
			out = append(out, copied)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) ListFlags(ctx context.Context, filter FlagFilter) ([]model.Flag, int, error) {
	flags, err := m.FlagsByAudit(ctx, filter.AuditID)
	if err != nil {
		return nil, 0, err
	}
	var filtered []model.Flag
	for _, flag := range flags {
		if filter.Severity != "" && flag.FlagType != filter.Severity {
			continue
		}
		if filter.Regulation != "" {
			found := false
			for _, citation := range flag.Citations {
				if citation.CitationType == model.CitationRegulation && citation.Reference == filter.Regulation {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		filtered = append(filtered, flag)
	}
	total := len(filtered)
	if filter.Offset > 0 {
		if filter.Offset >= len(filtered) {
			filtered = nil
		} else {
			filtered = filtered[filter.Offset:]
		}
	}
	if filter.Limit > 0 && len(filtered) > filter.Limit {
		filtered = filtered[:filter.Limit]
	}
	return filtered, total, nil
}

// ------------------------------------------------------------------ //
// Auditor questions
// ------------------------------------------------------------------ //

func (m *Memory) QuestionsByAuditRef(_ context.Context, auditID int64, ref string) ([]model.AuditorQuestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.AuditorQuestion
	for _, question := range m.questions {
		if question.AuditID == auditID && question.RegulationReference == ref {
			out = append(out, *question)
		}
	}
	return out, nil
}

func (m *Memory) QuestionsByAudit(_ context.Context, auditID int64) ([]model.AuditorQuestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.AuditorQuestion
	for _, question := range m.questions {
		if question.AuditID == auditID {
			out = append(out, *question)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority == out[j].Priority {
			return out[i].ID < out[j].ID
		}
		return out[i].Priority < out[j].Priority
	})
	return out, nil
}

func (m *Memory) InsertQuestions(_ context.Context, questions []model.AuditorQuestion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range questions {
		questions[i].ID = m.id()
		questions[i].CreatedAt = m.tick()
		copied := questions[i]
		m.questions = append(m.questions, &copied)
	}
	return nil
}

// ------------------------------------------------------------------ //
// Compliance scores
// ------------------------------------------------------------------ //

func (m *Memory) SaveScore(_ context.Context, score *model.ComplianceScore) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.scores[score.AuditID]; ok {
		score.ID = existing.ID
		score.CreatedAt = existing.CreatedAt
	} else {
		score.ID = m.id()
		score.CreatedAt = m.tick()
	}
	copied := *score
	m.scores[score.AuditID] = &copied
	return nil
}

func (m *Memory) ScoreHistory(_ context.Context, organization string, limit int) ([]model.ComplianceScore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	var out []model.ComplianceScore
	for _, score := range m.scores {
		if organization != "" {
			audit, ok := m.audits[score.AuditID]
			if !ok {
				continue
			}
			doc, ok := m.documents[audit.DocumentID]
			if !ok || doc.Organization != organization {
				continue
			}
		}
		out = append(out, *score)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
