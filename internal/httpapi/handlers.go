package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"compliance-auditor/internal/blobstore"
	"compliance-auditor/internal/errs"
	"compliance-auditor/internal/logging"
	"compliance-auditor/internal/model"
	"compliance-auditor/internal/scheduler"
	"compliance-auditor/internal/scoring"
	"compliance-auditor/internal/store"
)

// ------------------------------------------------------------------ //
// Documents
// ------------------------------------------------------------------ //

// createDocument accepts a multipart upload, stores the original under
// the data root, and creates the Document row. Manuals also get a
// queued audit and a pending embedding job; the chunking+embedding
// pipeline itself runs outside this service.
func (s *Server) createDocument(c *gin.Context) {
	ctx := c.Request.Context()
	log := logging.FromContext(ctx)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	sourceType := c.DefaultPostForm("source_type", model.SourceManual)
	switch sourceType {
	case model.SourceManual, model.SourceRegulation, model.SourceAMC, model.SourceGM, model.SourceEvidence:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid source_type %q", sourceType)})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read upload"})
		return
	}
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read upload"})
		return
	}

	sum := sha256.Sum256(content)
	shaHex := hex.EncodeToString(sum[:])
	ext := strings.TrimPrefix(filepath.Ext(fileHeader.Filename), ".")
	if ext == "" {
		ext = "bin"
	}
	key := blobstore.UploadKey(time.Now(), shaHex, ext)
	if err := s.blobs.Put(ctx, key, strings.NewReader(string(content)), int64(len(content)), fileHeader.Header.Get("Content-Type")); err != nil {
		log.Error("failed to store upload", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store upload"})
		return
	}

	doc := &model.Document{
		OriginalFilename: fileHeader.Filename,
		StoredFilename:   shaHex + "." + ext,
		StoragePath:      key,
		ContentType:      fileHeader.Header.Get("Content-Type"),
		SizeBytes:        int64(len(content)),
		SHA256:           shaHex,
		SourceType:       sourceType,
		Organization:     c.PostForm("organization"),
		Description:      c.PostForm("description"),
	}
	if err := s.store.CreateDocument(ctx, doc); err != nil {
		log.Error("failed to create document", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create document"})
		return
	}

	response := gin.H{"document": doc}
	if sourceType == model.SourceManual {
		if err := s.store.CreateEmbeddingJob(ctx, &model.EmbeddingJob{
			DocumentID: doc.ID,
			JobType:    sourceType,
		}); err != nil {
			log.Warn("failed to create embedding job", zap.Error(err))
		}

		audit := &model.Audit{DocumentID: doc.ID}
		if err := s.store.CreateAudit(ctx, audit); err != nil {
			log.Error("failed to create audit", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create audit"})
			return
		}
		response["audit"] = audit
	}

	c.JSON(http.StatusCreated, response)
}

// ------------------------------------------------------------------ //
// Audits
// ------------------------------------------------------------------ //

type createAuditRequest struct {
	DocumentID any  `json:"document_id"`
	IsDraft    bool `json:"is_draft"`
}

func (s *Server) createAudit(c *gin.Context) {
	ctx := c.Request.Context()

	var req createAuditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.DocumentID == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "document_id is required"})
		return
	}

	docRef := fmt.Sprint(req.DocumentID)
	if f, ok := req.DocumentID.(float64); ok {
		docRef = strconv.FormatInt(int64(f), 10)
	}
	doc, err := s.store.DocumentByRef(ctx, docRef)
	if err != nil {
		if errs.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("document '%s' not found", docRef)})
			return
		}
		s.internalError(c, err)
		return
	}

	audit := &model.Audit{DocumentID: doc.ID, IsDraft: req.IsDraft}
	if err := s.store.CreateAudit(ctx, audit); err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"audit": audit})
}

func (s *Server) listAudits(c *gin.Context) {
	filter := store.AuditFilter{
		Status: c.Query("status"),
		Limit:  50,
	}
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			filter.Limit = parsed
		}
	}
	if raw := c.Query("is_draft"); raw != "" {
		isDraft := raw == "true" || raw == "1" || raw == "yes"
		filter.IsDraft = &isDraft
	}

	audits, err := s.store.ListAudits(c.Request.Context(), filter)
	if err != nil {
		s.internalError(c, err)
		return
	}

	items := make([]gin.H, 0, len(audits))
	for i := range audits {
		items = append(items, s.auditView(c, &audits[i]))
	}
	c.JSON(http.StatusOK, gin.H{"audits": items, "count": len(items)})
}

func (s *Server) auditView(c *gin.Context, audit *model.Audit) gin.H {
	view := gin.H{"audit": audit}
	if doc, err := s.store.DocumentByRef(c.Request.Context(), strconv.FormatInt(audit.DocumentID, 10)); err == nil {
		view["document"] = gin.H{
			"id":                doc.ID,
			"external_id":       doc.ExternalID,
			"original_filename": doc.OriginalFilename,
		}
	}
	if audit.Status == model.AuditCompleted {
		if flags, err := s.store.FlagsByAudit(c.Request.Context(), audit.ID); err == nil {
			view["flag_summary"] = scoring.Summarize(flags)
		}
	}
	return view
}

func (s *Server) getAudit(c *gin.Context) {
	audit, ok := s.resolveAudit(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.auditView(c, audit))
}

func (s *Server) getAuditStatus(c *gin.Context) {
	audit, ok := s.resolveAudit(c)
	if !ok {
		return
	}

	progress := 0.0
	if audit.ChunkTotal > 0 {
		progress = float64(audit.ChunkCompleted) / float64(audit.ChunkTotal) * 100
	}

	etaSeconds, etaFormatted := computeETA(audit)
	c.JSON(http.StatusOK, gin.H{
		"id":               audit.ID,
		"external_id":      audit.ExternalID,
		"status":           audit.Status,
		"is_draft":         audit.IsDraft,
		"chunk_total":      audit.ChunkTotal,
		"chunk_completed":  audit.ChunkCompleted,
		"progress_percent": progress,
		"current_activity": currentActivity(audit),
		"eta_seconds":      etaSeconds,
		"eta_formatted":    etaFormatted,
		"started_at":       audit.StartedAt,
		"completed_at":     audit.CompletedAt,
		"failed_at":        audit.FailedAt,
		"failure_reason":   audit.FailureReason,
	})
}

// currentActivity renders the poll endpoint's human-readable progress
// line.
func currentActivity(audit *model.Audit) string {
	switch audit.Status {
	case model.AuditQueued:
		return "Waiting in queue..."
	case model.AuditRunning:
		switch {
		case audit.ChunkTotal == 0:
			return "Initializing audit process..."
		case audit.ChunkCompleted == 0:
			return fmt.Sprintf("Starting analysis of %d chunks...", audit.ChunkTotal)
		case audit.LastChunkID != "":
			progress := float64(audit.ChunkCompleted) / float64(audit.ChunkTotal) * 100
			return fmt.Sprintf("Analyzing chunk %d of %d (%.1f%% complete)",
				audit.ChunkCompleted+1, audit.ChunkTotal, progress)
		default:
			return fmt.Sprintf("Analyzing chunk %d of %d", audit.ChunkCompleted+1, audit.ChunkTotal)
		}
	case model.AuditCompleted:
		return fmt.Sprintf("Audit completed successfully - %d chunks analyzed", audit.ChunkCompleted)
	case model.AuditFailed:
		reason := audit.FailureReason
		if len(reason) > 200 {
			reason = reason[:200]
		}
		return "Audit failed: " + reason
	default:
		return "Status: " + audit.Status
	}
}

// computeETA projects remaining wall-clock from the observed rate.
func computeETA(audit *model.Audit) (*float64, *string) {
	if audit.Status != model.AuditRunning || audit.ChunkCompleted == 0 || audit.StartedAt == nil {
		return nil, nil
	}
	elapsed := time.Since(*audit.StartedAt).Seconds()
	if elapsed <= 0 {
		return nil, nil
	}
	rate := float64(audit.ChunkCompleted) / elapsed
	if rate <= 0 {
		return nil, nil
	}
	remaining := float64(audit.ChunkTotal - audit.ChunkCompleted)
	eta := remaining / rate

	var formatted string
	switch {
	case eta < 60:
		formatted = fmt.Sprintf("%ds", int(eta))
	case eta < 3600:
		formatted = fmt.Sprintf("%dm %ds", int(eta/60), int(eta)%60)
	default:
		formatted = fmt.Sprintf("%dh %dm", int(eta/3600), int(eta)%3600/60)
	}
	return &eta, &formatted
}

// resumeAudit flips a failed audit back to running synchronously so a
// concurrent poll sees the transition immediately, then hands the run
// off to the background queue.
func (s *Server) resumeAudit(c *gin.Context) {
	ctx := c.Request.Context()
	audit, ok := s.resolveAudit(c)
	if !ok {
		return
	}
	if audit.Status == model.AuditCompleted {
		c.JSON(http.StatusBadRequest, gin.H{"error": "audit is already completed"})
		return
	}

	if audit.Status == model.AuditFailed {
		audit.Status = model.AuditRunning
		audit.FailureReason = ""
		audit.FailedAt = nil
		if err := s.store.UpdateAudit(ctx, audit); err != nil {
			s.internalError(c, err)
			return
		}
	}

	if err := s.queue.Enqueue(ctx, scheduler.Job{AuditRef: audit.ExternalID}); err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  audit.Status,
		"message": "audit resume scheduled",
	})
}

func (s *Server) listFlags(c *gin.Context) {
	audit, ok := s.resolveAudit(c)
	if !ok {
		return
	}

	filter := store.FlagFilter{
		AuditID:    audit.ID,
		Severity:   c.Query("severity"),
		Regulation: c.Query("regulation"),
		Limit:      50,
	}
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			filter.Limit = parsed
		}
	}
	if raw := c.Query("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			filter.Offset = parsed
		}
	}

	flags, total, err := s.store.ListFlags(c.Request.Context(), filter)
	if err != nil {
		s.internalError(c, err)
		return
	}

	response := gin.H{
		"flags":  flags,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	}
	if c.Query("include_questions") == "true" {
		questions, err := s.store.QuestionsByAudit(c.Request.Context(), audit.ID)
		if err != nil {
			s.internalError(c, err)
			return
		}
		response["questions"] = questions
	}
	c.JSON(http.StatusOK, response)
}

// ------------------------------------------------------------------ //
// Scores
// ------------------------------------------------------------------ //

func (s *Server) scoreHistory(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > 100 {
		limit = 100
	}

	scores, err := s.scores.GetScoreHistory(c.Request.Context(), c.Query("organization"), limit)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scores": scores, "count": len(scores)})
}

// ------------------------------------------------------------------ //
// Helpers
// ------------------------------------------------------------------ //

func (s *Server) resolveAudit(c *gin.Context) (*model.Audit, bool) {
	audit, err := s.store.AuditByRef(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errs.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "audit not found"})
			return nil, false
		}
		s.internalError(c, err)
		return nil, false
	}
	return audit, true
}

func (s *Server) internalError(c *gin.Context, err error) {
	logging.FromContext(c.Request.Context()).Error("request failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}

// ------------------------------------------------------------------ //
// Auditor questions
// ------------------------------------------------------------------ //

// generateQuestions triggers question generation for an audit's flag
// set. Idempotent per regulation reference.
func (s *Server) generateQuestions(c *gin.Context) {
	audit, ok := s.resolveAudit(c)
	if !ok {
		return
	}
	if s.questions == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "question generator not configured"})
		return
	}
	created, err := s.questions.GenerateForAudit(c.Request.Context(), audit.ID)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"questions_created": created})
}
