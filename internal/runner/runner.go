// Package runner drives audit execution: context building, analysis,
// bounded refinement, flag synthesis, and the audit state machine, one
// chunk at a time in chunk_index order.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"compliance-auditor/internal/analysis"
	"compliance-auditor/internal/contextbuild"
	"compliance-auditor/internal/errs"
	"compliance-auditor/internal/flagging"
	"compliance-auditor/internal/logging"
	"compliance-auditor/internal/metrics"
	"compliance-auditor/internal/model"
	"compliance-auditor/internal/scoring"
	"compliance-auditor/internal/store"
)

// draftChunkLimit bounds draft audits when the caller gives no limit.
const draftChunkLimit = 5

// maxFailureReasonLen matches the audits.failure_reason column bound.
const maxFailureReasonLen = 500

// ContextBuilder is satisfied by both the base and the recursive
// context builders.
type ContextBuilder interface {
	BuildContext(ctx context.Context, req contextbuild.Request) (*contextbuild.Bundle, error)
}

// Config is the runner's slice of the deployment configuration.
type Config struct {
	ChunkProcessingDelay      float64
	RefinementMaxAttempts     int
	RefinementManualWindow    int
	RefinementTokenMultiplier float64
	RefinementIncludeEvidence bool
	// Recursive raises the refinement attempt floor to 5: reference
	// following makes repeated targeted searches worthwhile.
	Recursive bool
}

// Options are the per-run caller knobs.
type Options struct {
	MaxChunks       *int
	IncludeEvidence *bool
}

// Result reports one run's outcome.
type Result struct {
	Processed int
	Remaining int
	Status    string
}

// Runner executes audits sequentially.
type Runner struct {
	store   store.Store
	builder ContextBuilder
	client  analysis.Client
	scores  *scoring.Tracker
	cfg     Config
	logger  *zap.Logger
}

// New wires a Runner. All collaborators share the same store handle.
func New(st store.Store, builder ContextBuilder, client analysis.Client, cfg Config, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		store:   st,
		builder: builder,
		client:  client,
		scores:  scoring.NewTracker(st, logger),
		cfg:     cfg,
		logger:  logger,
	}
}

// Run executes the audit identified by numeric id or external id,
// processing pending chunks in order until done, limited, failed, or
// cancelled. Completed chunks stay durable across failures.
func (r *Runner) Run(ctx context.Context, auditRef string, opts Options) (Result, error) {
	audit, err := r.store.AuditByRef(ctx, auditRef)
	if err != nil {
		return Result{}, err
	}

	ctx = logging.WithAuditID(logging.WithLogger(ctx, r.logger), audit.ExternalID)
	log := logging.FromContext(ctx)
	log.Info("starting compliance runner", zap.Bool("is_draft", audit.IsDraft))

	if err := r.ensureChunkTotal(ctx, audit); err != nil {
		return Result{}, err
	}

	if audit.Status != model.AuditQueued && audit.Status != model.AuditRunning {
		pending, err := r.store.CountPendingChunks(ctx, audit.ID, audit.DocumentID)
		if err != nil {
			return Result{}, err
		}
		log.Info("audit already in terminal status", zap.String("status", audit.Status))
		return Result{Processed: 0, Remaining: pending, Status: audit.Status}, nil
	}

	audit.Status = model.AuditRunning
	if audit.StartedAt == nil {
		now := time.Now().UTC()
		audit.StartedAt = &now
	}
	// Commit before processing so observers see the running status and
	// progress bounds immediately.
	if err := r.store.UpdateAudit(ctx, audit); err != nil {
		return Result{}, err
	}

	effectiveLimit := 0
	if opts.MaxChunks != nil {
		effectiveLimit = *opts.MaxChunks
	} else if audit.IsDraft {
		effectiveLimit = draftChunkLimit
	}

	includeEvidence := !audit.IsDraft
	if opts.IncludeEvidence != nil {
		includeEvidence = *opts.IncludeEvidence
	}

	pending, err := r.store.PendingChunks(ctx, audit.ID, audit.DocumentID, effectiveLimit)
	if err != nil {
		return Result{}, err
	}
	log.Info("retrieved pending chunks",
		zap.Int("chunks_found", len(pending)),
		zap.Int("limit", effectiveLimit),
		zap.Int("chunk_total", audit.ChunkTotal),
		zap.Int("chunk_completed", audit.ChunkCompleted))

	collector := metrics.NewCollector(log)
	processed := 0
	tracer := otel.Tracer("compliance-auditor/runner")

	for i := range pending {
		chunk := &pending[i]
		chunkCtx := logging.WithChunkID(ctx, chunk.ChunkID)
		chunkLog := logging.FromContext(chunkCtx)
		chunkLog.Info("processing chunk",
			zap.Int("chunk_index", chunk.ChunkIndex),
			zap.String("progress", fmt.Sprintf("%d/%d", i+1, len(pending))))

		spanCtx, span := tracer.Start(chunkCtx, "audit.process_chunk")
		span.SetAttributes(
			attribute.String("audit_id", audit.ExternalID),
			attribute.String("chunk_id", chunk.ChunkID),
		)
		err := r.processChunk(spanCtx, audit, chunk, includeEvidence)
		span.End()

		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				// Cancellation is not failure: the audit stays running
				// and resumes from the next pending chunk.
				chunkLog.Info("audit cancelled mid-run")
				remaining, _ := r.store.CountPendingChunks(context.WithoutCancel(ctx), audit.ID, audit.DocumentID)
				return Result{Processed: processed, Remaining: remaining, Status: audit.Status}, err
			}
			if errs.IsRateLimitExhausted(err) {
				return r.failAudit(ctx, audit, processed, fmt.Sprintf(
					"Rate limit exceeded while processing chunk %d of %d. "+
						"Please wait a few minutes and retry the audit. "+
						"Progress: %d/%d chunks completed.",
					audit.ChunkCompleted+1, audit.ChunkTotal,
					audit.ChunkCompleted, audit.ChunkTotal))
			}
			chunkLog.Error("error processing chunk", zap.Error(err))
			return r.failAudit(ctx, audit, processed, err.Error())
		}

		processed++
		collector.RecordChunkProcessed(0)

		if i < len(pending)-1 && r.cfg.ChunkProcessingDelay > 0 {
			if err := sleep(ctx, r.cfg.ChunkProcessingDelay); err != nil {
				remaining, _ := r.store.CountPendingChunks(context.WithoutCancel(ctx), audit.ID, audit.DocumentID)
				return Result{Processed: processed, Remaining: remaining, Status: audit.Status}, err
			}
		}
	}

	remaining, err := r.store.CountPendingChunks(ctx, audit.ID, audit.DocumentID)
	if err != nil {
		return Result{}, err
	}
	if remaining == 0 {
		audit.Status = model.AuditCompleted
		now := time.Now().UTC()
		audit.CompletedAt = &now
		if err := r.store.UpdateAudit(ctx, audit); err != nil {
			return Result{}, err
		}
		log.Info("audit completed successfully", zap.Int("chunks_processed", processed))
		collector.Emit()
		if _, err := r.scores.RecordScore(ctx, audit.ID); err != nil {
			log.Warn("failed to record compliance score", zap.Error(err))
		}
	} else {
		log.Info("audit paused with chunks remaining",
			zap.Int("chunks_remaining", remaining),
			zap.Int("chunks_processed", processed))
	}

	return Result{Processed: processed, Remaining: remaining, Status: audit.Status}, nil
}

// processChunk analyzes one chunk and commits its result, flag, and the
// advanced progress counters as one durable unit.
func (r *Runner) processChunk(ctx context.Context, audit *model.Audit, chunk *model.Chunk, includeEvidence bool) error {
	result, bundle, err := r.analyzeWithOptionalRefinement(ctx, chunk, includeEvidence, audit.IsDraft)
	if err != nil {
		return err
	}

	payload, err := marshalAnalysisWithSummary(result, bundle)
	if err != nil {
		return fmt.Errorf("failed to encode analysis: %w", err)
	}

	// Progress only advances with the result and flag in the same
	// transaction; observers never see an intermediate state.
	updated := *audit
	updated.ChunkCompleted++
	updated.LastChunkID = chunk.ChunkID
	err = r.store.Tx(ctx, func(tx store.Store) error {
		if err := tx.InsertChunkResult(ctx, &model.AuditChunkResult{
			AuditID:           audit.ID,
			ChunkID:           chunk.ChunkID,
			ChunkIndex:        chunk.ChunkIndex,
			Status:            "completed",
			Analysis:          payload,
			ContextTokenCount: bundle.TotalTokens,
		}); err != nil {
			return err
		}
		if _, err := flagging.New(tx).UpsertFlag(ctx, audit.ID, chunk.ChunkID, result); err != nil {
			return err
		}
		return tx.UpdateAudit(ctx, &updated)
	})
	if err != nil {
		return err
	}
	*audit = updated
	return nil
}

// analyzeWithOptionalRefinement runs the initial analysis and then the
// bounded refinement loop while the model keeps asking for more context
// with a concrete query.
func (r *Runner) analyzeWithOptionalRefinement(ctx context.Context, chunk *model.Chunk, includeEvidence, isDraft bool) (*analysis.Analysis, *contextbuild.Bundle, error) {
	var neighborWindow *int
	multiplier := 1.0
	if isDraft {
		zero := 0
		neighborWindow = &zero
		multiplier = 0.5
	}

	bundle, err := r.builder.BuildContext(ctx, contextbuild.Request{
		ChunkID:          chunk.ChunkID,
		IncludeEvidence:  includeEvidence,
		NeighborWindow:   neighborWindow,
		BudgetMultiplier: multiplier,
	})
	if err != nil {
		return nil, nil, err
	}

	result, err := r.client.Analyze(ctx, chunk, bundle)
	if err != nil {
		return nil, nil, err
	}

	maxAttempts := 0
	if !isDraft {
		maxAttempts = r.cfg.RefinementMaxAttempts
		if maxAttempts < 0 {
			maxAttempts = 0
		}
		if r.cfg.Recursive && maxAttempts < 5 {
			maxAttempts = 5
		}
	}

	attempts := 0
	log := logging.FromContext(ctx)
	for result.NeedsAdditionalContext && attempts < maxAttempts {
		if result.ContextQuery == nil {
			log.Warn("refinement requested without a context_query")
			break
		}
		query := *result.ContextQuery
		attempts++
		log.Info("refinement attempt",
			zap.Int("attempt", attempts),
			zap.Int("limit", maxAttempts),
			zap.String("context_query", query))

		refinementMultiplier := r.cfg.RefinementTokenMultiplier
		if refinementMultiplier < 1.0 {
			refinementMultiplier = 1.0
		}
		window := r.cfg.RefinementManualWindow
		bundle, err = r.builder.BuildContext(ctx, contextbuild.Request{
			ChunkID:          chunk.ChunkID,
			IncludeEvidence:  r.cfg.RefinementIncludeEvidence || includeEvidence,
			NeighborWindow:   &window,
			BudgetMultiplier: refinementMultiplier,
			ContextQuery:     query,
		})
		if err != nil {
			return nil, nil, err
		}

		result, err = r.client.Analyze(ctx, chunk, bundle)
		if err != nil {
			return nil, nil, err
		}

		// Stop once repeated searches stop making progress.
		if result.NeedsAdditionalContext && attempts >= 3 {
			if result.ContextQuery != nil && *result.ContextQuery == query {
				log.Info("context query unchanged, stopping refinement",
					zap.Int("attempts", attempts))
				break
			}
		}
	}

	if attempts > 0 {
		result.Refined = true
		result.RefinementAttempts = attempts
	}
	return result, bundle, nil
}

func (r *Runner) ensureChunkTotal(ctx context.Context, audit *model.Audit) error {
	if audit.ChunkTotal > 0 {
		return nil
	}
	total, err := r.store.CountChunks(ctx, audit.DocumentID)
	if err != nil {
		return err
	}
	audit.ChunkTotal = total
	return r.store.UpdateAudit(ctx, audit)
}

func (r *Runner) failAudit(ctx context.Context, audit *model.Audit, processed int, reason string) (Result, error) {
	if len(reason) > maxFailureReasonLen {
		reason = reason[:maxFailureReasonLen-3] + "..."
	}
	audit.Status = model.AuditFailed
	now := time.Now().UTC()
	audit.FailedAt = &now
	audit.FailureReason = reason

	// Failure must land even when the run context is being torn down.
	commitCtx := context.WithoutCancel(ctx)
	if err := r.store.UpdateAudit(commitCtx, audit); err != nil {
		return Result{}, err
	}
	remaining, err := r.store.CountPendingChunks(commitCtx, audit.ID, audit.DocumentID)
	if err != nil {
		return Result{}, err
	}
	logging.FromContext(ctx).Error("audit failed", zap.String("reason", reason))
	return Result{Processed: processed, Remaining: remaining, Status: model.AuditFailed}, nil
}

// ------------------------------------------------------------------ //
// Context summary
// ------------------------------------------------------------------ //

const (
	previewMaxChars  = 200
	previewMaxSlices = 20
)

type slicePreview struct {
	Label          string         `json:"label"`
	ContentPreview string         `json:"content_preview"`
	Tokens         int            `json:"tokens"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Score          *float64       `json:"score,omitempty"`
}

type contextSummary struct {
	TotalTokens           int            `json:"total_tokens"`
	Truncated             bool           `json:"truncated"`
	TokenBreakdown        map[string]int `json:"token_breakdown"`
	ManualNeighborsCount  int            `json:"manual_neighbors_count"`
	RegulationSlicesCount int            `json:"regulation_slices_count"`
	GuidanceSlicesCount   int            `json:"guidance_slices_count"`
	EvidenceSlicesCount   int            `json:"evidence_slices_count"`
	ManualNeighbors       []slicePreview `json:"manual_neighbors"`
	RegulationSlices      []slicePreview `json:"regulation_slices"`
	GuidanceSlices        []slicePreview `json:"guidance_slices"`
	EvidenceSlices        []slicePreview `json:"evidence_slices"`
}

func marshalAnalysisWithSummary(result *analysis.Analysis, bundle *contextbuild.Bundle) ([]byte, error) {
	summary := contextSummary{
		TotalTokens:           bundle.TotalTokens,
		Truncated:             bundle.Truncated,
		TokenBreakdown:        bundle.TokenBreakdown,
		ManualNeighborsCount:  len(bundle.ManualNeighbors),
		RegulationSlicesCount: len(bundle.RegulationSlices),
		GuidanceSlicesCount:   len(bundle.GuidanceSlices),
		EvidenceSlicesCount:   len(bundle.EvidenceSlices),
		ManualNeighbors:       previews(bundle.ManualNeighbors),
		RegulationSlices:      previews(bundle.RegulationSlices),
		GuidanceSlices:        previews(bundle.GuidanceSlices),
		EvidenceSlices:        previews(bundle.EvidenceSlices),
	}
	return sonic.Marshal(struct {
		*analysis.Analysis
		ContextSummary contextSummary `json:"context_summary"`
	}{result, summary})
}

func previews(slices []contextbuild.Slice) []slicePreview {
	limit := len(slices)
	if limit > previewMaxSlices {
		limit = previewMaxSlices
	}
	out := make([]slicePreview, 0, limit)
	for _, slice := range slices[:limit] {
		preview := slice.Content
		if len(preview) > previewMaxChars {
			preview = preview[:previewMaxChars] + "..."
		}
		out = append(out, slicePreview{
			Label:          slice.Label,
			ContentPreview: preview,
			Tokens:         slice.TokenCount,
			Metadata:       slice.Metadata,
			Score:          slice.Score,
		})
	}
	return out
}

func sleep(ctx context.Context, seconds float64) error {
	timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
