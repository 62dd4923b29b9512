package runner

import (
	"context"
	"fmt"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/require"

	"compliance-auditor/internal/analysis"
	"compliance-auditor/internal/contextbuild"
	"compliance-auditor/internal/errs"
	"compliance-auditor/internal/model"
	"compliance-auditor/internal/store"
	"compliance-auditor/internal/tokenest"
	"compliance-auditor/internal/vectorstore"

	"compliance-auditor/internal/config"
)

type scriptedClient struct {
	fn    func(chunk *model.Chunk, bundle *contextbuild.Bundle) (*analysis.Analysis, error)
	calls map[string]int
}

func newScriptedClient(fn func(chunk *model.Chunk, bundle *contextbuild.Bundle) (*analysis.Analysis, error)) *scriptedClient {
	return &scriptedClient{fn: fn, calls: make(map[string]int)}
}

func (c *scriptedClient) Analyze(_ context.Context, chunk *model.Chunk, bundle *contextbuild.Bundle) (*analysis.Analysis, error) {
	c.calls[chunk.ChunkID]++
	return c.fn(chunk, bundle)
}

func greenAnalysis() *analysis.Analysis {
	return &analysis.Analysis{
		Flag:          model.FlagGreen,
		SeverityScore: 5,
		Findings:      "Compliant.",
	}
}

type fixture struct {
	store  *store.Memory
	runner *Runner
	client *scriptedClient
	audit  *model.Audit
}

func newFixture(t *testing.T, chunkCount int, isDraft bool, client *scriptedClient, cfg Config) *fixture {
	t.Helper()
	st := store.NewMemory()
	ctx := context.Background()

	doc := &model.Document{
		OriginalFilename: "manual.pdf", StoredFilename: "manual.pdf", StoragePath: "/x",
		ContentType: "application/pdf", SizeBytes: 1, SHA256: "x",
		SourceType: model.SourceManual,
	}
	require.NoError(t, st.CreateDocument(ctx, doc))

	chunks := make([]model.Chunk, 0, chunkCount)
	for i := 0; i < chunkCount; i++ {
		chunks = append(chunks, model.Chunk{
			DocumentID: doc.ID,
			ChunkID:    fmt.Sprintf("D_%d_0", i),
			ChunkIndex: i,
			Content:    fmt.Sprintf("Manual section %d content describing required procedures.", i),
			TokenCount: 12,
		})
	}
	require.NoError(t, st.CreateChunks(ctx, chunks))

	audit := &model.Audit{DocumentID: doc.ID, IsDraft: isDraft}
	require.NoError(t, st.CreateAudit(ctx, audit))

	budgets := config.ContextBudgets{
		ManualNeighborWindow: 1, ManualTokenBudget: 1200,
		RegulationTopK: 10, RegulationTokenBudget: 2000,
		GuidanceTopK: 5, GuidanceTokenBudget: 1500,
		EvidenceTopK: 2, EvidenceTokenBudget: 1000,
		TotalTokenBudget: 6000,
	}
	builder := contextbuild.New(st, vectorstore.NewMemory(), budgets, tokenest.Heuristic{}, nil)

	return &fixture{
		store:  st,
		runner: New(st, builder, client, cfg, nil),
		client: client,
		audit:  audit,
	}
}

func TestRunHappyPathTwoGreenChunks(t *testing.T) {
	client := newScriptedClient(func(*model.Chunk, *contextbuild.Bundle) (*analysis.Analysis, error) {
		return greenAnalysis(), nil
	})
	f := newFixture(t, 2, false, client, Config{})
	ctx := context.Background()

	result, err := f.runner.Run(ctx, fmt.Sprint(f.audit.ID), Options{})
	require.NoError(t, err)
	require.Equal(t, 2, result.Processed)
	require.Equal(t, 0, result.Remaining)
	require.Equal(t, model.AuditCompleted, result.Status)

	audit, err := f.store.AuditByRef(ctx, fmt.Sprint(f.audit.ID))
	require.NoError(t, err)
	require.Equal(t, model.AuditCompleted, audit.Status)
	require.Equal(t, 2, audit.ChunkCompleted)
	require.Equal(t, 2, audit.ChunkTotal)
	require.NotNil(t, audit.CompletedAt)
	require.Equal(t, "D_1_0", audit.LastChunkID)

	flags, err := f.store.FlagsByAudit(ctx, audit.ID)
	require.NoError(t, err)
	require.Len(t, flags, 2)
	for _, flag := range flags {
		require.Equal(t, model.FlagGreen, flag.FlagType)
		require.NotEmpty(t, flag.Findings)
	}

	// Two GREEN flags are a single-class set, which scores 0.
	scores, err := f.store.ScoreHistory(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, scores, 1)
	require.Equal(t, 0.0, scores[0].OverallScore)
	require.Equal(t, 2, scores[0].GreenCount)
}

func TestRunMixedFlagsScore(t *testing.T) {
	client := newScriptedClient(func(chunk *model.Chunk, _ *contextbuild.Bundle) (*analysis.Analysis, error) {
		if chunk.ChunkIndex == 0 {
			return &analysis.Analysis{Flag: model.FlagYellow, SeverityScore: 60, Findings: "Minor gap."}, nil
		}
		return greenAnalysis(), nil
	})
	f := newFixture(t, 2, false, client, Config{})
	ctx := context.Background()

	_, err := f.runner.Run(ctx, fmt.Sprint(f.audit.ID), Options{})
	require.NoError(t, err)

	scores, err := f.store.ScoreHistory(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, scores, 1)
	require.InDelta(t, 90.0, scores[0].OverallScore, 1e-9)
}

func TestRunRateLimitExhaustionAndResume(t *testing.T) {
	failing := true
	client := newScriptedClient(nil)
	client.fn = func(chunk *model.Chunk, _ *contextbuild.Bundle) (*analysis.Analysis, error) {
		if failing && chunk.ChunkIndex == 4 {
			return nil, errs.RateLimitExhausted(fmt.Errorf("429 Too Many Requests"))
		}
		return greenAnalysis(), nil
	}
	f := newFixture(t, 10, false, client, Config{})
	ctx := context.Background()

	result, err := f.runner.Run(ctx, fmt.Sprint(f.audit.ID), Options{})
	require.NoError(t, err)
	require.Equal(t, 4, result.Processed)
	require.Equal(t, 6, result.Remaining)
	require.Equal(t, model.AuditFailed, result.Status)

	audit, err := f.store.AuditByRef(ctx, fmt.Sprint(f.audit.ID))
	require.NoError(t, err)
	require.Equal(t, model.AuditFailed, audit.Status)
	require.Equal(t, 4, audit.ChunkCompleted)
	require.Contains(t, audit.FailureReason, "chunk 5 of 10")
	require.Contains(t, audit.FailureReason, "retry")
	require.NotNil(t, audit.FailedAt)

	flags, err := f.store.FlagsByAudit(ctx, audit.ID)
	require.NoError(t, err)
	require.Len(t, flags, 4)

	// Resume: the HTTP layer flips failed back to running before
	// dispatching; the runner then picks up chunks 4..9.
	failing = false
	audit.Status = model.AuditRunning
	audit.FailureReason = ""
	require.NoError(t, f.store.UpdateAudit(ctx, audit))

	result, err = f.runner.Run(ctx, fmt.Sprint(f.audit.ID), Options{})
	require.NoError(t, err)
	require.Equal(t, 6, result.Processed)
	require.Equal(t, model.AuditCompleted, result.Status)

	// No chunk is analyzed twice on resume.
	for i := 0; i < 10; i++ {
		chunkID := fmt.Sprintf("D_%d_0", i)
		want := 1
		if i == 4 {
			want = 2 // the failed attempt plus the resumed one
		}
		require.Equal(t, want, client.calls[chunkID], "chunk %s", chunkID)
	}
}

func TestRunGenericErrorFailsAuditTruncated(t *testing.T) {
	longMsg := ""
	for i := 0; i < 60; i++ {
		longMsg += "a very long failure message "
	}
	client := newScriptedClient(func(*model.Chunk, *contextbuild.Bundle) (*analysis.Analysis, error) {
		return nil, &errs.AnalysisError{Msg: longMsg}
	})
	f := newFixture(t, 2, false, client, Config{})
	ctx := context.Background()

	result, err := f.runner.Run(ctx, fmt.Sprint(f.audit.ID), Options{})
	require.NoError(t, err)
	require.Equal(t, model.AuditFailed, result.Status)

	audit, err := f.store.AuditByRef(ctx, fmt.Sprint(f.audit.ID))
	require.NoError(t, err)
	require.LessOrEqual(t, len(audit.FailureReason), 500)
}

func TestRunRefinement(t *testing.T) {
	query := "definition of critical part"
	client := newScriptedClient(nil)
	client.fn = func(chunk *model.Chunk, _ *contextbuild.Bundle) (*analysis.Analysis, error) {
		if client.calls[chunk.ChunkID] == 1 {
			return &analysis.Analysis{
				Flag: model.FlagYellow, SeverityScore: 40,
				Findings:               "Might be missing a definition.",
				NeedsAdditionalContext: true,
				ContextQuery:           &query,
			}, nil
		}
		return greenAnalysis(), nil
	}
	f := newFixture(t, 1, false, client, Config{
		RefinementMaxAttempts:     1,
		RefinementManualWindow:    2,
		RefinementTokenMultiplier: 1.5,
	})
	ctx := context.Background()

	result, err := f.runner.Run(ctx, fmt.Sprint(f.audit.ID), Options{})
	require.NoError(t, err)
	require.Equal(t, model.AuditCompleted, result.Status)
	require.Equal(t, 2, client.calls["D_0_0"])

	results := f.store.Results(f.audit.ID)
	require.Len(t, results, 1)
	var persisted map[string]any
	require.NoError(t, sonic.Unmarshal(results[0].Analysis, &persisted))
	require.Equal(t, true, persisted["refined"])
	require.Equal(t, float64(1), persisted["refinement_attempts"])
	require.NotNil(t, persisted["context_summary"])
}

func TestRunRefinementDisabledForDrafts(t *testing.T) {
	query := "anything"
	client := newScriptedClient(nil)
	client.fn = func(chunk *model.Chunk, _ *contextbuild.Bundle) (*analysis.Analysis, error) {
		result := greenAnalysis()
		result.NeedsAdditionalContext = true
		result.ContextQuery = &query
		return result, nil
	}
	f := newFixture(t, 1, true, client, Config{RefinementMaxAttempts: 3})
	ctx := context.Background()

	_, err := f.runner.Run(ctx, fmt.Sprint(f.audit.ID), Options{})
	require.NoError(t, err)
	require.Equal(t, 1, client.calls["D_0_0"], "drafts never refine")
}

func TestRunDraftLimit(t *testing.T) {
	client := newScriptedClient(func(*model.Chunk, *contextbuild.Bundle) (*analysis.Analysis, error) {
		return greenAnalysis(), nil
	})
	f := newFixture(t, 8, true, client, Config{})
	ctx := context.Background()

	result, err := f.runner.Run(ctx, fmt.Sprint(f.audit.ID), Options{})
	require.NoError(t, err)
	require.Equal(t, 5, result.Processed)
	require.Equal(t, 3, result.Remaining)
	require.Equal(t, model.AuditRunning, result.Status)
}

func TestRunDraftUnderLimitCompletes(t *testing.T) {
	client := newScriptedClient(func(*model.Chunk, *contextbuild.Bundle) (*analysis.Analysis, error) {
		return greenAnalysis(), nil
	})
	f := newFixture(t, 3, true, client, Config{})
	ctx := context.Background()

	result, err := f.runner.Run(ctx, fmt.Sprint(f.audit.ID), Options{})
	require.NoError(t, err)
	require.Equal(t, 3, result.Processed)
	require.Equal(t, model.AuditCompleted, result.Status)
}

func TestRunEmptyDocumentCompletes(t *testing.T) {
	client := newScriptedClient(func(*model.Chunk, *contextbuild.Bundle) (*analysis.Analysis, error) {
		return greenAnalysis(), nil
	})
	f := newFixture(t, 0, false, client, Config{})
	ctx := context.Background()

	result, err := f.runner.Run(ctx, fmt.Sprint(f.audit.ID), Options{})
	require.NoError(t, err)
	require.Equal(t, 0, result.Processed)
	require.Equal(t, model.AuditCompleted, result.Status)

	scores, err := f.store.ScoreHistory(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, scores, 1)
	require.Equal(t, 100.0, scores[0].OverallScore)
}

func TestRunMissingAudit(t *testing.T) {
	client := newScriptedClient(func(*model.Chunk, *contextbuild.Bundle) (*analysis.Analysis, error) {
		return greenAnalysis(), nil
	})
	f := newFixture(t, 1, false, client, Config{})

	_, err := f.runner.Run(context.Background(), "no-such-audit", Options{})
	require.True(t, errs.IsNotFound(err))
}

func TestRunCompletedAuditIsTerminal(t *testing.T) {
	client := newScriptedClient(func(*model.Chunk, *contextbuild.Bundle) (*analysis.Analysis, error) {
		return greenAnalysis(), nil
	})
	f := newFixture(t, 2, false, client, Config{})
	ctx := context.Background()

	_, err := f.runner.Run(ctx, fmt.Sprint(f.audit.ID), Options{})
	require.NoError(t, err)

	result, err := f.runner.Run(ctx, fmt.Sprint(f.audit.ID), Options{})
	require.NoError(t, err)
	require.Equal(t, 0, result.Processed)
	require.Equal(t, model.AuditCompleted, result.Status)
	// Nothing was re-analyzed.
	require.Equal(t, 1, client.calls["D_0_0"])
}
