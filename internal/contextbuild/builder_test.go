package contextbuild

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"compliance-auditor/internal/config"
	"compliance-auditor/internal/model"
	"compliance-auditor/internal/store"
	"compliance-auditor/internal/tokenest"
	"compliance-auditor/internal/vectorstore"
)

func testBudgets() config.ContextBudgets {
	return config.ContextBudgets{
		ManualNeighborWindow:  1,
		ManualTokenBudget:     1200,
		RegulationTopK:        10,
		RegulationTokenBudget: 2000,
		GuidanceTopK:          5,
		GuidanceTokenBudget:   1500,
		EvidenceTopK:          2,
		EvidenceTokenBudget:   1000,
		TotalTokenBudget:      6000,
		Tokenizer:             "cl100k_base",
	}
}

// seedChunks stores a small document of sequential chunks and returns
// the store.
func seedChunks(t *testing.T, count int) *store.Memory {
	t.Helper()
	st := store.NewMemory()
	chunks := make([]model.Chunk, 0, count)
	for i := 0; i < count; i++ {
		chunks = append(chunks, model.Chunk{
			DocumentID:    1,
			ChunkID:       fmt.Sprintf("D_%d_0", i),
			ChunkIndex:    i,
			SectionPath:   fmt.Sprintf("Section %d", i),
			ParentHeading: fmt.Sprintf("Section %d", i),
			Content:       fmt.Sprintf("Content of manual section %d describing procedures in detail.", i),
			TokenCount:    15,
		})
	}
	require.NoError(t, st.CreateChunks(context.Background(), chunks))
	return st
}

func TestBuildContextNeighbors(t *testing.T) {
	st := seedChunks(t, 5)
	vectors := vectorstore.NewMemory()
	builder := New(st, vectors, testBudgets(), tokenest.Heuristic{}, nil)

	bundle, err := builder.BuildContext(context.Background(), Request{ChunkID: "D_2_0"})
	require.NoError(t, err)

	require.Equal(t, "D_2_0", bundle.Focus.Metadata["chunk_id"])
	require.Len(t, bundle.ManualNeighbors, 2)
	require.Equal(t, "Manual neighbor (previous 1)", bundle.ManualNeighbors[0].Label)
	require.Equal(t, "Manual neighbor (next 1)", bundle.ManualNeighbors[1].Label)
}

func TestBuildContextZeroWindow(t *testing.T) {
	st := seedChunks(t, 5)
	vectors := vectorstore.NewMemory()
	builder := New(st, vectors, testBudgets(), tokenest.Heuristic{}, nil)

	window := 0
	bundle, err := builder.BuildContext(context.Background(), Request{ChunkID: "D_2_0", NeighborWindow: &window})
	require.NoError(t, err)
	require.Empty(t, bundle.ManualNeighbors)
}

func TestBuildContextMissingChunk(t *testing.T) {
	builder := New(store.NewMemory(), vectorstore.NewMemory(), testBudgets(), tokenest.Heuristic{}, nil)
	_, err := builder.BuildContext(context.Background(), Request{ChunkID: "nope"})
	require.Error(t, err)
}

func TestBudgetTruncation(t *testing.T) {
	// Per-bucket regulation budget of 8 tokens; two 6-token candidates.
	// The first is admitted, the second breaches and stops the bucket.
	st := seedChunks(t, 1)
	vectors := vectorstore.NewMemory()
	vectors.Script(vectorstore.CollectionRegulation, []vectorstore.Match{
		{ID: "r1", Content: strings.Repeat("a", 24), Metadata: map[string]any{"token_count": 6}},
		{ID: "r2", Content: strings.Repeat("b", 24), Metadata: map[string]any{"token_count": 6}},
		{ID: "r3", Content: strings.Repeat("c", 24), Metadata: map[string]any{"token_count": 6}},
	})

	budgets := testBudgets()
	budgets.RegulationTokenBudget = 8
	builder := New(st, vectors, budgets, tokenest.Heuristic{}, nil)

	window := 0
	bundle, err := builder.BuildContext(context.Background(), Request{ChunkID: "D_0_0", NeighborWindow: &window})
	require.NoError(t, err)

	require.Len(t, bundle.RegulationSlices, 1)
	require.Equal(t, "r1", bundle.RegulationSlices[0].Metadata["chunk_id"])
	require.True(t, bundle.Truncated)
}

func TestGlobalBudgetRespected(t *testing.T) {
	st := seedChunks(t, 1)
	vectors := vectorstore.NewMemory()
	big := strings.Repeat("regulation text ", 200)
	vectors.Script(vectorstore.CollectionRegulation, []vectorstore.Match{
		{ID: "r1", Content: big},
		{ID: "r2", Content: big},
	})

	budgets := testBudgets()
	budgets.TotalTokenBudget = 900
	budgets.RegulationTokenBudget = 5000
	builder := New(st, vectors, budgets, tokenest.Heuristic{}, nil)

	window := 0
	bundle, err := builder.BuildContext(context.Background(), Request{ChunkID: "D_0_0", NeighborWindow: &window})
	require.NoError(t, err)
	require.LessOrEqual(t, bundle.TotalTokens, 900)
	require.True(t, bundle.Truncated)
}

func TestLowQualityMatchesDropped(t *testing.T) {
	st := seedChunks(t, 1)
	vectors := vectorstore.NewMemory()
	vectors.Script(vectorstore.CollectionRegulation, []vectorstore.Match{
		{ID: "far", Content: "perfectly fine regulation text", Distance: 2.0},
		{ID: "short", Content: "tiny", Distance: 0.1},
		{ID: "numeric", Content: "123 456 7.8 -9", Distance: 0.1},
		{ID: "good", Content: "applicable regulation requirement text", Distance: 0.3},
	})
	builder := New(st, vectors, testBudgets(), tokenest.Heuristic{}, nil)

	window := 0
	bundle, err := builder.BuildContext(context.Background(), Request{ChunkID: "D_0_0", NeighborWindow: &window})
	require.NoError(t, err)
	require.Len(t, bundle.RegulationSlices, 1)
	require.Equal(t, "good", bundle.RegulationSlices[0].Metadata["chunk_id"])
	score := *bundle.RegulationSlices[0].Score
	require.InDelta(t, 1.0/1.3, score, 1e-9)
}

func TestMissingCollectionsYieldEmptyLists(t *testing.T) {
	st := seedChunks(t, 3)
	builder := New(st, vectorstore.NewMemory(), testBudgets(), tokenest.Heuristic{}, nil)

	bundle, err := builder.BuildContext(context.Background(), Request{ChunkID: "D_1_0", IncludeEvidence: true})
	require.NoError(t, err)
	require.Empty(t, bundle.RegulationSlices)
	require.Empty(t, bundle.GuidanceSlices)
	require.Empty(t, bundle.EvidenceSlices)
	// Neighbors still come from the relational store.
	require.Len(t, bundle.ManualNeighbors, 2)
}

func TestEvidenceOnlyWhenRequested(t *testing.T) {
	st := seedChunks(t, 1)
	vectors := vectorstore.NewMemory()
	vectors.Script(vectorstore.CollectionEvidence, []vectorstore.Match{
		{ID: "e1", Content: "evidence record with sufficient length", Distance: 0.2},
	})
	builder := New(st, vectors, testBudgets(), tokenest.Heuristic{}, nil)

	window := 0
	bundle, err := builder.BuildContext(context.Background(), Request{ChunkID: "D_0_0", NeighborWindow: &window})
	require.NoError(t, err)
	require.Empty(t, bundle.EvidenceSlices)

	bundle, err = builder.BuildContext(context.Background(), Request{ChunkID: "D_0_0", NeighborWindow: &window, IncludeEvidence: true})
	require.NoError(t, err)
	require.Len(t, bundle.EvidenceSlices, 1)
}

func TestRenderTextOmitsEmptyCategories(t *testing.T) {
	bundle := &Bundle{
		Focus: Slice{Content: "focus"},
		RegulationSlices: []Slice{
			{Label: "Regulation ref #1", Content: "some regulation", Metadata: map[string]any{"heading": "Part-145"}},
		},
	}
	text := bundle.RenderText()
	require.Contains(t, text, "### Regulation Context")
	require.Contains(t, text, "[Part-145]")
	require.NotContains(t, text, "Manual Context")
	require.NotContains(t, text, "Evidence Context")
}
