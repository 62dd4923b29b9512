package chunking

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"compliance-auditor/internal/config"
	"compliance-auditor/internal/model"
	"compliance-auditor/internal/tokenest"
)

func testConfig() config.ChunkingConfig {
	return config.ChunkingConfig{
		Size:             50,
		Overlap:          10,
		Tokenizer:        "cl100k_base",
		MaxSectionTokens: 200,
	}
}

func newTestChunker(t *testing.T) *Chunker {
	t.Helper()
	return New(testConfig(), tokenest.Heuristic{}, nil)
}

func TestSectionAwareOneChunkPerSection(t *testing.T) {
	chunker := newTestChunker(t)
	sections := []Section{
		{Index: 0, Title: "§1 Scope", Content: "This manual covers maintenance procedures."},
		{Index: 1, Title: "§2 Responsibilities", Content: "The accountable manager ensures compliance."},
	}

	chunks := chunker.ChunkSections("D", 1, sections, ModeSectionAware)
	require.Len(t, chunks, 2)

	require.Equal(t, "D_0_0", chunks[0].ChunkID)
	require.Equal(t, "D_1_0", chunks[1].ChunkID)
	require.Equal(t, 0, chunks[0].ChunkIndex)
	require.Equal(t, 1, chunks[1].ChunkIndex)
	require.Equal(t, "§1 Scope", chunks[0].ParentHeading)
	require.Equal(t, model.EmbeddingPending, chunks[0].EmbeddingStatus)
}

func TestPrevNextLinkingCrossesSections(t *testing.T) {
	chunker := newTestChunker(t)
	sections := []Section{
		{Index: 0, Title: "A", Content: "first section text"},
		{Index: 1, Title: "B", Content: "second section text"},
		{Index: 2, Title: "C", Content: "third section text"},
	}

	chunks := chunker.ChunkSections("D", 1, sections, ModeSectionAware)
	require.Len(t, chunks, 3)

	require.Empty(t, chunks[0].Metadata.PrevChunkID)
	require.Equal(t, chunks[1].ChunkID, chunks[0].Metadata.NextChunkID)
	require.Equal(t, chunks[0].ChunkID, chunks[1].Metadata.PrevChunkID)
	require.Equal(t, chunks[2].ChunkID, chunks[1].Metadata.NextChunkID)
	require.Equal(t, chunks[1].ChunkID, chunks[2].Metadata.PrevChunkID)
	require.Empty(t, chunks[2].Metadata.NextChunkID)
}

func TestOversizedSectionSplits(t *testing.T) {
	chunker := newTestChunker(t)
	// Heuristic: 200 token limit = 800 chars; 2000 chars is well over.
	big := strings.Repeat("word ", 400)
	sections := []Section{{Index: 0, Title: "Big", Content: big}}

	chunks := chunker.ChunkSections("D", 1, sections, ModeSectionAware)
	require.Greater(t, len(chunks), 1)
	for i, chunk := range chunks {
		require.Equal(t, fmt.Sprintf("D_0_%d", i), chunk.ChunkID)
		require.Equal(t, i, chunk.ChunkIndex)
		require.LessOrEqual(t, chunk.TokenCount, testConfig().Size)
	}
}

func TestEmptySectionsSkipped(t *testing.T) {
	chunker := newTestChunker(t)
	sections := []Section{
		{Index: 0, Title: "Empty", Content: "   \n\t  "},
		{Index: 1, Title: "Real", Content: "actual content"},
	}

	chunks := chunker.ChunkSections("D", 1, sections, ModeSectionAware)
	require.Len(t, chunks, 1)
	require.Equal(t, "D_1_0", chunks[0].ChunkID)
	// Document chunk index stays dense even when sections are skipped.
	require.Equal(t, 0, chunks[0].ChunkIndex)
}

func TestTokenWindowMode(t *testing.T) {
	chunker := newTestChunker(t)
	text := strings.Repeat("alpha beta gamma delta ", 60)
	sections := []Section{{Index: 0, Title: "W", Content: text}}

	chunks := chunker.ChunkSections("D", 1, sections, ModeTokenWindow)
	require.Greater(t, len(chunks), 1)
	for _, chunk := range chunks {
		require.Equal(t, string(ModeTokenWindow), chunk.Metadata.ChunkingMode)
	}
	// Window cursors are monotone.
	for i := 1; i < len(chunks); i++ {
		require.GreaterOrEqual(t, chunks[i].Metadata.TokenStart, chunks[i-1].Metadata.TokenStart)
	}
}

func TestDeterministic(t *testing.T) {
	chunker := newTestChunker(t)
	sections := []Section{
		{Index: 0, Title: "A", Content: strings.Repeat("some text here ", 100)},
		{Index: 1, Title: "B", Content: "short"},
	}

	first := chunker.ChunkSections("D", 1, sections, ModeSectionAware)
	second := chunker.ChunkSections("D", 1, sections, ModeSectionAware)
	require.Equal(t, first, second)
}

func TestSectionPathFallbacks(t *testing.T) {
	chunker := newTestChunker(t)

	sections := []Section{
		{Index: 0, SectionPath: []string{"Part A", "Chapter 1"}, Content: "explicit path"},
		{Index: 1, Title: "Titled", Content: "title fallback"},
		{Index: 2, Content: "synthesized"},
	}

	chunks := chunker.ChunkSections("D", 1, sections, ModeSectionAware)
	require.Len(t, chunks, 3)
	require.Equal(t, "Part A > Chapter 1", chunks[0].SectionPath)
	require.Equal(t, "Titled", chunks[1].SectionPath)
	require.Equal(t, "section_0002", chunks[2].SectionPath)
	require.Equal(t, "section_0002", chunks[2].ParentHeading)
}

func TestRoundTripNonSplitSection(t *testing.T) {
	chunker := newTestChunker(t)
	content := "Line one.\nLine two.\nLine three."
	sections := []Section{{Index: 0, Title: "RT", Content: content}}

	chunks := chunker.ChunkSections("D", 1, sections, ModeSectionAware)
	require.Len(t, chunks, 1)
	require.Equal(t, content, chunks[0].Content)
}
