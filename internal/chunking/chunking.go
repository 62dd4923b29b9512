// Package chunking turns ordered document sections into ordered chunks
// with stable ids, token counts, section paths, and prev/next links.
package chunking

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"compliance-auditor/internal/config"
	"compliance-auditor/internal/model"
	"compliance-auditor/internal/tokenest"
)

// Section is a structured unit of source text to be chunked.
type Section struct {
	Index       int
	Title       string
	Content     string
	SectionPath []string
	Metadata    map[string]any
}

// Mode selects the chunking strategy.
type Mode string

const (
	// ModeSectionAware emits one chunk per non-empty section, splitting
	// only sections that exceed the max section token limit.
	ModeSectionAware Mode = "section_aware"
	// ModeTokenWindow slides a fixed token window with overlap across
	// each section's text.
	ModeTokenWindow Mode = "token_based"
)

// Chunker is the section-aware chunker. Identical input produces
// identical output: ordering is by section index, then local index.
type Chunker struct {
	cfg    config.ChunkingConfig
	est    tokenest.Estimator
	logger *zap.Logger
}

// New builds a Chunker sharing the given estimator. The estimator must be
// the same instance used for budgeting downstream.
func New(cfg config.ChunkingConfig, est tokenest.Estimator, logger *zap.Logger) *Chunker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chunker{cfg: cfg, est: est, logger: logger}
}

// ChunkSections chunks the ordered sections of a document. docID is the
// document's external id and prefixes every chunk id.
func (c *Chunker) ChunkSections(docID string, documentID int64, sections []Section, mode Mode) []model.Chunk {
	var chunks []model.Chunk
	docIndex := 0

	for _, section := range sections {
		content := prepareContent(section.Content)
		if content == "" {
			continue
		}

		sectionPath := c.resolveSectionPath(section)
		parentHeading := strings.TrimSpace(section.Title)
		if parentHeading == "" {
			parentHeading = fmt.Sprintf("section_%04d", section.Index)
		}

		var splits []string
		var starts []int
		switch mode {
		case ModeTokenWindow:
			splits = c.est.Split(content, c.cfg.Size, c.cfg.Overlap)
			starts = c.windowStarts(splits)
		default:
			tokens := c.est.Count(content)
			if c.cfg.MaxSectionTokens > 0 && tokens > c.cfg.MaxSectionTokens {
				c.logger.Warn("section exceeds max size, splitting",
					zap.Int("section_index", section.Index),
					zap.Int("tokens", tokens),
					zap.Int("limit", c.cfg.MaxSectionTokens))
				// Oversized sections are truncated to the cap before
				// windowing.
				truncated := c.est.Truncate(content, c.cfg.MaxSectionTokens)
				splits = c.est.Split(truncated, c.cfg.Size, c.cfg.Overlap)
			} else {
				splits = []string{content}
			}
		}

		for localIdx, piece := range splits {
			text := strings.TrimSpace(piece)
			if text == "" {
				continue
			}

			tokens := c.est.Count(text)
			chunkID := fmt.Sprintf("%s_%d_%d", docID, section.Index, localIdx)
			meta := model.ChunkMetadata{
				SectionIndex:    section.Index,
				ChunkIndex:      localIdx,
				TokenCount:      tokens,
				ChunkingMode:    string(modeOrDefault(mode)),
				SectionMetadata: section.Metadata,
			}
			if mode == ModeTokenWindow && localIdx < len(starts) {
				meta.TokenStart = starts[localIdx]
				meta.TokenEnd = starts[localIdx] + tokens
			}
			// Prev/next linking crosses section boundaries.
			if len(chunks) > 0 {
				prev := &chunks[len(chunks)-1]
				meta.PrevChunkID = prev.ChunkID
				prev.Metadata.NextChunkID = chunkID
			}

			chunks = append(chunks, model.Chunk{
				DocumentID:      documentID,
				ChunkID:         chunkID,
				ChunkIndex:      docIndex,
				SectionPath:     strings.Join(sectionPath, " > "),
				ParentHeading:   parentHeading,
				Content:         text,
				TokenCount:      tokens,
				Metadata:        meta,
				EmbeddingStatus: model.EmbeddingPending,
			})
			docIndex++
		}
	}

	return chunks
}

func modeOrDefault(mode Mode) Mode {
	if mode == "" {
		return ModeSectionAware
	}
	return mode
}

// windowStarts derives each window's starting token cursor from the
// window sizes and the configured overlap.
func (c *Chunker) windowStarts(splits []string) []int {
	starts := make([]int, len(splits))
	cursor := 0
	for i, piece := range splits {
		starts[i] = cursor
		advance := c.est.Count(piece) - c.cfg.Overlap
		if advance < 0 {
			advance = 0
		}
		cursor += advance
	}
	return starts
}

func (c *Chunker) resolveSectionPath(section Section) []string {
	candidates := section.SectionPath
	if len(candidates) == 0 {
		if raw, ok := section.Metadata["section_path"].([]any); ok {
			candidates = stringify(raw)
		} else if raw, ok := section.Metadata["heading_path"].([]any); ok {
			candidates = stringify(raw)
		}
	}

	resolved := make([]string, 0, len(candidates))
	for _, part := range candidates {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			resolved = append(resolved, trimmed)
		}
	}
	if len(resolved) > 0 {
		return resolved
	}

	if title := strings.TrimSpace(section.Title); title != "" {
		return []string{title}
	}
	return []string{fmt.Sprintf("section_%04d", section.Index)}
}

func stringify(values []any) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, fmt.Sprint(v))
	}
	return out
}

// prepareContent strips trailing whitespace per line and surrounding
// whitespace from the section body.
func prepareContent(content string) string {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\r")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
