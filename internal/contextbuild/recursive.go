package contextbuild

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"compliance-auditor/internal/tokenest"
	"compliance-auditor/internal/vectorstore"
)

// List caps applied after deduplication.
const (
	maxSlicesPerList  = 50
	maxEvidenceSlices = 20
)

// RecursiveBuilder wraps the base builder with breadth-first reference
// following: references extracted from each visited chunk are resolved
// via retrieval and their hits queued for further expansion, bounded by
// depth and per-chunk reference count.
type RecursiveBuilder struct {
	base              *Builder
	maxDepth          int
	maxReferences     int
	includeLitigation bool
	logger            *zap.Logger
}

// NewRecursive builds a recursive wrapper around base.
func NewRecursive(base *Builder, maxDepth, maxReferences int, includeLitigation bool, logger *zap.Logger) *RecursiveBuilder {
	if maxDepth <= 0 {
		maxDepth = 3
	}
	if maxReferences <= 0 {
		maxReferences = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecursiveBuilder{
		base:              base,
		maxDepth:          maxDepth,
		maxReferences:     maxReferences,
		includeLitigation: includeLitigation,
		logger:            logger,
	}
}

// Estimator exposes the shared token estimator.
func (r *RecursiveBuilder) Estimator() tokenest.Estimator { return r.base.Estimator() }

type queueItem struct {
	chunkID string
	depth   int
}

// BuildContext seeds a base bundle, then walks references breadth-first:
// every reference at depth d is processed before any at d+1.
func (r *RecursiveBuilder) BuildContext(ctx context.Context, req Request) (*Bundle, error) {
	baseReq := req
	baseReq.ContextQuery = "" // the query seeds the concept search below
	base, err := r.base.BuildContext(ctx, baseReq)
	if err != nil {
		return nil, err
	}

	manual := append([]Slice(nil), base.ManualNeighbors...)
	regulation := append([]Slice(nil), base.RegulationSlices...)
	guidance := append([]Slice(nil), base.GuidanceSlices...)
	var litigation []Slice

	queue := []queueItem{{chunkID: req.ChunkID, depth: 0}}
	processedChunks := make(map[string]bool)
	processedRefs := make(map[string]bool)

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		if item.depth >= r.maxDepth {
			continue
		}
		if processedChunks[item.chunkID] {
			continue
		}
		processedChunks[item.chunkID] = true

		chunk, err := r.base.LoadChunk(ctx, item.chunkID)
		if err != nil {
			continue
		}

		references := ExtractReferences(chunk.Content)

		if req.ContextQuery != "" && item.depth == 0 {
			// The refinement query acts both as a synthetic reference and
			// as a direct concept search.
			references = append(references, Reference{Text: req.ContextQuery})
			concepts := r.searchForConcept(ctx, req.ContextQuery, chunk.DocumentID, item.chunkID)
			for _, concept := range concepts {
				id := concept.ChunkID()
				if concept.Source == "regulation" {
					if !containsChunk(regulation, id) {
						regulation = append(regulation, concept)
					}
				} else if !containsChunk(manual, id) {
					manual = append(manual, concept)
				}
				if id != "" && !processedChunks[id] {
					queue = append(queue, queueItem{chunkID: id, depth: item.depth + 1})
				}
			}
		}

		r.logger.Debug("processing references",
			zap.String("chunk_id", item.chunkID),
			zap.Int("depth", item.depth),
			zap.Int("references", len(references)))

		limit := len(references)
		if limit > r.maxReferences {
			limit = r.maxReferences
		}
		for _, ref := range references[:limit] {
			key := strings.ToLower(ref.Text)
			if processedRefs[key] {
				continue
			}
			processedRefs[key] = true

			refSlices := r.findReferencedSection(ctx, ref, chunk.DocumentID, item.chunkID)

			if refMentionsRegulation(ref.Text) || req.ContextQuery != "" {
				for _, regSlice := range r.findInRegulations(ctx, ref, item.chunkID) {
					if !containsChunk(regulation, regSlice.ChunkID()) {
						regulation = append(regulation, regSlice)
					}
				}
			}

			for _, refSlice := range refSlices {
				id := refSlice.ChunkID()
				if containsChunk(manual, id) {
					continue
				}
				manual = append(manual, refSlice)
				if id != "" && !processedChunks[id] {
					queue = append(queue, queueItem{chunkID: id, depth: item.depth + 1})
				}
			}
		}

		if r.includeLitigation {
			for _, litSlice := range r.findLitigation(ctx, chunk.ChunkID, chunk.Content) {
				id := litSlice.ChunkID()
				if containsChunk(litigation, id) {
					continue
				}
				litigation = append(litigation, litSlice)
				if id != "" && !processedChunks[id] {
					queue = append(queue, queueItem{chunkID: id, depth: item.depth + 1})
				}
			}
		}
	}

	bundle := &Bundle{Focus: base.Focus}
	bundle.ManualNeighbors = capSlices(dedupeSlices(manual), maxSlicesPerList)
	bundle.RegulationSlices = capSlices(dedupeSlices(regulation), maxSlicesPerList)
	bundle.GuidanceSlices = capSlices(dedupeSlices(guidance), maxSlicesPerList)
	evidence := append([]Slice(nil), base.EvidenceSlices...)
	evidence = append(evidence, litigation...)
	bundle.EvidenceSlices = capSlices(dedupeSlices(evidence), maxEvidenceSlices)

	est := r.base.Estimator()
	total := est.Count(bundle.Focus.Content)
	breakdown := make(map[string]int)
	for bucket, slices := range map[string][]Slice{
		"manual":     bundle.ManualNeighbors,
		"regulation": bundle.RegulationSlices,
		"guidance":   bundle.GuidanceSlices,
		"evidence":   bundle.EvidenceSlices,
	} {
		for _, slice := range slices {
			tokens := est.Count(slice.Content)
			breakdown[bucket] += tokens
			total += tokens
		}
	}
	bundle.TokenBreakdown = breakdown
	bundle.TotalTokens = total
	bundle.Truncated = base.Truncated

	r.logger.Info("recursive context built",
		zap.String("chunk_id", req.ChunkID),
		zap.Int("manual", len(bundle.ManualNeighbors)),
		zap.Int("regulation", len(bundle.RegulationSlices)),
		zap.Int("guidance", len(bundle.GuidanceSlices)),
		zap.Int("evidence", len(bundle.EvidenceSlices)),
		zap.Int("total_tokens", bundle.TotalTokens))

	return bundle, nil
}

// findReferencedSection resolves a reference against the manual's own
// chunks.
func (r *RecursiveBuilder) findReferencedSection(ctx context.Context, ref Reference, documentID int64, currentChunkID string) []Slice {
	queryText := ref.Text
	if ref.SectionNumber != "" {
		queryText = ref.Text + " " + ref.SectionNumber
	}
	matches := r.base.VectorQuery(ctx, vectorstore.CollectionManual, queryText,
		fmt.Sprintf("%s_ref_%s", currentChunkID, ref.Text), 5, documentID)
	return r.matchesToSlices(matches, "manual", func(idx int) string {
		return fmt.Sprintf("Referenced section: %s (match %d)", ref.Text, idx+1)
	}, map[string]any{
		"reference_source": ref.Text,
		"reference_type":   "section_reference",
	})
}

// findInRegulations resolves a reference against the regulation corpus.
func (r *RecursiveBuilder) findInRegulations(ctx context.Context, ref Reference, currentChunkID string) []Slice {
	matches := r.base.VectorQuery(ctx, vectorstore.CollectionRegulation, ref.Text,
		fmt.Sprintf("%s_reg_%s", currentChunkID, ref.Text), 5, 0)
	return r.matchesToSlices(matches, "regulation", func(idx int) string {
		return fmt.Sprintf("Regulation search: %s (match %d)", ref.Text, idx+1)
	}, map[string]any{
		"reference_source": ref.Text,
		"reference_type":   "regulation_search",
	})
}

// searchForConcept runs the refinement query as a semantic search over
// the manual and the regulations.
func (r *RecursiveBuilder) searchForConcept(ctx context.Context, conceptQuery string, documentID int64, currentChunkID string) []Slice {
	short := conceptQuery
	if len(short) > 50 {
		short = short[:50]
	}

	matches := r.base.VectorQuery(ctx, vectorstore.CollectionManual, conceptQuery,
		fmt.Sprintf("%s_concept_%s", currentChunkID, short), 10, documentID)
	slices := r.matchesToSlices(matches, "manual", func(idx int) string {
		return fmt.Sprintf("Concept search: %s (match %d)", short, idx+1)
	}, map[string]any{
		"concept_query":  conceptQuery,
		"reference_type": "concept_search",
	})

	regMatches := r.base.VectorQuery(ctx, vectorstore.CollectionRegulation, conceptQuery,
		fmt.Sprintf("%s_concept_reg_%s", currentChunkID, short), 5, 0)
	slices = append(slices, r.matchesToSlices(regMatches, "regulation", func(idx int) string {
		return fmt.Sprintf("Regulation concept: %s (match %d)", short, idx+1)
	}, map[string]any{
		"concept_query":  conceptQuery,
		"reference_type": "regulation_concept_search",
	})...)
	return slices
}

// findLitigation searches the evidence collection for case material
// related to the chunk's content. Litigation spans documents, so no
// document filter applies.
func (r *RecursiveBuilder) findLitigation(ctx context.Context, chunkID, content string) []Slice {
	matches := r.base.VectorQuery(ctx, vectorstore.CollectionEvidence, content,
		chunkID+"_litigation", 5, 0)
	return r.matchesToSlices(matches, "evidence", func(idx int) string {
		return fmt.Sprintf("Litigation/Case Law (match %d)", idx+1)
	}, map[string]any{
		"reference_type":  "litigation",
		"source_chunk_id": chunkID,
	})
}

func (r *RecursiveBuilder) matchesToSlices(matches []vectorstore.Match, source string, label func(int) string, extra map[string]any) []Slice {
	est := r.base.Estimator()
	var slices []Slice
	for idx, match := range matches {
		if match.Distance > maxMatchDistance {
			continue
		}
		if isCorruptContent(match.Content) {
			continue
		}
		metadata := make(map[string]any, len(match.Metadata)+len(extra)+1)
		for k, v := range match.Metadata {
			metadata[k] = v
		}
		for k, v := range extra {
			metadata[k] = v
		}
		if _, ok := metadata["chunk_id"]; !ok && match.ID != "" {
			metadata["chunk_id"] = match.ID
		}
		score := displayScore(match.Distance)
		slices = append(slices, Slice{
			Label:      label(idx),
			Source:     source,
			Content:    match.Content,
			TokenCount: est.Count(match.Content),
			Metadata:   metadata,
			Score:      &score,
		})
	}
	return slices
}

func refMentionsRegulation(refText string) bool {
	lowered := strings.ToLower(refText)
	for _, keyword := range []string{"part", "amc", "gm", "regulation"} {
		if strings.Contains(lowered, keyword) {
			return true
		}
	}
	return false
}

func containsChunk(slices []Slice, chunkID string) bool {
	if chunkID == "" {
		return false
	}
	for _, slice := range slices {
		if slice.ChunkID() == chunkID {
			return true
		}
	}
	return false
}

// dedupeSlices keeps the first occurrence per chunk id. Slices without a
// chunk id are always kept.
func dedupeSlices(slices []Slice) []Slice {
	seen := make(map[string]bool, len(slices))
	out := make([]Slice, 0, len(slices))
	for _, slice := range slices {
		id := slice.ChunkID()
		if id != "" {
			if seen[id] {
				continue
			}
			seen[id] = true
		}
		out = append(out, slice)
	}
	return out
}

func capSlices(slices []Slice, limit int) []Slice {
	if len(slices) > limit {
		return slices[:limit]
	}
	return slices
}
