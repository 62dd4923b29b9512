package contextbuild

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"compliance-auditor/internal/config"
	"compliance-auditor/internal/model"
	"compliance-auditor/internal/store"
	"compliance-auditor/internal/tokenest"
	"compliance-auditor/internal/vectorstore"
)

// Matches above this distance are dropped before budget accounting.
const maxMatchDistance = 1.5

// queryCacheLimit bounds the per-builder query cache; builders live for
// one audit.
const queryCacheLimit = 512

var (
	numericOnlyRe = regexp.MustCompile(`^[\d\s.\-]+$`)
	// Extraction-failure sentinels observed in corrupted vector payloads.
	corruptSentinels = []string{"-1097280", "-448310"}
)

// Builder assembles context bundles with per-bucket and global token
// budgets.
type Builder struct {
	store   store.Store
	vectors vectorstore.Store
	budgets config.ContextBudgets
	est     tokenest.Estimator
	logger  *zap.Logger

	cacheMu sync.Mutex
	cache   map[string][]vectorstore.Match
}

// New builds a context builder. The estimator must be the same instance
// the chunker used so token accounting matches stored counts.
func New(st store.Store, vectors vectorstore.Store, budgets config.ContextBudgets, est tokenest.Estimator, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{
		store:   st,
		vectors: vectors,
		budgets: budgets,
		est:     est,
		logger:  logger,
		cache:   make(map[string][]vectorstore.Match),
	}
}

// Estimator exposes the shared token estimator.
func (b *Builder) Estimator() tokenest.Estimator { return b.est }

// LoadChunk loads a chunk by its chunk id.
func (b *Builder) LoadChunk(ctx context.Context, chunkID string) (*model.Chunk, error) {
	return b.store.ChunkByChunkID(ctx, chunkID)
}

// BuildContext assembles a bundle for the focus chunk per the retrieval
// strategy: sequential neighbors, same-document semantic siblings,
// regulation, guidance (AMC+GM), and optional evidence, each admitted
// against its bucket budget and the global budget.
func (b *Builder) BuildContext(ctx context.Context, req Request) (*Bundle, error) {
	chunk, err := b.store.ChunkByChunkID(ctx, req.ChunkID)
	if err != nil {
		return nil, err
	}

	multiplier := req.BudgetMultiplier
	if multiplier <= 0 {
		multiplier = 1.0
	}

	bundle := &Bundle{Focus: b.chunkToSlice(chunk, "Focus Chunk", "manual")}
	budget := newTokenBudget(int(float64(b.budgets.TotalTokenBudget) * multiplier))

	manualWindow := b.budgets.ManualNeighborWindow
	if req.NeighborWindow != nil {
		manualWindow = *req.NeighborWindow
	}
	manualLimit := int(float64(b.budgets.ManualTokenBudget) * multiplier)
	regulationLimit := int(float64(b.budgets.RegulationTokenBudget) * multiplier)
	guidanceLimit := int(float64(b.budgets.GuidanceTokenBudget) * multiplier)
	evidenceLimit := int(float64(b.budgets.EvidenceTokenBudget) * multiplier)

	query := req.ContextQuery
	if query == "" {
		query = chunk.Content
	}

	manual, err := b.collectManualNeighbors(ctx, chunk, manualWindow)
	if err != nil {
		return nil, err
	}

	// Semantic siblings from the same manual, de-duplicated against the
	// sequential neighbors and the focus chunk.
	seen := map[string]bool{chunk.ChunkID: true}
	for _, slice := range manual {
		seen[slice.ChunkID()] = true
	}
	siblings := b.collectVectorContext(ctx, vectorCollect{
		collection:  vectorstore.CollectionManual,
		labelPrefix: "Manual (similar)",
		source:      "manual",
		topK:        5,
		query:       query,
		cacheKey:    chunk.ChunkID,
		documentID:  chunk.DocumentID,
	})
	for _, slice := range siblings {
		if id := slice.ChunkID(); id != "" && !seen[id] {
			manual = append(manual, slice)
			seen[id] = true
		}
	}
	bundle.ManualNeighbors = budget.admit("manual", manualLimit, manual)

	regulation := b.collectVectorContext(ctx, vectorCollect{
		collection:  vectorstore.CollectionRegulation,
		labelPrefix: "Regulation",
		source:      "regulation",
		topK:        b.budgets.RegulationTopK,
		query:       query,
		cacheKey:    chunk.ChunkID,
	})
	bundle.RegulationSlices = budget.admit("regulation", regulationLimit, regulation)

	guidance := b.collectVectorContext(ctx, vectorCollect{
		collection:  vectorstore.CollectionAMC,
		labelPrefix: "AMC",
		source:      "amc",
		topK:        b.budgets.GuidanceTopK,
		query:       query,
		cacheKey:    chunk.ChunkID,
	})
	guidance = append(guidance, b.collectVectorContext(ctx, vectorCollect{
		collection:  vectorstore.CollectionGM,
		labelPrefix: "GM",
		source:      "gm",
		topK:        b.budgets.GuidanceTopK,
		query:       query,
		cacheKey:    chunk.ChunkID,
	})...)
	bundle.GuidanceSlices = budget.admit("guidance", guidanceLimit, guidance)

	if req.IncludeEvidence && b.budgets.EvidenceTopK > 0 {
		evidence := b.collectVectorContext(ctx, vectorCollect{
			collection:  vectorstore.CollectionEvidence,
			labelPrefix: "Evidence",
			source:      "evidence",
			topK:        b.budgets.EvidenceTopK,
			query:       query,
			cacheKey:    chunk.ChunkID,
		})
		bundle.EvidenceSlices = budget.admit("evidence", evidenceLimit, evidence)
	}

	bundle.TotalTokens = budget.totalUsed
	bundle.Truncated = budget.truncated
	bundle.TokenBreakdown = budget.bucketUsed

	b.logger.Info("context built",
		zap.String("chunk_id", chunk.ChunkID),
		zap.Int("manual", len(bundle.ManualNeighbors)),
		zap.Int("regulation", len(bundle.RegulationSlices)),
		zap.Int("guidance", len(bundle.GuidanceSlices)),
		zap.Int("evidence", len(bundle.EvidenceSlices)),
		zap.Int("total_tokens", bundle.TotalTokens),
		zap.Bool("truncated", bundle.Truncated))
	if len(bundle.RegulationSlices) == 0 {
		b.logger.Warn("no regulation context retrieved", zap.String("chunk_id", chunk.ChunkID))
	}

	return bundle, nil
}

// ------------------------------------------------------------------ //
// Manual neighbor retrieval
// ------------------------------------------------------------------ //

func (b *Builder) collectManualNeighbors(ctx context.Context, chunk *model.Chunk, window int) ([]Slice, error) {
	if window <= 0 {
		return nil, nil
	}
	lo := chunk.ChunkIndex - window
	hi := chunk.ChunkIndex + window
	neighbors, err := b.store.ChunksInRange(ctx, chunk.DocumentID, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("failed to load manual neighbors: %w", err)
	}

	var slices []Slice
	for i := range neighbors {
		neighbor := &neighbors[i]
		if neighbor.ChunkID == chunk.ChunkID {
			continue
		}
		offset := neighbor.ChunkIndex - chunk.ChunkIndex
		direction := "previous"
		if offset > 0 {
			direction = "next"
		}
		label := fmt.Sprintf("Manual neighbor (%s %d)", direction, abs(offset))
		slices = append(slices, b.chunkToSlice(neighbor, label, "manual"))
	}
	return slices, nil
}

// ------------------------------------------------------------------ //
// Vector retrieval
// ------------------------------------------------------------------ //

type vectorCollect struct {
	collection  string
	labelPrefix string
	source      string
	topK        int
	query       string
	cacheKey    string
	documentID  int64 // non-zero filters to that document
}

func (b *Builder) collectVectorContext(ctx context.Context, spec vectorCollect) []Slice {
	matches := b.vectorQuery(ctx, spec.collection, spec.query, spec.cacheKey, spec.topK, spec.documentID)

	var slices []Slice
	for idx, match := range matches {
		if match.Distance > maxMatchDistance {
			continue
		}
		if isCorruptContent(match.Content) {
			continue
		}

		metadata := make(map[string]any, len(match.Metadata)+3)
		for k, v := range match.Metadata {
			metadata[k] = v
		}
		if _, ok := metadata["chunk_id"]; !ok && match.ID != "" {
			metadata["chunk_id"] = match.ID
		}
		if _, ok := metadata["source"]; !ok {
			metadata["source"] = spec.source
		}
		if _, ok := metadata["heading"]; !ok {
			metadata["heading"] = metadata["parent_heading"]
		}

		tokens := 0
		if raw, ok := metadata["token_count"]; ok {
			tokens = asInt(raw)
		}
		if tokens <= 0 {
			tokens = b.est.Count(match.Content)
		}

		score := displayScore(match.Distance)
		slices = append(slices, Slice{
			Label:      fmt.Sprintf("%s ref #%d", spec.labelPrefix, idx+1),
			Source:     spec.source,
			Content:    match.Content,
			TokenCount: tokens,
			Metadata:   metadata,
			Score:      &score,
		})
	}
	return slices
}

// VectorQuery is the cached retrieval entry point shared with the
// recursive builder.
func (b *Builder) VectorQuery(ctx context.Context, collection, queryText, cacheKey string, topK int, documentID int64) []vectorstore.Match {
	return b.vectorQuery(ctx, collection, queryText, cacheKey, topK, documentID)
}

func (b *Builder) vectorQuery(ctx context.Context, collection, queryText, cacheKey string, topK int, documentID int64) []vectorstore.Match {
	if queryText == "" || topK <= 0 {
		return nil
	}

	key := fmt.Sprintf("%s\x00%s\x00%d", collection, cacheKey, documentID)
	b.cacheMu.Lock()
	if cached, ok := b.cache[key]; ok {
		b.cacheMu.Unlock()
		return cached
	}
	b.cacheMu.Unlock()

	var filter vectorstore.Filter
	if documentID != 0 {
		filter = vectorstore.Filter{"document_id": documentID}
	}
	matches, err := b.vectors.Query(ctx, collection, queryText, topK, filter)
	if err != nil {
		b.logger.Warn("vector query failed", zap.String("collection", collection), zap.Error(err))
		return nil
	}

	b.cacheMu.Lock()
	if len(b.cache) < queryCacheLimit {
		b.cache[key] = matches
	}
	b.cacheMu.Unlock()
	return matches
}

// ------------------------------------------------------------------ //
// Slice helpers
// ------------------------------------------------------------------ //

func (b *Builder) chunkToSlice(chunk *model.Chunk, label, source string) Slice {
	metadata := map[string]any{
		"chunk_id":     chunk.ChunkID,
		"chunk_index":  chunk.ChunkIndex,
		"section_path": chunk.SectionPathParts(),
		"heading":      chunk.ParentHeading,
		"document_id":  chunk.DocumentID,
	}
	if chunk.Metadata.PrevChunkID != "" {
		metadata["prev_chunk_id"] = chunk.Metadata.PrevChunkID
	}
	if chunk.Metadata.NextChunkID != "" {
		metadata["next_chunk_id"] = chunk.Metadata.NextChunkID
	}
	tokens := chunk.TokenCount
	if tokens <= 0 {
		tokens = b.est.Count(chunk.Content)
	}
	return Slice{
		Label:      label,
		Source:     source,
		Content:    chunk.Content,
		TokenCount: tokens,
		Metadata:   metadata,
	}
}

// ------------------------------------------------------------------ //
// Token budget
// ------------------------------------------------------------------ //

type tokenBudget struct {
	totalLimit int
	totalUsed  int
	bucketUsed map[string]int
	truncated  bool
}

func newTokenBudget(totalLimit int) *tokenBudget {
	if totalLimit < 0 {
		totalLimit = 0
	}
	return &tokenBudget{totalLimit: totalLimit, bucketUsed: make(map[string]int)}
}

func (t *tokenBudget) allow(bucket string, bucketLimit, tokens int) bool {
	if bucketLimit <= 0 || tokens <= 0 {
		return false
	}
	if t.totalUsed+tokens > t.totalLimit {
		t.truncated = true
		return false
	}
	if t.bucketUsed[bucket]+tokens > bucketLimit {
		t.truncated = true
		return false
	}
	t.totalUsed += tokens
	t.bucketUsed[bucket] += tokens
	return true
}

// admit walks candidates in retrieval order; the first breach stops the
// bucket's admission.
func (t *tokenBudget) admit(bucket string, bucketLimit int, slices []Slice) []Slice {
	var accepted []Slice
	for _, slice := range slices {
		if !t.allow(bucket, bucketLimit, slice.TokenCount) {
			break
		}
		accepted = append(accepted, slice)
	}
	return accepted
}

// ------------------------------------------------------------------ //
// Utilities
// ------------------------------------------------------------------ //

func displayScore(distance float32) float64 {
	return 1.0 / (1.0 + float64(distance))
}

func isCorruptContent(content string) bool {
	trimmed := strings.TrimSpace(content)
	if len(trimmed) < 10 {
		return true
	}
	if numericOnlyRe.MatchString(trimmed) {
		return true
	}
	for _, sentinel := range corruptSentinels {
		if strings.Contains(content, sentinel) {
			return true
		}
	}
	return false
}

func asInt(value any) int {
	switch v := value.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case float32:
		return int(v)
	}
	return 0
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
