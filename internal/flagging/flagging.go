// Package flagging maps normalized analyses into persisted flags and
// citations.
package flagging

import (
	"context"
	"fmt"

	"compliance-auditor/internal/analysis"
	"compliance-auditor/internal/errs"
	"compliance-auditor/internal/model"
	"compliance-auditor/internal/store"
)

// Synthesizer upserts one flag per (audit, chunk).
type Synthesizer struct {
	store store.Store
}

// New builds a Synthesizer on the given data-access handle.
func New(st store.Store) *Synthesizer {
	return &Synthesizer{store: st}
}

// UpsertFlag writes the flag for (auditID, chunkID) from the analysis,
// replacing citations atomically. The flag class prefers the analysis
// flag and falls back to severity-derived classification.
func (s *Synthesizer) UpsertFlag(ctx context.Context, auditID int64, chunkID string, result *analysis.Analysis) (*model.Flag, error) {
	flagType := ResolveFlagType(result.Flag, result.SeverityScore)
	severity := result.SeverityScore
	if severity < 0 {
		severity = 0
	}
	findings := result.Findings
	if findings == "" {
		findings = "No findings provided."
	}

	flag, err := s.store.FlagByAuditChunk(ctx, auditID, chunkID)
	if err != nil {
		if !errs.IsNotFound(err) {
			return nil, fmt.Errorf("failed to look up flag: %w", err)
		}
		flag = &model.Flag{AuditID: auditID, ChunkID: chunkID}
	}

	flag.FlagType = flagType
	flag.SeverityScore = severity
	flag.Findings = findings
	flag.Gaps = result.Gaps
	flag.Recommendations = result.Recommendations
	flag.AnalysisMetadata = map[string]any{
		"flag":                     result.Flag,
		"needs_additional_context": result.NeedsAdditionalContext,
		"refined":                  result.Refined,
		"refinement_attempts":      result.RefinementAttempts,
		"regulation_references":    result.RegulationReferences,
	}

	if err := s.store.SaveFlag(ctx, flag); err != nil {
		return nil, fmt.Errorf("failed to save flag: %w", err)
	}

	var citations []model.Citation
	if result.Citations.ManualSection != nil && *result.Citations.ManualSection != "" {
		citations = append(citations, model.Citation{
			CitationType: model.CitationManual,
			Reference:    *result.Citations.ManualSection,
		})
	}
	for _, ref := range result.Citations.RegulationSections {
		if ref != "" {
			citations = append(citations, model.Citation{
				CitationType: model.CitationRegulation,
				Reference:    ref,
			})
		}
	}
	if err := s.store.ReplaceCitations(ctx, flag.ID, citations); err != nil {
		return nil, fmt.Errorf("failed to replace citations: %w", err)
	}
	flag.Citations = citations

	return flag, nil
}

// ResolveFlagType returns the normalized flag class, deriving it from
// the severity score when the given class is absent or invalid:
// >=80 RED, >=50 YELLOW, else GREEN.
func ResolveFlagType(flag string, severityScore int) string {
	switch flag {
	case model.FlagRed, model.FlagYellow, model.FlagGreen:
		return flag
	}
	if severityScore >= 80 {
		return model.FlagRed
	}
	if severityScore >= 50 {
		return model.FlagYellow
	}
	return model.FlagGreen
}
