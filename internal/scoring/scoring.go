// Package scoring computes and persists compliance scores.
package scoring

import (
	"context"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"compliance-auditor/internal/model"
	"compliance-auditor/internal/store"
)

// Penalty model: each RED costs 20 and each YELLOW 10, decaying 0.9x per
// consecutive flag of the same class. A flag set that is entirely RED or
// entirely GREEN scores 0 — it reads as an unbalanced, not a real, audit.
// An all-YELLOW set is scored by the penalty walk.
const (
	redPenalty    = 20.0
	yellowPenalty = 10.0
	decayFactor   = 0.9
)

// CalculateScore returns the compliance score in [0, 100] for the flag
// set. No flags scores 100.
func CalculateScore(flags []model.Flag) float64 {
	if len(flags) == 0 {
		return 100.0
	}

	red, _, green := countByType(flags)
	total := len(flags)
	if red == total || green == total {
		return 0.0
	}

	sorted := append([]model.Flag(nil), flags...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	score := 100.0
	consecutiveRed, consecutiveYellow := 0, 0
	for _, flag := range sorted {
		switch flag.FlagType {
		case model.FlagRed:
			consecutiveRed++
			consecutiveYellow = 0
			score -= redPenalty * math.Pow(decayFactor, float64(consecutiveRed-1))
		case model.FlagYellow:
			consecutiveYellow++
			consecutiveRed = 0
			score -= yellowPenalty * math.Pow(decayFactor, float64(consecutiveYellow-1))
		default:
			consecutiveRed = 0
			consecutiveYellow = 0
		}
	}

	return math.Max(0.0, math.Min(100.0, score))
}

// FlagSummary aggregates a flag set for API responses.
type FlagSummary struct {
	TotalFlags       int     `json:"total_flags"`
	RedCount         int     `json:"red_count"`
	YellowCount      int     `json:"yellow_count"`
	GreenCount       int     `json:"green_count"`
	AvgSeverityScore float64 `json:"avg_severity_score"`
	ComplianceScore  float64 `json:"compliance_score"`
}

// Summarize computes the summary statistics for a flag set.
func Summarize(flags []model.Flag) FlagSummary {
	red, yellow, green := countByType(flags)
	totalSeverity := 0
	for _, flag := range flags {
		totalSeverity += flag.SeverityScore
	}
	avg := 0.0
	if len(flags) > 0 {
		avg = float64(totalSeverity) / float64(len(flags))
	}
	return FlagSummary{
		TotalFlags:       len(flags),
		RedCount:         red,
		YellowCount:      yellow,
		GreenCount:       green,
		AvgSeverityScore: math.Round(avg*100) / 100,
		ComplianceScore:  math.Round(CalculateScore(flags)*100) / 100,
	}
}

// Tracker persists score snapshots.
type Tracker struct {
	store  store.Store
	logger *zap.Logger
}

// NewTracker builds a Tracker.
func NewTracker(st store.Store, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{store: st, logger: logger}
}

// RecordScore computes counts and the overall score from the audit's
// current flag set and upserts the snapshot row. Idempotent per audit.
func (t *Tracker) RecordScore(ctx context.Context, auditID int64) (*model.ComplianceScore, error) {
	flags, err := t.store.FlagsByAudit(ctx, auditID)
	if err != nil {
		return nil, fmt.Errorf("failed to load flags for scoring: %w", err)
	}

	red, yellow, green := countByType(flags)
	score := &model.ComplianceScore{
		AuditID:      auditID,
		OverallScore: CalculateScore(flags),
		RedCount:     red,
		YellowCount:  yellow,
		GreenCount:   green,
		TotalFlags:   len(flags),
	}
	if err := t.store.SaveScore(ctx, score); err != nil {
		return nil, fmt.Errorf("failed to save compliance score: %w", err)
	}

	t.logger.Info("recorded compliance score",
		zap.Int64("audit_id", auditID),
		zap.Float64("overall_score", score.OverallScore),
		zap.Int("red", red), zap.Int("yellow", yellow), zap.Int("green", green))
	return score, nil
}

// GetScoreHistory returns the most recent snapshot per audit, filtered
// by organization when given. The limit caps at 100.
func (t *Tracker) GetScoreHistory(ctx context.Context, organization string, limit int) ([]model.ComplianceScore, error) {
	return t.store.ScoreHistory(ctx, organization, limit)
}

func countByType(flags []model.Flag) (red, yellow, green int) {
	for _, flag := range flags {
		switch flag.FlagType {
		case model.FlagRed:
			red++
		case model.FlagYellow:
			yellow++
		case model.FlagGreen:
			green++
		}
	}
	return red, yellow, green
}
