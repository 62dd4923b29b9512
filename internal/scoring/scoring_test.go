package scoring

import (
	"context"
	"testing"
	"time"

	"compliance-auditor/internal/model"
	"compliance-auditor/internal/store"
)

func flagsOf(types ...string) []model.Flag {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	flags := make([]model.Flag, 0, len(types))
	for i, flagType := range types {
		flags = append(flags, model.Flag{
			ID:        int64(i + 1),
			FlagType:  flagType,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}
	return flags
}

func almostEqual(a, b float64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff < 1e-9
}

func TestCalculateScoreEmpty(t *testing.T) {
	if got := CalculateScore(nil); got != 100.0 {
		t.Errorf("CalculateScore(nil) = %v, want 100", got)
	}
}

func TestCalculateScoreAllOneClass(t *testing.T) {
	if got := CalculateScore(flagsOf("RED", "RED", "RED")); got != 0.0 {
		t.Errorf("all RED = %v, want 0", got)
	}
	if got := CalculateScore(flagsOf("GREEN", "GREEN")); got != 0.0 {
		t.Errorf("all GREEN = %v, want 0", got)
	}
}

func TestCalculateScoreMixedYellowGreen(t *testing.T) {
	// YELLOW then GREEN: 100 - 10*0.9^0 = 90.
	if got := CalculateScore(flagsOf("YELLOW", "GREEN")); !almostEqual(got, 90.0) {
		t.Errorf("YELLOW,GREEN = %v, want 90", got)
	}
}

func TestCalculateScoreConsecutiveDecay(t *testing.T) {
	// RED,RED,GREEN: 100 - 20 - 20*0.9 = 62.
	if got := CalculateScore(flagsOf("RED", "RED", "GREEN")); !almostEqual(got, 62.0) {
		t.Errorf("RED,RED,GREEN = %v, want 62", got)
	}
	// GREEN resets the run: RED,GREEN,RED = 100 - 20 - 20 = 60.
	if got := CalculateScore(flagsOf("RED", "GREEN", "RED")); !almostEqual(got, 60.0) {
		t.Errorf("RED,GREEN,RED = %v, want 60", got)
	}
}

func TestCalculateScoreClampsAtZero(t *testing.T) {
	types := make([]string, 0, 21)
	for i := 0; i < 20; i++ {
		types = append(types, "RED")
	}
	types = append(types, "GREEN")
	got := CalculateScore(flagsOf(types...))
	if got < 0 || got > 100 {
		t.Errorf("score %v out of [0,100]", got)
	}
}

func TestCalculateScoreOrderIndependentOfInputSlice(t *testing.T) {
	// Ordering is by created_at, not by slice position.
	flags := flagsOf("YELLOW", "GREEN")
	reversed := []model.Flag{flags[1], flags[0]}
	if a, b := CalculateScore(flags), CalculateScore(reversed); !almostEqual(a, b) {
		t.Errorf("score differs by input order: %v vs %v", a, b)
	}
}

func TestRecordScoreIdempotent(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	flags := flagsOf("YELLOW", "GREEN")
	for i := range flags {
		flags[i].ID = 0
		flags[i].AuditID = 1
		flags[i].ChunkID = string(rune('a' + i))
		if err := st.SaveFlag(ctx, &flags[i]); err != nil {
			t.Fatal(err)
		}
	}

	tracker := NewTracker(st, nil)
	first, err := tracker.RecordScore(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	second, err := tracker.RecordScore(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}

	if first.ID != second.ID {
		t.Errorf("RecordScore created a second row: %d vs %d", first.ID, second.ID)
	}
	if !almostEqual(second.OverallScore, 90.0) {
		t.Errorf("overall score = %v, want 90", second.OverallScore)
	}
	if second.YellowCount != 1 || second.GreenCount != 1 || second.TotalFlags != 2 {
		t.Errorf("counts wrong: %+v", second)
	}
}

func TestSummarize(t *testing.T) {
	flags := flagsOf("RED", "YELLOW", "GREEN")
	flags[0].SeverityScore = 90
	flags[1].SeverityScore = 60
	flags[2].SeverityScore = 0

	summary := Summarize(flags)
	if summary.TotalFlags != 3 || summary.RedCount != 1 || summary.YellowCount != 1 || summary.GreenCount != 1 {
		t.Errorf("summary counts wrong: %+v", summary)
	}
	if !almostEqual(summary.AvgSeverityScore, 50.0) {
		t.Errorf("avg severity = %v, want 50", summary.AvgSeverityScore)
	}
}
