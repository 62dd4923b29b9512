package flagging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"compliance-auditor/internal/analysis"
	"compliance-auditor/internal/model"
	"compliance-auditor/internal/store"
)

func strPtr(s string) *string { return &s }

func sampleAnalysis() *analysis.Analysis {
	return &analysis.Analysis{
		Flag:          model.FlagYellow,
		SeverityScore: 60,
		Findings:      "Procedure lacks a review cadence.",
		Gaps:          []string{"no review interval defined"},
		Citations: analysis.Citations{
			ManualSection:      strPtr("Section 2.1"),
			RegulationSections: []string{"145.A.30", "145.A.35"},
		},
		Recommendations: []string{"define an annual review"},
	}
}

func TestUpsertFlagCreates(t *testing.T) {
	st := store.NewMemory()
	synth := New(st)
	ctx := context.Background()

	flag, err := synth.UpsertFlag(ctx, 1, "D_0_0", sampleAnalysis())
	require.NoError(t, err)
	require.Equal(t, model.FlagYellow, flag.FlagType)
	require.Equal(t, 60, flag.SeverityScore)
	require.Len(t, flag.Citations, 3)
	require.Equal(t, model.CitationManual, flag.Citations[0].CitationType)
	require.Equal(t, "Section 2.1", flag.Citations[0].Reference)
}

func TestUpsertFlagIdempotent(t *testing.T) {
	st := store.NewMemory()
	synth := New(st)
	ctx := context.Background()

	first, err := synth.UpsertFlag(ctx, 1, "D_0_0", sampleAnalysis())
	require.NoError(t, err)
	second, err := synth.UpsertFlag(ctx, 1, "D_0_0", sampleAnalysis())
	require.NoError(t, err)

	// Same row, citations replaced not appended.
	require.Equal(t, first.ID, second.ID)
	stored, err := st.FlagByAuditChunk(ctx, 1, "D_0_0")
	require.NoError(t, err)
	require.Len(t, stored.Citations, 3)

	flags, err := st.FlagsByAudit(ctx, 1)
	require.NoError(t, err)
	require.Len(t, flags, 1)
}

func TestUpsertFlagEmptyCitations(t *testing.T) {
	st := store.NewMemory()
	synth := New(st)

	input := sampleAnalysis()
	input.Citations = analysis.Citations{}
	flag, err := synth.UpsertFlag(context.Background(), 1, "D_0_0", input)
	require.NoError(t, err)
	require.Empty(t, flag.Citations)
}

func TestUpsertFlagSeverityClamp(t *testing.T) {
	st := store.NewMemory()
	synth := New(st)

	input := sampleAnalysis()
	input.SeverityScore = -5
	flag, err := synth.UpsertFlag(context.Background(), 1, "D_0_0", input)
	require.NoError(t, err)
	require.Equal(t, 0, flag.SeverityScore)
}

func TestResolveFlagType(t *testing.T) {
	cases := []struct {
		flag     string
		severity int
		want     string
	}{
		{model.FlagRed, 0, model.FlagRed},
		{model.FlagGreen, 95, model.FlagGreen},
		{"", 85, model.FlagRed},
		{"", 80, model.FlagRed},
		{"", 79, model.FlagYellow},
		{"", 50, model.FlagYellow},
		{"", 49, model.FlagGreen},
		{"PURPLE", 10, model.FlagGreen},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, ResolveFlagType(tc.flag, tc.severity),
			"flag=%q severity=%d", tc.flag, tc.severity)
	}
}
