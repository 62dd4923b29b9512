package analysis

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const validResponse = `{
	"flag": "green",
	"severity_score": 5,
	"regulation_references": [" ML.A.501(a) ", ""],
	"findings": "Compliant.",
	"gaps": [],
	"citations": {"manual_section": "Section 4.2", "regulation_sections": [" 145.A.30 ", "145.A.30", ""]},
	"recommendations": ["  keep records  ", ""],
	"needs_additional_context": false,
	"context_query": null
}`

func TestParseAnalysisNormalizes(t *testing.T) {
	result, err := ParseAnalysis(validResponse)
	require.NoError(t, err)

	require.Equal(t, "GREEN", result.Flag)
	require.Equal(t, 5, result.SeverityScore)
	require.Equal(t, []string{"ML.A.501(a)"}, result.RegulationReferences)
	require.Equal(t, "Compliant.", result.Findings)
	require.Equal(t, []string{"keep records"}, result.Recommendations)
	require.NotNil(t, result.Citations.ManualSection)
	require.Equal(t, "Section 4.2", *result.Citations.ManualSection)
	// Duplicates after stripping collapse.
	require.Equal(t, []string{"145.A.30"}, result.Citations.RegulationSections)
}

func TestParseAnalysisRejectsUnknownFields(t *testing.T) {
	_, err := ParseAnalysis(`{
		"flag": "GREEN", "severity_score": 0, "findings": "ok",
		"citations": {"manual_section": null, "regulation_sections": []},
		"surprise": true
	}`)
	require.Error(t, err)
}

func TestParseAnalysisRequiredFields(t *testing.T) {
	cases := map[string]string{
		"missing flag":      `{"severity_score": 0, "findings": "ok", "citations": {"manual_section": null, "regulation_sections": []}}`,
		"invalid flag":      `{"flag": "BLUE", "findings": "ok", "citations": {"manual_section": null, "regulation_sections": []}}`,
		"missing findings":  `{"flag": "GREEN", "citations": {"manual_section": null, "regulation_sections": []}}`,
		"empty findings":    `{"flag": "GREEN", "findings": "   ", "citations": {"manual_section": null, "regulation_sections": []}}`,
		"missing citations": `{"flag": "GREEN", "findings": "ok"}`,
		"severity too high": `{"flag": "GREEN", "severity_score": 150, "findings": "ok", "citations": {"manual_section": null, "regulation_sections": []}}`,
		"severity negative": `{"flag": "GREEN", "severity_score": -1, "findings": "ok", "citations": {"manual_section": null, "regulation_sections": []}}`,
		"not json":          `this is not json`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseAnalysis(payload)
			require.Error(t, err)
		})
	}
}

func TestParseAnalysisGapObjects(t *testing.T) {
	result, err := ParseAnalysis(`{
		"flag": "YELLOW",
		"severity_score": 55,
		"findings": "Gaps found.",
		"gaps": [
			"plain string gap",
			{"gap_name": "named gap"},
			{"gap_description": "described gap"},
			{"description": "plain description"},
			{"unrelated": 42},
			""
		],
		"citations": {"manual_section": null, "regulation_sections": []}
	}`)
	require.NoError(t, err)
	require.Len(t, result.Gaps, 5)
	require.Equal(t, "plain string gap", result.Gaps[0])
	require.Equal(t, "named gap", result.Gaps[1])
	require.Equal(t, "described gap", result.Gaps[2])
	require.Equal(t, "plain description", result.Gaps[3])
	// The unrelated object stringifies rather than vanishing.
	require.NotEmpty(t, result.Gaps[4])
}

func TestParseAnalysisCodeFences(t *testing.T) {
	fenced := "```json\n" + validResponse + "\n```"
	result, err := ParseAnalysis(fenced)
	require.NoError(t, err)
	require.Equal(t, "GREEN", result.Flag)
}

func TestParseAnalysisContextQuery(t *testing.T) {
	result, err := ParseAnalysis(`{
		"flag": "YELLOW",
		"findings": "Might be missing the critical part definition.",
		"citations": {"manual_section": null, "regulation_sections": []},
		"needs_additional_context": true,
		"context_query": "definition of critical part"
	}`)
	require.NoError(t, err)
	require.True(t, result.NeedsAdditionalContext)
	require.NotNil(t, result.ContextQuery)
	require.Equal(t, "definition of critical part", *result.ContextQuery)

	// Whitespace-only queries normalize to nil.
	result, err = ParseAnalysis(`{
		"flag": "GREEN",
		"findings": "ok",
		"citations": {"manual_section": null, "regulation_sections": []},
		"context_query": "   "
	}`)
	require.NoError(t, err)
	require.Nil(t, result.ContextQuery)
}
