// Package analysis invokes the compliance LLM for one chunk and
// validates its structured JSON response. Two clients exist: the real
// HTTP client and an echo stub used without an API key and in tests.
package analysis

import (
	"context"
	"fmt"
	"strings"

	"github.com/bytedance/sonic/decoder"

	"compliance-auditor/internal/contextbuild"
	"compliance-auditor/internal/errs"
	"compliance-auditor/internal/model"
)

// Client is the analysis protocol: one chunk plus its context bundle in,
// one normalized analysis out.
type Client interface {
	Analyze(ctx context.Context, chunk *model.Chunk, bundle *contextbuild.Bundle) (*Analysis, error)
}

// Citations is the citation block of an analysis.
type Citations struct {
	ManualSection      *string  `json:"manual_section"`
	RegulationSections []string `json:"regulation_sections"`
}

// Analysis is the normalized analysis payload. The runner attaches
// Refined/RefinementAttempts after the refinement loop.
type Analysis struct {
	Flag                   string    `json:"flag"`
	SeverityScore          int       `json:"severity_score"`
	RegulationReferences   []string  `json:"regulation_references"`
	Findings               string    `json:"findings"`
	Gaps                   []string  `json:"gaps"`
	Citations              Citations `json:"citations"`
	Recommendations        []string  `json:"recommendations"`
	NeedsAdditionalContext bool      `json:"needs_additional_context"`
	ContextQuery           *string   `json:"context_query"`
	Refined                bool      `json:"refined,omitempty"`
	RefinementAttempts     int       `json:"refinement_attempts,omitempty"`
}

// rawAnalysis distinguishes absent fields from zero values during
// validation.
type rawAnalysis struct {
	Flag                   *string       `json:"flag"`
	SeverityScore          *int          `json:"severity_score"`
	RegulationReferences   []string      `json:"regulation_references"`
	Findings               *string       `json:"findings"`
	Gaps                   []any         `json:"gaps"`
	Citations              *rawCitations `json:"citations"`
	Recommendations        []string      `json:"recommendations"`
	NeedsAdditionalContext *bool         `json:"needs_additional_context"`
	ContextQuery           *string       `json:"context_query"`
}

type rawCitations struct {
	ManualSection      *string  `json:"manual_section"`
	RegulationSections []string `json:"regulation_sections"`
}

// ParseAnalysis validates and normalizes the LLM's JSON content. Unknown
// fields are rejected, flag and findings are required, severity is
// bounded 0-100, and list entries are stripped with empties dropped.
func ParseAnalysis(content string) (*Analysis, error) {
	content = stripCodeFences(content)

	var raw rawAnalysis
	dec := decoder.NewDecoder(content)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("analysis is not valid JSON: %w", err)
	}

	if raw.Flag == nil {
		return nil, fmt.Errorf("analysis is missing required field 'flag'")
	}
	flag := strings.ToUpper(strings.TrimSpace(*raw.Flag))
	switch flag {
	case model.FlagRed, model.FlagYellow, model.FlagGreen:
	default:
		return nil, fmt.Errorf("flag must be RED, YELLOW, or GREEN, got %q", *raw.Flag)
	}

	severity := 0
	if raw.SeverityScore != nil {
		severity = *raw.SeverityScore
	}
	if severity < 0 || severity > 100 {
		return nil, fmt.Errorf("severity_score must be within 0-100, got %d", severity)
	}

	if raw.Findings == nil || strings.TrimSpace(*raw.Findings) == "" {
		return nil, fmt.Errorf("analysis is missing required non-empty field 'findings'")
	}

	if raw.Citations == nil {
		return nil, fmt.Errorf("analysis is missing required field 'citations'")
	}

	normalized := &Analysis{
		Flag:                 flag,
		SeverityScore:        severity,
		RegulationReferences: stripList(raw.RegulationReferences),
		Findings:             strings.TrimSpace(*raw.Findings),
		Gaps:                 normalizeGaps(raw.Gaps),
		Citations: Citations{
			ManualSection:      trimPtr(raw.Citations.ManualSection),
			RegulationSections: dedupe(stripList(raw.Citations.RegulationSections)),
		},
		Recommendations: stripList(raw.Recommendations),
		ContextQuery:    trimPtr(raw.ContextQuery),
	}
	if raw.NeedsAdditionalContext != nil {
		normalized.NeedsAdditionalContext = *raw.NeedsAdditionalContext
	}
	return normalized, nil
}

// normalizeGaps accepts strings or objects; objects yield the first
// non-empty of gap_name/gap_item/gap_description/description, else their
// stringified form.
func normalizeGaps(gaps []any) []string {
	var out []string
	for _, gap := range gaps {
		var text string
		switch v := gap.(type) {
		case string:
			text = v
		case map[string]any:
			for _, key := range []string{"gap_name", "gap_item", "gap_description", "description"} {
				if s, ok := v[key].(string); ok && strings.TrimSpace(s) != "" {
					text = s
					break
				}
			}
			if text == "" {
				text = fmt.Sprint(v)
			}
		default:
			text = fmt.Sprint(v)
		}
		if trimmed := strings.TrimSpace(text); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func stripList(values []string) []string {
	var out []string
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	var out []string
	for _, value := range values {
		if seen[value] {
			continue
		}
		seen[value] = true
		out = append(out, value)
	}
	return out
}

func trimPtr(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

// stripCodeFences removes a leading/trailing fenced code block some
// models wrap JSON responses in.
func stripCodeFences(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	lines := strings.Split(content, "\n")
	if strings.HasPrefix(lines[0], "```") {
		lines = lines[1:]
	}
	if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// analysisErr wraps err as an AnalysisError with a message.
func analysisErr(msg string, err error) error {
	return &errs.AnalysisError{Msg: msg, Err: err}
}
