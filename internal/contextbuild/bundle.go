// Package contextbuild assembles the prompt-input context bundle for a
// focus chunk: sequential neighbors plus budgeted semantic matches from
// the categorized vector collections, optionally expanded by recursive
// reference-following.
package contextbuild

import (
	"fmt"
	"strings"
)

// Slice is one normalized context snippet.
type Slice struct {
	Label      string
	Source     string
	Content    string
	TokenCount int
	Metadata   map[string]any
	Score      *float64
}

// ChunkID returns the slice's originating chunk id, if known.
func (s Slice) ChunkID() string {
	if id, ok := s.Metadata["chunk_id"].(string); ok {
		return id
	}
	return ""
}

// Bundle is the full context package handed to the analysis client.
type Bundle struct {
	Focus            Slice
	ManualNeighbors  []Slice
	RegulationSlices []Slice
	GuidanceSlices   []Slice
	EvidenceSlices   []Slice
	TokenBreakdown   map[string]int
	TotalTokens      int
	Truncated        bool
}

// AllSlices returns every non-focus slice in render order.
func (b *Bundle) AllSlices() []Slice {
	out := make([]Slice, 0,
		len(b.ManualNeighbors)+len(b.RegulationSlices)+len(b.GuidanceSlices)+len(b.EvidenceSlices))
	out = append(out, b.ManualNeighbors...)
	out = append(out, b.RegulationSlices...)
	out = append(out, b.GuidanceSlices...)
	out = append(out, b.EvidenceSlices...)
	return out
}

// RenderText renders the bundle as prompt-ready text grouped by
// category. Empty categories produce no heading.
func (b *Bundle) RenderText() string {
	var sections []string
	for _, group := range []struct {
		prefix string
		slices []Slice
	}{
		{"Manual Context", b.ManualNeighbors},
		{"Regulation Context", b.RegulationSlices},
		{"Guidance Context", b.GuidanceSlices},
		{"Evidence Context", b.EvidenceSlices},
	} {
		if len(group.slices) == 0 {
			continue
		}
		lines := []string{"### " + group.prefix}
		for _, slice := range group.slices {
			heading := ""
			if h, ok := slice.Metadata["heading"].(string); ok && h != "" {
				heading = fmt.Sprintf(" [%s]", h)
			}
			lines = append(lines, fmt.Sprintf("- %s%s:", slice.Label, heading))
			lines = append(lines, slice.Content)
		}
		sections = append(sections, strings.Join(lines, "\n"))
	}
	return strings.Join(sections, "\n\n")
}

// Request parameterizes one bundle build.
type Request struct {
	ChunkID          string
	IncludeEvidence  bool
	NeighborWindow   *int // nil means the configured default
	BudgetMultiplier float64
	ContextQuery     string
}
