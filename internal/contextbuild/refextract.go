package contextbuild

import (
	"regexp"
	"strings"
)

// Reference is one extracted section/subsection reference.
type Reference struct {
	Text          string
	SectionNumber string
}

// Ordered patterns for section reference formats. The last, generic
// pattern needs surrounding keyword context to count.
var sectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:section|sect\.?)\s+(\d+(?:\.\d+)*)`),
	regexp.MustCompile(`(?i)(?:chapter|ch\.?)\s+(\d+)`),
	regexp.MustCompile(`(?i)part[-\s]?(\d+)(?:[.\s]?([A-Z]))?(?:[.\s]?(\d+))?`),
	regexp.MustCompile(`(?i)osa\s+(\d+(?:\.\d+)?)`),
	regexp.MustCompile(`(?i)kohdassa\s+(\d+(?:\.\d+)?)`),
	regexp.MustCompile(`\b(\d+\.\d+(?:\.\d+)?)\b`),
}

// Contextual exclusions: any match overlapping one of these spans in the
// source text is discarded, so "145.9999" inside "FI.145.9999" never
// surfaces as a reference.
var excludeSpanPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\d{1,2}\.\d{1,2}\.\d{4}`), // dates like 3.11.2025
	regexp.MustCompile(`FI\.\d+\.\d+`),            // organization ids like FI.145.9999
	regexp.MustCompile(`\b\d+\.\d+\.\d+\.\d+\b`),  // IP-like forms
}

// Whole-match exclusions applied to the reference text itself.
var excludeExactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\d{4}$`), // bare years
}

var sectionKeywords = []string{"section", "chapter", "part", "osa", "kohdassa", "kohta", "appendix"}

var (
	fourDigitRe = regexp.MustCompile(`\d{4}`)
	versionRe   = regexp.MustCompile(`v?\d+\.\d+\.\d+`)
)

// ExtractReferences scans text for section references, applying the
// exclusion patterns and de-duplicating by lowercased match text. A
// generic numeric match inside the span of an earlier, more specific
// match is suppressed so "kohdassa 3.4" does not also yield "3.4".
func ExtractReferences(text string) []Reference {
	var references []Reference
	seen := make(map[string]bool)

	var excludedSpans [][2]int
	for _, pattern := range excludeSpanPatterns {
		for _, loc := range pattern.FindAllStringIndex(text, -1) {
			excludedSpans = append(excludedSpans, [2]int{loc[0], loc[1]})
		}
	}

	var matchedSpans [][2]int
	for patternIdx, pattern := range sectionPatterns {
		generic := patternIdx == len(sectionPatterns)-1
		for _, loc := range pattern.FindAllStringSubmatchIndex(text, -1) {
			refText := strings.TrimSpace(text[loc[0]:loc[1]])
			if len(refText) < 3 {
				continue
			}
			if overlapsSpan(excludedSpans, loc[0], loc[1]) || excludedExact(refText) {
				continue
			}
			if generic {
				if insideSpan(matchedSpans, loc[0], loc[1]) {
					continue
				}
				if !keywordNearby(text, loc[0], loc[1]) {
					continue
				}
				// Even with keyword context, year-bearing or
				// version-like numbers are not section references.
				if fourDigitRe.MatchString(refText) || versionRe.MatchString(refText) {
					continue
				}
			}

			matchedSpans = append(matchedSpans, [2]int{loc[0], loc[1]})
			key := strings.ToLower(refText)
			if seen[key] {
				continue
			}
			seen[key] = true
			references = append(references, Reference{
				Text:          refText,
				SectionNumber: firstGroup(text, loc),
			})
		}
	}
	return references
}

func excludedExact(refText string) bool {
	for _, pattern := range excludeExactPatterns {
		if pattern.MatchString(refText) {
			return true
		}
	}
	return false
}

func overlapsSpan(spans [][2]int, start, end int) bool {
	for _, span := range spans {
		if start < span[1] && end > span[0] {
			return true
		}
	}
	return false
}

func insideSpan(spans [][2]int, start, end int) bool {
	for _, span := range spans {
		if start >= span[0] && end <= span[1] {
			return true
		}
	}
	return false
}

// keywordNearby checks 20 chars of context on either side for a
// section-related keyword.
func keywordNearby(text string, start, end int) bool {
	before := strings.ToLower(text[max(0, start-20):start])
	limit := end + 20
	if limit > len(text) {
		limit = len(text)
	}
	after := strings.ToLower(text[end:limit])
	for _, keyword := range sectionKeywords {
		if strings.Contains(before, keyword) || strings.Contains(after, keyword) {
			return true
		}
	}
	return false
}

func firstGroup(text string, loc []int) string {
	if len(loc) >= 4 && loc[2] >= 0 {
		return text[loc[2]:loc[3]]
	}
	return ""
}
