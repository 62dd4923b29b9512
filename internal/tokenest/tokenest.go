// Package tokenest provides token counting and token-boundary text
// operations. Chunking, budgeting, and context rendering must share one
// Estimator instance so their counts never drift.
package tokenest

import (
	"math"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator counts tokens and performs token-boundary operations on text.
type Estimator interface {
	// Count returns the token count of text. Empty text counts 0.
	Count(text string) int
	// Truncate returns text cut to at most limit tokens. A non-positive
	// limit returns text unchanged.
	Truncate(text string, limit int) string
	// Split slides a window of size tokens with overlap tokens of
	// carry-over across text and returns one piece per window.
	Split(text string, size, overlap int) []string
}

// New resolves name against the known tiktoken encodings, trying the
// name as an encoding, then as a model, then falling back to cl100k_base
// and finally to the character heuristic.
func New(name string) Estimator {
	if enc, err := tiktoken.GetEncoding(name); err == nil {
		return &bpeEstimator{enc: enc}
	}
	if enc, err := tiktoken.EncodingForModel(name); err == nil {
		return &bpeEstimator{enc: enc}
	}
	if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
		return &bpeEstimator{enc: enc}
	}
	return Heuristic{}
}

type bpeEstimator struct {
	enc *tiktoken.Tiktoken
}

func (e *bpeEstimator) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(e.enc.Encode(text, nil, nil))
}

func (e *bpeEstimator) Truncate(text string, limit int) string {
	if limit <= 0 || text == "" {
		return text
	}
	ids := e.enc.Encode(text, nil, nil)
	if len(ids) <= limit {
		return text
	}
	return e.enc.Decode(ids[:limit])
}

func (e *bpeEstimator) Split(text string, size, overlap int) []string {
	if text == "" {
		return nil
	}
	if size <= 0 {
		return []string{text}
	}
	ids := e.enc.Encode(text, nil, nil)
	var pieces []string
	start := 0
	for start < len(ids) {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		pieces = append(pieces, e.enc.Decode(ids[start:end]))
		if end >= len(ids) {
			break
		}
		next := end - overlap
		if next < 0 {
			next = 0
		}
		start = next
	}
	return pieces
}

// Heuristic estimates one token per four characters. Used when no BPE
// encoding can be resolved; counts a floor of 1 for non-empty text.
type Heuristic struct{}

func (Heuristic) Count(text string) int {
	if text == "" {
		return 0
	}
	count := int(math.Ceil(float64(len(text)) / 4))
	if count < 1 {
		return 1
	}
	return count
}

func (Heuristic) Truncate(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	approx := limit * 4
	if len(text) <= approx {
		return text
	}
	return text[:approx]
}

func (Heuristic) Split(text string, size, overlap int) []string {
	if text == "" {
		return nil
	}
	chunkChars := size * 4
	if chunkChars < 1 {
		chunkChars = 1
	}
	overlapChars := overlap * 4
	if overlapChars < 0 {
		overlapChars = 0
	}
	var pieces []string
	start := 0
	for start < len(text) {
		end := start + chunkChars
		if end > len(text) {
			end = len(text)
		}
		pieces = append(pieces, text[start:end])
		if end >= len(text) {
			break
		}
		next := end - overlapChars
		if next < 0 {
			next = 0
		}
		start = next
	}
	return pieces
}
