package vectorstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"compliance-auditor/internal/errs"
)

// Memory is a deterministic in-memory Store for tests. Collections can
// be scripted with exact match lists per query text, or populated with
// Upsert, in which case Query returns records in insertion order with
// synthetic increasing distances.
type Memory struct {
	mu       sync.Mutex
	records  map[string][]Record
	scripted map[string][]Match // keyed by collection; optional per-query overrides below
	byQuery  map[string][]Match // keyed by collection + "\x00" + query text
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		records:  make(map[string][]Record),
		scripted: make(map[string][]Match),
		byQuery:  make(map[string][]Match),
	}
}

// Script sets the matches returned for any query against collection.
func (m *Memory) Script(collection string, matches []Match) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripted[collection] = matches
}

// ScriptQuery sets the matches returned for one specific query text.
func (m *Memory) ScriptQuery(collection, queryText string, matches []Match) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byQuery[collection+"\x00"+queryText] = matches
}

func (m *Memory) Upsert(_ context.Context, collection string, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.records[collection]
	dim := 0
	if len(existing) > 0 {
		dim = len(existing[0].Embedding)
	}
	for _, record := range records {
		if dim > 0 && len(record.Embedding) != dim {
			return &errs.EmbeddingDimensionError{Collection: collection, Want: dim, Got: len(record.Embedding)}
		}
		if dim == 0 {
			dim = len(record.Embedding)
		}
	}

	for _, record := range records {
		replaced := false
		for i, prev := range m.records[collection] {
			if prev.ID == record.ID {
				m.records[collection][i] = record
				replaced = true
				break
			}
		}
		if !replaced {
			m.records[collection] = append(m.records[collection], record)
		}
	}
	return nil
}

func (m *Memory) Query(_ context.Context, collection, queryText string, topK int, filter Filter) ([]Match, error) {
	if queryText == "" || topK <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if matches, ok := m.byQuery[collection+"\x00"+queryText]; ok {
		return capAndFilter(matches, topK, filter), nil
	}
	if matches, ok := m.scripted[collection]; ok {
		return capAndFilter(matches, topK, filter), nil
	}

	records := m.records[collection]
	matches := make([]Match, 0, len(records))
	for i, record := range records {
		matches = append(matches, Match{
			ID:       record.ID,
			Content:  record.Content,
			Metadata: record.Metadata,
			Distance: float32(i) * 0.1,
		})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Distance < matches[j].Distance })
	return capAndFilter(matches, topK, filter), nil
}

func (m *Memory) Peek(_ context.Context, collection string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if records := m.records[collection]; len(records) > 0 {
		return len(records[0].Embedding), nil
	}
	return 0, nil
}

func capAndFilter(matches []Match, topK int, filter Filter) []Match {
	out := make([]Match, 0, topK)
	for _, match := range matches {
		if !matchesFilter(match, filter) {
			continue
		}
		out = append(out, match)
		if len(out) >= topK {
			break
		}
	}
	return out
}

func matchesFilter(match Match, filter Filter) bool {
	for key, want := range filter {
		got, ok := match.Metadata[key]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}
