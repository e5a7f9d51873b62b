package vectorstore

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"

	"echo.app/echo-server/internal/apierr"
	"echo.app/echo-server/internal/utils"
)

// Memory is an in-process index scored by cosine similarity. It backs local
// development and tests.
type Memory struct {
	mu         sync.RWMutex
	dimension  int
	namespaces map[string]map[string]Record
}

func NewMemory() *Memory {
	return &Memory{namespaces: make(map[string]map[string]Record)}
}

func (m *Memory) EnsureIndex(_ context.Context, dimension int) error {
	if dimension <= 0 {
		return apierr.Invalid("index dimension must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dimension != 0 && m.dimension != dimension {
		return fmt.Errorf("index has dimension %d, want %d: %w", m.dimension, dimension, apierr.ErrDimensionMismatch)
	}
	m.dimension = dimension
	return nil
}

func (m *Memory) Upsert(_ context.Context, namespace string, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.namespaces[namespace]
	if !ok {
		ns = make(map[string]Record)
		m.namespaces[namespace] = ns
	}
	for _, r := range records {
		if m.dimension != 0 && len(r.Values) != m.dimension {
			return fmt.Errorf("record %s has dimension %d, want %d: %w", r.ID, len(r.Values), m.dimension, apierr.ErrDimensionMismatch)
		}
		ns[r.ID] = Record{ID: r.ID, Values: r.Values, Metadata: maps.Clone(r.Metadata)}
	}
	return nil
}

func (m *Memory) Query(_ context.Context, namespace string, vector []float32, topK int) ([]Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ns := m.namespaces[namespace]
	matches := make([]Match, 0, len(ns))
	for _, r := range ns {
		score, err := utils.CosineSimilarity(vector, r.Values)
		if err != nil {
			return nil, fmt.Errorf("score record %s: %w", r.ID, err)
		}
		matches = append(matches, Match{ID: r.ID, Score: score, Metadata: maps.Clone(r.Metadata)})
	}

	// Sort by similarity in descending order
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (m *Memory) DeleteByMetadata(_ context.Context, namespace string, filter map[string]any) error {
	if len(filter) == 0 {
		return apierr.Invalid("delete filter must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.namespaces[namespace] {
		if metadataMatches(r.Metadata, filter) {
			delete(m.namespaces[namespace], id)
		}
	}
	return nil
}

// Count returns the number of records stored in namespace.
func (m *Memory) Count(namespace string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.namespaces[namespace])
}

func metadataMatches(meta, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := meta[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}
