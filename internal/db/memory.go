package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonathan/pharma-watch/internal/types"
)

// MemoryStore keeps everything in process memory. Used for tests and dry runs.
type MemoryStore struct {
	mu       sync.RWMutex
	products map[int64]*types.Product
	status   map[int64][]types.StatusRecord
	runs     map[uuid.UUID]types.RunRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products: make(map[int64]*types.Product),
		status:   make(map[int64][]types.StatusRecord),
		runs:     make(map[uuid.UUID]types.RunRecord),
	}
}

// UpsertProduct implements Store.
func (m *MemoryStore) UpsertProduct(_ context.Context, p types.Product) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.products[p.SKU]
	if !ok {
		if p.DiscoveredAt.IsZero() {
			p.DiscoveredAt = time.Now().UTC()
		}
		m.products[p.SKU] = &p
		return true, nil
	}

	if p.Name != "" {
		existing.Name = p.Name
	}
	if p.URL != "" {
		existing.URL = p.URL
	}
	if p.ImageURL != "" {
		existing.ImageURL = p.ImageURL
	}
	if p.Description != "" {
		existing.Description = p.Description
	}
	return false, nil
}

// SetDescription implements Store.
func (m *MemoryStore) SetDescription(_ context.Context, sku int64, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.products[sku]; ok {
		p.Description = description
	}
	return nil
}

// AppendStatus implements Store.
func (m *MemoryStore) AppendStatus(_ context.Context, rec types.StatusRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status[rec.SKU] = append(m.status[rec.SKU], rec)
	return nil
}

// TouchProduct implements Store.
func (m *MemoryStore) TouchProduct(_ context.Context, sku int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.products[sku]; ok {
		t := at
		p.LastCheckedAt = &t
	}
	return nil
}

// ListProducts implements Store.
func (m *MemoryStore) ListProducts(_ context.Context, f types.ProductFilter) ([]types.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keywords := normalizeKeywords(f.Keywords)
	var out []types.Product
	for _, p := range m.products {
		if matchesFilter(p, f, keywords) {
			out = append(out, copyProduct(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// GetProduct implements Store.
func (m *MemoryStore) GetProduct(_ context.Context, sku int64) (*types.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[sku]
	if !ok {
		return nil, nil
	}
	cp := copyProduct(p)
	return &cp, nil
}

// CountProducts implements Store.
func (m *MemoryStore) CountProducts(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.products), nil
}

// ListStatus implements Store.
func (m *MemoryStore) ListStatus(_ context.Context, sku int64, limit int) ([]types.StatusRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	history := m.status[sku]
	out := make([]types.StatusRecord, len(history))
	copy(out, history)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ObservedAt.After(out[j].ObservedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// StatusSince implements Store.
func (m *MemoryStore) StatusSince(_ context.Context, since time.Time) ([]types.StatusRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.StatusRecord
	for _, history := range m.status {
		for _, rec := range history {
			if !rec.ObservedAt.Before(since) {
				out = append(out, rec)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SKU != out[j].SKU {
			return out[i].SKU < out[j].SKU
		}
		return out[i].ObservedAt.Before(out[j].ObservedAt)
	})
	return out, nil
}

// LatestStatuses implements Store.
func (m *MemoryStore) LatestStatuses(_ context.Context) ([]types.StatusRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.StatusRecord
	for _, history := range m.status {
		if len(history) == 0 {
			continue
		}
		latest := history[0]
		for _, rec := range history[1:] {
			if rec.ObservedAt.After(latest.ObservedAt) {
				latest = rec
			}
		}
		out = append(out, latest)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}

// StatusCount returns the total number of status records.
func (m *MemoryStore) StatusCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, h := range m.status {
		n += len(h)
	}
	return n
}

// SaveRun implements Store.
func (m *MemoryStore) SaveRun(_ context.Context, run types.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run
	return nil
}

// GetRun implements Store.
func (m *MemoryStore) GetRun(_ context.Context, id uuid.UUID) (*types.RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

// ListRuns implements Store.
func (m *MemoryStore) ListRuns(_ context.Context, taskType types.TaskType, limit int) ([]types.RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.RunRecord
	for _, r := range m.runs {
		if taskType == "" || r.TaskType == taskType {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Migrate implements Store.
func (m *MemoryStore) Migrate(context.Context) error { return nil }

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }

func copyProduct(p *types.Product) types.Product {
	cp := *p
	if p.LastCheckedAt != nil {
		t := *p.LastCheckedAt
		cp.LastCheckedAt = &t
	}
	return cp
}
