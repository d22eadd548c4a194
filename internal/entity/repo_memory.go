package entity

import (
	"cmp"
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryRepo keeps records in process memory. It backs the "memory"
// storage driver and the tests.
type MemoryRepo struct {
	mu      sync.RWMutex
	records map[string]map[string]*Record
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{records: make(map[string]map[string]*Record)}
}

func (m *MemoryRepo) Ping(context.Context) error { return nil }

func (m *MemoryRepo) Create(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.records[rec.Entity]
	if !ok {
		byID = make(map[string]*Record)
		m.records[rec.Entity] = byID
	}
	byID[rec.ID] = rec.Clone()
	return nil
}

func (m *MemoryRepo) Get(_ context.Context, entity, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[entity][id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *MemoryRepo) Update(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.records[rec.Entity][rec.ID]
	if !ok {
		return ErrNotFound
	}
	stored := rec.Clone()
	stored.CreatedAt = old.CreatedAt
	m.records[rec.Entity][rec.ID] = stored
	return nil
}

func (m *MemoryRepo) Delete(_ context.Context, entity, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records[entity], id)
	return nil
}

func (m *MemoryRepo) List(_ context.Context, entity string, q ListQuery) ([]*Record, int, error) {
	m.mu.RLock()
	items := make([]*Record, 0, len(m.records[entity]))
	for _, rec := range m.records[entity] {
		items = append(items, rec.Clone())
	}
	m.mu.RUnlock()

	sort.SliceStable(items, func(i, j int) bool {
		for _, s := range q.Sort {
			c := compareValues(sortValue(items[i], s.Field), sortValue(items[j], s.Field))
			if c == 0 {
				continue
			}
			// absent values stay last whatever the direction
			if sortValue(items[i], s.Field) == nil || sortValue(items[j], s.Field) == nil {
				return c < 0
			}
			if s.Desc {
				return c > 0
			}
			return c < 0
		}
		return items[i].ID < items[j].ID
	})

	total := len(items)
	start := q.Offset
	if start > total {
		start = total
	}
	end := total
	if q.Limit > 0 && start+q.Limit < total {
		end = start + q.Limit
	}
	return items[start:end], total, nil
}

func (m *MemoryRepo) Missing(_ context.Context, entity string, ids []string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	found := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := m.records[entity][id]; ok {
			found[id] = true
		}
	}
	return missingFrom(ids, found), nil
}

func sortValue(rec *Record, field string) interface{} {
	switch field {
	case "id":
		return rec.ID
	case "createdAt":
		return rec.CreatedAt
	case "updatedAt":
		return rec.UpdatedAt
	}
	return rec.Fields[field]
}

// compareValues orders canonical field values; nil sorts after everything.
func compareValues(a, b interface{}) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	switch x := a.(type) {
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y)
		}
	case int64:
		if y, ok := b.(int64); ok {
			return cmp.Compare(x, y)
		}
	case float64:
		if y, ok := b.(float64); ok {
			return cmp.Compare(x, y)
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0
			case !x:
				return -1
			default:
				return 1
			}
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y)
		}
	}
	return 0
}
