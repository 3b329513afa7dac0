package claims

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory policy store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[uint64]*Policy
	nextID   uint64
}

// NewMemoryStore creates a new in-memory policy store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{policies: make(map[uint64]*Policy)}
}

func (m *MemoryStore) Create(ctx context.Context, p *Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	p.ID = m.nextID
	cp := *p
	m.policies[p.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id uint64) (*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[id]
	if !ok {
		return nil, ErrPolicyNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, p *Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[p.ID]; !ok {
		return ErrPolicyNotFound
	}
	cp := *p
	m.policies[p.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[id]; !ok {
		return ErrPolicyNotFound
	}
	delete(m.policies, id)
	return nil
}

func (m *MemoryStore) ListByHolder(ctx context.Context, holder string, limit int) ([]*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Policy
	for _, p := range m.policies {
		if p.Holder == holder {
			cp := *p
			out = append(out, &cp)
		}
	}
	sortNewestFirst(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListByPair(ctx context.Context, target, asset string, limit int) ([]*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Policy
	for _, p := range m.policies {
		if p.Status != StatusActive {
			continue
		}
		t, a := p.IndexPair()
		if t == target && a == asset {
			cp := *p
			out = append(out, &cp)
		}
	}
	sortOldestFirst(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Policy
	for _, p := range m.policies {
		if p.Status == StatusActive && p.EndTime.Before(before) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sortOldestFirst(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortNewestFirst(ps []*Policy) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].ID > ps[j].ID })
}

func sortOldestFirst(ps []*Policy) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].ID < ps[j].ID })
}
