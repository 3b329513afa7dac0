package premium

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/parashield-protocol/parashield/internal/peril"
)

// MemoryStore is an in-memory parameter store for demo/development mode.
type MemoryStore struct {
	mu     sync.RWMutex
	params map[string]*ParamSet
	global GlobalConfig
}

// NewMemoryStore creates a new in-memory parameter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		params: make(map[string]*ParamSet),
		global: DefaultGlobalConfig(),
	}
}

func paramsKey(kind peril.RiskKind, subject string) string {
	return fmt.Sprintf("%d:%s", kind, subject)
}

func (m *MemoryStore) GetParams(ctx context.Context, kind peril.RiskKind, subject string) (*ParamSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.params[paramsKey(kind, subject)]
	if !ok {
		return nil, ErrParamsNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) UpsertParams(ctx context.Context, p *ParamSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.params[paramsKey(p.Kind, p.Subject)] = &cp
	return nil
}

func (m *MemoryStore) SetParamsActive(ctx context.Context, kind peril.RiskKind, subject string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.params[paramsKey(kind, subject)]
	if !ok {
		return ErrParamsNotFound
	}
	p.Active = active
	return nil
}

func (m *MemoryStore) ListParams(ctx context.Context) ([]*ParamSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ParamSet, 0, len(m.params))
	for _, p := range m.params {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Subject < out[j].Subject
	})
	return out, nil
}

func (m *MemoryStore) GetGlobal(ctx context.Context) (GlobalConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.global, nil
}

func (m *MemoryStore) SetGlobal(ctx context.Context, g GlobalConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.global = g
	return nil
}
