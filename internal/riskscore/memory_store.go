package riskscore

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu          sync.RWMutex
	assessments map[string][]*Assessment // subject → assessments
}

// NewMemoryStore creates an in-memory assessment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assessments: make(map[string][]*Assessment),
	}
}

func (s *MemoryStore) Record(ctx context.Context, a *Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *a
	factors := make(map[string]float64, len(a.Factors))
	for k, v := range a.Factors {
		factors[k] = v
	}
	cp.Factors = factors

	s.assessments[a.Subject] = append(s.assessments[a.Subject], &cp)
	return nil
}

func (s *MemoryStore) ListBySubject(ctx context.Context, subject string, limit int) ([]*Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.assessments[subject]
	if len(all) == 0 {
		return nil, nil
	}

	start := len(all) - limit
	if start < 0 {
		start = 0
	}

	// most recent first
	result := make([]*Assessment, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		cp := *all[i]
		factors := make(map[string]float64, len(cp.Factors))
		for k, v := range cp.Factors {
			factors[k] = v
		}
		cp.Factors = factors
		result = append(result, &cp)
	}
	return result, nil
}
