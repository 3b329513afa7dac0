package pool

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/parashield-protocol/parashield/internal/idgen"
	"github.com/parashield-protocol/parashield/internal/money"
)

// MemoryStore is an in-memory pool store for demo/development mode.
type MemoryStore struct {
	mu      sync.RWMutex
	pools   map[string]*Pool
	stakes  map[string]map[string]*big.Int // asset -> provider -> stake
	entries []*Entry
}

// NewMemoryStore creates a new in-memory pool store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pools:  make(map[string]*Pool),
		stakes: make(map[string]map[string]*big.Int),
	}
}

func (m *MemoryStore) CreatePool(ctx context.Context, p *Pool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pools[p.Asset]; ok {
		return ErrPoolExists
	}
	cp := *p
	m.pools[p.Asset] = &cp
	m.stakes[p.Asset] = make(map[string]*big.Int)
	return nil
}

func (m *MemoryStore) GetPool(ctx context.Context, asset string) (*Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[asset]
	if !ok {
		return nil, ErrPoolNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListPools(ctx context.Context) ([]*Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

func (m *MemoryStore) SetActive(ctx context.Context, asset string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[asset]
	if !ok {
		return ErrPoolNotFound
	}
	p.Active = active
	p.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetMinRatio(ctx context.Context, asset string, pct int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[asset]
	if !ok {
		return ErrPoolNotFound
	}
	p.MinCapitalRatioPct = pct
	p.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) Deposit(ctx context.Context, asset, provider, amount string) error {
	amt, ok := money.ParsePositive(amount)
	if !ok {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	p, found := m.pools[asset]
	if !found {
		return ErrPoolNotFound
	}

	total, _ := money.Parse(p.TotalCapital)
	p.TotalCapital = money.Format(new(big.Int).Add(total, amt))
	p.UpdatedAt = time.Now()

	stake := m.stakes[asset][provider]
	if stake == nil {
		stake = money.Zero()
	}
	m.stakes[asset][provider] = new(big.Int).Add(stake, amt)

	m.appendEntry(asset, "deposit", amount, provider, "")
	return nil
}

func (m *MemoryStore) Withdraw(ctx context.Context, asset, provider, amount string) error {
	amt, ok := money.ParsePositive(amount)
	if !ok {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	p, found := m.pools[asset]
	if !found {
		return ErrPoolNotFound
	}

	stake := m.stakes[asset][provider]
	if stake == nil || stake.Cmp(amt) < 0 {
		return ErrInsufficientStake
	}

	total, _ := money.Parse(p.TotalCapital)
	allocated, _ := money.Parse(p.AllocatedCapital)
	newTotal := new(big.Int).Sub(total, amt)
	if err := checkWithdrawInvariants(newTotal, allocated, p.MinCapitalRatioPct); err != nil {
		return err
	}

	p.TotalCapital = money.Format(newTotal)
	p.UpdatedAt = time.Now()
	m.stakes[asset][provider] = new(big.Int).Sub(stake, amt)

	m.appendEntry(asset, "withdrawal", amount, provider, "")
	return nil
}

func (m *MemoryStore) ProviderStake(ctx context.Context, asset, provider string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.pools[asset]; !ok {
		return "", ErrPoolNotFound
	}
	stake := m.stakes[asset][provider]
	if stake == nil {
		stake = money.Zero()
	}
	return money.Format(stake), nil
}

func (m *MemoryStore) Reserve(ctx context.Context, asset, amount, reference string) error {
	amt, ok := money.ParsePositive(amount)
	if !ok {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	p, found := m.pools[asset]
	if !found {
		return ErrPoolNotFound
	}

	total, _ := money.Parse(p.TotalCapital)
	allocated, _ := money.Parse(p.AllocatedCapital)
	newAllocated := new(big.Int).Add(allocated, amt)
	if newAllocated.Cmp(total) > 0 {
		return ErrInsufficientCapital
	}

	p.AllocatedCapital = money.Format(newAllocated)
	p.UpdatedAt = time.Now()
	m.appendEntry(asset, "reserve", amount, "", reference)
	return nil
}

func (m *MemoryStore) Release(ctx context.Context, asset, amount, reference string) error {
	amt, ok := money.ParsePositive(amount)
	if !ok {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	p, found := m.pools[asset]
	if !found {
		return ErrPoolNotFound
	}

	allocated, _ := money.Parse(p.AllocatedCapital)
	if allocated.Cmp(amt) < 0 {
		return ErrInvalidAmount
	}

	p.AllocatedCapital = money.Format(new(big.Int).Sub(allocated, amt))
	p.UpdatedAt = time.Now()
	m.appendEntry(asset, "release", amount, "", reference)
	return nil
}

func (m *MemoryStore) Payout(ctx context.Context, asset, recipient, amount, reference string) error {
	amt, ok := money.ParsePositive(amount)
	if !ok {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	p, found := m.pools[asset]
	if !found {
		return ErrPoolNotFound
	}

	total, _ := money.Parse(p.TotalCapital)
	allocated, _ := money.Parse(p.AllocatedCapital)
	if allocated.Cmp(amt) < 0 || total.Cmp(amt) < 0 {
		return ErrInsufficientCapital
	}

	p.TotalCapital = money.Format(new(big.Int).Sub(total, amt))
	p.AllocatedCapital = money.Format(new(big.Int).Sub(allocated, amt))
	p.UpdatedAt = time.Now()
	m.appendEntry(asset, "payout", amount, recipient, reference)
	return nil
}

func (m *MemoryStore) CreditPremium(ctx context.Context, asset, amount, reference string) error {
	amt, ok := money.ParsePositive(amount)
	if !ok {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	p, found := m.pools[asset]
	if !found {
		return ErrPoolNotFound
	}

	total, _ := money.Parse(p.TotalCapital)
	p.TotalCapital = money.Format(new(big.Int).Add(total, amt))
	p.UpdatedAt = time.Now()
	m.appendEntry(asset, "premium", amount, "", reference)
	return nil
}

func (m *MemoryStore) EmergencyWithdraw(ctx context.Context, asset, recipient, amount string) error {
	amt, ok := money.ParsePositive(amount)
	if !ok {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	p, found := m.pools[asset]
	if !found {
		return ErrPoolNotFound
	}

	total, _ := money.Parse(p.TotalCapital)
	allocated, _ := money.Parse(p.AllocatedCapital)
	newTotal := new(big.Int).Sub(total, amt)
	// Ratio is bypassed, but allocated capital must remain fully backed.
	if newTotal.Cmp(allocated) < 0 {
		return ErrInsufficientCapital
	}

	p.TotalCapital = money.Format(newTotal)
	p.UpdatedAt = time.Now()
	m.appendEntry(asset, "emergency_withdrawal", amount, recipient, "")
	return nil
}

func (m *MemoryStore) History(ctx context.Context, asset string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Entry, 0, limit)
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].Asset == asset {
			cp := *m.entries[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

// appendEntry records a journal row; caller holds the lock.
func (m *MemoryStore) appendEntry(asset, entryType, amount, account, reference string) {
	m.entries = append(m.entries, &Entry{
		ID:        idgen.WithPrefix("cap_"),
		Asset:     asset,
		Type:      entryType,
		Amount:    amount,
		Account:   account,
		Reference: reference,
		CreatedAt: time.Now(),
	})
}

// checkWithdrawInvariants validates a provider withdrawal: free capital may
// not go negative, and when capital is allocated the post-withdrawal
// total:allocated ratio may not drop below the configured minimum.
func checkWithdrawInvariants(newTotal, allocated *big.Int, minRatioPct int64) error {
	if newTotal.Cmp(allocated) < 0 {
		return ErrInsufficientCapital
	}
	if allocated.Sign() > 0 {
		// newTotal * 100 >= allocated * minRatioPct
		lhs := new(big.Int).Mul(newTotal, big.NewInt(100))
		rhs := new(big.Int).Mul(allocated, big.NewInt(minRatioPct))
		if lhs.Cmp(rhs) < 0 {
			return ErrSolvencyBreach
		}
	}
	return nil
}
