package classifier

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/parashield-protocol/parashield/internal/peril"
)

// Category names a monitored-target set.
type Category string

const (
	CategoryContract   Category = "contract"   // exploit rule
	CategoryStablecoin Category = "stablecoin" // depeg rule
	CategoryBridge     Category = "bridge"     // bridge-failure rule
	CategoryToken      Category = "token"      // volatility rule
)

var ErrUnknownCategory = errors.New("classifier: unknown target category")

// ParseCategory validates a category name from the admin surface.
func ParseCategory(s string) (Category, error) {
	switch Category(s) {
	case CategoryContract, CategoryStablecoin, CategoryBridge, CategoryToken:
		return Category(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCategory, s)
	}
}

// TargetSet is the registry of monitored targets, one set per category.
// Membership is checked on the hot classification path, so sets are plain
// maps under a read-write lock.
type TargetSet struct {
	mu   sync.RWMutex
	sets map[Category]map[string]bool
}

// NewTargetSet creates an empty registry.
func NewTargetSet() *TargetSet {
	sets := make(map[Category]map[string]bool, 4)
	for _, cat := range []Category{CategoryContract, CategoryStablecoin, CategoryBridge, CategoryToken} {
		sets[cat] = make(map[string]bool)
	}
	return &TargetSet{sets: sets}
}

// Add registers a target under a category.
func (t *TargetSet) Add(cat Category, addr string) error {
	if _, err := ParseCategory(string(cat)); err != nil {
		return err
	}
	t.mu.Lock()
	t.sets[cat][peril.NormalizeAddress(addr)] = true
	t.mu.Unlock()
	return nil
}

// Remove unregisters a target. Removing an unknown target is a no-op.
func (t *TargetSet) Remove(cat Category, addr string) error {
	if _, err := ParseCategory(string(cat)); err != nil {
		return err
	}
	t.mu.Lock()
	delete(t.sets[cat], peril.NormalizeAddress(addr))
	t.mu.Unlock()
	return nil
}

// List returns the sorted members of a category.
func (t *TargetSet) List(cat Category) ([]string, error) {
	if _, err := ParseCategory(string(cat)); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.sets[cat]))
	for addr := range t.sets[cat] {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out, nil
}

func (t *TargetSet) has(cat Category, addr string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sets[cat][addr]
}

// IsContract reports whether addr is monitored for exploits.
func (t *TargetSet) IsContract(addr string) bool { return t.has(CategoryContract, addr) }

// IsStablecoin reports whether addr is monitored for depegs.
func (t *TargetSet) IsStablecoin(addr string) bool { return t.has(CategoryStablecoin, addr) }

// IsBridge reports whether addr is monitored for bridge failures.
func (t *TargetSet) IsBridge(addr string) bool { return t.has(CategoryBridge, addr) }

// IsToken reports whether addr is monitored for volatility.
func (t *TargetSet) IsToken(addr string) bool { return t.has(CategoryToken, addr) }
