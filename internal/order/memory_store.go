package order

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/taskbazaar/settlement/internal/apierr"
)

// MemoryStore is an in-memory order store for demo/development mode.
// The guarded update is a compare-then-write under the store mutex.
type MemoryStore struct {
	orders map[string]*Order
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*Order)}
}

func (m *MemoryStore) Create(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[o.ID]; ok {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, apierr.ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) UpdateIf(ctx context.Context, o *Order, expect Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.orders[o.ID]
	if !ok {
		return fmt.Errorf("order %s: %w", o.ID, apierr.ErrNotFound)
	}
	if cur.Status != expect {
		return fmt.Errorf("order %s is %s, expected %s: %w",
			o.ID, cur.Status, expect, apierr.ErrConcurrentModification)
	}
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByBuyer(ctx context.Context, buyerAddr string, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	addr := strings.ToLower(buyerAddr)
	var result []*Order
	for _, o := range m.orders {
		if o.BuyerAddr == addr {
			cp := *o
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
