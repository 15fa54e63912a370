package escrow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/taskbazaar/settlement/internal/apierr"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
// The guarded update is a compare-then-write under the store mutex.
type MemoryStore struct {
	escrows map[string]*Escrow
	byOrder map[string]string // orderID -> escrowID
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
		byOrder: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[e.ID]; ok {
		return fmt.Errorf("escrow %s already exists", e.ID)
	}
	if _, ok := m.byOrder[e.OrderID]; ok {
		return fmt.Errorf("order %s already has an escrow", e.OrderID)
	}
	m.escrows[e.ID] = copyEscrow(e)
	m.byOrder[e.OrderID] = e.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, fmt.Errorf("escrow %s: %w", id, apierr.ErrNotFound)
	}
	return copyEscrow(e), nil
}

func (m *MemoryStore) GetByOrder(ctx context.Context, orderID string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byOrder[orderID]
	if !ok {
		return nil, fmt.Errorf("escrow for order %s: %w", orderID, apierr.ErrNotFound)
	}
	return copyEscrow(m.escrows[id]), nil
}

func (m *MemoryStore) UpdateIf(ctx context.Context, e *Escrow, expect Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.escrows[e.ID]
	if !ok {
		return fmt.Errorf("escrow %s: %w", e.ID, apierr.ErrNotFound)
	}
	if cur.Status != expect {
		return fmt.Errorf("escrow %s is %s, expected %s: %w",
			e.ID, cur.Status, expect, apierr.ErrConcurrentModification)
	}
	m.escrows[e.ID] = copyEscrow(e)
	return nil
}

func (m *MemoryStore) ListByAgent(ctx context.Context, addr string, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	addr = strings.ToLower(addr)
	var result []*Escrow
	for _, e := range m.escrows {
		if e.BuyerAddr == addr || e.SellerAddr == addr {
			result = append(result, copyEscrow(e))
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

func (m *MemoryStore) ListDueForRelease(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status != StatusFunded || e.AutoReleaseAt == nil {
			continue
		}
		if !e.AutoReleaseAt.After(before) {
			result = append(result, copyEscrow(e))
		}
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func copyEscrow(e *Escrow) *Escrow {
	cp := *e
	if e.ReleaseTxRefs != nil {
		cp.ReleaseTxRefs = append([]string(nil), e.ReleaseTxRefs...)
	}
	if e.FundedAt != nil {
		t := *e.FundedAt
		cp.FundedAt = &t
	}
	if e.AutoReleaseAt != nil {
		t := *e.AutoReleaseAt
		cp.AutoReleaseAt = &t
	}
	if e.DisputedAt != nil {
		t := *e.DisputedAt
		cp.DisputedAt = &t
	}
	return &cp
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
