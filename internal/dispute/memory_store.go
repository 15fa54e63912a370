package dispute

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/taskbazaar/settlement/internal/apierr"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	disputes map[string]*Dispute
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{disputes: make(map[string]*Dispute)}
}

func (m *MemoryStore) Create(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.disputes[d.ID]; exists {
		return fmt.Errorf("dispute %s already exists", d.ID)
	}
	m.disputes[d.ID] = copyDispute(d)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, fmt.Errorf("dispute %s: %w", id, apierr.ErrNotFound)
	}
	return copyDispute(d), nil
}

func (m *MemoryStore) GetOpenByEscrow(ctx context.Context, escrowID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.disputes {
		if d.EscrowID == escrowID && d.Status == StatusOpen {
			return copyDispute(d), nil
		}
	}
	return nil, fmt.Errorf("open dispute for escrow %s: %w", escrowID, apierr.ErrNotFound)
}

func (m *MemoryStore) UpdateIf(ctx context.Context, d *Dispute, expect Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.disputes[d.ID]
	if !ok {
		return fmt.Errorf("dispute %s: %w", d.ID, apierr.ErrNotFound)
	}
	if current.Status != expect {
		return fmt.Errorf("dispute %s is %s, expected %s: %w",
			d.ID, current.Status, expect, apierr.ErrConcurrentModification)
	}
	m.disputes[d.ID] = copyDispute(d)
	return nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.Status == status {
			result = append(result, copyDispute(d))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].OpenedAt.After(result[j].OpenedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func copyDispute(d *Dispute) *Dispute {
	c := *d
	if d.ArbitratedAt != nil {
		t := *d.ArbitratedAt
		c.ArbitratedAt = &t
	}
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

var _ Store = (*MemoryStore)(nil)
