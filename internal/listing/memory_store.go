package listing

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory listing store for demo mode and tests.
type MemoryStore struct {
	listings map[string]*Listing
	order    []string // insertion order, for newest-first listing
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory listing store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{listings: make(map[string]*Listing)}
}

func (m *MemoryStore) Create(ctx context.Context, l *Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *l
	m.listings[l.ID] = &cp
	m.order = append(m.order, l.ID)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.listings[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Listing
	for i := len(m.order) - 1; i >= 0 && len(result) < limit; i-- {
		l := m.listings[m.order[i]]
		if l.OwnerID == ownerID {
			cp := *l
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) SetStatus(ctx context.Context, id string, status Status, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.listings[id]
	if !ok {
		return ErrNotFound
	}
	l.Status = status
	l.IsActive = active
	l.UpdatedAt = time.Now()
	return nil
}
