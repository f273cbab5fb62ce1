package escrow

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for demo mode and unit tests.
type MemoryStore struct {
	escrows map[string]*Escrow
	byOffer map[string]string // offerID -> escrowID
	order   []string
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
		byOffer: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byOffer[e.OfferID]; exists {
		return ErrAlreadyExists
	}
	cp := *e
	m.escrows[e.ID] = &cp
	m.byOffer[e.OfferID] = e.ID
	m.order = append(m.order, e.ID)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) GetByOffer(ctx context.Context, offerID string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byOffer[offerID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.escrows[id]
	return &cp, nil
}

func (m *MemoryStore) Transition(ctx context.Context, e *Escrow, from ...Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.escrows[e.ID]
	if !ok {
		return ErrNotFound
	}
	allowed := false
	for _, s := range from {
		if cur.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return ErrInvalidState
	}
	cp := *e
	m.escrows[e.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.byOffer, e.OfferID)
	delete(m.escrows, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for i := len(m.order) - 1; i >= 0 && len(result) < limit; i-- {
		e := m.escrows[m.order[i]]
		if e.BuyerID == userID || e.SellerID == userID {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, id := range m.order {
		if len(result) >= limit {
			break
		}
		e := m.escrows[id]
		if e.Status == StatusFunded && e.ExpiresAt.Before(before) {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
