package offer

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu     sync.RWMutex
	offers map[string]*Offer
	order  []string // insertion order, newest last
}

// NewMemoryStore creates an empty in-memory offer store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{offers: make(map[string]*Offer)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, o *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Duplicate-pending is enforced under the store lock so two
	// concurrent creates cannot both pass the service's check.
	if o.ParentOfferID == "" {
		for _, cur := range m.offers {
			if cur.Status == StatusPending && cur.ParentOfferID == "" &&
				cur.SenderID == o.SenderID && cur.ListingID == o.ListingID {
				return ErrDuplicatePending
			}
		}
	}
	cp := cloneOffer(o)
	m.offers[cp.ID] = cp
	m.order = append(m.order, cp.ID)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOffer(o), nil
}

func (m *MemoryStore) HasPending(ctx context.Context, senderID, listingID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.offers {
		if o.SenderID == senderID && o.ListingID == listingID && o.Status == StatusPending {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) Transition(ctx context.Context, o *Offer, from Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.offers[o.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != from {
		return ErrInvalidState
	}
	m.offers[o.ID] = cloneOffer(o)
	return nil
}

func (m *MemoryStore) CreateCounter(ctx context.Context, counter *Offer, original *Offer, maxCounters int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.offers[original.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != StatusPending {
		return ErrInvalidState
	}
	root, ok := m.offers[original.RootOfferID]
	if !ok {
		return ErrNotFound
	}
	if root.CounterCount >= maxCounters {
		return ErrCounterLimit
	}

	root.CounterCount++
	root.UpdatedAt = counter.CreatedAt
	m.offers[original.ID] = cloneOffer(original)
	if original.ID == root.ID {
		// Root itself was countered: keep the incremented count.
		m.offers[root.ID].CounterCount = root.CounterCount
	}
	cp := cloneOffer(counter)
	m.offers[cp.ID] = cp
	m.order = append(m.order, cp.ID)
	return nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filter(limit, func(o *Offer) bool {
		return o.SenderID == userID || o.ReceiverID == userID
	}), nil
}

func (m *MemoryStore) ListByListing(ctx context.Context, listingID string, limit int) ([]*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filter(limit, func(o *Offer) bool {
		return o.ListingID == listingID
	}), nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filter(limit, func(o *Offer) bool {
		return o.Status == StatusPending && o.ExpiresAt.Before(before)
	}), nil
}

// filter walks newest-first. Callers hold the read lock.
func (m *MemoryStore) filter(limit int, match func(*Offer) bool) []*Offer {
	var out []*Offer
	for i := len(m.order) - 1; i >= 0; i-- {
		o := m.offers[m.order[i]]
		if !match(o) {
			continue
		}
		out = append(out, cloneOffer(o))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func cloneOffer(o *Offer) *Offer {
	cp := *o
	if o.OfferedListingIDs != nil {
		cp.OfferedListingIDs = append([]string(nil), o.OfferedListingIDs...)
	}
	return &cp
}
