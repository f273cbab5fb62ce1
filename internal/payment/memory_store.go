package payment

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu      sync.RWMutex
	funds   FundsService
	intents map[string]*PaymentIntent
	byRef   map[string]string
	order   []string
}

// NewMemoryStore creates an empty in-memory intent store. funds is the
// ledger Finalize hands to its effect callback.
func NewMemoryStore(funds FundsService) *MemoryStore {
	return &MemoryStore{
		funds:   funds,
		intents: make(map[string]*PaymentIntent),
		byRef:   make(map[string]string),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, p *PaymentIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cloneIntent(p)
	m.intents[cp.ID] = cp
	m.byRef[cp.Reference] = cp.ID
	m.order = append(m.order, cp.ID)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*PaymentIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.intents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneIntent(p), nil
}

func (m *MemoryStore) GetByReference(ctx context.Context, reference string) (*PaymentIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byRef[reference]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneIntent(m.intents[id]), nil
}

func (m *MemoryStore) Finalize(ctx context.Context, p *PaymentIntent, effect func(ctx context.Context, funds FundsService) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.intents[p.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != StatusPending || cur.WebhookVerified {
		return ErrAlreadyProcessed
	}
	// Effect first: if the ledger rejects it the intent stays pending
	// and the provider's retry reconciles again.
	if effect != nil {
		if err := effect(ctx, m.funds); err != nil {
			return err
		}
	}
	m.intents[p.ID] = cloneIntent(p)
	return nil
}

func (m *MemoryStore) SetStatus(ctx context.Context, id string, status IntentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.intents[id]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != StatusPending {
		return ErrAlreadyProcessed
	}
	cur.Status = status
	cur.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*PaymentIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*PaymentIntent
	for i := len(m.order) - 1; i >= 0; i-- {
		p := m.intents[m.order[i]]
		if p.UserID != userID {
			continue
		}
		out = append(out, cloneIntent(p))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func cloneIntent(p *PaymentIntent) *PaymentIntent {
	cp := *p
	if p.Metadata != nil {
		cp.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
