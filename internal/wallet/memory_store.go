package wallet

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory wallet store for demo/development mode and
// unit tests. A single mutex serializes all mutations, which gives the
// same effective guarantees as the row-locked Postgres store.
type MemoryStore struct {
	wallets map[string]*Wallet
	records []*TransactionRecord
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[string]*Wallet),
	}
}

// getOrCreate returns the wallet for userID, creating it lazily.
// Caller must hold the write lock.
func (m *MemoryStore) getOrCreate(userID string) *Wallet {
	w, ok := m.wallets[userID]
	if !ok {
		now := time.Now()
		w = &Wallet{UserID: userID, CreatedAt: now, UpdatedAt: now}
		m.wallets[userID] = w
	}
	return w
}

func (m *MemoryStore) touch(w *Wallet) {
	now := time.Now()
	w.LastTransactionAt = &now
	w.UpdatedAt = now
}

func (m *MemoryStore) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if w, ok := m.wallets[userID]; ok {
		cp := *w
		return &cp, nil
	}
	now := time.Now()
	return &Wallet{UserID: userID, CreatedAt: now, UpdatedAt: now}, nil
}

func (m *MemoryStore) Credit(ctx context.Context, userID string, amount int64, rec *TransactionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.getOrCreate(userID)
	w.Balance += amount
	m.touch(w)
	m.records = append(m.records, rec)
	return nil
}

func (m *MemoryStore) Debit(ctx context.Context, userID string, amount int64, rec *TransactionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[userID]
	if !ok {
		return ErrUserNotFound
	}
	if w.Balance < amount {
		return ErrInsufficientFunds
	}

	w.Balance -= amount
	switch rec.Type {
	case TxWithdrawal, TxTransferSent:
		w.TotalSpent += amount
	}
	m.touch(w)
	m.records = append(m.records, rec)
	return nil
}

func (m *MemoryStore) EscrowReserve(ctx context.Context, userID string, amount, fee int64, rec *TransactionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[userID]
	if !ok {
		return ErrInsufficientFunds
	}
	if w.Balance < amount+fee {
		return ErrInsufficientFunds
	}

	w.Balance -= amount + fee
	w.EscrowBalance += amount
	m.touch(w)
	m.records = append(m.records, rec)
	return nil
}

func (m *MemoryStore) EscrowRelease(ctx context.Context, buyerID, sellerID string, amount int64, rec *TransactionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	buyer, ok := m.wallets[buyerID]
	if !ok || buyer.EscrowBalance < amount {
		return ErrInsufficientFunds
	}

	buyer.EscrowBalance -= amount
	buyer.TotalSpent += amount
	m.touch(buyer)

	seller := m.getOrCreate(sellerID)
	seller.Balance += amount
	seller.TotalEarned += amount
	m.touch(seller)

	m.records = append(m.records, rec)
	return nil
}

func (m *MemoryStore) EscrowRefund(ctx context.Context, userID string, amount, refundedFee int64, rec *TransactionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[userID]
	if !ok || w.EscrowBalance < amount {
		return ErrInsufficientFunds
	}

	w.EscrowBalance -= amount
	w.Balance += amount + refundedFee
	m.touch(w)
	m.records = append(m.records, rec)
	return nil
}

func (m *MemoryStore) Transfer(ctx context.Context, fromID, toID string, amount int64, rec *TransactionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from, ok := m.wallets[fromID]
	if !ok {
		return ErrUserNotFound
	}
	to, ok := m.wallets[toID]
	if !ok {
		return ErrUserNotFound
	}
	if from.Balance < amount {
		return ErrInsufficientFunds
	}

	from.Balance -= amount
	from.TotalSpent += amount
	m.touch(from)

	to.Balance += amount
	to.TotalEarned += amount
	m.touch(to)

	m.records = append(m.records, rec)
	return nil
}

func (m *MemoryStore) Append(ctx context.Context, rec *TransactionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *MemoryStore) SetRecordStatus(ctx context.Context, recordID string, status TxStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.records {
		if r.ID == recordID {
			if r.Status != TxPending {
				return nil // terminal records are immutable
			}
			r.Status = status
			return nil
		}
	}
	return ErrRecordNotFound
}

func (m *MemoryStore) GetRecordByPayment(ctx context.Context, paymentRef string) (*TransactionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.records) - 1; i >= 0; i-- {
		if m.records[i].PaymentRef == paymentRef {
			cp := *m.records[i]
			return &cp, nil
		}
	}
	return nil, ErrRecordNotFound
}

func (m *MemoryStore) ListTransactions(ctx context.Context, userID string, limit int) ([]*TransactionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*TransactionRecord
	for i := len(m.records) - 1; i >= 0 && len(result) < limit; i-- {
		r := m.records[i]
		if r.SenderID == userID || r.ReceiverID == userID {
			cp := *r
			result = append(result, &cp)
		}
	}
	return result, nil
}
