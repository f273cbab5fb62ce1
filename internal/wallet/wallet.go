// Package wallet tracks user balances and the transaction ledger.
//
// Flow:
//  1. A provider charge succeeds → user's balance is credited
//  2. Funds move between users (transfer) or into escrow (trade)
//  3. Escrow resolution pays the seller or refunds the buyer
//  4. Withdrawal debits the balance and pays out via the provider
//
// Every balance mutation appends a TransactionRecord in the same atomic
// scope. The record log is the source of truth for audit; the balance and
// counter fields on Wallet are a cache maintained alongside it.
package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/tradeloop/tradeloop/internal/idgen"
)

func generateRecordID() string {
	return idgen.WithPrefix("txn_")
}

var (
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")
	ErrUserNotFound      = errors.New("wallet: user has no wallet")
	ErrInvalidAmount     = errors.New("wallet: invalid amount")
	ErrSelfTransfer      = errors.New("wallet: cannot transfer to self")
	ErrRecordNotFound    = errors.New("wallet: transaction record not found")
)

// TxType enumerates the kinds of ledger movements.
type TxType string

const (
	TxDeposit          TxType = "deposit"
	TxWithdrawal       TxType = "withdrawal"
	TxEscrowDeposit    TxType = "escrow_deposit"
	TxEscrowRelease    TxType = "escrow_release"
	TxEscrowRefund     TxType = "escrow_refund"
	TxTransferSent     TxType = "transfer_sent"
	TxTransferReceived TxType = "transfer_received"
	TxFailedPayment    TxType = "failed_payment"
)

// TxStatus is the lifecycle of a transaction record. Records are immutable
// once terminal; only pending records progress.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxCompleted TxStatus = "completed"
	TxFailed    TxStatus = "failed"
	TxCancelled TxStatus = "cancelled"
)

// Wallet holds a user's funds. One per user, created lazily on first
// financial operation, never deleted.
type Wallet struct {
	UserID            string     `json:"userId"`
	Balance           int64      `json:"balance"`       // available, minor currency units
	EscrowBalance     int64      `json:"escrowBalance"` // locked in active escrows
	TotalEarned       int64      `json:"totalEarned"`
	TotalSpent        int64      `json:"totalSpent"`
	LastTransactionAt *time.Time `json:"lastTransactionAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// TransactionRecord is one append-only ledger entry.
type TransactionRecord struct {
	ID            string    `json:"id"`
	Type          TxType    `json:"type"`
	Amount        int64     `json:"amount"`
	Status        TxStatus  `json:"status"`
	SenderID      string    `json:"senderId,omitempty"`
	ReceiverID    string    `json:"receiverId,omitempty"`
	Description   string    `json:"description,omitempty"`
	ProcessingFee int64     `json:"processingFee,omitempty"`
	OfferID       string    `json:"offerId,omitempty"`
	EscrowID      string    `json:"escrowId,omitempty"`
	PaymentRef    string    `json:"paymentRef,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Store persists wallets and the transaction log. Every method that moves
// money applies the balance mutation AND the record append atomically:
// both happen or neither does. Concurrent mutations of the same wallet
// serialize inside the store.
type Store interface {
	// GetWallet returns the wallet, or a zero-balance wallet if the user
	// has never transacted.
	GetWallet(ctx context.Context, userID string) (*Wallet, error)

	// Credit adds funds. Creates the wallet if absent. Deposits do not
	// count toward totalEarned; Transfer and EscrowRelease maintain the
	// earned/spent counters for their own parties.
	Credit(ctx context.Context, userID string, amount int64, rec *TransactionRecord) error

	// Debit removes funds, failing with ErrInsufficientFunds if the
	// balance would go negative. The balance check and the decrement are
	// one conditional atomic write.
	Debit(ctx context.Context, userID string, amount int64, rec *TransactionRecord) error

	// EscrowReserve moves amount from balance to escrowBalance and debits
	// the fee, as one atomic step. The fee leaves the wallet immediately.
	EscrowReserve(ctx context.Context, userID string, amount, fee int64, rec *TransactionRecord) error

	// EscrowRelease pays amount from the buyer's escrowBalance to the
	// seller's balance.
	EscrowRelease(ctx context.Context, buyerID, sellerID string, amount int64, rec *TransactionRecord) error

	// EscrowRefund returns amount (plus any refunded fee) from the buyer's
	// escrowBalance to their balance.
	EscrowRefund(ctx context.Context, userID string, amount, refundedFee int64, rec *TransactionRecord) error

	// Transfer moves amount between two existing wallets.
	Transfer(ctx context.Context, fromID, toID string, amount int64, rec *TransactionRecord) error

	// Append writes a record with no balance mutation (failed payments).
	Append(ctx context.Context, rec *TransactionRecord) error

	// SetRecordStatus progresses a pending record to a terminal status.
	SetRecordStatus(ctx context.Context, recordID string, status TxStatus) error

	// GetRecordByPayment finds the record linked to a provider payment.
	GetRecordByPayment(ctx context.Context, paymentRef string) (*TransactionRecord, error)

	// ListTransactions returns a user's records, newest first.
	ListTransactions(ctx context.Context, userID string, limit int) ([]*TransactionRecord, error)
}

// Service exposes wallet operations to the rest of the platform.
type Service struct {
	store Store
}

// NewService creates a wallet service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Balance returns a user's wallet, zero-valued if they never transacted.
func (s *Service) Balance(ctx context.Context, userID string) (*Wallet, error) {
	return s.store.GetWallet(ctx, userID)
}

// Credit adds funds to a user's wallet.
func (s *Service) Credit(ctx context.Context, userID string, amount int64, txType TxType, description string) (*TransactionRecord, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	done := observeOp("credit")
	defer done()

	rec := newRecord(txType, amount, TxCompleted)
	rec.ReceiverID = userID
	rec.Description = description
	if err := s.store.Credit(ctx, userID, amount, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Debit removes funds from a user's wallet.
func (s *Service) Debit(ctx context.Context, userID string, amount int64, txType TxType, description string) (*TransactionRecord, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	done := observeOp("debit")
	defer done()

	rec := newRecord(txType, amount, TxCompleted)
	rec.SenderID = userID
	rec.Description = description
	if err := s.store.Debit(ctx, userID, amount, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Transfer moves funds between two users as one atomic operation.
func (s *Service) Transfer(ctx context.Context, fromID, toID string, amount int64, description string) (*TransactionRecord, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if fromID == toID {
		return nil, ErrSelfTransfer
	}
	done := observeOp("transfer")
	defer done()

	rec := newRecord(TxTransferSent, amount, TxCompleted)
	rec.SenderID = fromID
	rec.ReceiverID = toID
	rec.Description = description
	if err := s.store.Transfer(ctx, fromID, toID, amount, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// History returns a user's transaction records, newest first. Records of a
// transfer are stored once from the sender's perspective; when the reader
// is the receiver the type is presented as transfer_received.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]*TransactionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	recs, err := s.store.ListTransactions(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	for i, r := range recs {
		if r.Type == TxTransferSent && r.ReceiverID == userID {
			cp := *r
			cp.Type = TxTransferReceived
			recs[i] = &cp
		}
	}
	return recs, nil
}

// Store exposes the underlying store for components that need the atomic
// escrow operations (escrow and payment services).
func (s *Service) Store() Store {
	return s.store
}

// newRecord builds a TransactionRecord with a fresh ID and timestamp.
func newRecord(txType TxType, amount int64, status TxStatus) *TransactionRecord {
	return &TransactionRecord{
		ID:        generateRecordID(),
		Type:      txType,
		Amount:    amount,
		Status:    status,
		CreatedAt: time.Now(),
	}
}
