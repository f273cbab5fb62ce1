// Package payment moves money across the boundary to the external
// payment provider.
//
// Deposits and withdrawals each create a PaymentIntent and a provider
// call; the intent only reaches a terminal status when the provider's
// webhook is reconciled (webhook.go). The provider adapter never touches
// wallet state: initiation failures surface as ErrProvider with the
// ledger untouched, and every balance effect is applied during
// reconciliation or, for withdrawals, held as a pending debit until the
// provider confirms.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tradeloop/tradeloop/internal/idgen"
	"github.com/tradeloop/tradeloop/internal/identity"
	"github.com/tradeloop/tradeloop/internal/wallet"
)

var (
	ErrNotFound           = errors.New("payment: intent not found")
	ErrInvalidAmount      = errors.New("payment: amount must be positive")
	ErrProvider           = errors.New("payment: provider request failed")
	ErrInvalidSignature   = errors.New("payment: webhook signature verification failed")
	ErrAlreadyProcessed   = errors.New("payment: intent already processed")
	ErrMissingDestination = errors.New("payment: withdrawal requires a payout destination")
)

// IntentStatus is the lifecycle of a PaymentIntent. Intents leave
// pending only through webhook reconciliation or a failed initiation.
type IntentStatus string

const (
	StatusPending IntentStatus = "pending"
	StatusSuccess IntentStatus = "success"
	StatusFailed  IntentStatus = "failed"
)

// Kind separates money coming in from money going out.
type Kind string

const (
	KindDeposit    Kind = "deposit"
	KindWithdrawal Kind = "withdrawal"
)

// PaymentIntent is one provider-side charge or transfer attempt.
type PaymentIntent struct {
	ID        string       `json:"id"`
	UserID    string       `json:"userId"`
	Kind      Kind         `json:"kind"`
	Reference string       `json:"reference"` // correlates provider webhooks to this intent
	Amount    int64        `json:"amount"`
	Fee       int64        `json:"fee,omitempty"`
	Status    IntentStatus `json:"status"`
	Method    string       `json:"paymentMethod,omitempty"`
	// WebhookVerified guards against double-processing: it only flips
	// together with the terminal status, inside one atomic store step.
	WebhookVerified   bool              `json:"webhookVerified"`
	AuthorizationCode string            `json:"authorizationCode,omitempty"`
	ProviderHandle    string            `json:"providerHandle,omitempty"`
	RecipientHandle   string            `json:"recipientHandle,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// Store persists payment intents.
type Store interface {
	Create(ctx context.Context, p *PaymentIntent) error
	Get(ctx context.Context, id string) (*PaymentIntent, error)
	GetByReference(ctx context.Context, reference string) (*PaymentIntent, error)
	// Finalize moves a pending, unverified intent to its terminal status,
	// sets webhookVerified, and runs effect against the ledger, all in
	// one atomic scope, so a crash can never leave a verified intent
	// whose money never moved. A second delivery of the same webhook
	// loses the conditional write and gets ErrAlreadyProcessed; an
	// effect error rolls the whole scope back, leaving the intent
	// pending for the provider's retry.
	Finalize(ctx context.Context, p *PaymentIntent, effect func(ctx context.Context, funds FundsService) error) error
	// SetStatus fails a still-pending intent without marking it verified
	// (synchronous initiation failures).
	SetStatus(ctx context.Context, id string, status IntentStatus) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*PaymentIntent, error)
}

// ChargeHandle is the provider's reply to a charge initialization.
type ChargeHandle struct {
	ProviderRef string `json:"providerRef"`
	// ClientSecret lets the client complete the charge provider-side.
	ClientSecret string `json:"clientSecret,omitempty"`
}

// Destination is a payout target for withdrawals.
type Destination struct {
	AccountNumber string `json:"accountNumber" binding:"required"`
	BankCode      string `json:"bankCode" binding:"required"`
	AccountName   string `json:"accountName" binding:"required"`
}

// Provider is the thin synchronous boundary to the payment processor.
// Implementations only talk to the provider; they never mutate wallet
// or intent state.
type Provider interface {
	InitializeCharge(ctx context.Context, userID string, amount int64, reference string, metadata map[string]string) (*ChargeHandle, error)
	CreateRecipient(ctx context.Context, dest Destination) (string, error)
	InitiateTransfer(ctx context.Context, recipientHandle string, amount int64, reason string) (string, error)
}

// FundsService is the wallet surface payments need.
type FundsService interface {
	GetWallet(ctx context.Context, userID string) (*wallet.Wallet, error)
	Credit(ctx context.Context, userID string, amount int64, rec *wallet.TransactionRecord) error
	Debit(ctx context.Context, userID string, amount int64, rec *wallet.TransactionRecord) error
	Append(ctx context.Context, rec *wallet.TransactionRecord) error
	SetRecordStatus(ctx context.Context, recordID string, status wallet.TxStatus) error
	GetRecordByPayment(ctx context.Context, paymentRef string) (*wallet.TransactionRecord, error)
}

// Config carries the tunable payment constants.
type Config struct {
	WithdrawFeeBPS int    // withdrawal fee in basis points (100 = 1%)
	WebhookSecret  string // HMAC key for inbound provider webhooks
}

// Service implements deposit and withdrawal initiation plus webhook
// reconciliation.
type Service struct {
	store    Store
	funds    FundsService
	provider Provider
	cfg      Config
	logger   *slog.Logger
}

// NewService creates a payment service.
func NewService(store Store, funds FundsService, provider Provider, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		funds:    funds,
		provider: provider,
		cfg:      cfg,
		logger:   logger,
	}
}

// feeFor computes the withdrawal fee, rounding down.
func (s *Service) feeFor(amount int64) int64 {
	return amount * int64(s.cfg.WithdrawFeeBPS) / 10000
}

// DepositRequest is the input for a top-up.
type DepositRequest struct {
	Amount int64  `json:"amount" binding:"required"`
	Method string `json:"paymentMethod"`
}

// InitiateDeposit creates a pending intent and a provider charge. The
// wallet is only credited when the charge.success webhook is reconciled.
func (s *Service) InitiateDeposit(ctx context.Context, actor identity.Actor, req DepositRequest) (*PaymentIntent, *ChargeHandle, error) {
	if req.Amount <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	userID := actor.UserID()

	now := time.Now()
	p := &PaymentIntent{
		ID:        idgen.WithPrefix("pay_"),
		UserID:    userID,
		Kind:      KindDeposit,
		Reference: "DEP-" + idgen.Hex(8),
		Amount:    req.Amount,
		Status:    StatusPending,
		Method:    req.Method,
		Metadata:  map[string]string{"userId": userID},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, p); err != nil {
		return nil, nil, err
	}

	handle, err := s.provider.InitializeCharge(ctx, userID, req.Amount, p.Reference, p.Metadata)
	if err != nil {
		if ferr := s.store.SetStatus(ctx, p.ID, StatusFailed); ferr != nil {
			s.logger.Error("failed to fail intent after provider error",
				"intentId", p.ID, "error", ferr)
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}

	p.ProviderHandle = handle.ProviderRef
	return p, handle, nil
}

// WithdrawRequest is the input for a withdrawal.
type WithdrawRequest struct {
	Amount      int64       `json:"amount" binding:"required"`
	Destination Destination `json:"destination" binding:"required"`
}

// InitiateWithdrawal debits amount plus fee as a pending withdrawal and
// asks the provider to pay it out. The debit is held until the provider
// reports the transfer's outcome; a synchronous provider failure is
// compensated immediately.
func (s *Service) InitiateWithdrawal(ctx context.Context, actor identity.Actor, req WithdrawRequest) (*PaymentIntent, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.Destination.AccountNumber == "" || req.Destination.BankCode == "" {
		return nil, ErrMissingDestination
	}
	userID := actor.UserID()
	fee := s.feeFor(req.Amount)

	// Fail fast before creating anything; the store re-checks
	// atomically on debit.
	w, err := s.funds.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	if w.Balance < req.Amount+fee {
		return nil, wallet.ErrInsufficientFunds
	}

	now := time.Now()
	p := &PaymentIntent{
		ID:        idgen.WithPrefix("pay_"),
		UserID:    userID,
		Kind:      KindWithdrawal,
		Reference: "WDR-" + idgen.Hex(8),
		Amount:    req.Amount,
		Fee:       fee,
		Status:    StatusPending,
		Method:    "bank_transfer",
		Metadata:  map[string]string{"userId": userID},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, p); err != nil {
		return nil, err
	}

	rec := &wallet.TransactionRecord{
		ID:            idgen.WithPrefix("txn_"),
		Type:          wallet.TxWithdrawal,
		Amount:        req.Amount,
		Status:        wallet.TxPending,
		SenderID:      userID,
		Description:   fmt.Sprintf("Withdrawal to %s", req.Destination.BankCode),
		ProcessingFee: fee,
		PaymentRef:    p.Reference,
		CreatedAt:     now,
	}
	if err := s.funds.Debit(ctx, userID, req.Amount+fee, rec); err != nil {
		if ferr := s.store.SetStatus(ctx, p.ID, StatusFailed); ferr != nil {
			s.logger.Error("failed to fail intent after debit error",
				"intentId", p.ID, "error", ferr)
		}
		return nil, err
	}

	recipient, err := s.provider.CreateRecipient(ctx, req.Destination)
	var transferRef string
	if err == nil {
		transferRef, err = s.provider.InitiateTransfer(ctx, recipient, req.Amount, "Wallet withdrawal "+p.Reference)
	}
	if err != nil {
		// The held debit must go back before the error surfaces.
		s.compensateWithdrawal(ctx, p, rec)
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}

	p.RecipientHandle = recipient
	p.ProviderHandle = transferRef
	return p, nil
}

// compensateWithdrawal reverses a held withdrawal debit after a
// synchronous provider failure.
func (s *Service) compensateWithdrawal(ctx context.Context, p *PaymentIntent, rec *wallet.TransactionRecord) {
	if err := s.funds.SetRecordStatus(ctx, rec.ID, wallet.TxFailed); err != nil {
		s.logger.Error("CRITICAL: withdrawal record stuck pending after provider failure",
			"intentId", p.ID, "recordId", rec.ID, "error", err)
	}
	refund := &wallet.TransactionRecord{
		ID:          idgen.WithPrefix("txn_"),
		Type:        wallet.TxDeposit,
		Amount:      p.Amount + p.Fee,
		Status:      wallet.TxCompleted,
		ReceiverID:  p.UserID,
		Description: "Withdrawal reversal: provider rejected transfer",
		PaymentRef:  p.Reference,
		CreatedAt:   time.Now(),
	}
	if err := s.funds.Credit(ctx, p.UserID, p.Amount+p.Fee, refund); err != nil {
		s.logger.Error("CRITICAL: failed to refund held withdrawal debit",
			"intentId", p.ID, "userId", p.UserID, "amount", p.Amount+p.Fee, "error", err)
	}
	if err := s.store.SetStatus(ctx, p.ID, StatusFailed); err != nil {
		s.logger.Error("failed to fail intent after provider error",
			"intentId", p.ID, "error", err)
	}
}

// Get returns a payment intent by ID.
func (s *Service) Get(ctx context.Context, id string) (*PaymentIntent, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns a user's payment intents, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*PaymentIntent, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}
