// Package escrow holds funds for a trade between two parties.
//
// Flow:
//  1. An offer is accepted → buyer's funds (amount + fee) reserved, escrow FUNDED
//  2. Completion confirmed → buyer's escrowed amount paid to seller (RELEASED)
//  3. Seller backs out → amount and fee returned to the buyer (REFUNDED)
//  4. Either party disputes → funds stay frozen until resolution (DISPUTED)
//  5. Expiry passes with no action → auto-released to seller (EXPIRED)
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tradeloop/tradeloop/internal/idgen"
	"github.com/tradeloop/tradeloop/internal/identity"
	"github.com/tradeloop/tradeloop/internal/metrics"
	"github.com/tradeloop/tradeloop/internal/wallet"
)

var (
	ErrNotFound         = errors.New("escrow: not found")
	ErrInvalidState     = errors.New("escrow: operation not valid for current status")
	ErrUnauthorized     = errors.New("escrow: caller is not a party to this escrow")
	ErrAlreadyExists    = errors.New("escrow: an escrow already exists for this offer")
	ErrNotConfirmed     = errors.New("escrow: release requires completion confirmation")
	ErrOfferNotFound    = errors.New("escrow: offer not found")
	ErrOfferNotAccepted = errors.New("escrow: offer is not accepted")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusCreated  Status = "created"  // Row exists, funds not yet reserved
	StatusFunded   Status = "funded"   // Buyer's amount + fee reserved
	StatusReleased Status = "released" // Amount paid to seller
	StatusRefunded Status = "refunded" // Amount and fee returned to buyer
	StatusDisputed Status = "disputed" // Frozen pending resolution
	StatusExpired  Status = "expired"  // Auto-released to seller after expiry
)

// Escrow represents funds held for exactly one accepted offer.
type Escrow struct {
	ID              string     `json:"id"`
	Reference       string     `json:"reference"` // external-facing identifier
	OfferID         string     `json:"offerId"`
	ListingID       string     `json:"listingId,omitempty"`
	BuyerID         string     `json:"buyerId"`
	SellerID        string     `json:"sellerId"`
	Amount          int64      `json:"amount"`
	Fee             int64      `json:"fee"`
	Status          Status     `json:"status"`
	ExpiresAt       time.Time  `json:"expiresAt"`
	ReleasedAt      *time.Time `json:"releasedAt,omitempty"`
	DisputeRef      string     `json:"disputeRef,omitempty"`
	DisputeReason   string     `json:"disputeReason,omitempty"`
	DisputeOpenedAt *time.Time `json:"disputeOpenedAt,omitempty"`
	Resolution      string     `json:"resolution,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	switch e.Status {
	case StatusReleased, StatusRefunded, StatusExpired:
		return true
	}
	return false
}

// Store persists escrow data.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	GetByOffer(ctx context.Context, offerID string) (*Escrow, error)
	// Transition persists e's mutable fields only if the stored status is
	// one of from. Returns ErrInvalidState when the precondition fails, so
	// concurrent transitions of the same escrow cannot both succeed.
	Transition(ctx context.Context, e *Escrow, from ...Status) error
	// Delete removes an escrow row. Used only to compensate a CREATED
	// shell whose funding failed; funded escrows are never deleted.
	Delete(ctx context.Context, id string) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error)
	// ListExpired returns FUNDED escrows whose expiry has passed.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)
}

// FundsService abstracts the wallet operations escrow needs.
type FundsService interface {
	GetWallet(ctx context.Context, userID string) (*wallet.Wallet, error)
	EscrowReserve(ctx context.Context, userID string, amount, fee int64, rec *wallet.TransactionRecord) error
	EscrowRelease(ctx context.Context, buyerID, sellerID string, amount int64, rec *wallet.TransactionRecord) error
	EscrowRefund(ctx context.Context, userID string, amount, refundedFee int64, rec *wallet.TransactionRecord) error
}

// TradeOffer is the escrow-relevant view of an accepted offer.
type TradeOffer struct {
	ID         string
	BuyerID    string // offer sender
	SellerID   string // listing owner
	ListingID  string
	CashAmount int64
}

// OfferReader resolves accepted offers without importing the offer package.
// Implementations return ErrOfferNotFound / ErrOfferNotAccepted.
type OfferReader interface {
	AcceptedOffer(ctx context.Context, offerID string) (*TradeOffer, error)
}

// ListingAccess is the listing collaborator surface escrow uses.
type ListingAccess interface {
	Price(ctx context.Context, listingID string) (int64, error)
	MarkTraded(ctx context.Context, listingID string) error
}

// Notifier delivers lifecycle notifications. Failures never propagate.
type Notifier interface {
	Notify(ctx context.Context, userID, kind string, payload any)
}

// Config carries the tunable escrow constants.
type Config struct {
	FeeBPS         int           // escrow fee in basis points (250 = 2.5%)
	Window         time.Duration // time until auto-release
	DisputeWindow  time.Duration // informational resolution estimate
	FallbackAmount int64         // used when neither override, offer nor listing carries a price
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	OfferID string `json:"offerId" binding:"required"`
	Amount  int64  `json:"amount"` // optional override
}

// DisputeRequest contains the parameters for disputing an escrow.
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// DisputeInfo is returned alongside a disputed escrow.
type DisputeInfo struct {
	Reference           string    `json:"reference"`
	EstimatedResolution time.Time `json:"estimatedResolution"`
}

// ResolveRequest chooses the outcome of a disputed escrow.
type ResolveRequest struct {
	Resolution string `json:"resolution" binding:"required"` // "release" | "refund"
	Reason     string `json:"reason"`
}

// Service implements escrow business logic.
type Service struct {
	store    Store
	funds    FundsService
	offers   OfferReader
	listings ListingAccess
	notifier Notifier
	cfg      Config
	logger   *slog.Logger
	locks    sync.Map // per-escrow ID locks to prevent race conditions
}

// NewService creates a new escrow service.
func NewService(store Store, funds FundsService, offers OfferReader, cfg Config, logger *slog.Logger) *Service {
	if cfg.FallbackAmount <= 0 {
		cfg.FallbackAmount = 1000
	}
	return &Service{
		store:  store,
		funds:  funds,
		offers: offers,
		cfg:    cfg,
		logger: logger,
	}
}

// WithListings adds the listing collaborator for price fallback and
// marking listings traded on release.
func (s *Service) WithListings(l ListingAccess) *Service {
	s.listings = l
	return s
}

// WithNotifier adds a lifecycle notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// escrowLock returns a mutex for the given escrow ID.
// This prevents concurrent state transitions (e.g. release + auto-release racing).
func (s *Service) escrowLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (s *Service) feeFor(amount int64) int64 {
	return amount * int64(s.cfg.FeeBPS) / 10000
}

// Create reserves the buyer's funds and opens an escrow for an accepted
// offer. Caller must be a party to the offer.
func (s *Service) Create(ctx context.Context, actor identity.Actor, req CreateRequest) (*Escrow, error) {
	offer, err := s.offers.AcceptedOffer(ctx, req.OfferID)
	if err != nil {
		return nil, err
	}

	if !actor.IsScheduler() && !actor.Is(offer.BuyerID) && !actor.Is(offer.SellerID) {
		return nil, ErrUnauthorized
	}

	// An unfunded CREATED shell left by an interrupted Create is
	// resumable; anything funded or beyond is a real conflict.
	var e *Escrow
	if existing, err := s.store.GetByOffer(ctx, req.OfferID); err == nil && existing != nil {
		if existing.Status != StatusCreated {
			return nil, ErrAlreadyExists
		}
		e = existing
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	amount := s.resolveAmount(ctx, offer, req.Amount)
	fee := s.feeFor(amount)
	if e != nil {
		amount, fee = e.Amount, e.Fee
	}

	// Fail fast before writing anything.
	w, err := s.funds.GetWallet(ctx, offer.BuyerID)
	if err != nil {
		return nil, err
	}
	if w.Balance < amount+fee {
		return nil, wallet.ErrInsufficientFunds
	}

	now := time.Now()
	if e == nil {
		e = &Escrow{
			ID:        idgen.WithPrefix("esc_"),
			Reference: "ESC-" + strings.ToUpper(idgen.Hex(5)),
			OfferID:   offer.ID,
			ListingID: offer.ListingID,
			BuyerID:   offer.BuyerID,
			SellerID:  offer.SellerID,
			Amount:    amount,
			Fee:       fee,
			Status:    StatusCreated,
			ExpiresAt: now.Add(s.cfg.Window),
			CreatedAt: now,
			UpdatedAt: now,
		}

		if err := s.store.Create(ctx, e); err != nil {
			return nil, fmt.Errorf("failed to create escrow record: %w", err)
		}
	}

	rec := &wallet.TransactionRecord{
		ID:            idgen.WithPrefix("txn_"),
		Type:          wallet.TxEscrowDeposit,
		Amount:        amount,
		Status:        wallet.TxCompleted,
		SenderID:      e.BuyerID,
		ReceiverID:    e.SellerID,
		Description:   "Escrow deposit " + e.Reference,
		ProcessingFee: fee,
		OfferID:       e.OfferID,
		EscrowID:      e.ID,
		CreatedAt:     now,
	}
	if err := s.funds.EscrowReserve(ctx, e.BuyerID, amount, fee, rec); err != nil {
		// Remove the unfunded shell; no money moved.
		_ = s.store.Delete(ctx, e.ID)
		return nil, err
	}

	e.Status = StatusFunded
	e.UpdatedAt = time.Now()
	if err := s.store.Transition(ctx, e, StatusCreated); err != nil {
		// Funds reserved but the row would not flip: give everything back.
		_ = s.funds.EscrowRefund(ctx, e.BuyerID, amount, fee, refundRecord(e, "Escrow funding rolled back"))
		_ = s.store.Delete(ctx, e.ID)
		return nil, fmt.Errorf("failed to fund escrow: %w", err)
	}

	metrics.EscrowCreatedTotal.Inc()
	s.notify(ctx, e.SellerID, "escrow.funded", e)

	return e, nil
}

// resolveAmount picks the escrow amount: explicit override, offer cash
// amount, then listing price, then the fixed fallback.
func (s *Service) resolveAmount(ctx context.Context, offer *TradeOffer, override int64) int64 {
	if override > 0 {
		return override
	}
	if offer.CashAmount > 0 {
		return offer.CashAmount
	}
	if s.listings != nil {
		if price, err := s.listings.Price(ctx, offer.ListingID); err == nil && price > 0 {
			return price
		}
	}
	return s.cfg.FallbackAmount
}

// Release pays the escrowed amount to the seller. Callable by buyer,
// seller, or the scheduler; requires FUNDED and an explicit completion
// confirmation. The fee is consumed, not returned.
func (s *Service) Release(ctx context.Context, actor identity.Actor, id string, confirmed bool) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsScheduler() && !actor.Is(e.BuyerID) && !actor.Is(e.SellerID) {
		return nil, ErrUnauthorized
	}
	if !confirmed {
		return nil, ErrNotConfirmed
	}
	if e.Status != StatusFunded {
		return nil, ErrInvalidState
	}

	return s.release(ctx, e, StatusReleased, "confirmed by "+actor.String(), StatusFunded)
}

// Refund returns the escrowed amount and the fee to the buyer. Callable
// by the seller (backing out of the trade) or the scheduler; requires
// FUNDED.
func (s *Service) Refund(ctx context.Context, actor identity.Actor, id, reason string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsScheduler() && !actor.Is(e.SellerID) {
		return nil, ErrUnauthorized
	}
	if e.Status != StatusFunded {
		return nil, ErrInvalidState
	}

	return s.refund(ctx, e, reason, StatusFunded)
}

// Dispute freezes a funded escrow pending resolution. Caller must be
// buyer or seller. No funds move; FUNDED's locked state is the freeze.
func (s *Service) Dispute(ctx context.Context, actor identity.Actor, id, reason string) (*Escrow, *DisputeInfo, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !actor.Is(e.BuyerID) && !actor.Is(e.SellerID) {
		return nil, nil, ErrUnauthorized
	}
	if e.Status != StatusFunded {
		return nil, nil, ErrInvalidState
	}

	now := time.Now()
	e.Status = StatusDisputed
	e.DisputeRef = "DSP-" + strings.ToUpper(idgen.Hex(4))
	e.DisputeReason = reason
	e.DisputeOpenedAt = &now
	e.UpdatedAt = now

	if err := s.store.Transition(ctx, e, StatusFunded); err != nil {
		return nil, nil, err
	}

	metrics.EscrowDisputedTotal.Inc()
	other := e.SellerID
	if actor.Is(e.SellerID) {
		other = e.BuyerID
	}
	s.notify(ctx, other, "escrow.disputed", e)

	info := &DisputeInfo{
		Reference:           e.DisputeRef,
		EstimatedResolution: now.Add(s.cfg.DisputeWindow),
	}
	return e, info, nil
}

// Resolve settles a disputed escrow. Restricted to the scheduler (the
// platform's resolution process): "release" pays the seller and consumes
// the fee, "refund" returns amount and fee to the buyer.
func (s *Service) Resolve(ctx context.Context, actor identity.Actor, id string, req ResolveRequest) (*Escrow, error) {
	if !actor.IsScheduler() {
		return nil, ErrUnauthorized
	}

	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusDisputed {
		return nil, ErrInvalidState
	}

	switch req.Resolution {
	case "release":
		return s.release(ctx, e, StatusReleased, "dispute resolved: "+req.Reason, StatusDisputed)
	case "refund":
		return s.refund(ctx, e, "dispute resolved: "+req.Reason, StatusDisputed)
	default:
		return nil, fmt.Errorf("escrow: unknown resolution %q", req.Resolution)
	}
}

// AutoRelease releases an expired escrow to the seller on behalf of the
// sweep. The escrow ends EXPIRED rather than RELEASED so the path is
// auditable.
func (s *Service) AutoRelease(ctx context.Context, id string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusFunded {
		return nil, ErrInvalidState
	}

	released, err := s.release(ctx, e, StatusExpired, "auto-released after expiry", StatusFunded)
	if err != nil {
		return nil, err
	}
	metrics.EscrowAutoReleasedTotal.Inc()
	return released, nil
}

// release flips the row to the target terminal state first (conditional,
// so a concurrent transition loses cleanly) and then moves the money. A
// ledger failure rolls the row back, leaving everything as it was.
func (s *Service) release(ctx context.Context, e *Escrow, target Status, resolution string, from Status) (*Escrow, error) {
	prior := e.Status
	now := time.Now()
	e.Status = target
	e.Resolution = resolution
	e.ReleasedAt = &now
	e.UpdatedAt = now

	if err := s.store.Transition(ctx, e, from); err != nil {
		return nil, err
	}

	rec := &wallet.TransactionRecord{
		ID:          idgen.WithPrefix("txn_"),
		Type:        wallet.TxEscrowRelease,
		Amount:      e.Amount,
		Status:      wallet.TxCompleted,
		SenderID:    e.BuyerID,
		ReceiverID:  e.SellerID,
		Description: "Escrow release " + e.Reference,
		OfferID:     e.OfferID,
		EscrowID:    e.ID,
		CreatedAt:   now,
	}
	if err := s.funds.EscrowRelease(ctx, e.BuyerID, e.SellerID, e.Amount, rec); err != nil {
		// No money moved; put the row back.
		e.Status = prior
		e.Resolution = ""
		e.ReleasedAt = nil
		e.UpdatedAt = time.Now()
		if rbErr := s.store.Transition(ctx, e, target); rbErr != nil {
			s.logger.Error("CRITICAL: escrow release rollback failed, row stuck in terminal state with funds still escrowed",
				"escrowId", e.ID, "error", rbErr)
		}
		return nil, fmt.Errorf("failed to release escrow funds: %w", err)
	}

	metrics.EscrowReleasedTotal.Inc()
	metrics.EscrowDuration.Observe(now.Sub(e.CreatedAt).Seconds())

	if s.listings != nil && e.ListingID != "" {
		if err := s.listings.MarkTraded(ctx, e.ListingID); err != nil {
			s.logger.Warn("failed to mark listing traded", "listingId", e.ListingID, "error", err)
		}
	}
	s.notify(ctx, e.SellerID, "escrow.released", e)
	s.notify(ctx, e.BuyerID, "escrow.released", e)

	return e, nil
}

func (s *Service) refund(ctx context.Context, e *Escrow, resolution string, from Status) (*Escrow, error) {
	prior := e.Status
	now := time.Now()
	e.Status = StatusRefunded
	e.Resolution = resolution
	e.ReleasedAt = &now
	e.UpdatedAt = now

	if err := s.store.Transition(ctx, e, from); err != nil {
		return nil, err
	}

	if err := s.funds.EscrowRefund(ctx, e.BuyerID, e.Amount, e.Fee, refundRecord(e, "Escrow refund "+e.Reference)); err != nil {
		e.Status = prior
		e.Resolution = ""
		e.ReleasedAt = nil
		e.UpdatedAt = time.Now()
		if rbErr := s.store.Transition(ctx, e, StatusRefunded); rbErr != nil {
			s.logger.Error("CRITICAL: escrow refund rollback failed, row stuck in refunded state with funds still escrowed",
				"escrowId", e.ID, "error", rbErr)
		}
		return nil, fmt.Errorf("failed to refund escrow funds: %w", err)
	}

	metrics.EscrowRefundedTotal.Inc()
	s.notify(ctx, e.BuyerID, "escrow.refunded", e)

	return e, nil
}

func refundRecord(e *Escrow, description string) *wallet.TransactionRecord {
	return &wallet.TransactionRecord{
		ID:            idgen.WithPrefix("txn_"),
		Type:          wallet.TxEscrowRefund,
		Amount:        e.Amount,
		Status:        wallet.TxCompleted,
		ReceiverID:    e.BuyerID,
		Description:   description,
		ProcessingFee: e.Fee,
		OfferID:       e.OfferID,
		EscrowID:      e.ID,
		CreatedAt:     time.Now(),
	}
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns escrows involving a user (as buyer or seller).
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

func (s *Service) notify(ctx context.Context, userID, kind string, e *Escrow) {
	if s.notifier != nil {
		s.notifier.Notify(ctx, userID, kind, e)
	}
}
