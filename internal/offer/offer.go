// Package offer runs trade negotiations against listings.
//
// Flow:
//  1. A buyer proposes cash, a swap of their own listings, or both
//  2. The listing owner accepts, rejects, or counters (max 5 counters per chain)
//  3. Acceptance triggers escrow funding; the buyer can withdraw while pending
//  4. Offers left pending past their expiry are swept to EXPIRED
package offer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tradeloop/tradeloop/internal/escrow"
	"github.com/tradeloop/tradeloop/internal/idgen"
	"github.com/tradeloop/tradeloop/internal/identity"
	"github.com/tradeloop/tradeloop/internal/listing"
	"github.com/tradeloop/tradeloop/internal/metrics"
)

var (
	ErrNotFound         = errors.New("offer: not found")
	ErrListingNotFound  = errors.New("offer: listing not found")
	ErrListingInactive  = errors.New("offer: listing is not active")
	ErrSelfOffer        = errors.New("offer: cannot make an offer on your own listing")
	ErrInvalidState     = errors.New("offer: operation not valid for current status")
	ErrUnauthorized     = errors.New("offer: caller is not a party to this offer")
	ErrExpired          = errors.New("offer: offer has expired")
	ErrDuplicatePending = errors.New("offer: a pending offer on this listing already exists")
	ErrCounterLimit     = errors.New("offer: counter-offer limit reached for this negotiation")
	ErrValidation       = errors.New("offer: validation failed")
)

// Type enumerates what an offer proposes.
type Type string

const (
	TypeCash   Type = "cash"
	TypeSwap   Type = "swap"
	TypeHybrid Type = "hybrid"
)

// Status represents the state of an offer. All non-pending states are
// terminal for that record; a countered negotiation continues via a new
// offer linked through parentOfferId.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusCountered Status = "countered"
	StatusWithdrawn Status = "withdrawn"
	StatusExpired   Status = "expired"
)

// Offer is a proposal against a listing.
type Offer struct {
	ID                string    `json:"id"`
	OfferType         Type      `json:"offerType"`
	CashAmount        int64     `json:"cashAmount,omitempty"`
	OfferedListingIDs []string  `json:"offeredListingIds,omitempty"`
	Status            Status    `json:"status"`
	SenderID          string    `json:"senderId"`
	ReceiverID        string    `json:"receiverId"`
	ListingID         string    `json:"listingId"`
	ParentOfferID     string    `json:"parentOfferId,omitempty"`
	RootOfferID       string    `json:"rootOfferId"`
	// CounterCount is maintained on the root offer of a negotiation chain
	// and bounds how many counters the chain may grow.
	CounterCount int       `json:"counterCount,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Message      string    `json:"message,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// IsTerminal returns true if the offer is in a final state.
func (o *Offer) IsTerminal() bool {
	return o.Status != StatusPending
}

// Store persists offers.
type Store interface {
	Create(ctx context.Context, o *Offer) error
	Get(ctx context.Context, id string) (*Offer, error)
	// HasPending reports whether sender already has a pending offer on the
	// listing.
	HasPending(ctx context.Context, senderID, listingID string) (bool, error)
	// Transition persists o's mutable fields only if the stored status is
	// from. Returns ErrInvalidState when the precondition fails, so two
	// concurrent accepts cannot both succeed.
	Transition(ctx context.Context, o *Offer, from Status) error
	// CreateCounter atomically inserts the counter offer, flips the
	// original from PENDING to COUNTERED, and increments the root offer's
	// counter count, failing with ErrCounterLimit (no row created) when
	// the chain already has maxCounters counters, or ErrInvalidState when
	// the original is no longer pending.
	CreateCounter(ctx context.Context, counter *Offer, original *Offer, maxCounters int) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Offer, error)
	ListByListing(ctx context.Context, listingID string, limit int) ([]*Offer, error)
	// ListExpired returns PENDING offers whose expiry has passed.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Offer, error)
}

// ListingReader is the listing collaborator surface offers validate against.
type ListingReader interface {
	Get(ctx context.Context, id string) (*listing.Listing, error)
}

// EscrowCreator opens an escrow for an accepted offer.
type EscrowCreator interface {
	Create(ctx context.Context, actor identity.Actor, req escrow.CreateRequest) (*escrow.Escrow, error)
}

// Notifier delivers lifecycle notifications. Failures never propagate.
type Notifier interface {
	Notify(ctx context.Context, userID, kind string, payload any)
}

// Config carries the tunable negotiation constants.
type Config struct {
	TTL           time.Duration // offer lifetime when none is supplied
	MaxCounters   int           // counters allowed per negotiation chain
	MaxCashAmount int64         // upper bound for cashAmount
}

// CreateRequest is the input for a new offer.
type CreateRequest struct {
	ListingID         string   `json:"listingId" binding:"required"`
	OfferType         Type     `json:"offerType" binding:"required"`
	CashAmount        int64    `json:"cashAmount"`
	OfferedListingIDs []string `json:"offeredListingIds"`
	Message           string   `json:"message"`
	ExpiresInHours    int      `json:"expiresInHours"`
}

// CounterRequest is the input for a counter-offer.
type CounterRequest struct {
	OfferType         Type     `json:"offerType" binding:"required"`
	CashAmount        int64    `json:"cashAmount"`
	OfferedListingIDs []string `json:"offeredListingIds"`
	Message           string   `json:"message"`
}

// AcceptResult carries the accepted offer and, when funding succeeded,
// its escrow. EscrowErr is set when acceptance was durable but escrow
// creation failed; the acceptance is never rolled back.
type AcceptResult struct {
	Offer     *Offer         `json:"offer"`
	Escrow    *escrow.Escrow `json:"escrow,omitempty"`
	EscrowErr error          `json:"-"`
}

// Service implements offer negotiation business logic.
type Service struct {
	store    Store
	listings ListingReader
	escrows  EscrowCreator
	notifier Notifier
	cfg      Config
	logger   *slog.Logger
	locks    sync.Map // per-offer ID locks
}

// NewService creates a new offer service.
func NewService(store Store, listings ListingReader, cfg Config, logger *slog.Logger) *Service {
	if cfg.MaxCounters <= 0 {
		cfg.MaxCounters = 5
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 7 * 24 * time.Hour
	}
	return &Service{
		store:    store,
		listings: listings,
		cfg:      cfg,
		logger:   logger,
	}
}

// WithEscrow enables escrow funding on acceptance.
func (s *Service) WithEscrow(e EscrowCreator) *Service {
	s.escrows = e
	return s
}

// WithNotifier adds a lifecycle notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// offerLock returns a mutex for the given offer ID.
func (s *Service) offerLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Create validates and persists a new offer against a listing.
func (s *Service) Create(ctx context.Context, actor identity.Actor, req CreateRequest) (*Offer, error) {
	senderID := actor.UserID()

	l, err := s.listings.Get(ctx, req.ListingID)
	if err != nil {
		if errors.Is(err, listing.ErrNotFound) {
			return nil, ErrListingNotFound
		}
		return nil, err
	}
	if !l.IsActive {
		return nil, ErrListingInactive
	}
	if l.OwnerID == senderID {
		return nil, ErrSelfOffer
	}

	if err := s.validateTerms(ctx, senderID, req.OfferType, req.CashAmount, req.OfferedListingIDs); err != nil {
		return nil, err
	}
	if err := s.validateListingFlags(l, req.OfferType); err != nil {
		return nil, err
	}

	if dup, err := s.store.HasPending(ctx, senderID, req.ListingID); err != nil {
		return nil, err
	} else if dup {
		return nil, ErrDuplicatePending
	}

	ttl := s.cfg.TTL
	if req.ExpiresInHours > 0 {
		ttl = time.Duration(req.ExpiresInHours) * time.Hour
	}

	now := time.Now()
	o := &Offer{
		ID:                idgen.WithPrefix("off_"),
		OfferType:         req.OfferType,
		CashAmount:        req.CashAmount,
		OfferedListingIDs: req.OfferedListingIDs,
		Status:            StatusPending,
		SenderID:          senderID,
		ReceiverID:        l.OwnerID,
		ListingID:         req.ListingID,
		ExpiresAt:         now.Add(ttl),
		Message:           req.Message,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	o.RootOfferID = o.ID

	if err := s.store.Create(ctx, o); err != nil {
		return nil, err
	}

	metrics.OffersCreatedTotal.Inc()
	s.notify(ctx, o.ReceiverID, "offer.received", o)

	return o, nil
}

// validateTerms enforces the offer-type-specific requirements.
func (s *Service) validateTerms(ctx context.Context, senderID string, t Type, cashAmount int64, offered []string) error {
	switch t {
	case TypeCash, TypeSwap, TypeHybrid:
	default:
		return fmt.Errorf("%w: unknown offer type %q", ErrValidation, t)
	}

	if t == TypeCash || t == TypeHybrid {
		if cashAmount <= 0 {
			return fmt.Errorf("%w: %s offers require a positive cashAmount", ErrValidation, t)
		}
		if s.cfg.MaxCashAmount > 0 && cashAmount > s.cfg.MaxCashAmount {
			return fmt.Errorf("%w: cashAmount exceeds the maximum of %d", ErrValidation, s.cfg.MaxCashAmount)
		}
	} else if cashAmount != 0 {
		return fmt.Errorf("%w: swap offers cannot carry a cashAmount", ErrValidation)
	}

	if t == TypeSwap || t == TypeHybrid {
		if len(offered) == 0 {
			return fmt.Errorf("%w: %s offers require offeredListingIds", ErrValidation, t)
		}
		for _, id := range offered {
			ol, err := s.listings.Get(ctx, id)
			if err != nil {
				return fmt.Errorf("%w: offered listing %s not found", ErrValidation, id)
			}
			if !ol.IsActive {
				return fmt.Errorf("%w: offered listing %s is not active", ErrValidation, id)
			}
			if ol.OwnerID != senderID {
				return fmt.Errorf("%w: offered listing %s is not owned by the sender", ErrValidation, id)
			}
		}
	} else if len(offered) != 0 {
		return fmt.Errorf("%w: cash offers cannot carry offeredListingIds", ErrValidation)
	}

	return nil
}

// validateListingFlags checks the requested type against what the
// listing accepts.
func (s *Service) validateListingFlags(l *listing.Listing, t Type) error {
	switch t {
	case TypeCash:
		if l.IsSwapOnly || !l.AcceptsCash {
			return fmt.Errorf("%w: listing does not accept cash offers", ErrValidation)
		}
	case TypeSwap:
		if !l.AcceptsSwap {
			return fmt.Errorf("%w: listing does not accept swap offers", ErrValidation)
		}
	case TypeHybrid:
		if l.IsSwapOnly || !l.AcceptsCash || !l.AcceptsSwap {
			return fmt.Errorf("%w: listing does not accept hybrid offers", ErrValidation)
		}
	}
	return nil
}

// Accept transitions a pending offer to ACCEPTED and attempts to fund an
// escrow. Acceptance is durable first: a failed escrow creation is
// surfaced in the result, never rolled back.
func (s *Service) Accept(ctx context.Context, actor identity.Actor, id string) (*AcceptResult, error) {
	mu := s.offerLock(id)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Is(o.ReceiverID) {
		return nil, ErrUnauthorized
	}
	if o.Status != StatusPending {
		return nil, ErrInvalidState
	}
	if time.Now().After(o.ExpiresAt) {
		return nil, ErrExpired
	}

	o.Status = StatusAccepted
	o.UpdatedAt = time.Now()
	if err := s.store.Transition(ctx, o, StatusPending); err != nil {
		return nil, err
	}

	metrics.OffersResolvedTotal.WithLabelValues(string(StatusAccepted)).Inc()
	s.notify(ctx, o.SenderID, "offer.accepted", o)

	result := &AcceptResult{Offer: o}
	if s.escrows != nil {
		esc, escErr := s.escrows.Create(ctx, actor, escrow.CreateRequest{OfferID: o.ID})
		if escErr != nil {
			s.logger.Warn("offer accepted but escrow funding failed",
				"offerId", o.ID, "error", escErr)
			result.EscrowErr = escErr
		} else {
			result.Escrow = esc
		}
	}

	return result, nil
}

// Reject transitions a pending offer to REJECTED. Receiver only.
func (s *Service) Reject(ctx context.Context, actor identity.Actor, id string) (*Offer, error) {
	return s.resolve(ctx, actor, id, StatusRejected, func(o *Offer) string { return o.ReceiverID })
}

// Withdraw transitions a pending offer to WITHDRAWN. Sender only.
func (s *Service) Withdraw(ctx context.Context, actor identity.Actor, id string) (*Offer, error) {
	return s.resolve(ctx, actor, id, StatusWithdrawn, func(o *Offer) string { return o.SenderID })
}

func (s *Service) resolve(ctx context.Context, actor identity.Actor, id string, target Status, authorized func(*Offer) string) (*Offer, error) {
	mu := s.offerLock(id)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Is(authorized(o)) {
		return nil, ErrUnauthorized
	}
	if o.Status != StatusPending {
		return nil, ErrInvalidState
	}

	o.Status = target
	o.UpdatedAt = time.Now()
	if err := s.store.Transition(ctx, o, StatusPending); err != nil {
		return nil, err
	}

	metrics.OffersResolvedTotal.WithLabelValues(string(target)).Inc()
	other := o.SenderID
	if actor.Is(o.SenderID) {
		other = o.ReceiverID
	}
	s.notify(ctx, other, "offer."+string(target), o)

	return o, nil
}

// Counter creates a counter-offer: a new offer with sender and receiver
// swapped, linked to the original via parentOfferId. Listing owner only,
// while the original is pending, and only until the chain's counter
// limit. The original flips to COUNTERED in the same atomic step.
func (s *Service) Counter(ctx context.Context, actor identity.Actor, id string, req CounterRequest) (*Offer, error) {
	mu := s.offerLock(id)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	// Counters always come from the listing owner: the receiver of a root
	// offer, the sender of a previous counter.
	ownerID := o.ReceiverID
	if o.ParentOfferID != "" {
		ownerID = o.SenderID
	}
	if !actor.Is(ownerID) {
		return nil, ErrUnauthorized
	}
	if o.Status != StatusPending {
		return nil, ErrInvalidState
	}

	// Counter terms follow the same offer-type rules. The listing's
	// accepted-type flags are not re-checked: the owner is proposing
	// their own terms.
	if err := s.validateTerms(ctx, actor.UserID(), req.OfferType, req.CashAmount, req.OfferedListingIDs); err != nil {
		return nil, err
	}

	buyerID := o.SenderID
	if o.ParentOfferID != "" {
		buyerID = o.ReceiverID
	}

	now := time.Now()
	counter := &Offer{
		ID:                idgen.WithPrefix("off_"),
		OfferType:         req.OfferType,
		CashAmount:        req.CashAmount,
		OfferedListingIDs: req.OfferedListingIDs,
		Status:            StatusPending,
		SenderID:          ownerID,
		ReceiverID:        buyerID,
		ListingID:         o.ListingID,
		ParentOfferID:     o.ID,
		RootOfferID:       o.RootOfferID,
		ExpiresAt:         now.Add(s.cfg.TTL),
		Message:           req.Message,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	original := *o
	original.Status = StatusCountered
	original.UpdatedAt = now
	if err := s.store.CreateCounter(ctx, counter, &original, s.cfg.MaxCounters); err != nil {
		return nil, err
	}

	metrics.OffersCreatedTotal.Inc()
	metrics.OffersResolvedTotal.WithLabelValues(string(StatusCountered)).Inc()
	s.notify(ctx, buyerID, "offer.countered", counter)

	return counter, nil
}

// Expire flips a pending offer past its deadline to EXPIRED. Used by the
// sweep.
func (s *Service) Expire(ctx context.Context, id string) (*Offer, error) {
	mu := s.offerLock(id)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Status != StatusPending {
		return nil, ErrInvalidState
	}
	if time.Now().Before(o.ExpiresAt) {
		return nil, ErrValidation
	}

	o.Status = StatusExpired
	o.UpdatedAt = time.Now()
	if err := s.store.Transition(ctx, o, StatusPending); err != nil {
		return nil, err
	}

	metrics.OffersResolvedTotal.WithLabelValues(string(StatusExpired)).Inc()
	s.notify(ctx, o.SenderID, "offer.expired", o)

	return o, nil
}

// Get returns an offer by ID.
func (s *Service) Get(ctx context.Context, id string) (*Offer, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns offers a user sent or received.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Offer, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// ListByListing returns offers against a listing.
func (s *Service) ListByListing(ctx context.Context, listingID string, limit int) ([]*Offer, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByListing(ctx, listingID, limit)
}

func (s *Service) notify(ctx context.Context, userID, kind string, o *Offer) {
	if s.notifier != nil {
		s.notifier.Notify(ctx, userID, kind, o)
	}
}
