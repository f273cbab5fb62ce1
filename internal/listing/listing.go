// Package listing manages marketplace listings: the items offers are
// made against. The money core reads listings to validate offers; the
// wider catalog surface (search, images, categories) lives elsewhere.
package listing

import (
	"context"
	"errors"
	"time"

	"github.com/tradeloop/tradeloop/internal/idgen"
)

var (
	ErrNotFound     = errors.New("listing: not found")
	ErrUnauthorized = errors.New("listing: caller does not own listing")
)

// Status is the listing lifecycle.
type Status string

const (
	StatusAvailable Status = "available"
	StatusTraded    Status = "traded"
	StatusRemoved   Status = "removed"
)

// Listing is a marketplace item.
type Listing struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"ownerId"`
	Title       string    `json:"title"`
	Price       int64     `json:"price"` // minor currency units; 0 = unpriced
	IsActive    bool      `json:"isActive"`
	Status      Status    `json:"status"`
	AcceptsCash bool      `json:"acceptsCash"`
	AcceptsSwap bool      `json:"acceptsSwap"`
	IsSwapOnly  bool      `json:"isSwapOnly"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Store persists listings.
type Store interface {
	Create(ctx context.Context, l *Listing) error
	Get(ctx context.Context, id string) (*Listing, error)
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Listing, error)
	// SetStatus updates status and the derived isActive flag.
	SetStatus(ctx context.Context, id string, status Status, active bool) error
}

// Service exposes listing operations.
type Service struct {
	store Store
}

// NewService creates a listing service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// CreateParams are the caller-supplied fields for a new listing.
type CreateParams struct {
	Title       string
	Price       int64
	AcceptsCash bool
	AcceptsSwap bool
	IsSwapOnly  bool
}

// Create adds a listing owned by ownerID.
func (s *Service) Create(ctx context.Context, ownerID string, p CreateParams) (*Listing, error) {
	now := time.Now()
	l := &Listing{
		ID:          idgen.WithPrefix("lst_"),
		OwnerID:     ownerID,
		Title:       p.Title,
		Price:       p.Price,
		IsActive:    true,
		Status:      StatusAvailable,
		AcceptsCash: p.AcceptsCash,
		AcceptsSwap: p.AcceptsSwap,
		IsSwapOnly:  p.IsSwapOnly,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if l.IsSwapOnly {
		l.AcceptsSwap = true
		l.AcceptsCash = false
	}
	if !l.AcceptsCash && !l.AcceptsSwap {
		l.AcceptsCash = true
	}
	if err := s.store.Create(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// Get returns a listing by id.
func (s *Service) Get(ctx context.Context, id string) (*Listing, error) {
	return s.store.Get(ctx, id)
}

// ListByOwner returns a user's listings, newest first.
func (s *Service) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Listing, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByOwner(ctx, ownerID, limit)
}

// Remove deactivates a listing. Only the owner may remove it.
func (s *Service) Remove(ctx context.Context, id, callerID string) error {
	l, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if l.OwnerID != callerID {
		return ErrUnauthorized
	}
	return s.store.SetStatus(ctx, id, StatusRemoved, false)
}

// MarkTraded flips a listing to traded after a successful escrow release.
func (s *Service) MarkTraded(ctx context.Context, id string) error {
	return s.store.SetStatus(ctx, id, StatusTraded, false)
}
