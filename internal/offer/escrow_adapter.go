package offer

import (
	"context"
	"errors"

	"github.com/tradeloop/tradeloop/internal/escrow"
)

// EscrowAdapter exposes accepted offers to the escrow service without
// the escrow package importing this one.
type EscrowAdapter struct {
	store Store
}

// NewEscrowAdapter wraps an offer store as an escrow.OfferReader.
func NewEscrowAdapter(store Store) *EscrowAdapter {
	return &EscrowAdapter{store: store}
}

var _ escrow.OfferReader = (*EscrowAdapter)(nil)

// AcceptedOffer resolves an accepted offer into its escrow-relevant view.
func (a *EscrowAdapter) AcceptedOffer(ctx context.Context, offerID string) (*escrow.TradeOffer, error) {
	o, err := a.store.Get(ctx, offerID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, escrow.ErrOfferNotFound
		}
		return nil, err
	}
	if o.Status != StatusAccepted {
		return nil, escrow.ErrOfferNotAccepted
	}

	// Counter-offers are sent by the listing owner, so the paying buyer
	// sits on the receiving side there.
	buyer, seller := o.SenderID, o.ReceiverID
	if o.ParentOfferID != "" {
		buyer, seller = o.ReceiverID, o.SenderID
	}

	return &escrow.TradeOffer{
		ID:         o.ID,
		BuyerID:    buyer,
		SellerID:   seller,
		ListingID:  o.ListingID,
		CashAmount: o.CashAmount,
	}, nil
}
