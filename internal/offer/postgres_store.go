package offer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore is a PostgreSQL-backed Store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by the given database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const offerColumns = `id, offer_type, cash_amount, offered_listing_ids, status,
	sender_id, receiver_id, listing_id, parent_offer_id, root_offer_id,
	counter_count, expires_at, message, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, o *Offer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO offers (id, offer_type, cash_amount, offered_listing_ids, status,
			sender_id, receiver_id, listing_id, parent_offer_id, root_offer_id,
			counter_count, expires_at, message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11, $12, NULLIF($13, ''), $14, $15)`,
		o.ID, o.OfferType, o.CashAmount, pq.Array(o.OfferedListingIDs), o.Status,
		o.SenderID, o.ReceiverID, o.ListingID, o.ParentOfferID, o.RootOfferID,
		o.CounterCount, o.ExpiresAt, o.Message, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		// The partial unique index closes the race two concurrent
		// creates have between the duplicate check and the insert.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" &&
			pqErr.Constraint == "uniq_offers_pending_sender_listing" {
			return ErrDuplicatePending
		}
		return fmt.Errorf("inserting offer: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Offer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+offerColumns+` FROM offers WHERE id = $1`, id)
	o, err := scanOffer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

func (s *PostgresStore) HasPending(ctx context.Context, senderID, listingID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM offers
			WHERE sender_id = $1 AND listing_id = $2 AND status = 'pending')`,
		senderID, listingID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking pending offers: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) Transition(ctx context.Context, o *Offer, from Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE offers
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4`,
		o.Status, o.UpdatedAt, o.ID, from)
	if err != nil {
		return fmt.Errorf("transitioning offer: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transitioning offer: %w", err)
	}
	if rows == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM offers WHERE id = $1)`, o.ID).Scan(&exists); err != nil {
			return fmt.Errorf("transitioning offer: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrInvalidState
	}
	return nil
}

func (s *PostgresStore) CreateCounter(ctx context.Context, counter *Offer, original *Offer, maxCounters int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning counter tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE offers
		SET status = 'countered', updated_at = $1
		WHERE id = $2 AND status = 'pending'`,
		original.UpdatedAt, original.ID)
	if err != nil {
		return fmt.Errorf("countering offer: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("countering offer: %w", err)
	}
	if rows == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM offers WHERE id = $1)`, original.ID).Scan(&exists); err != nil {
			return fmt.Errorf("countering offer: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrInvalidState
	}

	// The chain bound lives on the root offer: the increment only lands
	// while the count is below the limit.
	res, err = tx.ExecContext(ctx, `
		UPDATE offers
		SET counter_count = counter_count + 1, updated_at = $1
		WHERE id = $2 AND counter_count < $3`,
		counter.CreatedAt, original.RootOfferID, maxCounters)
	if err != nil {
		return fmt.Errorf("bounding counter chain: %w", err)
	}
	rows, err = res.RowsAffected()
	if err != nil {
		return fmt.Errorf("bounding counter chain: %w", err)
	}
	if rows == 0 {
		return ErrCounterLimit
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO offers (id, offer_type, cash_amount, offered_listing_ids, status,
			sender_id, receiver_id, listing_id, parent_offer_id, root_offer_id,
			counter_count, expires_at, message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11, $12, NULLIF($13, ''), $14, $15)`,
		counter.ID, counter.OfferType, counter.CashAmount, pq.Array(counter.OfferedListingIDs), counter.Status,
		counter.SenderID, counter.ReceiverID, counter.ListingID, counter.ParentOfferID, counter.RootOfferID,
		counter.CounterCount, counter.ExpiresAt, counter.Message, counter.CreatedAt, counter.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting counter offer: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing counter tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Offer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE sender_id = $1 OR receiver_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing offers by user: %w", err)
	}
	defer rows.Close()
	return scanOffers(rows)
}

func (s *PostgresStore) ListByListing(ctx context.Context, listingID string, limit int) ([]*Offer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE listing_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, listingID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing offers by listing: %w", err)
	}
	defer rows.Close()
	return scanOffers(rows)
}

func (s *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Offer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE status = 'pending' AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("listing expired offers: %w", err)
	}
	defer rows.Close()
	return scanOffers(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOffer(row scanner) (*Offer, error) {
	var o Offer
	var parentID, message sql.NullString
	var offered pq.StringArray
	err := row.Scan(&o.ID, &o.OfferType, &o.CashAmount, &offered, &o.Status,
		&o.SenderID, &o.ReceiverID, &o.ListingID, &parentID, &o.RootOfferID,
		&o.CounterCount, &o.ExpiresAt, &message, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.OfferedListingIDs = []string(offered)
	o.ParentOfferID = parentID.String
	o.Message = message.String
	return &o, nil
}

func scanOffers(rows *sql.Rows) ([]*Offer, error) {
	var out []*Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning offer: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
