package escrow

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, reference, offer_id, listing_id, buyer_id, seller_id,
			amount, fee, status, expires_at, released_at,
			dispute_ref, dispute_reason, dispute_opened_at, resolution,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15,
			$16, $17
		)`,
		e.ID, e.Reference, e.OfferID, nullString(e.ListingID), e.BuyerID, e.SellerID,
		e.Amount, e.Fee, string(e.Status), e.ExpiresAt, nullTime(e.ReleasedAt),
		nullString(e.DisputeRef), nullString(e.DisputeReason), nullTime(e.DisputeOpenedAt), nullString(e.Resolution),
		e.CreatedAt, e.UpdatedAt,
	)
	if err != nil && strings.Contains(err.Error(), "duplicate key") {
		// offer_id carries a unique constraint: one escrow per offer.
		return ErrAlreadyExists
	}
	return err
}

const escrowColumns = `id, reference, offer_id, listing_id, buyer_id, seller_id,
		       amount, fee, status, expires_at, released_at,
		       dispute_ref, dispute_reason, dispute_opened_at, resolution,
		       created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) GetByOffer(ctx context.Context, offerID string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE offer_id = $1`, offerID)
	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) Transition(ctx context.Context, e *Escrow, from ...Status) error {
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}

	// The status precondition rides in the WHERE clause, so two concurrent
	// transitions of one escrow cannot both match.
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, released_at = $2,
			dispute_ref = $3, dispute_reason = $4, dispute_opened_at = $5,
			resolution = $6, updated_at = $7
		WHERE id = $8 AND status = ANY($9::text[])`,
		string(e.Status), nullTime(e.ReleasedAt),
		nullString(e.DisputeRef), nullString(e.DisputeReason), nullTime(e.DisputeOpenedAt),
		nullString(e.Resolution), e.UpdatedAt,
		e.ID, "{"+strings.Join(states, ",")+"}",
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM escrows WHERE id = $1)`, e.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrInvalidState
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM escrows WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = 'funded' AND expires_at < $1
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		listingID       sql.NullString
		status          string
		releasedAt      sql.NullTime
		disputeRef      sql.NullString
		disputeReason   sql.NullString
		disputeOpenedAt sql.NullTime
		resolution      sql.NullString
	)

	err := s.Scan(
		&e.ID, &e.Reference, &e.OfferID, &listingID, &e.BuyerID, &e.SellerID,
		&e.Amount, &e.Fee, &status, &e.ExpiresAt, &releasedAt,
		&disputeRef, &disputeReason, &disputeOpenedAt, &resolution,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	e.ListingID = listingID.String
	e.DisputeRef = disputeRef.String
	e.DisputeReason = disputeReason.String
	e.Resolution = resolution.String
	if releasedAt.Valid {
		e.ReleasedAt = &releasedAt.Time
	}
	if disputeOpenedAt.Valid {
		e.DisputeOpenedAt = &disputeOpenedAt.Time
	}

	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
