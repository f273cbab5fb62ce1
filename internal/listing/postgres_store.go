package listing

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed listing store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, l *Listing) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO listings (id, owner_id, title, price, is_active, status,
			accepts_cash, accepts_swap, is_swap_only, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, l.ID, l.OwnerID, l.Title, l.Price, l.IsActive, l.Status,
		l.AcceptsCash, l.AcceptsSwap, l.IsSwapOnly, l.CreatedAt, l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create listing: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Listing, error) {
	l := &Listing{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, owner_id, title, price, is_active, status,
		       accepts_cash, accepts_swap, is_swap_only, created_at, updated_at
		FROM listings WHERE id = $1
	`, id).Scan(&l.ID, &l.OwnerID, &l.Title, &l.Price, &l.IsActive, &l.Status,
		&l.AcceptsCash, &l.AcceptsSwap, &l.IsSwapOnly, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (p *PostgresStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Listing, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, owner_id, title, price, is_active, status,
		       accepts_cash, accepts_swap, is_swap_only, created_at, updated_at
		FROM listings
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Listing
	for rows.Next() {
		l := &Listing{}
		if err := rows.Scan(&l.ID, &l.OwnerID, &l.Title, &l.Price, &l.IsActive, &l.Status,
			&l.AcceptsCash, &l.AcceptsSwap, &l.IsSwapOnly, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

func (p *PostgresStore) SetStatus(ctx context.Context, id string, status Status, active bool) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE listings SET status = $2, is_active = $3, updated_at = NOW()
		WHERE id = $1
	`, id, status, active)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}
