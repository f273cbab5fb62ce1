package payment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tradeloop/tradeloop/internal/wallet"
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

const intentColumns = `id, user_id, kind, reference, amount, fee, status, payment_method,
	webhook_verified, authorization_code, provider_handle, recipient_handle,
	metadata, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, p *PaymentIntent) error {
	meta, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("encoding intent metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO payment_intents (id, user_id, kind, reference, amount, fee, status,
			payment_method, webhook_verified, authorization_code, provider_handle,
			recipient_handle, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, NULLIF($10, ''),
			NULLIF($11, ''), NULLIF($12, ''), $13, $14, $15)`,
		p.ID, p.UserID, p.Kind, p.Reference, p.Amount, p.Fee, p.Status,
		p.Method, p.WebhookVerified, p.AuthorizationCode, p.ProviderHandle,
		p.RecipientHandle, meta, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting payment intent: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*PaymentIntent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+intentColumns+` FROM payment_intents WHERE id = $1`, id)
	p, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *PostgresStore) GetByReference(ctx context.Context, reference string) (*PaymentIntent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+intentColumns+` FROM payment_intents WHERE reference = $1`, reference)
	p, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// Finalize runs the intent flip and the ledger effect in one database
// transaction: the wallet store view handed to effect is bound to the
// same tx, so either everything below commits or none of it does.
func (s *PostgresStore) Finalize(ctx context.Context, p *PaymentIntent, effect func(ctx context.Context, funds FundsService) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("finalizing payment intent: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE payment_intents
		SET status = $1, webhook_verified = TRUE,
			authorization_code = COALESCE(NULLIF($2, ''), authorization_code),
			updated_at = $3
		WHERE id = $4 AND status = 'pending' AND webhook_verified = FALSE`,
		p.Status, p.AuthorizationCode, p.UpdatedAt, p.ID)
	if err != nil {
		return fmt.Errorf("finalizing payment intent: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalizing payment intent: %w", err)
	}
	if rows == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM payment_intents WHERE id = $1)`, p.ID).Scan(&exists); err != nil {
			return fmt.Errorf("finalizing payment intent: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrAlreadyProcessed
	}

	if effect != nil {
		if err := effect(ctx, wallet.NewPostgresStore(s.db).InTx(tx)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) SetStatus(ctx context.Context, id string, status IntentStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payment_intents
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = 'pending'`,
		status, id)
	if err != nil {
		return fmt.Errorf("updating payment intent: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating payment intent: %w", err)
	}
	if rows == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM payment_intents WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("updating payment intent: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrAlreadyProcessed
	}
	return nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*PaymentIntent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+intentColumns+` FROM payment_intents
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing payment intents: %w", err)
	}
	defer rows.Close()

	var out []*PaymentIntent
	for rows.Next() {
		p, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning payment intent: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIntent(row scanner) (*PaymentIntent, error) {
	var p PaymentIntent
	var method, authCode, providerHandle, recipientHandle sql.NullString
	var meta []byte
	err := row.Scan(&p.ID, &p.UserID, &p.Kind, &p.Reference, &p.Amount, &p.Fee, &p.Status,
		&method, &p.WebhookVerified, &authCode, &providerHandle, &recipientHandle,
		&meta, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Method = method.String
	p.AuthorizationCode = authCode.String
	p.ProviderHandle = providerHandle.String
	p.RecipientHandle = recipientHandle.String
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &p.Metadata); err != nil {
			return nil, fmt.Errorf("decoding intent metadata: %w", err)
		}
	}
	return &p, nil
}
