package wallet

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore implements Store with PostgreSQL. Atomicity comes from one
// transaction per operation; lost updates are prevented by making every
// balance check part of the conditional UPDATE itself, backed by CHECK
// constraints on the balance columns.
type PostgresStore struct {
	db *sql.DB
	tx *sql.Tx // non-nil when bound to a caller-owned transaction
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// InTx returns a view of the store whose operations all run on tx. The
// caller owns commit and rollback; the webhook processor uses this to
// put the intent flip and the ledger effect in one transaction.
func (p *PostgresStore) InTx(tx *sql.Tx) *PostgresStore {
	return &PostgresStore{tx: tx}
}

// dbtx is the subset of *sql.DB and *sql.Tx the store queries through.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (p *PostgresStore) q() dbtx {
	if p.tx != nil {
		return p.tx
	}
	return p.db
}

// begin opens the write scope for one operation. When the store is
// bound to an outer transaction the returned commit and rollback are
// no-ops; the transaction owner decides the outcome.
func (p *PostgresStore) begin(ctx context.Context) (dbtx, func() error, func() error, error) {
	if p.tx != nil {
		noop := func() error { return nil }
		return p.tx, noop, noop, nil
	}
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, nil, err
	}
	return tx, tx.Commit, tx.Rollback, nil
}

func (p *PostgresStore) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	w := &Wallet{UserID: userID}
	var lastTx sql.NullTime

	err := p.q().QueryRowContext(ctx, `
		SELECT balance, escrow_balance, total_earned, total_spent, last_transaction_at, created_at, updated_at
		FROM wallets WHERE user_id = $1
	`, userID).Scan(&w.Balance, &w.EscrowBalance, &w.TotalEarned, &w.TotalSpent, &lastTx, &w.CreatedAt, &w.UpdatedAt)

	if err == sql.ErrNoRows {
		return &Wallet{UserID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	if lastTx.Valid {
		w.LastTransactionAt = &lastTx.Time
	}
	return w, nil
}

func (p *PostgresStore) Credit(ctx context.Context, userID string, amount int64, rec *TransactionRecord) error {
	tx, commit, rollback, err := p.begin(ctx)
	if err != nil {
		return err
	}
	defer rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallets (user_id, balance, last_transaction_at, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			balance             = wallets.balance + $2,
			last_transaction_at = NOW(),
			updated_at          = NOW()
	`, userID, amount)
	if err != nil {
		return fmt.Errorf("failed to credit wallet: %w", err)
	}

	if err := insertRecord(ctx, tx, rec); err != nil {
		return err
	}
	return commit()
}

func (p *PostgresStore) Debit(ctx context.Context, userID string, amount int64, rec *TransactionRecord) error {
	tx, commit, rollback, err := p.begin(ctx)
	if err != nil {
		return err
	}
	defer rollback()

	spent := int64(0)
	if rec.Type == TxWithdrawal || rec.Type == TxTransferSent {
		spent = amount
	}

	// Balance check and decrement are one conditional write.
	result, err := tx.ExecContext(ctx, `
		UPDATE wallets SET
			balance             = balance - $2,
			total_spent         = total_spent + $3,
			last_transaction_at = NOW(),
			updated_at          = NOW()
		WHERE user_id = $1 AND balance >= $2
	`, userID, amount, spent)
	if err != nil {
		return fmt.Errorf("failed to debit wallet: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return p.debitFailure(ctx, userID)
	}

	if err := insertRecord(ctx, tx, rec); err != nil {
		return err
	}
	return commit()
}

func (p *PostgresStore) EscrowReserve(ctx context.Context, userID string, amount, fee int64, rec *TransactionRecord) error {
	tx, commit, rollback, err := p.begin(ctx)
	if err != nil {
		return err
	}
	defer rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE wallets SET
			balance             = balance - $2 - $3,
			escrow_balance      = escrow_balance + $2,
			last_transaction_at = NOW(),
			updated_at          = NOW()
		WHERE user_id = $1 AND balance >= $2 + $3
	`, userID, amount, fee)
	if err != nil {
		return fmt.Errorf("failed to reserve escrow funds: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrInsufficientFunds
	}

	if err := insertRecord(ctx, tx, rec); err != nil {
		return err
	}
	return commit()
}

func (p *PostgresStore) EscrowRelease(ctx context.Context, buyerID, sellerID string, amount int64, rec *TransactionRecord) error {
	tx, commit, rollback, err := p.begin(ctx)
	if err != nil {
		return err
	}
	defer rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE wallets SET
			escrow_balance      = escrow_balance - $2,
			total_spent         = total_spent + $2,
			last_transaction_at = NOW(),
			updated_at          = NOW()
		WHERE user_id = $1 AND escrow_balance >= $2
	`, buyerID, amount)
	if err != nil {
		return fmt.Errorf("failed to debit buyer escrow: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrInsufficientFunds
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallets (user_id, balance, total_earned, last_transaction_at, created_at, updated_at)
		VALUES ($1, $2, $2, NOW(), NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			balance             = wallets.balance + $2,
			total_earned        = wallets.total_earned + $2,
			last_transaction_at = NOW(),
			updated_at          = NOW()
	`, sellerID, amount)
	if err != nil {
		return fmt.Errorf("failed to credit seller: %w", err)
	}

	if err := insertRecord(ctx, tx, rec); err != nil {
		return err
	}
	return commit()
}

func (p *PostgresStore) EscrowRefund(ctx context.Context, userID string, amount, refundedFee int64, rec *TransactionRecord) error {
	tx, commit, rollback, err := p.begin(ctx)
	if err != nil {
		return err
	}
	defer rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE wallets SET
			escrow_balance      = escrow_balance - $2,
			balance             = balance + $2 + $3,
			last_transaction_at = NOW(),
			updated_at          = NOW()
		WHERE user_id = $1 AND escrow_balance >= $2
	`, userID, amount, refundedFee)
	if err != nil {
		return fmt.Errorf("failed to refund escrow: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrInsufficientFunds
	}

	if err := insertRecord(ctx, tx, rec); err != nil {
		return err
	}
	return commit()
}

func (p *PostgresStore) Transfer(ctx context.Context, fromID, toID string, amount int64, rec *TransactionRecord) error {
	tx, commit, rollback, err := p.begin(ctx)
	if err != nil {
		return err
	}
	defer rollback()

	// Both wallets must already exist for a transfer.
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM wallets WHERE user_id = $1)`, toID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrUserNotFound
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE wallets SET
			balance             = balance - $2,
			total_spent         = total_spent + $2,
			last_transaction_at = NOW(),
			updated_at          = NOW()
		WHERE user_id = $1 AND balance >= $2
	`, fromID, amount)
	if err != nil {
		return fmt.Errorf("failed to debit sender: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return p.debitFailure(ctx, fromID)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE wallets SET
			balance             = balance + $2,
			total_earned        = total_earned + $2,
			last_transaction_at = NOW(),
			updated_at          = NOW()
		WHERE user_id = $1
	`, toID, amount)
	if err != nil {
		return fmt.Errorf("failed to credit recipient: %w", err)
	}

	if err := insertRecord(ctx, tx, rec); err != nil {
		return err
	}
	return commit()
}

func (p *PostgresStore) Append(ctx context.Context, rec *TransactionRecord) error {
	return insertRecord(ctx, p.q(), rec)
}

func (p *PostgresStore) SetRecordStatus(ctx context.Context, recordID string, status TxStatus) error {
	// Only pending records may progress; terminal records are immutable.
	result, err := p.q().ExecContext(ctx, `
		UPDATE transactions SET status = $2
		WHERE id = $1 AND status = 'pending'
	`, recordID, status)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		var exists bool
		if err := p.q().QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM transactions WHERE id = $1)`, recordID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrRecordNotFound
		}
	}
	return nil
}

func (p *PostgresStore) GetRecordByPayment(ctx context.Context, paymentRef string) (*TransactionRecord, error) {
	row := p.q().QueryRowContext(ctx, `
		SELECT id, type, amount, status, sender_id, receiver_id, description, processing_fee,
		       offer_id, escrow_id, payment_ref, created_at
		FROM transactions
		WHERE payment_ref = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, paymentRef)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	return rec, err
}

func (p *PostgresStore) ListTransactions(ctx context.Context, userID string, limit int) ([]*TransactionRecord, error) {
	rows, err := p.q().QueryContext(ctx, `
		SELECT id, type, amount, status, sender_id, receiver_id, description, processing_fee,
		       offer_id, escrow_id, payment_ref, created_at
		FROM transactions
		WHERE sender_id = $1 OR receiver_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*TransactionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// debitFailure distinguishes a missing wallet from an insufficient balance
// after a conditional debit matched no rows.
func (p *PostgresStore) debitFailure(ctx context.Context, userID string) error {
	var exists bool
	if err := p.q().QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM wallets WHERE user_id = $1)`, userID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrUserNotFound
	}
	return ErrInsufficientFunds
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*TransactionRecord, error) {
	rec := &TransactionRecord{}
	var sender, receiver, description, offerID, escrowID, paymentRef sql.NullString
	err := row.Scan(&rec.ID, &rec.Type, &rec.Amount, &rec.Status, &sender, &receiver,
		&description, &rec.ProcessingFee, &offerID, &escrowID, &paymentRef, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	rec.SenderID = sender.String
	rec.ReceiverID = receiver.String
	rec.Description = description.String
	rec.OfferID = offerID.String
	rec.EscrowID = escrowID.String
	rec.PaymentRef = paymentRef.String
	return rec, nil
}

func insertRecord(ctx context.Context, tx dbtx, rec *TransactionRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (id, type, amount, status, sender_id, receiver_id, description,
			processing_fee, offer_id, escrow_id, payment_ref, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''),
			$8, NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''), $12)
	`, rec.ID, rec.Type, rec.Amount, rec.Status, rec.SenderID, rec.ReceiverID, rec.Description,
		rec.ProcessingFee, rec.OfferID, rec.EscrowID, rec.PaymentRef, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}
	return nil
}
