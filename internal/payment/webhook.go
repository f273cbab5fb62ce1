package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tradeloop/tradeloop/internal/idgen"
	"github.com/tradeloop/tradeloop/internal/metrics"
	"github.com/tradeloop/tradeloop/internal/wallet"
)

// Outcome classifies how an inbound webhook was handled.
type Outcome string

const (
	OutcomeProcessed        Outcome = "processed"
	OutcomeAlreadyProcessed Outcome = "already_processed"
	OutcomeIgnored          Outcome = "ignored"
	OutcomeRejected         Outcome = "rejected"
)

// Event names the provider sends that this system reconciles.
const (
	EventChargeSuccess    = "charge.success"
	EventChargeFailed     = "charge.failed"
	EventTransferSuccess  = "transfer.success"
	EventTransferFailed   = "transfer.failed"
	EventTransferReversed = "transfer.reversed"
)

// Event is the provider's webhook payload.
type Event struct {
	Event string    `json:"event"`
	Data  EventData `json:"data"`
}

// EventData carries the reconciliation-relevant fields.
type EventData struct {
	Reference         string `json:"reference"`
	Amount            int64  `json:"amount,omitempty"`
	AuthorizationCode string `json:"authorizationCode,omitempty"`
}

// VerifySignature checks an HMAC-SHA256 hex signature over the raw
// payload in constant time.
func VerifySignature(secret string, payload []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Sign computes the HMAC-SHA256 hex signature a provider would attach.
// Used by tests and by the outbound notifier.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// HandleNotification reconciles one provider webhook delivery.
//
// The at-most-once guarantee hangs on Finalize: the conditional intent
// flip and the financial effect share one atomic scope, so of two
// concurrent deliveries exactly one applies money, and a failure (or
// crash) anywhere in the scope leaves the intent pending for the
// provider's retry, never a verified intent whose money never moved.
func (s *Service) HandleNotification(ctx context.Context, payload []byte, signature string) (Outcome, error) {
	if !VerifySignature(s.cfg.WebhookSecret, payload, signature) {
		metrics.PaymentWebhooksTotal.WithLabelValues(string(OutcomeRejected)).Inc()
		return OutcomeRejected, ErrInvalidSignature
	}

	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		s.logger.Warn("unparsable payment webhook", "error", err)
		metrics.PaymentWebhooksTotal.WithLabelValues(string(OutcomeIgnored)).Inc()
		return OutcomeIgnored, nil
	}

	switch ev.Event {
	case EventChargeSuccess, EventChargeFailed,
		EventTransferSuccess, EventTransferFailed, EventTransferReversed:
	default:
		metrics.PaymentWebhooksTotal.WithLabelValues(string(OutcomeIgnored)).Inc()
		return OutcomeIgnored, nil
	}

	p, err := s.store.GetByReference(ctx, ev.Data.Reference)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Not ours; ack so the provider stops retrying.
			s.logger.Info("payment webhook for unknown reference",
				"reference", ev.Data.Reference, "event", ev.Event)
			metrics.PaymentWebhooksTotal.WithLabelValues(string(OutcomeIgnored)).Inc()
			return OutcomeIgnored, nil
		}
		return OutcomeRejected, err
	}

	if p.WebhookVerified && p.Status != StatusPending {
		metrics.PaymentWebhooksTotal.WithLabelValues(string(OutcomeAlreadyProcessed)).Inc()
		return OutcomeAlreadyProcessed, nil
	}

	target := StatusFailed
	if ev.Event == EventChargeSuccess || ev.Event == EventTransferSuccess {
		target = StatusSuccess
	}

	p.Status = target
	p.WebhookVerified = true
	if ev.Data.AuthorizationCode != "" {
		p.AuthorizationCode = ev.Data.AuthorizationCode
	}
	p.UpdatedAt = time.Now()
	err = s.store.Finalize(ctx, p, func(fctx context.Context, funds FundsService) error {
		return applyEffect(fctx, funds, p, ev.Event)
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyProcessed) {
			metrics.PaymentWebhooksTotal.WithLabelValues(string(OutcomeAlreadyProcessed)).Inc()
			return OutcomeAlreadyProcessed, nil
		}
		// The scope rolled back whole: the intent is still pending and
		// the provider's retry reconciles again.
		metrics.PaymentWebhooksTotal.WithLabelValues(string(OutcomeRejected)).Inc()
		return OutcomeRejected, err
	}

	s.logger.Info("payment webhook reconciled",
		"intentId", p.ID, "reference", p.Reference, "event", ev.Event, "status", p.Status)
	metrics.PaymentWebhooksTotal.WithLabelValues(string(OutcomeProcessed)).Inc()
	return OutcomeProcessed, nil
}

// applyEffect applies the webhook's financial effect to the ledger.
// It runs inside the Finalize scope; funds is the transaction-bound
// ledger view the store hands in.
func applyEffect(ctx context.Context, funds FundsService, p *PaymentIntent, event string) error {
	switch event {
	case EventChargeSuccess:
		rec := &wallet.TransactionRecord{
			ID:          idgen.WithPrefix("txn_"),
			Type:        wallet.TxDeposit,
			Amount:      p.Amount,
			Status:      wallet.TxCompleted,
			ReceiverID:  p.UserID,
			Description: "Wallet top-up",
			PaymentRef:  p.Reference,
			CreatedAt:   time.Now(),
		}
		return funds.Credit(ctx, p.UserID, p.Amount, rec)

	case EventTransferSuccess:
		rec, err := funds.GetRecordByPayment(ctx, p.Reference)
		if err != nil {
			return fmt.Errorf("held withdrawal record missing for %s: %w", p.Reference, err)
		}
		return funds.SetRecordStatus(ctx, rec.ID, wallet.TxCompleted)

	case EventTransferFailed, EventTransferReversed:
		// Return the held debit, fee included.
		if rec, err := funds.GetRecordByPayment(ctx, p.Reference); err == nil {
			if serr := funds.SetRecordStatus(ctx, rec.ID, wallet.TxFailed); serr != nil {
				return serr
			}
		}
		refund := &wallet.TransactionRecord{
			ID:          idgen.WithPrefix("txn_"),
			Type:        wallet.TxDeposit,
			Amount:      p.Amount + p.Fee,
			Status:      wallet.TxCompleted,
			ReceiverID:  p.UserID,
			Description: "Withdrawal reversal: " + event,
			PaymentRef:  p.Reference,
			CreatedAt:   time.Now(),
		}
		return funds.Credit(ctx, p.UserID, p.Amount+p.Fee, refund)

	case EventChargeFailed:
		// Audit record only, no balance mutation.
		rec := &wallet.TransactionRecord{
			ID:          idgen.WithPrefix("txn_"),
			Type:        wallet.TxFailedPayment,
			Amount:      p.Amount,
			Status:      wallet.TxFailed,
			ReceiverID:  p.UserID,
			Description: "Top-up charge failed",
			PaymentRef:  p.Reference,
			CreatedAt:   time.Now(),
		}
		return funds.Append(ctx, rec)
	}
	return nil
}
