package payment

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/tradeloop/tradeloop/internal/identity"
	"github.com/tradeloop/tradeloop/internal/wallet"
)

func signedEvent(t *testing.T, event, reference string, authCode string) ([]byte, string) {
	t.Helper()
	payload, err := json.Marshal(Event{
		Event: event,
		Data:  EventData{Reference: reference, AuthorizationCode: authCode},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return payload, Sign(testSecret, payload)
}

func TestWebhook_InvalidSignature(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := setupService(t)

	payload, _ := signedEvent(t, EventChargeSuccess, "DEP-x", "")
	outcome, err := svc.HandleNotification(ctx, payload, "deadbeef")
	if !errors.Is(err, ErrInvalidSignature) || outcome != OutcomeRejected {
		t.Fatalf("outcome=%s err=%v, want rejected/ErrInvalidSignature", outcome, err)
	}

	// Tampered payload fails even with a once-valid signature.
	payload2, sig := signedEvent(t, EventChargeSuccess, "DEP-x", "")
	tampered := append([]byte{}, payload2...)
	tampered[len(tampered)-2] ^= 0xff
	if outcome, err := svc.HandleNotification(ctx, tampered, sig); !errors.Is(err, ErrInvalidSignature) || outcome != OutcomeRejected {
		t.Fatalf("tampered outcome=%s err=%v, want rejected", outcome, err)
	}
}

func TestWebhook_UnknownEventAndReferenceAreNoOps(t *testing.T) {
	ctx := context.Background()
	svc, funds, _ := setupService(t)

	payload, sig := signedEvent(t, "subscription.created", "DEP-x", "")
	if outcome, err := svc.HandleNotification(ctx, payload, sig); err != nil || outcome != OutcomeIgnored {
		t.Fatalf("unsupported event: outcome=%s err=%v, want ignored", outcome, err)
	}

	payload, sig = signedEvent(t, EventChargeSuccess, "DEP-not-ours", "")
	if outcome, err := svc.HandleNotification(ctx, payload, sig); err != nil || outcome != OutcomeIgnored {
		t.Fatalf("unknown reference: outcome=%s err=%v, want ignored", outcome, err)
	}

	w, _ := funds.GetWallet(ctx, "alice")
	if w.Balance != 0 {
		t.Errorf("balance = %d after no-op webhooks, want 0", w.Balance)
	}
}

func TestWebhook_ChargeSuccessCreditsOnce(t *testing.T) {
	ctx := context.Background()
	svc, funds, _ := setupService(t)

	p, _, err := svc.InitiateDeposit(ctx, identity.User("alice"), DepositRequest{Amount: 5000})
	if err != nil {
		t.Fatalf("InitiateDeposit: %v", err)
	}

	payload, sig := signedEvent(t, EventChargeSuccess, p.Reference, "AUTH_1")
	outcome, err := svc.HandleNotification(ctx, payload, sig)
	if err != nil || outcome != OutcomeProcessed {
		t.Fatalf("outcome=%s err=%v, want processed", outcome, err)
	}

	w, _ := funds.GetWallet(ctx, "alice")
	if w.Balance != 5000 {
		t.Errorf("balance = %d, want 5000", w.Balance)
	}
	got, _ := svc.Get(ctx, p.ID)
	if got.Status != StatusSuccess || !got.WebhookVerified || got.AuthorizationCode != "AUTH_1" {
		t.Errorf("intent = %+v, want verified success with AUTH_1", got)
	}

	// Redelivery is acknowledged without a second credit.
	outcome, err = svc.HandleNotification(ctx, payload, sig)
	if err != nil || outcome != OutcomeAlreadyProcessed {
		t.Fatalf("redelivery outcome=%s err=%v, want already_processed", outcome, err)
	}
	w, _ = funds.GetWallet(ctx, "alice")
	if w.Balance != 5000 {
		t.Errorf("balance = %d after redelivery, want 5000", w.Balance)
	}
}

func TestWebhook_ConcurrentDeliveryCreditsOnce(t *testing.T) {
	ctx := context.Background()
	svc, funds, _ := setupService(t)

	p, _, err := svc.InitiateDeposit(ctx, identity.User("alice"), DepositRequest{Amount: 5000})
	if err != nil {
		t.Fatalf("InitiateDeposit: %v", err)
	}
	payload, sig := signedEvent(t, EventChargeSuccess, p.Reference, "")

	const n = 10
	var wg sync.WaitGroup
	outcomes := make([]Outcome, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], _ = svc.HandleNotification(ctx, payload, sig)
		}(i)
	}
	wg.Wait()

	processed := 0
	for _, o := range outcomes {
		if o == OutcomeProcessed {
			processed++
		}
	}
	if processed != 1 {
		t.Fatalf("%d deliveries processed, want exactly 1", processed)
	}
	w, _ := funds.GetWallet(ctx, "alice")
	if w.Balance != 5000 {
		t.Errorf("balance = %d after concurrent delivery, want 5000", w.Balance)
	}
}

func TestWebhook_ChargeFailedRecordsNoBalanceChange(t *testing.T) {
	ctx := context.Background()
	svc, funds, _ := setupService(t)

	p, _, _ := svc.InitiateDeposit(ctx, identity.User("alice"), DepositRequest{Amount: 5000})
	payload, sig := signedEvent(t, EventChargeFailed, p.Reference, "")

	outcome, err := svc.HandleNotification(ctx, payload, sig)
	if err != nil || outcome != OutcomeProcessed {
		t.Fatalf("outcome=%s err=%v, want processed", outcome, err)
	}

	w, _ := funds.GetWallet(ctx, "alice")
	if w.Balance != 0 {
		t.Errorf("balance = %d, want 0", w.Balance)
	}
	got, _ := svc.Get(ctx, p.ID)
	if got.Status != StatusFailed || !got.WebhookVerified {
		t.Errorf("intent = %s verified=%v, want failed/verified", got.Status, got.WebhookVerified)
	}

	recs, _ := funds.ListTransactions(ctx, "alice", 10)
	found := false
	for _, r := range recs {
		if r.Type == wallet.TxFailedPayment && r.PaymentRef == p.Reference {
			found = true
		}
	}
	if !found {
		t.Error("expected a failed_payment audit record")
	}
}

func TestWebhook_TransferSuccessCompletesHeldRecord(t *testing.T) {
	ctx := context.Background()
	svc, funds, _ := setupService(t)
	fund(t, funds, "alice", 100000)

	p, err := svc.InitiateWithdrawal(ctx, identity.User("alice"), WithdrawRequest{
		Amount:      50000,
		Destination: Destination{AccountNumber: "0123456789", BankCode: "058", AccountName: "Alice"},
	})
	if err != nil {
		t.Fatalf("InitiateWithdrawal: %v", err)
	}

	payload, sig := signedEvent(t, EventTransferSuccess, p.Reference, "")
	outcome, err := svc.HandleNotification(ctx, payload, sig)
	if err != nil || outcome != OutcomeProcessed {
		t.Fatalf("outcome=%s err=%v, want processed", outcome, err)
	}

	rec, _ := funds.GetRecordByPayment(ctx, p.Reference)
	if rec.Status != wallet.TxCompleted {
		t.Errorf("record status = %s, want completed", rec.Status)
	}
	// The debit stays debited.
	w, _ := funds.GetWallet(ctx, "alice")
	if w.Balance != 49500 {
		t.Errorf("balance = %d, want 49500", w.Balance)
	}
}

func TestWebhook_TransferFailedRefundsHeldDebit(t *testing.T) {
	for _, event := range []string{EventTransferFailed, EventTransferReversed} {
		t.Run(event, func(t *testing.T) {
			ctx := context.Background()
			svc, funds, _ := setupService(t)
			fund(t, funds, "alice", 100000)

			p, err := svc.InitiateWithdrawal(ctx, identity.User("alice"), WithdrawRequest{
				Amount:      50000,
				Destination: Destination{AccountNumber: "0123456789", BankCode: "058", AccountName: "Alice"},
			})
			if err != nil {
				t.Fatalf("InitiateWithdrawal: %v", err)
			}

			payload, sig := signedEvent(t, event, p.Reference, "")
			outcome, err := svc.HandleNotification(ctx, payload, sig)
			if err != nil || outcome != OutcomeProcessed {
				t.Fatalf("outcome=%s err=%v, want processed", outcome, err)
			}

			// Amount and fee both come back.
			w, _ := funds.GetWallet(ctx, "alice")
			if w.Balance != 100000 {
				t.Errorf("balance = %d, want 100000", w.Balance)
			}
			got, _ := svc.Get(ctx, p.ID)
			if got.Status != StatusFailed || !got.WebhookVerified {
				t.Errorf("intent = %s verified=%v, want failed/verified", got.Status, got.WebhookVerified)
			}
		})
	}
}

// flakyFunds rejects the first n credit attempts.
type flakyFunds struct {
	*wallet.MemoryStore
	failures int
	attempts int
}

func (f *flakyFunds) Credit(ctx context.Context, userID string, amount int64, rec *wallet.TransactionRecord) error {
	f.attempts++
	if f.attempts <= f.failures {
		return errors.New("ledger unavailable")
	}
	return f.MemoryStore.Credit(ctx, userID, amount, rec)
}

func TestWebhook_EffectFailureLeavesIntentReconcilable(t *testing.T) {
	ctx := context.Background()
	funds := &flakyFunds{MemoryStore: wallet.NewMemoryStore(), failures: 1}
	svc := NewService(NewMemoryStore(funds), funds, &stubProvider{},
		Config{WithdrawFeeBPS: 100, WebhookSecret: testSecret}, testLogger())

	p, _, err := svc.InitiateDeposit(ctx, identity.User("alice"), DepositRequest{Amount: 5000})
	if err != nil {
		t.Fatalf("InitiateDeposit: %v", err)
	}
	payload, sig := signedEvent(t, EventChargeSuccess, p.Reference, "")

	// The flip and the credit fail together, so the intent is still
	// pending and nothing is credited.
	outcome, err := svc.HandleNotification(ctx, payload, sig)
	if err == nil || outcome != OutcomeRejected {
		t.Fatalf("outcome=%s err=%v, want rejected with error", outcome, err)
	}
	got, _ := svc.Get(ctx, p.ID)
	if got.Status != StatusPending || got.WebhookVerified {
		t.Fatalf("intent = %s verified=%v, want pending/unverified after effect failure",
			got.Status, got.WebhookVerified)
	}
	if w, _ := funds.GetWallet(ctx, "alice"); w.Balance != 0 {
		t.Fatalf("balance = %d after failed effect, want 0", w.Balance)
	}

	// The provider's redelivery reconciles: credited exactly once.
	outcome, err = svc.HandleNotification(ctx, payload, sig)
	if err != nil || outcome != OutcomeProcessed {
		t.Fatalf("redelivery outcome=%s err=%v, want processed", outcome, err)
	}
	if w, _ := funds.GetWallet(ctx, "alice"); w.Balance != 5000 {
		t.Fatalf("balance = %d after redelivery, want 5000", w.Balance)
	}
	if got, _ := svc.Get(ctx, p.ID); got.Status != StatusSuccess || !got.WebhookVerified {
		t.Fatalf("intent = %s verified=%v, want verified success", got.Status, got.WebhookVerified)
	}
}
