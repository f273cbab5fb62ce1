package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tradeloop/tradeloop/internal/config"
	"github.com/tradeloop/tradeloop/internal/payment"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubProvider satisfies payment.Provider without calling Stripe.
type stubProvider struct{}

func (p *stubProvider) InitializeCharge(ctx context.Context, userID string, amount int64, reference string, metadata map[string]string) (*payment.ChargeHandle, error) {
	return &payment.ChargeHandle{ProviderRef: "pi_" + reference, ClientSecret: "cs_test"}, nil
}

func (p *stubProvider) CreateRecipient(ctx context.Context, dest payment.Destination) (string, error) {
	return "acct_test", nil
}

func (p *stubProvider) InitiateTransfer(ctx context.Context, recipientHandle string, amount int64, reason string) (string, error) {
	return "tr_" + recipientHandle, nil
}

const testWebhookSecret = "whsec_server_test"

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                 "0",
		Env:                  "development",
		LogLevel:             "error",
		EscrowFeeBPS:         250,
		WithdrawFeeBPS:       100,
		EscrowWindow:         7 * 24 * time.Hour,
		OfferTTL:             7 * 24 * time.Hour,
		MaxCounterOffers:     5,
		MaxOfferAmount:       100_000_000,
		SweepInterval:        time.Minute,
		DisputeWindowDays:    5,
		ProviderCurrency:     "usd",
		PaymentWebhookSecret: testWebhookSecret,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := New(testConfig(), WithPaymentProvider(&stubProvider{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv
}

func do(srv *Server, method, path, userID string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

// fund credits a user's wallet by running a deposit through the full
// provider round-trip: initiate, then deliver the signed webhook.
func fund(t *testing.T, srv *Server, userID string, amount int64) {
	t.Helper()

	w := do(srv, "POST", "/v1/payments/deposits", userID, gin.H{"amount": amount})
	if w.Code != http.StatusCreated {
		t.Fatalf("deposit: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Payment payment.PaymentIntent `json:"payment"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal deposit: %v", err)
	}

	payload, _ := json.Marshal(payment.Event{
		Event: "charge.success",
		Data:  payment.EventData{Reference: resp.Payment.Reference, Amount: amount},
	})
	req := httptest.NewRequest("POST", "/webhooks/payments", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(payment.SignatureHeader, payment.Sign(testWebhookSecret, payload))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("webhook: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)

	w := do(srv, "GET", "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("/health: expected 200, got %d", w.Code)
	}
	w = do(srv, "GET", "/health/live", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("/health/live: expected 200, got %d", w.Code)
	}
	// Readiness flips only once Run has started.
	w = do(srv, "GET", "/health/ready", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("/health/ready before Run: expected 503, got %d", w.Code)
	}
	w = do(srv, "GET", "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("/metrics: expected 200, got %d", w.Code)
	}
}

func TestProtectedRoutesRequireUser(t *testing.T) {
	srv := newTestServer(t)

	for _, path := range []string{"/v1/wallet", "/v1/offers", "/v1/escrows", "/v1/payments", "/v1/subscriptions"} {
		if w := do(srv, "GET", path, "", nil); w.Code != http.StatusUnauthorized {
			t.Errorf("GET %s without user: expected 401, got %d", path, w.Code)
		}
	}
}

// TestTradeFlow walks a full trade through the wired stack: deposit via
// webhook, list, offer, accept (escrow funds), release (seller paid).
func TestTradeFlow(t *testing.T) {
	srv := newTestServer(t)

	fund(t, srv, "buyer", 100_000)

	// Seller lists an item.
	w := do(srv, "POST", "/v1/listings", "seller", gin.H{
		"title": "Vintage synth", "price": 80_000, "acceptsCash": true,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create listing: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var listResp struct {
		Listing struct {
			ID string `json:"id"`
		} `json:"listing"`
	}
	json.Unmarshal(w.Body.Bytes(), &listResp)

	// Buyer makes a cash offer.
	w = do(srv, "POST", "/v1/offers", "buyer", gin.H{
		"listingId": listResp.Listing.ID, "offerType": "cash", "cashAmount": int64(80_000),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create offer: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var offerResp struct {
		Offer struct {
			ID string `json:"id"`
		} `json:"offer"`
	}
	json.Unmarshal(w.Body.Bytes(), &offerResp)

	// Seller accepts; escrow is created and funded in the same call.
	w = do(srv, "POST", fmt.Sprintf("/v1/offers/%s/accept", offerResp.Offer.ID), "seller", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("accept: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var acceptResp struct {
		Escrow struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"escrow"`
	}
	json.Unmarshal(w.Body.Bytes(), &acceptResp)
	if acceptResp.Escrow.ID == "" {
		t.Fatalf("accept did not return an escrow: %s", w.Body.String())
	}

	// Amount plus 2.5% fee left the buyer's balance.
	w = do(srv, "GET", "/v1/wallet", "buyer", nil)
	var buyerWallet struct {
		Balance       int64 `json:"balance"`
		EscrowBalance int64 `json:"escrowBalance"`
	}
	json.Unmarshal(w.Body.Bytes(), &buyerWallet)
	if buyerWallet.Balance != 18_000 {
		t.Errorf("buyer balance = %d, want 18000", buyerWallet.Balance)
	}
	if buyerWallet.EscrowBalance != 80_000 {
		t.Errorf("buyer escrow balance = %d, want 80000", buyerWallet.EscrowBalance)
	}

	// Buyer confirms receipt; seller gets paid.
	w = do(srv, "POST", fmt.Sprintf("/v1/escrows/%s/release", acceptResp.Escrow.ID), "buyer", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("release: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = do(srv, "GET", "/v1/wallet", "seller", nil)
	var sellerWallet struct {
		Balance int64 `json:"balance"`
	}
	json.Unmarshal(w.Body.Bytes(), &sellerWallet)
	if sellerWallet.Balance != 80_000 {
		t.Errorf("seller balance = %d, want 80000", sellerWallet.Balance)
	}
}

func TestOperatorRoutes(t *testing.T) {
	cfg := testConfig()
	cfg.AdminSecret = "op-secret"
	srv, err := New(cfg, WithPaymentProvider(&stubProvider{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	w := do(srv, "GET", "/v1/admin/realtime/stats", "", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("no secret: expected 403, got %d", w.Code)
	}

	req := httptest.NewRequest("GET", "/v1/admin/realtime/stats", nil)
	req.Header.Set("X-Admin-Secret", "op-secret")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("with secret: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	srv := newTestServer(t)

	payload := []byte(`{"event":"charge.success","data":{"reference":"DEP-x"}}`)
	req := httptest.NewRequest("POST", "/webhooks/payments", bytes.NewReader(payload))
	req.Header.Set(payment.SignatureHeader, "deadbeef")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}
