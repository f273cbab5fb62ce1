package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/tradeloop/tradeloop/internal/identity"
)

func setupTestRouter() (*gin.Engine, *Service) {
	gin.SetMode(gin.TestMode)

	svc := NewService(NewMemoryStore())
	handler := NewHandler(svc, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(identity.Middleware())
	protected := v1.Group("")
	protected.Use(identity.RequireUser())
	handler.RegisterRoutes(protected)

	return r, svc
}

func doRequest(router *gin.Engine, method, path, userID string, body any) *httptest.ResponseRecorder {
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
	router.ServeHTTP(w, req)
	return w
}

func TestHandler_GetWallet(t *testing.T) {
	router, svc := setupTestRouter()

	_, _ = svc.Credit(context.Background(), "user_a", 2500, TxDeposit, "")

	w := doRequest(router, "GET", "/v1/wallet", "user_a", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp Wallet
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Balance != 2500 {
		t.Errorf("balance = %d, want 2500", resp.Balance)
	}
}

func TestHandler_RequiresAuth(t *testing.T) {
	router, _ := setupTestRouter()

	w := doRequest(router, "GET", "/v1/wallet", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestHandler_Transfer(t *testing.T) {
	router, svc := setupTestRouter()
	ctx := context.Background()

	_, _ = svc.Credit(ctx, "user_a", 5000, TxDeposit, "")
	_, _ = svc.Credit(ctx, "user_b", 1, TxDeposit, "")

	w := doRequest(router, "POST", "/v1/wallet/transfers", "user_a",
		TransferRequest{ToUserID: "user_b", Amount: 1500, Description: "lunch"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	b, _ := svc.Balance(ctx, "user_b")
	if b.Balance != 1501 {
		t.Errorf("recipient balance = %d, want 1501", b.Balance)
	}
}

func TestHandler_TransferErrors(t *testing.T) {
	router, svc := setupTestRouter()
	ctx := context.Background()

	_, _ = svc.Credit(ctx, "user_a", 100, TxDeposit, "")
	_, _ = svc.Credit(ctx, "user_b", 1, TxDeposit, "")

	cases := []struct {
		name string
		req  TransferRequest
		want int
	}{
		{"self transfer", TransferRequest{ToUserID: "user_a", Amount: 50}, http.StatusBadRequest},
		{"bad recipient id", TransferRequest{ToUserID: "user b!", Amount: 50}, http.StatusBadRequest},
		{"missing recipient", TransferRequest{ToUserID: "user_ghost", Amount: 50}, http.StatusNotFound},
		{"insufficient funds", TransferRequest{ToUserID: "user_b", Amount: 5000}, http.StatusPaymentRequired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doRequest(router, "POST", "/v1/wallet/transfers", "user_a", tc.req)
			if w.Code != tc.want {
				t.Errorf("expected %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestHandler_TransactionsLimit(t *testing.T) {
	router, svc := setupTestRouter()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, _ = svc.Credit(ctx, "user_a", 100, TxDeposit, "")
	}

	w := doRequest(router, "GET", "/v1/wallet/transactions?limit=2", "user_a", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp struct {
		Transactions []TransactionRecord `json:"transactions"`
		Count        int                 `json:"count"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Count != 2 {
		t.Errorf("count = %d, want 2", resp.Count)
	}
}
