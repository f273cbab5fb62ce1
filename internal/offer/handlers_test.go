package offer

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/tradeloop/tradeloop/internal/identity"
	"github.com/tradeloop/tradeloop/internal/listing"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *fixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := setup(t)
	handler := NewHandler(f.offers, testLogger())

	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(identity.Middleware())
	protected := v1.Group("")
	protected.Use(identity.RequireUser())
	handler.RegisterRoutes(protected)

	return r, f
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

func TestHandler_CreateAndGet(t *testing.T) {
	router, f := setupTestRouter(t)
	l := f.listing(t, "seller", 50000, listing.CreateParams{AcceptsCash: true})

	w := doRequest(router, "POST", "/v1/offers", "buyer", CreateRequest{
		ListingID: l.ID, OfferType: TypeCash, CashAmount: 45000})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var createResp struct {
		Offer Offer `json:"offer"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &createResp)
	if createResp.Offer.Status != StatusPending {
		t.Errorf("status = %s, want pending", createResp.Offer.Status)
	}

	// Both parties can read the offer, strangers cannot.
	for _, who := range []string{"buyer", "seller"} {
		if w := doRequest(router, "GET", "/v1/offers/"+createResp.Offer.ID, who, nil); w.Code != http.StatusOK {
			t.Errorf("%s get: expected 200, got %d", who, w.Code)
		}
	}
	if w := doRequest(router, "GET", "/v1/offers/"+createResp.Offer.ID, "stranger", nil); w.Code != http.StatusForbidden {
		t.Errorf("stranger get: expected 403, got %d", w.Code)
	}
}

func TestHandler_CreateValidation(t *testing.T) {
	router, f := setupTestRouter(t)
	l := f.listing(t, "seller", 50000, listing.CreateParams{AcceptsCash: true})

	// A cash offer without a cashAmount must be rejected outright.
	w := doRequest(router, "POST", "/v1/offers", "buyer", CreateRequest{
		ListingID: l.ID, OfferType: TypeCash})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}

	if w := doRequest(router, "POST", "/v1/offers", "", CreateRequest{
		ListingID: l.ID, OfferType: TypeCash, CashAmount: 100}); w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated: expected 401, got %d", w.Code)
	}
}

func TestHandler_DuplicatePendingConflicts(t *testing.T) {
	router, f := setupTestRouter(t)
	l := f.listing(t, "seller", 50000, listing.CreateParams{AcceptsCash: true})

	req := CreateRequest{ListingID: l.ID, OfferType: TypeCash, CashAmount: 45000}
	if w := doRequest(router, "POST", "/v1/offers", "buyer", req); w.Code != http.StatusCreated {
		t.Fatalf("first offer: expected 201, got %d", w.Code)
	}
	if w := doRequest(router, "POST", "/v1/offers", "buyer", req); w.Code != http.StatusConflict {
		t.Fatalf("duplicate offer: expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_AcceptFlow(t *testing.T) {
	router, f := setupTestRouter(t)
	l := f.listing(t, "seller", 50000, listing.CreateParams{AcceptsCash: true})
	f.fund(t, "buyer", 100000)

	w := doRequest(router, "POST", "/v1/offers", "buyer", CreateRequest{
		ListingID: l.ID, OfferType: TypeCash, CashAmount: 80000})
	var createResp struct {
		Offer Offer `json:"offer"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &createResp)
	id := createResp.Offer.ID

	if w := doRequest(router, "POST", "/v1/offers/"+id+"/accept", "buyer", nil); w.Code != http.StatusForbidden {
		t.Errorf("sender accept: expected 403, got %d", w.Code)
	}

	w = doRequest(router, "POST", "/v1/offers/"+id+"/accept", "seller", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("accept: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var acceptResp struct {
		Offer  Offer           `json:"offer"`
		Escrow json.RawMessage `json:"escrow"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &acceptResp)
	if acceptResp.Offer.Status != StatusAccepted {
		t.Errorf("status = %s, want accepted", acceptResp.Offer.Status)
	}
	if len(acceptResp.Escrow) == 0 || string(acceptResp.Escrow) == "null" {
		t.Error("expected escrow in accept response")
	}

	// Second accept loses the state race.
	if w := doRequest(router, "POST", "/v1/offers/"+id+"/accept", "seller", nil); w.Code != http.StatusConflict {
		t.Errorf("double accept: expected 409, got %d", w.Code)
	}
}

func TestHandler_AcceptWithoutFundsIs402(t *testing.T) {
	router, f := setupTestRouter(t)
	l := f.listing(t, "seller", 50000, listing.CreateParams{AcceptsCash: true})

	w := doRequest(router, "POST", "/v1/offers", "buyer", CreateRequest{
		ListingID: l.ID, OfferType: TypeCash, CashAmount: 80000})
	var createResp struct {
		Offer Offer `json:"offer"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &createResp)

	w = doRequest(router, "POST", "/v1/offers/"+createResp.Offer.ID+"/accept", "seller", nil)
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", w.Code, w.Body.String())
	}

	// The response still carries the durably accepted offer.
	var resp struct {
		Offer Offer `json:"offer"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Offer.Status != StatusAccepted {
		t.Errorf("offer status = %s, want accepted", resp.Offer.Status)
	}
}

func TestHandler_CounterFlow(t *testing.T) {
	router, f := setupTestRouter(t)
	l := f.listing(t, "seller", 50000, listing.CreateParams{AcceptsCash: true})

	w := doRequest(router, "POST", "/v1/offers", "buyer", CreateRequest{
		ListingID: l.ID, OfferType: TypeCash, CashAmount: 40000})
	var createResp struct {
		Offer Offer `json:"offer"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &createResp)

	w = doRequest(router, "POST", "/v1/offers/"+createResp.Offer.ID+"/counter", "seller", CounterRequest{
		OfferType: TypeCash, CashAmount: 48000})
	if w.Code != http.StatusCreated {
		t.Fatalf("counter: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var counterResp struct {
		Offer Offer `json:"offer"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &counterResp)
	if counterResp.Offer.SenderID != "seller" || counterResp.Offer.ReceiverID != "buyer" {
		t.Errorf("counter parties = %s→%s, want seller→buyer",
			counterResp.Offer.SenderID, counterResp.Offer.ReceiverID)
	}

	// The original flipped to countered; acting on it now conflicts.
	if w := doRequest(router, "POST", "/v1/offers/"+createResp.Offer.ID+"/withdraw", "buyer", nil); w.Code != http.StatusConflict {
		t.Errorf("withdraw countered: expected 409, got %d", w.Code)
	}
}

func TestHandler_ListOffers(t *testing.T) {
	router, f := setupTestRouter(t)
	l := f.listing(t, "seller", 50000, listing.CreateParams{AcceptsCash: true})

	for i, buyer := range []string{"buyer1", "buyer2", "buyer3"} {
		if w := doRequest(router, "POST", "/v1/offers", buyer, CreateRequest{
			ListingID: l.ID, OfferType: TypeCash, CashAmount: int64(10000 * (i + 1))}); w.Code != http.StatusCreated {
			t.Fatalf("offer %d: expected 201, got %d", i, w.Code)
		}
	}

	w := doRequest(router, "GET", "/v1/listings/"+l.ID+"/offers", "seller", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var listResp struct {
		Offers []Offer `json:"offers"`
		Count  int     `json:"count"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &listResp)
	if listResp.Count != 3 {
		t.Errorf("count = %d, want 3", listResp.Count)
	}

	w = doRequest(router, "GET", "/v1/offers?limit=2", "buyer1", nil)
	var myResp struct {
		Offers []Offer `json:"offers"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &myResp)
	if len(myResp.Offers) != 1 {
		t.Errorf("buyer1 offers = %d, want 1", len(myResp.Offers))
	}
}

func TestHandler_NotFound(t *testing.T) {
	router, _ := setupTestRouter(t)
	if w := doRequest(router, "GET", "/v1/offers/off_missing", "buyer", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}
