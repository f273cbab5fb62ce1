package notify

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/tradeloop/tradeloop/internal/identity"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := NewMemoryStore()
	handler := NewHandler(store, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	// Hermetic URL validation: scheme/host shape only, no DNS.
	handler.validateURL = func(raw string) error {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.New("url must be a valid http(s) URL")
		}
		return nil
	}

	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(identity.Middleware())
	protected := v1.Group("")
	protected.Use(identity.RequireUser())
	handler.RegisterRoutes(protected)

	return r, store
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

func TestHandler_CreateReturnsSecretOnce(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doRequest(router, "POST", "/v1/subscriptions", "user-1", gin.H{
		"url":   "https://example.com/hooks",
		"kinds": []string{"escrow"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Subscription Subscription `json:"subscription"`
		Secret       string       `json:"secret"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !strings.HasPrefix(resp.Secret, "whsec_") {
		t.Errorf("secret = %q, want whsec_ prefix", resp.Secret)
	}
	if !resp.Subscription.Active {
		t.Error("new subscription should be active")
	}

	// Subsequent reads never expose the secret.
	w = doRequest(router, "GET", "/v1/subscriptions/"+resp.Subscription.ID, "user-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), resp.Secret) {
		t.Error("secret leaked on read")
	}
}

func TestHandler_CreateValidation(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doRequest(router, "POST", "/v1/subscriptions", "user-1", gin.H{"url": "not a url"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad url: expected 400, got %d", w.Code)
	}

	w = doRequest(router, "POST", "/v1/subscriptions", "user-1", gin.H{"url": "ftp://example.com"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("ftp scheme: expected 400, got %d", w.Code)
	}

	w = doRequest(router, "POST", "/v1/subscriptions", "", gin.H{"url": "https://example.com"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no user: expected 401, got %d", w.Code)
	}
}

func TestHandler_OwnershipAndDelete(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doRequest(router, "POST", "/v1/subscriptions", "user-1", gin.H{"url": "https://example.com/hooks"})
	var resp struct {
		Subscription Subscription `json:"subscription"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	id := resp.Subscription.ID

	if w := doRequest(router, "GET", "/v1/subscriptions/"+id, "user-2", nil); w.Code != http.StatusForbidden {
		t.Errorf("stranger read: expected 403, got %d", w.Code)
	}
	if w := doRequest(router, "DELETE", "/v1/subscriptions/"+id, "user-2", nil); w.Code != http.StatusForbidden {
		t.Errorf("stranger delete: expected 403, got %d", w.Code)
	}
	if w := doRequest(router, "DELETE", "/v1/subscriptions/"+id, "user-1", nil); w.Code != http.StatusOK {
		t.Errorf("owner delete: expected 200, got %d", w.Code)
	}
	if w := doRequest(router, "GET", "/v1/subscriptions/"+id, "user-1", nil); w.Code != http.StatusNotFound {
		t.Errorf("after delete: expected 404, got %d", w.Code)
	}
}

func TestHandler_ListMine(t *testing.T) {
	router, _ := setupTestRouter(t)

	doRequest(router, "POST", "/v1/subscriptions", "user-1", gin.H{"url": "https://a.example.com"})
	doRequest(router, "POST", "/v1/subscriptions", "user-1", gin.H{"url": "https://b.example.com"})
	doRequest(router, "POST", "/v1/subscriptions", "user-2", gin.H{"url": "https://c.example.com"})

	w := doRequest(router, "GET", "/v1/subscriptions", "user-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Count int `json:"count"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Count != 2 {
		t.Errorf("count = %d, want 2", resp.Count)
	}
}
