package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestWants(t *testing.T) {
	tests := []struct {
		name  string
		kinds []string
		kind  string
		want  bool
	}{
		{"empty subscribes to everything", nil, "offer.accepted", true},
		{"exact match", []string{"escrow.released"}, "escrow.released", true},
		{"prefix match on subsystem", []string{"escrow"}, "escrow.released", true},
		{"no partial word match", []string{"esc"}, "escrow.released", false},
		{"other kind excluded", []string{"offer"}, "escrow.released", false},
		{"multiple kinds", []string{"offer", "payment.succeeded"}, "offer.countered", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &Subscription{Kinds: tt.kinds}
			if got := sub.Wants(tt.kind); got != tt.want {
				t.Errorf("Wants(%q) with kinds %v = %v, want %v", tt.kind, tt.kinds, got, tt.want)
			}
		})
	}
}

type delivery struct {
	body      []byte
	kind      string
	signature string
}

// captureServer records deliveries and signals on a channel.
func captureServer(t *testing.T, status int) (*httptest.Server, chan delivery) {
	t.Helper()
	ch := make(chan delivery, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ch <- delivery{
			body:      body,
			kind:      r.Header.Get("X-Tradeloop-Event"),
			signature: r.Header.Get("X-Tradeloop-Signature"),
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, ch
}

func waitDelivery(t *testing.T, ch chan delivery) delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for webhook delivery")
		return delivery{}
	}
}

func TestDispatcher_DeliversSignedEvent(t *testing.T) {
	srv, ch := captureServer(t, http.StatusOK)

	store := NewMemoryStore()
	sub := &Subscription{
		ID:        "sub_1",
		UserID:    "user-1",
		URL:       srv.URL,
		Secret:    "whsec_abc",
		Active:    true,
		CreatedAt: time.Now(),
	}
	if err := store.Create(context.Background(), sub); err != nil {
		t.Fatalf("Create: %v", err)
	}

	d := NewDispatcher(store)
	event := &Event{
		ID:        "evt_1",
		Kind:      "escrow.released",
		UserID:    "user-1",
		Timestamp: time.Now(),
		Data:      map[string]string{"escrowId": "esc_1"},
	}
	if err := d.DispatchToUser(context.Background(), "user-1", event); err != nil {
		t.Fatalf("DispatchToUser: %v", err)
	}

	got := waitDelivery(t, ch)
	if got.kind != "escrow.released" {
		t.Errorf("event header = %q, want escrow.released", got.kind)
	}

	mac := hmac.New(sha256.New, []byte("whsec_abc"))
	mac.Write(got.body)
	want := hex.EncodeToString(mac.Sum(nil))
	if got.signature != want {
		t.Errorf("signature = %q, want %q", got.signature, want)
	}

	var decoded Event
	if err := json.Unmarshal(got.body, &decoded); err != nil {
		t.Fatalf("unmarshal delivery: %v", err)
	}
	if decoded.ID != "evt_1" || decoded.UserID != "user-1" {
		t.Errorf("delivered event = %+v", decoded)
	}

	// Success should be recorded on the subscription.
	waitFor(t, func() bool {
		updated, _ := store.Get(context.Background(), "sub_1")
		return updated.LastSuccess != nil && updated.LastError == ""
	})
}

func TestDispatcher_SkipsInactiveAndMismatched(t *testing.T) {
	srv, ch := captureServer(t, http.StatusOK)

	store := NewMemoryStore()
	store.Create(context.Background(), &Subscription{
		ID: "sub_inactive", UserID: "user-1", URL: srv.URL, Secret: "s", Active: false,
	})
	store.Create(context.Background(), &Subscription{
		ID: "sub_offers", UserID: "user-1", URL: srv.URL, Secret: "s", Active: true,
		Kinds: []string{"offer"},
	})

	d := NewDispatcher(store)
	event := &Event{ID: "evt_2", Kind: "escrow.released", UserID: "user-1", Timestamp: time.Now()}
	if err := d.DispatchToUser(context.Background(), "user-1", event); err != nil {
		t.Fatalf("DispatchToUser: %v", err)
	}

	select {
	case got := <-ch:
		t.Fatalf("unexpected delivery: %+v", got)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDispatcher_RecordsEndpointFailure(t *testing.T) {
	srv, ch := captureServer(t, http.StatusInternalServerError)

	store := NewMemoryStore()
	store.Create(context.Background(), &Subscription{
		ID: "sub_1", UserID: "user-1", URL: srv.URL, Secret: "s", Active: true,
	})

	d := NewDispatcher(store)
	d.maxAttempts = 2
	d.baseDelay = 10 * time.Millisecond
	event := &Event{ID: "evt_3", Kind: "payment.succeeded", UserID: "user-1", Timestamp: time.Now()}
	if err := d.DispatchToUser(context.Background(), "user-1", event); err != nil {
		t.Fatalf("DispatchToUser: %v", err)
	}

	// A 5xx is retried before the failure is recorded.
	waitDelivery(t, ch)
	waitDelivery(t, ch)

	waitFor(t, func() bool {
		sub, _ := store.Get(context.Background(), "sub_1")
		return sub.LastError == "status 500"
	})
}

func TestNotifier_FanOut(t *testing.T) {
	srv, ch := captureServer(t, http.StatusOK)

	store := NewMemoryStore()
	store.Create(context.Background(), &Subscription{
		ID: "sub_1", UserID: "user-1", URL: srv.URL, Secret: "s", Active: true,
	})

	n := NewNotifier(NewDispatcher(store), nil, nil)
	n.Notify(context.Background(), "user-1", "offer.received", map[string]string{"offerId": "off_1"})

	got := waitDelivery(t, ch)
	if got.kind != "offer.received" {
		t.Errorf("event header = %q, want offer.received", got.kind)
	}
}

func TestNotifier_NilSinksAreSafe(t *testing.T) {
	n := NewNotifier(nil, nil, nil)
	// Must not panic.
	n.Notify(context.Background(), "user-1", "offer.received", nil)
}

func TestGenerateSecretIsUnique(t *testing.T) {
	seen := make(map[string]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := generateSecret()
			mu.Lock()
			defer mu.Unlock()
			if seen[s] {
				t.Errorf("duplicate secret %q", s)
			}
			seen[s] = true
		}()
	}
	wg.Wait()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}
