package listing

import (
	"context"
	"errors"
	"testing"
)

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore())

	l, err := svc.Create(ctx, "owner_a", CreateParams{Title: "Vintage bike", Price: 15000, AcceptsCash: true})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !l.IsActive || l.Status != StatusAvailable {
		t.Errorf("new listing not active/available: %+v", l)
	}

	got, err := svc.Get(ctx, l.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != "Vintage bike" || got.OwnerID != "owner_a" {
		t.Errorf("unexpected listing: %+v", got)
	}
}

func TestCreate_FlagNormalization(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore())

	// Swap-only implies accepts-swap and excludes cash.
	l, _ := svc.Create(ctx, "owner_a", CreateParams{Title: "x", IsSwapOnly: true, AcceptsCash: true})
	if l.AcceptsCash || !l.AcceptsSwap {
		t.Errorf("swap-only flags wrong: %+v", l)
	}

	// No flags at all defaults to cash.
	l2, _ := svc.Create(ctx, "owner_a", CreateParams{Title: "y"})
	if !l2.AcceptsCash {
		t.Errorf("expected default acceptsCash, got %+v", l2)
	}
}

func TestRemove_OwnerOnly(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore())

	l, _ := svc.Create(ctx, "owner_a", CreateParams{Title: "x", AcceptsCash: true})

	if err := svc.Remove(ctx, l.ID, "owner_b"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := svc.Remove(ctx, l.ID, "owner_a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	got, _ := svc.Get(ctx, l.ID)
	if got.IsActive || got.Status != StatusRemoved {
		t.Errorf("listing not removed: %+v", got)
	}
}

func TestMarkTraded(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore())

	l, _ := svc.Create(ctx, "owner_a", CreateParams{Title: "x", AcceptsCash: true})
	if err := svc.MarkTraded(ctx, l.ID); err != nil {
		t.Fatalf("MarkTraded: %v", err)
	}

	got, _ := svc.Get(ctx, l.ID)
	if got.Status != StatusTraded || got.IsActive {
		t.Errorf("expected traded/inactive, got %+v", got)
	}
}

func TestGet_NotFound(t *testing.T) {
	svc := NewService(NewMemoryStore())
	if _, err := svc.Get(context.Background(), "lst_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListByOwner_NewestFirst(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore())

	first, _ := svc.Create(ctx, "owner_a", CreateParams{Title: "first", AcceptsCash: true})
	second, _ := svc.Create(ctx, "owner_a", CreateParams{Title: "second", AcceptsCash: true})
	_, _ = svc.Create(ctx, "owner_b", CreateParams{Title: "other", AcceptsCash: true})

	result, err := svc.ListByOwner(ctx, "owner_a", 10)
	if err != nil {
		t.Fatalf("ListByOwner: %v", err)
	}
	if len(result) != 2 {
		t.Fatalf("expected 2 listings, got %d", len(result))
	}
	if result[0].ID != second.ID || result[1].ID != first.ID {
		t.Errorf("not newest first: %s, %s", result[0].Title, result[1].Title)
	}
}
