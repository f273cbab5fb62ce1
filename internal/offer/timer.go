package offer

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically expires pending offers past their deadline. One
// offer failing never aborts the sweep for the rest.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new offer expiry timer.
func NewTimer(service *Service, store Store, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Timer{
		service:  service,
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the expiry loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeExpire(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeExpire(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in offer timer", "panic", fmt.Sprint(r))
		}
	}()
	t.ExpireDue(ctx)
}

// ExpireDue runs one sweep pass. Exported so tests and operational
// tooling can trigger a pass without the ticker.
func (t *Timer) ExpireDue(ctx context.Context) {
	due, err := t.store.ListExpired(ctx, time.Now(), 100)
	if err != nil {
		t.logger.Warn("failed to list expired offers", "error", err)
		return
	}

	for _, o := range due {
		if _, err := t.service.Expire(ctx, o.ID); err != nil {
			t.logger.Warn("failed to expire offer",
				"offerId", o.ID,
				"error", err,
			)
			continue
		}
		t.logger.Info("expired offer",
			"offerId", o.ID,
			"sender", o.SenderID,
			"listingId", o.ListingID,
		)
	}
}
