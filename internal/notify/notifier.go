package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/tradeloop/tradeloop/internal/idgen"
	"github.com/tradeloop/tradeloop/internal/metrics"
	"github.com/tradeloop/tradeloop/internal/realtime"
)

// Notifier fans lifecycle events out to webhook subscriptions and
// connected WebSocket clients. It is the single sink the offer, escrow
// and payment services emit into; every failure is logged and swallowed
// so notification trouble never fails a money movement.
type Notifier struct {
	dispatcher *Dispatcher
	hub        *realtime.Hub
	logger     *slog.Logger
}

// NewNotifier creates a notifier. Either sink may be nil.
func NewNotifier(dispatcher *Dispatcher, hub *realtime.Hub, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{dispatcher: dispatcher, hub: hub, logger: logger}
}

// Notify delivers one event to the user's sinks. Fire-and-forget.
func (n *Notifier) Notify(ctx context.Context, userID, kind string, payload any) {
	if n.hub != nil {
		n.hub.Publish(userID, kind, payload)
	}

	if n.dispatcher == nil {
		return
	}

	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Kind:      kind,
		UserID:    userID,
		Timestamp: time.Now(),
		Data:      payload,
	}

	// Dispatch on a detached context: the originating request may
	// finish before the webhook round-trip does.
	if err := n.dispatcher.DispatchToUser(context.WithoutCancel(ctx), userID, event); err != nil {
		metrics.NotifyDeliveriesTotal.WithLabelValues("error").Inc()
		n.logger.Warn("notification dispatch failed",
			"userId", userID,
			"kind", kind,
			"error", err)
		return
	}
	metrics.NotifyDeliveriesTotal.WithLabelValues("dispatched").Inc()
}

// generateSecret mints the HMAC signing key handed to a new subscription.
func generateSecret() string {
	return "whsec_" + idgen.Hex(32)
}
