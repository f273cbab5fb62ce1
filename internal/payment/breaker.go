package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/tradeloop/tradeloop/internal/circuitbreaker"
)

// ErrProviderUnavailable is returned when the circuit to the provider is
// open and calls are being shed.
var ErrProviderUnavailable = fmt.Errorf("%w: provider temporarily unavailable", ErrProvider)

// GuardedProvider wraps a Provider with a per-operation circuit breaker
// so a provider outage sheds load fast instead of stacking up timeouts.
type GuardedProvider struct {
	inner   Provider
	breaker *circuitbreaker.Breaker
}

// NewGuardedProvider wraps p with a circuit breaker that opens after 5
// consecutive failures per operation and tries again after 30 seconds.
func NewGuardedProvider(p Provider) *GuardedProvider {
	return &GuardedProvider{
		inner:   p,
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

var _ Provider = (*GuardedProvider)(nil)

func (g *GuardedProvider) InitializeCharge(ctx context.Context, userID string, amount int64, reference string, metadata map[string]string) (*ChargeHandle, error) {
	const key = "charge"
	if !g.breaker.Allow(key) {
		return nil, ErrProviderUnavailable
	}
	handle, err := g.inner.InitializeCharge(ctx, userID, amount, reference, metadata)
	g.record(key, err)
	return handle, err
}

func (g *GuardedProvider) CreateRecipient(ctx context.Context, dest Destination) (string, error) {
	const key = "recipient"
	if !g.breaker.Allow(key) {
		return "", ErrProviderUnavailable
	}
	handle, err := g.inner.CreateRecipient(ctx, dest)
	g.record(key, err)
	return handle, err
}

func (g *GuardedProvider) InitiateTransfer(ctx context.Context, recipientHandle string, amount int64, reason string) (string, error) {
	const key = "transfer"
	if !g.breaker.Allow(key) {
		return "", ErrProviderUnavailable
	}
	ref, err := g.inner.InitiateTransfer(ctx, recipientHandle, amount, reason)
	g.record(key, err)
	return ref, err
}

func (g *GuardedProvider) record(key string, err error) {
	if err != nil {
		g.breaker.RecordFailure(key)
	} else {
		g.breaker.RecordSuccess(key)
	}
}
