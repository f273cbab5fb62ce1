package payment

import (
	"context"
	"fmt"

	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/account"
	"github.com/stripe/stripe-go/v81/paymentintent"
	"github.com/stripe/stripe-go/v81/transfer"
)

// StripeProvider implements Provider against Stripe: PaymentIntents for
// charges, connected accounts for payout recipients, Transfers for
// payouts.
type StripeProvider struct {
	currency string
}

// NewStripeProvider configures the global Stripe client with the secret
// key and returns a provider. Amounts are minor units of the given
// currency.
func NewStripeProvider(secretKey, currency string) *StripeProvider {
	stripe.Key = secretKey
	if currency == "" {
		currency = "usd"
	}
	return &StripeProvider{currency: currency}
}

var _ Provider = (*StripeProvider)(nil)

func (p *StripeProvider) InitializeCharge(ctx context.Context, userID string, amount int64, reference string, metadata map[string]string) (*ChargeHandle, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(p.currency),
	}
	params.Context = ctx
	params.AddMetadata("reference", reference)
	params.AddMetadata("userId", userID)
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe payment intent: %w", err)
	}
	return &ChargeHandle{ProviderRef: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

func (p *StripeProvider) CreateRecipient(ctx context.Context, dest Destination) (string, error) {
	params := &stripe.AccountParams{
		Type: stripe.String(string(stripe.AccountTypeCustom)),
		Capabilities: &stripe.AccountCapabilitiesParams{
			Transfers: &stripe.AccountCapabilitiesTransfersParams{
				Requested: stripe.Bool(true),
			},
		},
		BusinessProfile: &stripe.AccountBusinessProfileParams{
			Name: stripe.String(dest.AccountName),
		},
	}
	params.Context = ctx
	params.AddMetadata("accountNumber", dest.AccountNumber)
	params.AddMetadata("bankCode", dest.BankCode)

	acct, err := account.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe recipient account: %w", err)
	}
	return acct.ID, nil
}

func (p *StripeProvider) InitiateTransfer(ctx context.Context, recipientHandle string, amount int64, reason string) (string, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(amount),
		Currency:    stripe.String(p.currency),
		Destination: stripe.String(recipientHandle),
		Description: stripe.String(reason),
	}
	params.Context = ctx

	tr, err := transfer.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe transfer: %w", err)
	}
	return tr.ID, nil
}
