// internal/services/gateway.go
package services

import (
	"fmt"

	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
	"github.com/stripe/stripe-go/v74/refund"
	"github.com/stripe/stripe-go/v74/transfer"

	"github.com/lenspark/escrow-backend/internal/config"
)

// PaymentGateway is the external payment capability consumed by this core.
// All amounts are integer cents. Every mutating call carries an idempotency
// key so retries deduplicate at the gateway.
type PaymentGateway interface {
	// Capture charges the buyer and returns a payment reference.
	Capture(amountCents int64, idempotencyKey string, metadata map[string]string) (string, error)
	// Payout moves the photographer share to the given account.
	Payout(amountCents int64, account string, idempotencyKey string) (string, error)
	// Refund returns funds to the buyer against the original capture.
	Refund(paymentReference string, amountCents int64, idempotencyKey string) (string, error)
}

// StripeGateway implements PaymentGateway on Stripe.
type StripeGateway struct {
	config *config.Config
}

func NewStripeGateway(cfg *config.Config) *StripeGateway {
	stripe.Key = cfg.Payment.StripeSecretKey

	return &StripeGateway{config: cfg}
}

func (g *StripeGateway) Capture(amountCents int64, idempotencyKey string, metadata map[string]string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String("usd"),
		Confirm:  stripe.Bool(true),
	}
	params.SetIdempotencyKey(idempotencyKey)
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	pi, err := paymentintent.New(params)
	if err != nil {
		return "", fmt.Errorf("failed to capture payment: %w", err)
	}

	return pi.ID, nil
}

func (g *StripeGateway) Payout(amountCents int64, account string, idempotencyKey string) (string, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(amountCents),
		Currency:    stripe.String("usd"),
		Destination: stripe.String(account),
	}
	params.SetIdempotencyKey(idempotencyKey)

	tr, err := transfer.New(params)
	if err != nil {
		return "", fmt.Errorf("failed to create transfer: %w", err)
	}

	return tr.ID, nil
}

func (g *StripeGateway) Refund(paymentReference string, amountCents int64, idempotencyKey string) (string, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentReference),
		Amount:        stripe.Int64(amountCents),
		Reason:        stripe.String("requested_by_customer"),
	}
	params.SetIdempotencyKey(idempotencyKey)

	r, err := refund.New(params)
	if err != nil {
		return "", fmt.Errorf("failed to process refund: %w", err)
	}

	return r.ID, nil
}
