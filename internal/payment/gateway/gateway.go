// Package gateway is the boundary to the card processor. Everything outside it speaks in
// minor units and plain structs; only this package knows about Stripe.
package gateway

import (
	"context"
	"errors"
)

var (
	// ErrGatewayUnavailable is returned after the single retry also failed. Callers may retry later.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrInvalidSignature   = errors.New("invalid webhook signature")
	ErrNoCardDetails      = errors.New("payment method has no card details")
)

type Intent struct {
	ID              string
	ClientSecret    string
	Status          string
	AmountCents     int64
	Currency        string
	PaymentMethodID string
	ChargeRef       string
	Metadata        map[string]string
}

// Succeeded reports whether money has moved for this intent.
func (i *Intent) Succeeded() bool { return i.Status == "succeeded" }

// Failed is true once the intent can no longer succeed without a new payment method.
func (i *Intent) Failed() bool {
	return i.Status == "canceled" || i.Status == "requires_payment_method" && i.ChargeRef != ""
}

type CardDetails struct {
	Funding string
	Brand   string
}

type Refund struct {
	ID          string
	PaymentRef  string
	ChargeRef   string
	AmountCents int64
	Status      string
}

// Gateway is the subset of card-processor operations the booking engine consumes.
type Gateway interface {
	CreatePaymentIntent(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (*Intent, error)
	RetrievePaymentIntent(ctx context.Context, id string) (*Intent, error)
	ModifyPaymentIntentAmount(ctx context.Context, id string, amountCents int64, metadata map[string]string) (*Intent, error)
	CancelPaymentIntent(ctx context.Context, id string) error
	Refund(ctx context.Context, ref string, amountCents int64, reason string) (*Refund, error)
	RetrievePaymentMethodCardDetails(ctx context.Context, id string) (*CardDetails, error)
}
