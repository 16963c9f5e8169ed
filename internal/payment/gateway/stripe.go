package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"ms-tripbooking/internal/logger"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"
)

const (
	DefaultTimeout      = 10 * time.Second
	DefaultRetryBackoff = 500 * time.Millisecond
)

var ErrClientInitFailed = errors.New("failed to initialize Stripe client")

type StripeGateway struct {
	client        *client.API
	webhookSecret string
	timeout       time.Duration
	backoff       time.Duration
	log           *logger.Logger
}

type StripeOptions struct {
	SecretKey     string
	WebhookSecret string
	Timeout       time.Duration
	RetryBackoff  time.Duration
	// APIURL overrides the API endpoint, e.g. for stripe-mock.
	APIURL string
}

// NewStripeGateway builds a client with the library's own retries off; retrying is done here,
// once, so the bound is explicit.
func NewStripeGateway(opts StripeOptions, log *logger.Logger) (*StripeGateway, error) {
	if opts.SecretKey == "" {
		log.Error("STRIPE", "STRIPE_SECRET_KEY not set")
		return nil, ErrClientInitFailed
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}

	cfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: opts.Timeout},
		MaxNetworkRetries: stripe.Int64(0),
	}
	if opts.APIURL != "" {
		cfg.URL = stripe.String(opts.APIURL)
	}
	backends := stripe.NewBackendsWithConfig(cfg)
	sc := client.New(opts.SecretKey, backends)
	if sc == nil {
		return nil, ErrClientInitFailed
	}

	log.Info("STRIPE", "Stripe client initialized successfully")
	return &StripeGateway{
		client:        sc,
		webhookSecret: opts.WebhookSecret,
		timeout:       opts.Timeout,
		backoff:       opts.RetryBackoff,
		log:           log,
	}, nil
}

// call runs fn with a per-attempt timeout and retries once on a transient failure.
func (g *StripeGateway) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= 2; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, g.timeout)
		err = fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		if attempt == 1 {
			g.log.Warn("STRIPE", fmt.Sprintf("%s failed (%v), retrying in %s", op, err, g.backoff))
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %s: %v", ErrGatewayUnavailable, op, ctx.Err())
			case <-time.After(g.backoff):
			}
		}
	}
	g.log.Error("STRIPE", fmt.Sprintf("%s failed after retry: %v", op, err))
	return fmt.Errorf("%w: %s: %v", ErrGatewayUnavailable, op, err)
}

// IsTransient reports errors worth a second attempt: timeouts, connection failures, 429 and 5xx.
func IsTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return stripeErr.HTTPStatusCode == http.StatusTooManyRequests ||
			stripeErr.HTTPStatusCode >= 500 ||
			stripeErr.Type == stripe.ErrorTypeAPI
	}
	return false
}

func (g *StripeGateway) metadata(md map[string]string) map[string]string {
	out, changed := NormalizeMetadata(md)
	if len(changed) > 0 {
		g.log.Warn("STRIPE", fmt.Sprintf("Metadata keys truncated or dropped: %s", strings.Join(changed, ", ")))
	}
	return out
}

func (g *StripeGateway) CreatePaymentIntent(ctx context.Context, amountCents int64, currency string, md map[string]string) (*Intent, error) {
	var pi *stripe.PaymentIntent
	err := g.call(ctx, "create payment intent", func(ctx context.Context) error {
		params := &stripe.PaymentIntentParams{
			Amount:             stripe.Int64(amountCents),
			Currency:           stripe.String(currency),
			PaymentMethodTypes: []*string{stripe.String("card")},
		}
		params.Context = ctx
		params.Metadata = g.metadata(md)
		var err error
		pi, err = g.client.PaymentIntents.New(params)
		return err
	})
	if err != nil {
		return nil, err
	}
	g.log.LogPayment("INTENT_CREATED", pi.ID, fmt.Sprintf("amount=%d %s", amountCents, currency))
	return toIntent(pi), nil
}

func (g *StripeGateway) RetrievePaymentIntent(ctx context.Context, id string) (*Intent, error) {
	var pi *stripe.PaymentIntent
	err := g.call(ctx, "retrieve payment intent", func(ctx context.Context) error {
		params := &stripe.PaymentIntentParams{}
		params.Context = ctx
		params.AddExpand("latest_charge")
		var err error
		pi, err = g.client.PaymentIntents.Get(id, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return toIntent(pi), nil
}

// ModifyPaymentIntentAmount freezes a confirmed quote into the intent.
func (g *StripeGateway) ModifyPaymentIntentAmount(ctx context.Context, id string, amountCents int64, md map[string]string) (*Intent, error) {
	var pi *stripe.PaymentIntent
	err := g.call(ctx, "update payment intent", func(ctx context.Context) error {
		params := &stripe.PaymentIntentParams{Amount: stripe.Int64(amountCents)}
		params.Context = ctx
		params.Metadata = g.metadata(md)
		var err error
		pi, err = g.client.PaymentIntents.Update(id, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	g.log.LogPayment("INTENT_UPDATED", id, fmt.Sprintf("amount=%d", amountCents))
	return toIntent(pi), nil
}

func (g *StripeGateway) CancelPaymentIntent(ctx context.Context, id string) error {
	err := g.call(ctx, "cancel payment intent", func(ctx context.Context) error {
		params := &stripe.PaymentIntentCancelParams{
			CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonAbandoned)),
		}
		params.Context = ctx
		_, err := g.client.PaymentIntents.Cancel(id, params)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to cancel payment intent: %w", err)
	}
	g.log.LogPayment("INTENT_CANCELLED", id, "payment intent cancelled")
	return nil
}

// Refund refunds a charge (ch_...) or a payment intent (pi_...). Reasons Stripe does not know
// travel in metadata.
func (g *StripeGateway) Refund(ctx context.Context, ref string, amountCents int64, reason string) (*Refund, error) {
	var r *stripe.Refund
	err := g.call(ctx, "create refund", func(ctx context.Context) error {
		params := &stripe.RefundParams{}
		params.Context = ctx
		if strings.HasPrefix(ref, "ch_") {
			params.Charge = stripe.String(ref)
		} else {
			params.PaymentIntent = stripe.String(ref)
		}
		if amountCents > 0 {
			params.Amount = stripe.Int64(amountCents)
		}
		switch stripe.RefundReason(reason) {
		case stripe.RefundReasonDuplicate, stripe.RefundReasonFraudulent, stripe.RefundReasonRequestedByCustomer:
			params.Reason = stripe.String(reason)
		default:
			if reason != "" {
				params.AddMetadata("reason", reason)
			}
		}
		var err error
		r, err = g.client.Refunds.New(params)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := refundFrom(r)
	g.log.LogPayment("REFUND_CREATED", ref, fmt.Sprintf("refund=%s amount=%d", r.ID, r.Amount))
	return &out, nil
}

// ListRefunds returns every refund of a charge, newest first.
func (g *StripeGateway) ListRefunds(ctx context.Context, chargeRef string) ([]Refund, error) {
	var out []Refund
	err := g.call(ctx, "list refunds", func(ctx context.Context) error {
		out = out[:0]
		params := &stripe.RefundListParams{Charge: stripe.String(chargeRef)}
		params.Context = ctx
		iter := g.client.Refunds.List(params)
		for iter.Next() {
			out = append(out, refundFrom(iter.Refund()))
		}
		return iter.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func refundFrom(r *stripe.Refund) Refund {
	out := Refund{ID: r.ID, AmountCents: r.Amount, Status: string(r.Status)}
	if r.PaymentIntent != nil {
		out.PaymentRef = r.PaymentIntent.ID
	}
	if r.Charge != nil {
		out.ChargeRef = r.Charge.ID
	}
	return out
}

func (g *StripeGateway) RetrievePaymentMethodCardDetails(ctx context.Context, id string) (*CardDetails, error) {
	var pm *stripe.PaymentMethod
	err := g.call(ctx, "retrieve payment method", func(ctx context.Context) error {
		params := &stripe.PaymentMethodParams{}
		params.Context = ctx
		var err error
		pm, err = g.client.PaymentMethods.Get(id, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	if pm.Card == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoCardDetails, id)
	}
	return &CardDetails{Funding: string(pm.Card.Funding), Brand: string(pm.Card.Brand)}, nil
}

// VerifyEvent checks the Stripe-Signature header against the webhook secret.
func (g *StripeGateway) VerifyEvent(payload []byte, signature string) (*stripe.Event, error) {
	if g.webhookSecret == "" {
		g.log.Error("WEBHOOK", "STRIPE_WEBHOOK_SECRET not set")
		return nil, ErrInvalidSignature
	}
	opts := webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true}
	event, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret, opts)
	if err != nil {
		g.log.LogSecurity("WEBHOOK_SIGNATURE", fmt.Sprintf("verification failed: %v", err))
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return &event, nil
}

func toIntent(pi *stripe.PaymentIntent) *Intent {
	out := &Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       string(pi.Status),
		AmountCents:  pi.Amount,
		Currency:     string(pi.Currency),
		Metadata:     pi.Metadata,
	}
	if pi.PaymentMethod != nil {
		out.PaymentMethodID = pi.PaymentMethod.ID
	}
	if pi.LatestCharge != nil {
		out.ChargeRef = pi.LatestCharge.ID
	}
	return out
}
