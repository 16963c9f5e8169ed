package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"ms-tripbooking/internal/logger"
	"ms-tripbooking/internal/payment/gateway"
	"ms-tripbooking/internal/reconcile"

	"github.com/stripe/stripe-go/v82"
)

// Stripe's recommended cap on webhook bodies
const maxWebhookBody = 65536

type EventVerifier interface {
	VerifyEvent(payload []byte, signature string) (*stripe.Event, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, ev reconcile.Event) (*reconcile.Result, error)
}

// WebhookError carries what the webhook endpoint answers and what it logs.
type WebhookError struct {
	Category      string // "configuration", "validation", "processing"
	StatusCode    int
	PublicError   string
	InternalError string
	OriginalErr   error
}

func (e *WebhookError) Error() string {
	return e.InternalError
}

func (e *WebhookError) Unwrap() error {
	return e.OriginalErr
}

type WebhookHandler struct {
	verifier   EventVerifier
	reconciler Reconciler
	logger     *logger.Logger
}

func NewWebhookHandler(verifier EventVerifier, reconciler Reconciler, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{verifier: verifier, reconciler: reconciler, logger: log}
}

// ServeHTTP answers 2xx once the event is applied, duplicated or ignored. Processing failures
// answer 500 so Stripe redelivers.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	result, err := h.process(w, r)
	if err != nil {
		var werr *WebhookError
		if !errors.As(err, &werr) {
			werr = &WebhookError{
				Category:      "processing",
				StatusCode:    http.StatusInternalServerError,
				PublicError:   "Webhook processing error",
				InternalError: err.Error(),
				OriginalErr:   err,
			}
		}
		h.logger.Error("WEBHOOK", fmt.Sprintf("category=%s status=%d: %s", werr.Category, werr.StatusCode, werr.InternalError))
		writeJSON(w, werr.StatusCode, ErrorResponse(werr.PublicError, werr.Category))
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse("Webhook processed", map[string]string{"outcome": result.Outcome}))
}

func (h *WebhookHandler) process(w http.ResponseWriter, r *http.Request) (*reconcile.Result, error) {
	if h.verifier == nil {
		return nil, &WebhookError{
			Category:      "configuration",
			StatusCode:    http.StatusInternalServerError,
			PublicError:   "Webhook processing error",
			InternalError: "no webhook verifier configured",
		}
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		return nil, &WebhookError{
			Category:      "validation",
			StatusCode:    http.StatusBadRequest,
			PublicError:   "Invalid webhook payload",
			InternalError: fmt.Sprintf("read webhook payload: %v", err),
			OriginalErr:   err,
		}
	}

	evt, err := h.verifier.VerifyEvent(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		status := http.StatusBadRequest
		if !errors.Is(err, gateway.ErrInvalidSignature) {
			status = http.StatusInternalServerError
		}
		return nil, &WebhookError{
			Category:      "validation",
			StatusCode:    status,
			PublicError:   "Webhook signature verification failed",
			InternalError: err.Error(),
			OriginalErr:   err,
		}
	}

	ev, err := reconcile.FromStripeEvent(evt)
	if err != nil {
		return nil, &WebhookError{
			Category:      "validation",
			StatusCode:    http.StatusBadRequest,
			PublicError:   "Invalid event data",
			InternalError: fmt.Sprintf("event %s: %v", evt.ID, err),
			OriginalErr:   err,
		}
	}
	h.logger.LogWebhook(string(evt.Type), evt.ID, "received")

	result, err := h.reconciler.Reconcile(r.Context(), ev)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, reconcile.ErrInvalidEvent) {
			status = http.StatusBadRequest
		}
		return nil, &WebhookError{
			Category:      "processing",
			StatusCode:    status,
			PublicError:   "Failed to process payment event",
			InternalError: fmt.Sprintf("reconcile %s (%s): %v", evt.ID, ev.Kind, err),
			OriginalErr:   err,
		}
	}
	h.logger.LogWebhook(string(evt.Type), evt.ID, "outcome="+result.Outcome)
	return result, nil
}
