// Package api exposes the booking engine over HTTP: storefront checkout routes, the Stripe
// webhook, admin routes and operational endpoints.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"ms-tripbooking/internal/analytics"
	"ms-tripbooking/internal/auth"
	"ms-tripbooking/internal/checkout"
	"ms-tripbooking/internal/discount"
	"ms-tripbooking/internal/installment"
	"ms-tripbooking/internal/logger"
	"ms-tripbooking/internal/models"
	"ms-tripbooking/internal/payment/gateway"

	"github.com/go-chi/chi/v5"
)

// Checkout is the subset of checkout.Service the handlers call.
type Checkout interface {
	CreateReservation(ctx context.Context, tripID int64, sel models.Selection) (*checkout.ReservationResult, error)
	Quote(ctx context.Context, paymentMethodID string, sel checkout.Selector) (*checkout.QuoteResult, error)
	ConfirmIntent(ctx context.Context, sel checkout.Selector, paymentMethodID string, expectedFinal int64) (*checkout.ConfirmResult, error)
	GetStatus(ctx context.Context, ref string) (*checkout.Status, error)
	ValidateDiscount(ctx context.Context, code string, tripID, orderCents int64) (*discount.Result, error)
	ApplyDiscount(ctx context.Context, ref, code string) (*checkout.DiscountApplied, error)
	CreateFreeBooking(ctx context.Context, ref string) (*models.Booking, error)
	StartInstallmentPayment(ctx context.Context, obligationID int64, token string) (*checkout.PaymentStart, error)
	StartPayoff(ctx context.Context, bookingID int64, token string) (*checkout.PaymentStart, error)
	RequestRefund(ctx context.Context, paymentRef string, amountCents int64, reason string) (*gateway.Refund, error)
	CancelBooking(ctx context.Context, bookingID int64, reason string) (*models.Booking, error)
	PlanWarnings(ctx context.Context, packageID int64) ([]installment.PlanWarning, error)
	SweepReservations(ctx context.Context) (int, error)
}

// Analytics serves the admin sales dashboard.
type Analytics interface {
	GetTripAnalytics(ctx context.Context, tripID int64) (*analytics.TripAnalytics, error)
}

type Handler struct {
	Checkout  Checkout
	Analytics Analytics
	Logger    *logger.Logger
}

type createReservationRequest struct {
	TripID int64 `json:"trip_id"`
	models.Selection
}

type quoteRequest struct {
	PaymentMethodID string `json:"payment_method_id"`
	checkout.Selector
}

type confirmRequest struct {
	PaymentMethodID string `json:"payment_method_id"`
	ExpectedFinal   int64  `json:"expected_final_amount"`
	checkout.Selector
}

type validateDiscountRequest struct {
	Code        string `json:"code"`
	TripID      int64  `json:"trip_id"`
	OrderAmount int64  `json:"order_amount"`
}

type applyDiscountRequest struct {
	PaymentRef string `json:"payment_ref"`
	Code       string `json:"code"`
}

type paymentRefRequest struct {
	PaymentRef string `json:"payment_ref"`
}

type payLinkRequest struct {
	Token string `json:"token"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type refundRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

func (h *Handler) CreateReservation(w http.ResponseWriter, r *http.Request) {
	var req createReservationRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.Checkout.CreateReservation(r.Context(), req.TripID, req.Selection)
	if err != nil {
		h.fail(w, "CreateReservation", err)
		return
	}
	writeJSON(w, http.StatusCreated, SuccessResponse("Reservation created", out))
}

func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.Checkout.Quote(r.Context(), req.PaymentMethodID, req.Selector)
	if err != nil {
		h.fail(w, "Quote", err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse("Quote", out))
}

func (h *Handler) ConfirmIntent(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.Checkout.ConfirmIntent(r.Context(), req.Selector, req.PaymentMethodID, req.ExpectedFinal)
	if err != nil {
		h.fail(w, "ConfirmIntent", err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse("Payment intent updated", out))
}

func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("payment_ref")
	if ref == "" {
		ref = r.URL.Query().Get("payment_intent")
	}
	out, err := h.Checkout.GetStatus(r.Context(), ref)
	if err != nil {
		h.fail(w, "GetStatus", err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse("Payment status", out))
}

func (h *Handler) ValidateDiscount(w http.ResponseWriter, r *http.Request) {
	var req validateDiscountRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.Checkout.ValidateDiscount(r.Context(), req.Code, req.TripID, req.OrderAmount)
	if err != nil {
		h.fail(w, "ValidateDiscount", err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse("Discount checked", out))
}

func (h *Handler) ApplyDiscount(w http.ResponseWriter, r *http.Request) {
	var req applyDiscountRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.Checkout.ApplyDiscount(r.Context(), req.PaymentRef, req.Code)
	if err != nil {
		h.fail(w, "ApplyDiscount", err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse("Discount applied", out))
}

func (h *Handler) CreateFreeBooking(w http.ResponseWriter, r *http.Request) {
	var req paymentRefRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.Checkout.CreateFreeBooking(r.Context(), req.PaymentRef)
	if err != nil {
		h.fail(w, "CreateFreeBooking", err)
		return
	}
	writeJSON(w, http.StatusCreated, SuccessResponse("Booking confirmed", out))
}

func (h *Handler) PayInstallment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r, "id")
	if !ok {
		return
	}
	token, ok := h.linkToken(w, r)
	if !ok {
		return
	}
	out, err := h.Checkout.StartInstallmentPayment(r.Context(), id, token)
	if err != nil {
		h.fail(w, "PayInstallment", err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse("Installment payment started", out))
}

func (h *Handler) Payoff(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r, "id")
	if !ok {
		return
	}
	token, ok := h.linkToken(w, r)
	if !ok {
		return
	}
	out, err := h.Checkout.StartPayoff(r.Context(), id, token)
	if err != nil {
		h.fail(w, "Payoff", err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse("Payoff started", out))
}

func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r, "id")
	if !ok {
		return
	}
	var req cancelRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	h.Logger.Info("ADMIN", fmt.Sprintf("%s cancels booking %d: %q", auth.Subject(r.Context()), id, req.Reason))
	out, err := h.Checkout.CancelBooking(r.Context(), id, req.Reason)
	if err != nil {
		h.fail(w, "CancelBooking", err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse("Booking cancelled", out))
}

func (h *Handler) RequestRefund(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	var req refundRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	if req.Amount < 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse("Invalid request", "amount must not be negative"))
		return
	}
	h.Logger.Info("ADMIN", fmt.Sprintf("%s refunds %d of %s: %q", auth.Subject(r.Context()), req.Amount, ref, req.Reason))
	out, err := h.Checkout.RequestRefund(r.Context(), ref, req.Amount, req.Reason)
	if err != nil {
		h.fail(w, "RequestRefund", err)
		return
	}
	writeJSON(w, http.StatusAccepted, SuccessResponse("Refund requested", out))
}

func (h *Handler) PlanWarnings(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r, "id")
	if !ok {
		return
	}
	out, err := h.Checkout.PlanWarnings(r.Context(), id)
	if err != nil {
		h.fail(w, "PlanWarnings", err)
		return
	}
	if out == nil {
		out = []installment.PlanWarning{}
	}
	writeJSON(w, http.StatusOK, SuccessResponse("Plan warnings", out))
}

func (h *Handler) TripAnalytics(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r, "id")
	if !ok {
		return
	}
	out, err := h.Analytics.GetTripAnalytics(r.Context(), id)
	if err != nil {
		h.fail(w, "TripAnalytics", err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse("Trip analytics", out))
}

func (h *Handler) SweepReservations(w http.ResponseWriter, r *http.Request) {
	n, err := h.Checkout.SweepReservations(r.Context())
	if err != nil {
		h.fail(w, "SweepReservations", err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse("Reservations swept", map[string]int{"expired": n}))
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse("Invalid request payload", err.Error()))
		return false
	}
	return true
}

func (h *Handler) idParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse("Invalid request", name+" must be a positive integer"))
		return 0, false
	}
	return id, true
}

// linkToken reads the pay-link token from ?token= or the JSON body.
func (h *Handler) linkToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	if token := r.URL.Query().Get("token"); token != "" {
		return token, true
	}
	var req payLinkRequest
	if !h.decode(w, r, &req) {
		return "", false
	}
	if req.Token == "" {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse("Payment link is invalid or expired", "token is required"))
		return "", false
	}
	return req.Token, true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error("API", fmt.Sprintf("%s: %v", op, err))
	} else {
		h.Logger.Info("API", fmt.Sprintf("%s rejected: %v", op, err))
	}
	detail := err.Error()
	if status == http.StatusInternalServerError {
		detail = ""
	}
	writeJSON(w, status, ErrorResponse(msg, detail))
}
