package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"ms-tripbooking/internal/auth"
	"ms-tripbooking/internal/booking"
	"ms-tripbooking/internal/checkout"
	"ms-tripbooking/internal/db"
	"ms-tripbooking/internal/ledger"
	"ms-tripbooking/internal/payment/gateway"
	"ms-tripbooking/internal/reconcile"
	"ms-tripbooking/internal/reservation"
)

type APIResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

func SuccessResponse(message string, data interface{}) APIResponse {
	return APIResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

func ErrorResponse(message, err string) APIResponse {
	return APIResponse{
		Success:   false,
		Message:   message,
		Error:     err,
		Timestamp: time.Now().UTC(),
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// statusFor maps domain errors onto HTTP statuses. The message is safe to show a shopper.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, checkout.ErrInvalidSelection), errors.Is(err, reconcile.ErrInvalidEvent):
		return http.StatusBadRequest, "Invalid request"
	case errors.Is(err, auth.ErrInvalidLinkToken):
		return http.StatusUnauthorized, "Payment link is invalid or expired"
	case errors.Is(err, checkout.ErrNotFound), errors.Is(err, reservation.ErrNotFound),
		errors.Is(err, booking.ErrNotFound), errors.Is(err, ledger.ErrRefundNotFound),
		errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, booking.ErrCapacityExceeded):
		return http.StatusConflict, "Not enough seats left, try again"
	case errors.Is(err, checkout.ErrAmountMismatch):
		return http.StatusConflict, "The amount changed, please quote again"
	case errors.Is(err, checkout.ErrNoBalanceDue):
		return http.StatusConflict, "Nothing left to pay"
	case errors.Is(err, checkout.ErrNotPayable), errors.Is(err, reservation.ErrInvalidReservationState),
		errors.Is(err, ledger.ErrBookingTerminal), errors.Is(err, ledger.ErrNotRefundable):
		return http.StatusConflict, "Request conflicts with the current state"
	case errors.Is(err, ledger.ErrRefundTooLarge):
		return http.StatusUnprocessableEntity, "Refund exceeds the refundable amount"
	case errors.Is(err, gateway.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable, "Can't complete right now, try again"
	}
	return http.StatusInternalServerError, "Internal error"
}
