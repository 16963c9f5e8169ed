package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ms-tripbooking/internal/analytics"
	"ms-tripbooking/internal/auth"
	"ms-tripbooking/internal/booking"
	"ms-tripbooking/internal/checkout"
	"ms-tripbooking/internal/db"
	"ms-tripbooking/internal/discount"
	"ms-tripbooking/internal/installment"
	"ms-tripbooking/internal/logger"
	"ms-tripbooking/internal/models"
	"ms-tripbooking/internal/payment/gateway"
	"ms-tripbooking/internal/reconcile"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
)

type mockCheckout struct {
	mock.Mock
}

func (m *mockCheckout) CreateReservation(ctx context.Context, tripID int64, sel models.Selection) (*checkout.ReservationResult, error) {
	args := m.Called(ctx, tripID, sel)
	out, _ := args.Get(0).(*checkout.ReservationResult)
	return out, args.Error(1)
}

func (m *mockCheckout) Quote(ctx context.Context, pm string, sel checkout.Selector) (*checkout.QuoteResult, error) {
	args := m.Called(ctx, pm, sel)
	out, _ := args.Get(0).(*checkout.QuoteResult)
	return out, args.Error(1)
}

func (m *mockCheckout) ConfirmIntent(ctx context.Context, sel checkout.Selector, pm string, expected int64) (*checkout.ConfirmResult, error) {
	args := m.Called(ctx, sel, pm, expected)
	out, _ := args.Get(0).(*checkout.ConfirmResult)
	return out, args.Error(1)
}

func (m *mockCheckout) GetStatus(ctx context.Context, ref string) (*checkout.Status, error) {
	args := m.Called(ctx, ref)
	out, _ := args.Get(0).(*checkout.Status)
	return out, args.Error(1)
}

func (m *mockCheckout) ValidateDiscount(ctx context.Context, code string, tripID, orderCents int64) (*discount.Result, error) {
	args := m.Called(ctx, code, tripID, orderCents)
	out, _ := args.Get(0).(*discount.Result)
	return out, args.Error(1)
}

func (m *mockCheckout) ApplyDiscount(ctx context.Context, ref, code string) (*checkout.DiscountApplied, error) {
	args := m.Called(ctx, ref, code)
	out, _ := args.Get(0).(*checkout.DiscountApplied)
	return out, args.Error(1)
}

func (m *mockCheckout) CreateFreeBooking(ctx context.Context, ref string) (*models.Booking, error) {
	args := m.Called(ctx, ref)
	out, _ := args.Get(0).(*models.Booking)
	return out, args.Error(1)
}

func (m *mockCheckout) StartInstallmentPayment(ctx context.Context, id int64, token string) (*checkout.PaymentStart, error) {
	args := m.Called(ctx, id, token)
	out, _ := args.Get(0).(*checkout.PaymentStart)
	return out, args.Error(1)
}

func (m *mockCheckout) StartPayoff(ctx context.Context, id int64, token string) (*checkout.PaymentStart, error) {
	args := m.Called(ctx, id, token)
	out, _ := args.Get(0).(*checkout.PaymentStart)
	return out, args.Error(1)
}

func (m *mockCheckout) RequestRefund(ctx context.Context, ref string, amount int64, reason string) (*gateway.Refund, error) {
	args := m.Called(ctx, ref, amount, reason)
	out, _ := args.Get(0).(*gateway.Refund)
	return out, args.Error(1)
}

func (m *mockCheckout) CancelBooking(ctx context.Context, id int64, reason string) (*models.Booking, error) {
	args := m.Called(ctx, id, reason)
	out, _ := args.Get(0).(*models.Booking)
	return out, args.Error(1)
}

func (m *mockCheckout) PlanWarnings(ctx context.Context, id int64) ([]installment.PlanWarning, error) {
	args := m.Called(ctx, id)
	out, _ := args.Get(0).([]installment.PlanWarning)
	return out, args.Error(1)
}

func (m *mockCheckout) SweepReservations(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

type mockAnalytics struct {
	mock.Mock
}

func (m *mockAnalytics) GetTripAnalytics(ctx context.Context, tripID int64) (*analytics.TripAnalytics, error) {
	args := m.Called(ctx, tripID)
	out, _ := args.Get(0).(*analytics.TripAnalytics)
	return out, args.Error(1)
}

type staticVerifier map[string]auth.Principal

func (v staticVerifier) Verify(_ context.Context, token string) (auth.Principal, error) {
	p, ok := v[token]
	if !ok {
		return auth.Principal{}, errors.New("unknown token")
	}
	return p, nil
}

type fakeEvents struct {
	event *stripe.Event
	err   error
}

func (f fakeEvents) VerifyEvent([]byte, string) (*stripe.Event, error) { return f.event, f.err }

type fakeReconciler struct {
	got    []reconcile.Event
	result *reconcile.Result
	err    error
}

func (f *fakeReconciler) Reconcile(_ context.Context, ev reconcile.Event) (*reconcile.Result, error) {
	f.got = append(f.got, ev)
	return f.result, f.err
}

type server struct {
	checkout  *mockCheckout
	analytics *mockAnalytics
	router    http.Handler
}

func newServer(t *testing.T, webhook http.Handler, limiter *ClientLimiter) *server {
	t.Helper()
	log := logger.NewWithWriter(io.Discard)
	co := &mockCheckout{}
	an := &mockAnalytics{}
	router := NewRouter(RouterOptions{
		Handler: &Handler{Checkout: co, Analytics: an, Logger: log},
		Webhook: webhook,
		Admin: staticVerifier{
			"admin-token": {Subject: "ops", Roles: []string{"booking-admin"}},
			"user-token":  {Subject: "shopper"},
		},
		AdminRole: "booking-admin",
		Limiter:   limiter,
		Gatherer:  prometheus.NewRegistry(),
		Health: map[string]HealthCheck{
			"postgres": func(context.Context) error { return nil },
		},
		Logger: log,
	})
	return &server{checkout: co, analytics: an, router: router}
}

func (s *server) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestCreateReservation_DecodesSelection(t *testing.T) {
	s := newServer(t, nil, nil)
	s.checkout.On("CreateReservation", mock.Anything, int64(7), mock.MatchedBy(func(sel models.Selection) bool {
		return len(sel.Packages) == 1 && sel.Packages[0].PackageID == 3 && sel.Buyer.Email == "ana@example.com"
	})).Return(&checkout.ReservationResult{PaymentRef: "pi_1", ClientSecret: "sec"}, nil)

	rec := s.do(http.MethodPost, "/api/reservations", `{
		"trip_id": 7,
		"packages": [{"package_id": 3, "quantity": 2, "payment_plan_type": "full"}],
		"buyer": {"first_name": "Ana", "email": "ana@example.com"}
	}`)

	assert.Equal(t, http.StatusCreated, rec.Code)
	resp := decodeBody(t, rec)
	assert.True(t, resp.Success)
	assert.Equal(t, "pi_1", resp.Data.(map[string]interface{})["payment_ref"])
	s.checkout.AssertExpectations(t)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("%w: no packages", checkout.ErrInvalidSelection), http.StatusBadRequest},
		{fmt.Errorf("%w: full", booking.ErrCapacityExceeded), http.StatusConflict},
		{checkout.ErrAmountMismatch, http.StatusConflict},
		{checkout.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("create_intent: %w", gateway.ErrGatewayUnavailable), http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			s := newServer(t, nil, nil)
			s.checkout.On("Quote", mock.Anything, "pm_1", checkout.Selector{PaymentRef: "pi_1"}).Return(nil, tt.err)

			rec := s.do(http.MethodPost, "/api/payment/quote", `{"payment_method_id":"pm_1","payment_ref":"pi_1"}`)
			assert.Equal(t, tt.status, rec.Code)
			resp := decodeBody(t, rec)
			assert.False(t, resp.Success)
			if tt.status == http.StatusInternalServerError {
				assert.Empty(t, resp.Error, "internal details stay in the log")
			}
		})
	}
}

func TestConfirmIntent_PassesExpectedFinal(t *testing.T) {
	s := newServer(t, nil, nil)
	s.checkout.On("ConfirmIntent", mock.Anything, checkout.Selector{InstallmentID: 12}, "pm_amex", int64(41400)).
		Return(&checkout.ConfirmResult{PaymentRef: "pi_9"}, nil)

	rec := s.do(http.MethodPost, "/api/payment/intent", `{"payment_method_id":"pm_amex","installment_id":12,"expected_final_amount":41400}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	s.checkout.AssertExpectations(t)
}

func TestInvalidJSON(t *testing.T) {
	s := newServer(t, nil, nil)
	rec := s.do(http.MethodPost, "/api/discount/apply", `{"payment_ref":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	s.checkout.AssertNotCalled(t, "ApplyDiscount", mock.Anything, mock.Anything, mock.Anything)
}

func TestStatusPollingIsRateLimited(t *testing.T) {
	s := newServer(t, nil, NewClientLimiter(0.001, 2))
	s.checkout.On("GetStatus", mock.Anything, "pi_1").Return(&checkout.Status{PaymentRef: "pi_1", PaymentStatus: "pending"}, nil)

	for i := 0; i < 2; i++ {
		rec := s.do(http.MethodGet, "/api/payment/status?payment_ref=pi_1", "")
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := s.do(http.MethodGet, "/api/payment/status?payment_ref=pi_1", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// other clients keep their own bucket
	req := httptest.NewRequest(http.MethodGet, "/api/payment/status?payment_intent=pi_1", nil)
	req.RemoteAddr = "10.1.1.1:4000"
	other := httptest.NewRecorder()
	s.router.ServeHTTP(other, req)
	assert.Equal(t, http.StatusOK, other.Code)
}

func TestPayLinkToken(t *testing.T) {
	s := newServer(t, nil, nil)
	s.checkout.On("StartInstallmentPayment", mock.Anything, int64(5), "tok").
		Return(&checkout.PaymentStart{PaymentRef: "pi_i"}, nil)
	s.checkout.On("StartPayoff", mock.Anything, int64(9), "bad").
		Return(nil, fmt.Errorf("%w: signature", auth.ErrInvalidLinkToken))

	rec := s.do(http.MethodPost, "/api/installments/5/pay?token=tok", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(http.MethodPost, "/api/bookings/9/payoff", `{"token":"bad"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(http.MethodPost, "/api/bookings/abc/payoff", `{"token":"bad"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminRoutesRequireRole(t *testing.T) {
	s := newServer(t, nil, nil)
	s.checkout.On("CancelBooking", mock.Anything, int64(4), "duplicate").
		Return(&models.Booking{ID: 4, Status: models.BookingCancelled}, nil)

	rec := s.do(http.MethodPost, "/admin/bookings/4/cancel", `{"reason":"duplicate"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(http.MethodPost, "/admin/bookings/4/cancel", `{"reason":"duplicate"}`, "Authorization", "Bearer user-token")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodPost, "/admin/bookings/4/cancel", `{"reason":"duplicate"}`, "Authorization", "Bearer admin-token")
	assert.Equal(t, http.StatusOK, rec.Code)
	s.checkout.AssertNumberOfCalls(t, "CancelBooking", 1)
}

func TestAdminPlanWarningsAndRefund(t *testing.T) {
	s := newServer(t, nil, nil)
	s.checkout.On("PlanWarnings", mock.Anything, int64(2)).
		Return([]installment.PlanWarning{{Position: 2, DueDate: "31/12/2026", Reason: "due date is not YYYY-MM-DD"}}, nil)
	s.checkout.On("RequestRefund", mock.Anything, "pi_r", int64(0), "").
		Return(&gateway.Refund{ID: "re_1", Status: "succeeded"}, nil)

	rec := s.do(http.MethodGet, "/admin/packages/2/plan-warnings", "", "Authorization", "Bearer admin-token")
	require.Equal(t, http.StatusOK, rec.Code)
	warnings := decodeBody(t, rec).Data.([]interface{})
	assert.Len(t, warnings, 1)

	rec = s.do(http.MethodPost, "/admin/payments/pi_r/refund", "", "Authorization", "Bearer admin-token")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = s.do(http.MethodPost, "/admin/payments/pi_r/refund", `{"amount":-5}`, "Authorization", "Bearer admin-token")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminTripAnalytics(t *testing.T) {
	s := newServer(t, nil, nil)
	s.analytics.On("GetTripAnalytics", mock.Anything, int64(3)).
		Return(&analytics.TripAnalytics{TripID: 3, Currency: "usd", CollectedCents: 245000}, nil)
	s.analytics.On("GetTripAnalytics", mock.Anything, int64(99)).
		Return(nil, fmt.Errorf("trip 99: %w", db.ErrNotFound))

	rec := s.do(http.MethodGet, "/admin/trips/3/analytics", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(http.MethodGet, "/admin/trips/3/analytics", "", "Authorization", "Bearer admin-token")
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeBody(t, rec).Data.(map[string]interface{})
	assert.Equal(t, float64(245000), data["collected"])

	rec = s.do(http.MethodGet, "/admin/trips/99/analytics", "", "Authorization", "Bearer admin-token")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func succeededEvent(t *testing.T) *stripe.Event {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{
		"id":              "pi_w",
		"object":          "payment_intent",
		"amount":          103500,
		"amount_received": 103500,
		"currency":        "usd",
		"metadata":        map[string]string{"reservation_id": "res-1", "base_amount": "100000", "fee_amount": "3500"},
	})
	require.NoError(t, err)
	return &stripe.Event{ID: "evt_1", Type: "payment_intent.succeeded", Data: &stripe.EventData{Raw: raw}}
}

func TestWebhook(t *testing.T) {
	t.Run("applies verified events", func(t *testing.T) {
		rc := &fakeReconciler{result: &reconcile.Result{Outcome: "applied"}}
		s := newServer(t, NewWebhookHandler(fakeEvents{event: succeededEvent(t)}, rc, logger.NewWithWriter(io.Discard)), nil)

		rec := s.do(http.MethodPost, "/webhooks/stripe", `{}`, "Stripe-Signature", "t=1,v1=abc")
		assert.Equal(t, http.StatusOK, rec.Code)
		require.Len(t, rc.got, 1)
		assert.Equal(t, reconcile.KindPaymentSucceeded, rc.got[0].Kind)
		assert.Equal(t, "pi_w", rc.got[0].PaymentRef)
		assert.Equal(t, int64(100000), rc.got[0].Breakdown.BaseCents)
	})

	t.Run("rejects bad signatures", func(t *testing.T) {
		rc := &fakeReconciler{}
		s := newServer(t, NewWebhookHandler(fakeEvents{err: gateway.ErrInvalidSignature}, rc, logger.NewWithWriter(io.Discard)), nil)

		rec := s.do(http.MethodPost, "/webhooks/stripe", `{}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, rc.got)
	})

	t.Run("asks for redelivery when processing fails", func(t *testing.T) {
		rc := &fakeReconciler{err: errors.New("db down")}
		s := newServer(t, NewWebhookHandler(fakeEvents{event: succeededEvent(t)}, rc, logger.NewWithWriter(io.Discard)), nil)

		rec := s.do(http.MethodPost, "/webhooks/stripe", `{}`)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "processing", decodeBody(t, rec).Error)
	})
}

func TestHealthAndMetrics(t *testing.T) {
	s := newServer(t, nil, nil)

	rec := s.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthReportsFailingDependency(t *testing.T) {
	log := logger.NewWithWriter(io.Discard)
	router := NewRouter(RouterOptions{
		Handler: &Handler{Checkout: &mockCheckout{}, Logger: log},
		Health: map[string]HealthCheck{
			"redis": func(context.Context) error { return errors.New("connection refused") },
		},
		Gatherer: prometheus.NewRegistry(),
		Logger:   log,
	})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
