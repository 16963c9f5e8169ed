package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"ms-tripbooking/internal/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
)

const intentJSON = `{"id":"pi_123","object":"payment_intent","amount":103500,"currency":"usd",
"status":"requires_payment_method","client_secret":"pi_123_secret_abc","metadata":{"reservation_id":"r-1"}}`

func newTestGateway(t *testing.T, handler http.HandlerFunc) *StripeGateway {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	g, err := NewStripeGateway(StripeOptions{
		SecretKey:     "sk_test_123",
		WebhookSecret: "whsec_test",
		Timeout:       2 * time.Second,
		RetryBackoff:  time.Millisecond,
		APIURL:        server.URL,
	}, logger.NewWithWriter(io.Discard))
	require.NoError(t, err)
	return g
}

func TestNewStripeGateway_RequiresKey(t *testing.T) {
	_, err := NewStripeGateway(StripeOptions{}, logger.NewWithWriter(io.Discard))
	assert.ErrorIs(t, err, ErrClientInitFailed)
}

func TestCreatePaymentIntent_RetriesOnceOnServerError(t *testing.T) {
	var calls int32
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			io.WriteString(w, `{"error":{"type":"api_error","message":"try again"}}`)
			return
		}
		io.WriteString(w, intentJSON)
	})

	intent, err := g.CreatePaymentIntent(context.Background(), 103500, "usd", map[string]string{MetaReservationID: "r-1"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, "pi_123", intent.ID)
	assert.Equal(t, "pi_123_secret_abc", intent.ClientSecret)
	assert.Equal(t, int64(103500), intent.AmountCents)
	assert.Equal(t, "r-1", intent.Metadata[MetaReservationID])
}

func TestCreatePaymentIntent_UnavailableAfterSecondFailure(t *testing.T) {
	var calls int32
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, `{"error":{"type":"api_error","message":"down"}}`)
	})

	_, err := g.CreatePaymentIntent(context.Background(), 1000, "usd", nil)
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "exactly one retry")
}

func TestCreatePaymentIntent_NoRetryOnCardError(t *testing.T) {
	var calls int32
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"type":"invalid_request_error","message":"bad amount"}}`)
	})

	_, err := g.CreatePaymentIntent(context.Background(), -1, "usd", nil)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrGatewayUnavailable))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRetrievePaymentMethodCardDetails(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/payment_methods/pm_amex"))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"pm_amex","object":"payment_method","type":"card","card":{"brand":"amex","funding":"credit"}}`)
	})

	card, err := g.RetrievePaymentMethodCardDetails(context.Background(), "pm_amex")
	require.NoError(t, err)
	assert.Equal(t, "credit", card.Funding)
	assert.Equal(t, "amex", card.Brand)
}

func TestListRefunds(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/refunds"))
		assert.Equal(t, "ch_42", r.URL.Query().Get("charge"))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"object":"list","url":"/v1/refunds","has_more":false,"data":[
{"id":"re_2","object":"refund","amount":2000,"status":"succeeded","charge":"ch_42","payment_intent":"pi_42"},
{"id":"re_1","object":"refund","amount":1000,"status":"failed","charge":"ch_42","payment_intent":"pi_42"}]}`)
	})

	refunds, err := g.ListRefunds(context.Background(), "ch_42")
	require.NoError(t, err)
	require.Len(t, refunds, 2)
	assert.Equal(t, Refund{ID: "re_2", PaymentRef: "pi_42", ChargeRef: "ch_42", AmountCents: 2000, Status: "succeeded"}, refunds[0])
	assert.Equal(t, "failed", refunds[1].Status)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(&stripe.Error{HTTPStatusCode: 502}))
	assert.True(t, IsTransient(&stripe.Error{HTTPStatusCode: 429}))
	assert.False(t, IsTransient(&stripe.Error{HTTPStatusCode: 402, Type: stripe.ErrorTypeCard}))
	assert.False(t, IsTransient(errors.New("boom")))
}

func TestVerifyEvent_RejectsBadSignature(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {})

	_, err := g.VerifyEvent([]byte(`{"id":"evt_1"}`), "t=1,v1=deadbeef")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestNormalizeMetadata(t *testing.T) {
	long := strings.Repeat("x", 600)
	out, changed := NormalizeMetadata(map[string]string{
		"note":                  long,
		"reservation_id":        "r-1",
		strings.Repeat("k", 41): "dropped",
	})

	assert.Len(t, out["note"], 500)
	assert.Equal(t, "r-1", out["reservation_id"])
	assert.Len(t, out, 2)
	assert.Len(t, changed, 2)

	out, changed = NormalizeMetadata(nil)
	assert.Nil(t, out)
	assert.Nil(t, changed)
}

func TestMetaInt(t *testing.T) {
	md := map[string]string{MetaBase: "20000", MetaFee: "abc"}
	assert.Equal(t, int64(20000), MetaInt(md, MetaBase))
	assert.Equal(t, int64(0), MetaInt(md, MetaFee))
	assert.Equal(t, int64(0), MetaInt(md, MetaTax))
}
