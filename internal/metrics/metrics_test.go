package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestBookingMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveReconcile("payment.succeeded", "webhook", OutcomeApplied, 10*time.Millisecond)
	m.ObserveReconcile("payment.succeeded", "poll", OutcomeDuplicate, time.Millisecond)
	m.ObserveReconcile("payment.succeeded", "poll", OutcomeDuplicate, time.Millisecond)
	m.PaymentApplied("initial")
	m.Refunded(2500)
	m.Refunded(-1)
	m.ReservationsExpired(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsReconciled.WithLabelValues("payment.succeeded", "webhook", OutcomeApplied)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventsReconciled.WithLabelValues("payment.succeeded", "poll", OutcomeDuplicate)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.paymentsApplied.WithLabelValues("initial")))
	assert.Equal(t, 2500.0, testutil.ToFloat64(m.refundedCents))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.reservationsExpire))
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *BookingMetrics
	assert.NotPanics(t, func() {
		m.ObserveReconcile("x", "y", OutcomeError, time.Second)
		m.PaymentApplied("initial")
		m.BookingMaterialized()
		m.Refunded(1)
		m.ReservationsExpired(1)
		m.ReminderSent("overdue")
		m.GatewayError("create")
	})
}
