package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeRejected  = "rejected"
	OutcomeError     = "error"
)

// BookingMetrics counts financial transitions. A nil *BookingMetrics is a no-op.
type BookingMetrics struct {
	eventsReconciled   *prometheus.CounterVec
	reconcileDuration  *prometheus.HistogramVec
	paymentsApplied    *prometheus.CounterVec
	bookingsCreated    prometheus.Counter
	refundedCents      prometheus.Counter
	reservationsExpire prometheus.Counter
	remindersSent      *prometheus.CounterVec
	gatewayErrors      *prometheus.CounterVec
}

var (
	bookingMetricsOnce sync.Once
	bookingMetrics     *BookingMetrics
)

// Default returns the process-wide metrics registered on the default registerer.
func Default() *BookingMetrics {
	bookingMetricsOnce.Do(func() {
		bookingMetrics = New(prometheus.DefaultRegisterer)
	})
	return bookingMetrics
}

func New(registerer prometheus.Registerer) *BookingMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &BookingMetrics{
		eventsReconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripbooking_events_reconciled_total",
			Help: "Payment events reconciled by kind, source and outcome.",
		}, []string{"kind", "source", "outcome"}),
		reconcileDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tripbooking_reconcile_duration_seconds",
			Help:    "Time spent applying one payment event, lock wait included.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"kind"}),
		paymentsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripbooking_payments_applied_total",
			Help: "Successful payments applied to bookings by step.",
		}, []string{"step"}),
		bookingsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripbooking_bookings_materialized_total",
			Help: "Bookings created from paid reservations.",
		}),
		refundedCents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripbooking_refunded_cents_total",
			Help: "Refunded amount in minor units.",
		}),
		reservationsExpire: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripbooking_reservations_expired_total",
			Help: "Reservations expired before payment.",
		}),
		remindersSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripbooking_installment_reminders_total",
			Help: "Installment reminders sent by kind.",
		}, []string{"kind"}),
		gatewayErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripbooking_gateway_errors_total",
			Help: "Payment gateway failures surfaced to callers by operation.",
		}, []string{"operation"}),
	}
	registerer.MustRegister(
		m.eventsReconciled,
		m.reconcileDuration,
		m.paymentsApplied,
		m.bookingsCreated,
		m.refundedCents,
		m.reservationsExpire,
		m.remindersSent,
		m.gatewayErrors,
	)
	return m
}

func (m *BookingMetrics) ObserveReconcile(kind, source, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.eventsReconciled.WithLabelValues(kind, source, outcome).Inc()
	m.reconcileDuration.WithLabelValues(kind).Observe(took.Seconds())
}

func (m *BookingMetrics) PaymentApplied(step string) {
	if m == nil {
		return
	}
	m.paymentsApplied.WithLabelValues(step).Inc()
}

func (m *BookingMetrics) BookingMaterialized() {
	if m == nil {
		return
	}
	m.bookingsCreated.Inc()
}

func (m *BookingMetrics) Refunded(cents int64) {
	if m == nil || cents <= 0 {
		return
	}
	m.refundedCents.Add(float64(cents))
}

func (m *BookingMetrics) ReservationsExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reservationsExpire.Add(float64(n))
}

func (m *BookingMetrics) ReminderSent(kind string) {
	if m == nil {
		return
	}
	m.remindersSent.WithLabelValues(kind).Inc()
}

func (m *BookingMetrics) GatewayError(operation string) {
	if m == nil {
		return
	}
	m.gatewayErrors.WithLabelValues(operation).Inc()
}
