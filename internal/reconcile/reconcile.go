package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ms-tripbooking/internal/booking"
	"ms-tripbooking/internal/clock"
	"ms-tripbooking/internal/ledger"
	"ms-tripbooking/internal/logger"
	"ms-tripbooking/internal/metrics"
	"ms-tripbooking/internal/models"
	"ms-tripbooking/internal/payment/gateway"
	"ms-tripbooking/internal/reservation"

	"github.com/uptrace/bun"
)

type Kind string

const (
	KindPaymentSucceeded Kind = "payment.succeeded"
	KindPaymentFailed    Kind = "payment.failed"
	KindChargeRefunded   Kind = "charge.refunded"
)

const (
	SourceWebhook  = "webhook"
	SourcePoll     = "poll"
	SourceAdmin    = "admin"
	SourceCheckout = "checkout"
)

const ProviderStripe = "stripe"

var ErrInvalidEvent = errors.New("invalid payment event")

// Event is one payment notification, whichever path delivered it. ID is the provider's event
// ID; polled events have none and rely on the ledger's own idempotency.
//
// A refund event names its refunds in Refunds, or a single one in RefundID. RefundedTotalCents
// is the cumulative amount refunded on the charge, used when no refund is named.
type Event struct {
	ID                 string
	Kind               Kind
	Source             string
	PaymentRef         string
	ChargeRef          string
	AmountCents        int64
	RefundID           string
	Reason             string
	Refunds            []RefundLine
	RefundedTotalCents int64
	Breakdown          ledger.Breakdown
}

type RefundLine struct {
	ID          string
	AmountCents int64
	Reason      string
}

// lockRef is the reference both paths agree on for one payment.
func (e Event) lockRef() string {
	if e.PaymentRef != "" {
		return e.PaymentRef
	}
	return e.ChargeRef
}

type Result struct {
	Outcome string
	Booking *models.Booking
	Record  *models.PaymentRecord
}

// Locker serializes work on one payment reference across processes.
type Locker interface {
	Acquire(ctx context.Context, ref string) (func(), error)
}

// RefundLister looks up the refunds of a charge when the event did not carry them.
type RefundLister interface {
	ListRefunds(ctx context.Context, chargeRef string) ([]gateway.Refund, error)
}

type Reconciler struct {
	db      *bun.DB
	ledger  *ledger.Ledger
	locker  Locker
	clock   clock.Clock
	logger  *logger.Logger
	metrics *metrics.BookingMetrics
	refunds RefundLister
}

func NewReconciler(bunDB *bun.DB, l *ledger.Ledger, locker Locker, clk clock.Clock, log *logger.Logger, m *metrics.BookingMetrics) *Reconciler {
	return &Reconciler{db: bunDB, ledger: l, locker: locker, clock: clk, logger: log, metrics: m}
}

func (r *Reconciler) WithRefunds(lister RefundLister) *Reconciler {
	r.refunds = lister
	return r
}

// Reconcile applies ev to the ledger. Duplicate deliveries and unknown kinds are not errors.
func (r *Reconciler) Reconcile(ctx context.Context, ev Event) (*Result, error) {
	started := time.Now()
	res, err := r.reconcile(ctx, ev)
	outcome := metrics.OutcomeError
	if err == nil {
		outcome = res.Outcome
	}
	r.metrics.ObserveReconcile(string(ev.Kind), ev.Source, outcome, time.Since(started))
	return res, err
}

func (r *Reconciler) reconcile(ctx context.Context, ev Event) (*Result, error) {
	switch ev.Kind {
	case KindPaymentSucceeded, KindPaymentFailed, KindChargeRefunded:
	default:
		r.logger.LogWebhook(string(ev.Kind), ev.ID, "unhandled event kind, ignoring")
		return &Result{Outcome: metrics.OutcomeIgnored}, nil
	}
	if ev.lockRef() == "" {
		return nil, fmt.Errorf("%w: %s without payment reference", ErrInvalidEvent, ev.Kind)
	}

	if r.locker != nil {
		release, err := r.locker.Acquire(ctx, ev.lockRef())
		if err != nil {
			return nil, err
		}
		defer release()
	}

	if ev.ID != "" {
		done, err := r.alreadyProcessed(ctx, ev)
		if err != nil {
			return nil, err
		}
		if done {
			r.logger.LogWebhook(string(ev.Kind), ev.ID, "event already processed")
			return &Result{Outcome: metrics.OutcomeDuplicate}, nil
		}
	}

	res, err := r.dispatch(ctx, ev)
	if err != nil {
		return nil, err
	}

	if ev.ID != "" {
		if err := r.markProcessed(ctx, ev); err != nil {
			// the ledger is idempotent, a redelivery will only be a no-op
			r.logger.Warn("RECONCILE", fmt.Sprintf("Failed to mark event %s processed: %v", ev.ID, err))
		}
	}
	return res, nil
}

func (r *Reconciler) dispatch(ctx context.Context, ev Event) (*Result, error) {
	var (
		out *ledger.Outcome
		err error
	)
	switch ev.Kind {
	case KindPaymentSucceeded:
		out, err = r.ledger.ApplySuccessfulPayment(ctx, ev.PaymentRef, ev.AmountCents, ev.Breakdown)
		if errors.Is(err, booking.ErrCapacityExceeded) || errors.Is(err, reservation.ErrInvalidReservationState) {
			return r.reject(ctx, ev, err)
		}
	case KindPaymentFailed:
		out, err = r.ledger.ApplyFailedPayment(ctx, ev.PaymentRef, ev.Breakdown)
	case KindChargeRefunded:
		ref := ev.ChargeRef
		if ref == "" {
			ref = ev.PaymentRef
		}
		out, err = r.applyRefunds(ctx, ref, ev)
		if errors.Is(err, ledger.ErrRefundNotFound) {
			r.logger.Warn("RECONCILE", fmt.Sprintf("Refund event %s for unknown charge %s ignored", ev.ID, ref))
			return &Result{Outcome: metrics.OutcomeIgnored}, nil
		}
	}
	if err != nil {
		r.logger.Error("RECONCILE", fmt.Sprintf("%s for %s failed: %v", ev.Kind, ev.lockRef(), err))
		return nil, err
	}

	res := &Result{Outcome: metrics.OutcomeApplied, Booking: out.Booking, Record: out.Record}
	if out.Duplicate {
		res.Outcome = metrics.OutcomeDuplicate
	}
	return res, nil
}

// reject settles a captured payment whose reservation can no longer become a booking. The
// event is done: retrying it would fail the same way.
func (r *Reconciler) reject(ctx context.Context, ev Event, cause error) (*Result, error) {
	out, err := r.ledger.RecordUnbookedPayment(ctx, ev.PaymentRef, ev.AmountCents, ev.Breakdown, cause)
	if err != nil {
		r.logger.Error("RECONCILE", fmt.Sprintf("Recording unbooked payment %s failed: %v", ev.PaymentRef, err))
		return nil, err
	}
	if out.Duplicate {
		return &Result{Outcome: metrics.OutcomeDuplicate, Record: out.Record}, nil
	}
	r.logger.LogWebhook(string(ev.Kind), ev.ID, fmt.Sprintf("payment %s rejected: %v", ev.PaymentRef, cause))
	return &Result{Outcome: metrics.OutcomeRejected, Record: out.Record}, nil
}

// applyRefunds applies every refund of the event once by its refund ID. Refunds missing from
// the event are listed from the gateway. Without any ID the charge's cumulative total is
// applied instead.
func (r *Reconciler) applyRefunds(ctx context.Context, ref string, ev Event) (*ledger.Outcome, error) {
	lines := ev.Refunds
	if len(lines) == 0 && ev.RefundID != "" {
		lines = []RefundLine{{ID: ev.RefundID, AmountCents: ev.AmountCents, Reason: ev.Reason}}
	}
	if len(lines) == 0 && r.refunds != nil && ev.ChargeRef != "" {
		listed, err := r.refunds.ListRefunds(ctx, ev.ChargeRef)
		if err != nil {
			return nil, fmt.Errorf("list refunds of %s: %w", ev.ChargeRef, err)
		}
		for _, rf := range listed {
			if countsAsRefunded(rf.Status) {
				lines = append(lines, RefundLine{ID: rf.ID, AmountCents: rf.AmountCents, Reason: ev.Reason})
			}
		}
	}
	if len(lines) == 0 {
		return r.ledger.ApplyRefundTotal(ctx, ref, ev.RefundedTotalCents, ev.Reason)
	}

	out := &ledger.Outcome{Duplicate: true}
	for _, line := range lines {
		o, err := r.ledger.ApplyRefund(ctx, ref, line.AmountCents, line.Reason, line.ID)
		if err != nil {
			return nil, err
		}
		out.Record = o.Record
		if !o.Duplicate {
			out.Duplicate = false
		}
	}
	return out, nil
}
