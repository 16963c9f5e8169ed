package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ms-tripbooking/internal/booking"
	"ms-tripbooking/internal/clock"
	"ms-tripbooking/internal/installment"
	"ms-tripbooking/internal/logger"
	"ms-tripbooking/internal/metrics"
	"ms-tripbooking/internal/models"
	"ms-tripbooking/internal/reservation"

	"github.com/uptrace/bun"
)

var (
	ErrRefundNotFound  = errors.New("refund target not found")
	ErrBookingTerminal = errors.New("booking is in a terminal state")
	ErrUnlinkedPayment = errors.New("payment matches no reservation or booking")
)

const refundProvider = "stripe_refund"

// MetaUnbooked is the payment record metadata key holding why a captured payment has no booking.
const MetaUnbooked = "unbooked_reason"

// Breakdown is what the ledger knows about a payment besides its reference. Zero amounts fall
// back to the quote frozen on the existing record.
type Breakdown struct {
	BaseCents       int64
	FeeCents        int64
	TaxCents        int64
	Funding         string
	Brand           string
	PaymentMethodID string
	ChargeRef       string
	Currency        string
	Step            models.PaymentStep
	ReservationID   string
	BookingID       *int64
	InstallmentID   *int64
	Metadata        map[string]string
}

// Outcome reports what an apply call did. Duplicate means nothing changed.
type Outcome struct {
	Duplicate    bool
	Materialized bool
	Booking      *models.Booking
	Record       *models.PaymentRecord
}

type Ledger struct {
	db           *bun.DB
	materializer *booking.Materializer
	planner      *installment.Planner
	clock        clock.Clock
	logger       *logger.Logger
	events       Events
	metrics      *metrics.BookingMetrics
	refunder     Refunder
}

func NewLedger(bunDB *bun.DB, materializer *booking.Materializer, planner *installment.Planner, clk clock.Clock, log *logger.Logger) *Ledger {
	return &Ledger{
		db:           bunDB,
		materializer: materializer,
		planner:      planner,
		clock:        clk,
		logger:       log,
		events:       NopEvents{},
	}
}

func (l *Ledger) WithEvents(e Events) *Ledger {
	if e != nil {
		l.events = e
	}
	return l
}

func (l *Ledger) WithMetrics(m *metrics.BookingMetrics) *Ledger {
	l.metrics = m
	return l
}

// ApplySuccessfulPayment applies a settled payment exactly once per payment reference:
// materializes the booking on first payment, adds the base amount to what was paid,
// moves the booking through its states and keeps installment obligations in step.
func (l *Ledger) ApplySuccessfulPayment(ctx context.Context, ref string, totalCents int64, bd Breakdown) (*Outcome, error) {
	out := &Outcome{}
	now := l.clock.Now()

	err := l.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		rec, err := insertOrFetch(ctx, tx, newRecord(ref, models.PaymentPending, bd, now))
		if err != nil {
			return err
		}
		if rec.Status == models.PaymentSucceeded || rec.Status == models.PaymentRefunded || rec.Status == models.PaymentPartiallyRefunded {
			out.Duplicate = true
			out.Record = rec
			return nil
		}

		b, materialized, err := l.resolveBooking(ctx, tx, rec, bd)
		if err != nil {
			return err
		}
		out.Materialized = materialized

		if fillRecord(rec, bd, totalCents) {
			l.logger.Warn("LEDGER", fmt.Sprintf("Payment %s captured %d but breakdown totals %d", ref, totalCents, rec.FinalCents))
		}
		rec.BookingID = &b.ID
		rec.Status = models.PaymentSucceeded
		rec.PaidAt = &now
		rec.UpdatedAt = now
		if rec.InstallmentID == nil {
			rec.InstallmentID = bd.InstallmentID
		}
		if _, err := tx.NewUpdate().Model(rec).WherePK().Exec(ctx); err != nil {
			return fmt.Errorf("update payment record: %w", err)
		}

		if err := l.applyToBooking(ctx, tx, b, rec, now); err != nil {
			return err
		}

		out.Booking = b
		out.Record = rec
		return nil
	})
	if err != nil {
		l.logger.Error("LEDGER", fmt.Sprintf("Apply success for %s rolled back: %v", ref, err))
		return nil, err
	}

	if out.Duplicate {
		l.logger.LogPayment("DUPLICATE", ref, "payment already applied, skipping")
		return out, nil
	}

	l.metrics.PaymentApplied(string(out.Record.Step))
	if out.Materialized {
		l.metrics.BookingMaterialized()
		l.events.BookingConfirmed(ctx, out.Booking)
	}
	l.events.PaymentSucceeded(ctx, out.Booking, out.Record)
	l.logger.LogPayment("SUCCEEDED", ref, fmt.Sprintf("booking=%d base=%d fee=%d paid=%d/%d status=%s",
		out.Booking.ID, out.Record.BaseCents, out.Record.FeeCents, out.Booking.AmountPaidCents, out.Booking.TotalCents, out.Booking.Status))
	return out, nil
}

// applyToBooking adds rec's base amount to b and cascades to line items and obligations.
func (l *Ledger) applyToBooking(ctx context.Context, tx bun.Tx, b *models.Booking, rec *models.PaymentRecord, now time.Time) error {
	b.AmountPaidCents += rec.BaseCents
	if b.Status != models.BookingCancelled {
		if b.AmountPaidCents >= b.TotalCents {
			b.Status = models.BookingFullyPaid
		} else {
			b.Status = models.BookingDepositPaid
		}
	}
	b.UpdatedAt = now
	_, err := tx.NewUpdate().
		Model(b).
		Column("amount_paid_cents", "status", "updated_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update booking: %w", err)
	}

	selections, err := booking.Selections(ctx, tx, b.ID)
	if err != nil {
		return fmt.Errorf("load package selections: %w", err)
	}
	weights := make([]int64, len(selections))
	for i := range selections {
		weights[i] = selections[i].LineTotal()
	}
	shares := Allocate(rec.BaseCents, weights)
	for i := range selections {
		selections[i].AmountPaidCents += shares[i]
		selections[i].Status = b.Status
		_, err := tx.NewUpdate().
			Model(&selections[i]).
			Column("amount_paid_cents", "status").
			WherePK().
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("update package selection %d: %w", selections[i].ID, err)
		}
	}

	if err := l.ensureObligations(ctx, tx, b, selections, now); err != nil {
		return err
	}

	if err := markObligationPaid(ctx, tx, rec, now); err != nil {
		return err
	}

	if rec.Step == models.StepPayoff || b.Status == models.BookingFullyPaid {
		n, err := cancelOpenObligations(ctx, tx, b.ID)
		if err != nil {
			return err
		}
		if n > 0 {
			l.logger.LogBooking("OBLIGATIONS_CANCELLED", b.ID, fmt.Sprintf("%d open obligations closed by %s payment", n, rec.Step))
		}
	}
	return nil
}

// ensureObligations creates the installment schedule for every deposit_installment line that
// has none yet.
func (l *Ledger) ensureObligations(ctx context.Context, tx bun.Tx, b *models.Booking, selections []models.PackageSelection, now time.Time) error {
	var plannedOn time.Time
	for i := range selections {
		sel := &selections[i]
		if sel.PlanType != models.PlanDepositInstallment {
			continue
		}
		exists, err := tx.NewSelect().
			Model((*models.InstallmentObligation)(nil)).
			Where("package_selection_id = ?", sel.ID).
			Exists(ctx)
		if err != nil {
			return fmt.Errorf("check obligations: %w", err)
		}
		if exists {
			continue
		}

		var pkg models.TripPackage
		if err := tx.NewSelect().Model(&pkg).Where("id = ?", sel.PackageID).Limit(1).Scan(ctx); err != nil {
			return fmt.Errorf("load package %d: %w", sel.PackageID, err)
		}
		if !pkg.HasPlan() {
			l.logger.Warn("LEDGER", fmt.Sprintf("Selection %d is on a plan but package %d has none configured", sel.ID, pkg.ID))
			continue
		}
		if plannedOn.IsZero() {
			plannedOn = l.plannedOn(ctx, tx, b, now)
		}
		if _, err := l.planner.CreateInstallmentObligations(ctx, tx, b, sel, *pkg.PaymentPlan, plannedOn, now); err != nil {
			return err
		}
	}
	return nil
}

// plannedOn is the day the booking's reservation priced its initial payment, now when unknown.
func (l *Ledger) plannedOn(ctx context.Context, tx bun.Tx, b *models.Booking, now time.Time) time.Time {
	if b.ReservationID == "" {
		return now
	}
	var res models.Reservation
	err := tx.NewSelect().Model(&res).Column("planned_on").Where("id = ?", b.ReservationID).Limit(1).Scan(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		l.logger.Warn("LEDGER", fmt.Sprintf("Planning date of reservation %s unavailable: %v", b.ReservationID, err))
	}
	if err != nil || res.PlannedOn.IsZero() {
		return now
	}
	return res.PlannedOn
}

func (l *Ledger) resolveBooking(ctx context.Context, tx bun.Tx, rec *models.PaymentRecord, bd Breakdown) (*models.Booking, bool, error) {
	if id := firstID(rec.BookingID, bd.BookingID); id != nil {
		b, err := booking.GetForUpdate(ctx, tx, *id)
		return b, false, err
	}

	var ob models.InstallmentObligation
	q := tx.NewSelect().Model(&ob).Limit(1)
	if id := firstID(rec.InstallmentID, bd.InstallmentID); id != nil {
		q = q.Where("id = ?", *id)
	} else {
		q = q.Where("payment_ref = ?", rec.PaymentRef)
	}
	switch err := q.Scan(ctx); {
	case err == nil:
		b, err := booking.GetForUpdate(ctx, tx, ob.BookingID)
		return b, false, err
	case !errors.Is(err, sql.ErrNoRows):
		return nil, false, fmt.Errorf("lookup obligation: %w", err)
	}

	res, err := reservation.FindByPaymentRef(ctx, tx, rec.PaymentRef, false)
	if errors.Is(err, reservation.ErrNotFound) && bd.ReservationID != "" {
		res, err = &models.Reservation{ID: bd.ReservationID}, nil
	}
	if errors.Is(err, reservation.ErrNotFound) {
		return nil, false, fmt.Errorf("%w: %s", ErrUnlinkedPayment, rec.PaymentRef)
	}
	if err != nil {
		return nil, false, err
	}

	existing, err := booking.GetByReservation(ctx, tx, res.ID)
	if err == nil {
		b, err := booking.GetForUpdate(ctx, tx, existing.ID)
		return b, false, err
	}
	if !errors.Is(err, booking.ErrNotFound) {
		return nil, false, err
	}

	created, err := l.materializer.MaterializeTx(ctx, tx, res.ID)
	if errors.Is(err, reservation.ErrNotFound) {
		return nil, false, fmt.Errorf("%w: %s", ErrUnlinkedPayment, rec.PaymentRef)
	}
	if err != nil {
		return nil, false, err
	}
	rec.ReservationID = res.ID
	b, err := booking.GetForUpdate(ctx, tx, created.ID)
	return b, true, err
}

// RecordUnbookedPayment stores a captured payment that cannot become a booking, such as one
// settling after its reservation expired or its package sold out. The record is succeeded
// with no booking so the money stays visible and can be refunded.
func (l *Ledger) RecordUnbookedPayment(ctx context.Context, ref string, totalCents int64, bd Breakdown, cause error) (*Outcome, error) {
	out := &Outcome{}
	now := l.clock.Now()
	reason := "no booking"
	if cause != nil {
		reason = cause.Error()
	}

	err := l.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		rec, err := insertOrFetch(ctx, tx, newRecord(ref, models.PaymentPending, bd, now))
		if err != nil {
			return err
		}
		out.Record = rec
		if rec.Status == models.PaymentSucceeded || rec.Status == models.PaymentRefunded || rec.Status == models.PaymentPartiallyRefunded {
			out.Duplicate = true
			return nil
		}

		fillRecord(rec, bd, totalCents)
		if rec.ReservationID == "" {
			if res, err := reservation.FindByPaymentRef(ctx, tx, ref, false); err == nil {
				rec.ReservationID = res.ID
			}
		}
		md := make(map[string]string, len(rec.Metadata)+1)
		for k, v := range rec.Metadata {
			md[k] = v
		}
		md[MetaUnbooked] = reason
		rec.Metadata = md
		rec.Status = models.PaymentSucceeded
		rec.PaidAt = &now
		rec.UpdatedAt = now
		_, err = tx.NewUpdate().Model(rec).WherePK().Exec(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out.Duplicate {
		l.logger.LogPayment("UNBOOKED_DUPLICATE", ref, fmt.Sprintf("record already %s", out.Record.Status))
		return out, nil
	}
	l.logger.Error("LEDGER", fmt.Sprintf("Payment %s captured %d without a booking (%s), refund required", ref, out.Record.FinalCents, reason))
	return out, nil
}

// ApplyFailedPayment records a failed attempt. A payment that already succeeded stays succeeded
// and the booking is never touched.
func (l *Ledger) ApplyFailedPayment(ctx context.Context, ref string, bd Breakdown) (*Outcome, error) {
	out := &Outcome{}
	now := l.clock.Now()

	err := l.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		rec, err := insertOrFetch(ctx, tx, newRecord(ref, models.PaymentFailed, bd, now))
		if err != nil {
			return err
		}
		out.Record = rec
		switch rec.Status {
		case models.PaymentFailed:
			return nil
		case models.PaymentPending:
			rec.Status = models.PaymentFailed
			rec.UpdatedAt = now
			_, err := tx.NewUpdate().Model(rec).Column("status", "updated_at").WherePK().Exec(ctx)
			return err
		default:
			out.Duplicate = true
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	if out.Duplicate {
		l.logger.LogPayment("FAILED_IGNORED", ref, fmt.Sprintf("record already %s", out.Record.Status))
		return out, nil
	}
	l.events.PaymentFailed(ctx, out.Record)
	l.logger.LogPayment("FAILED", ref, "payment attempt failed")
	return out, nil
}

// ApplyRefund adds amountCents to the refunded total of the payment found by charge or payment
// reference. A non-empty refundID is applied at most once.
func (l *Ledger) ApplyRefund(ctx context.Context, ref string, amountCents int64, reason, refundID string) (*Outcome, error) {
	label := "refund " + refundID
	return l.applyRefund(ctx, ref, reason, label, func(ctx context.Context, tx bun.Tx, rec *models.PaymentRecord, now time.Time) (int64, error) {
		if refundID != "" {
			fresh, err := markProcessed(ctx, tx, refundProvider, refundID, "refund", rec.PaymentRef, now)
			if err != nil || !fresh {
				return 0, err
			}
		}
		return amountCents, nil
	})
}

// ApplyRefundTotal raises the refunded total of the payment to totalCents, the cumulative
// amount the processor reports for the charge. Totals at or below what is recorded change
// nothing.
func (l *Ledger) ApplyRefundTotal(ctx context.Context, ref string, totalCents int64, reason string) (*Outcome, error) {
	label := fmt.Sprintf("refund total %d", totalCents)
	return l.applyRefund(ctx, ref, reason, label, func(_ context.Context, _ bun.Tx, rec *models.PaymentRecord, _ time.Time) (int64, error) {
		return totalCents - rec.RefundedCents, nil
	})
}

// applyRefund locks the payment found by ref and adds what delta returns to its refunded
// total. A delta of zero or less is a duplicate.
func (l *Ledger) applyRefund(ctx context.Context, ref, reason, label string, delta func(context.Context, bun.Tx, *models.PaymentRecord, time.Time) (int64, error)) (*Outcome, error) {
	out := &Outcome{}
	now := l.clock.Now()
	var applied int64

	err := l.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var rec models.PaymentRecord
		q := tx.NewSelect().Model(&rec).
			WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
				return q.Where("charge_ref = ?", ref).WhereOr("payment_ref = ?", ref)
			}).
			Limit(1)
		if err := forUpdate(tx, q).Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", ErrRefundNotFound, ref)
			}
			return err
		}
		out.Record = &rec

		amount, err := delta(ctx, tx, &rec, now)
		if err != nil {
			return err
		}
		if amount <= 0 {
			out.Duplicate = true
			return nil
		}

		// the processor never refunds more than it captured
		if rec.FinalCents > 0 && rec.RefundedCents+amount > rec.FinalCents {
			amount = rec.FinalCents - rec.RefundedCents
		}
		if amount <= 0 {
			out.Duplicate = true
			return nil
		}
		applied = amount
		rec.RefundedCents += amount
		if rec.RefundedCents >= rec.FinalCents {
			rec.Status = models.PaymentRefunded
		} else {
			rec.Status = models.PaymentPartiallyRefunded
		}
		if reason != "" {
			rec.RefundReason = reason
		}
		rec.RefundedAt = &now
		rec.UpdatedAt = now
		_, err = tx.NewUpdate().
			Model(&rec).
			Column("refunded_cents", "status", "refund_reason", "refunded_at", "updated_at").
			WherePK().
			Exec(ctx)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrRefundNotFound) {
			l.logger.Warn("LEDGER", fmt.Sprintf("Refund for unknown payment %s ignored", ref))
		}
		return nil, err
	}
	if out.Duplicate {
		l.logger.LogPayment("REFUND_DUPLICATE", out.Record.PaymentRef, label+" already applied")
		return out, nil
	}

	l.metrics.Refunded(applied)
	l.events.PaymentRefunded(ctx, out.Record, applied)
	l.logger.LogPayment("REFUNDED", out.Record.PaymentRef, fmt.Sprintf("amount=%d total_refunded=%d status=%s", applied, out.Record.RefundedCents, out.Record.Status))
	return out, nil
}

// CancelBooking cancels a booking that is not yet fully paid, together with its open obligations.
func (l *Ledger) CancelBooking(ctx context.Context, bookingID int64, reason string) (*models.Booking, error) {
	now := l.clock.Now()
	var b *models.Booking

	err := l.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		b, err = booking.GetForUpdate(ctx, tx, bookingID)
		if err != nil {
			return err
		}
		if b.IsTerminal() {
			return fmt.Errorf("%w: booking %d is %s", ErrBookingTerminal, b.ID, b.Status)
		}

		b.Status = models.BookingCancelled
		b.CancelledAt = &now
		b.UpdatedAt = now
		if _, err := tx.NewUpdate().Model(b).Column("status", "cancelled_at", "updated_at").WherePK().Exec(ctx); err != nil {
			return fmt.Errorf("cancel booking: %w", err)
		}
		_, err = tx.NewUpdate().
			Model((*models.PackageSelection)(nil)).
			Set("status = ?", models.BookingCancelled).
			Where("booking_id = ?", b.ID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("cancel package selections: %w", err)
		}
		_, err = cancelOpenObligations(ctx, tx, b.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	l.events.BookingCancelled(ctx, b)
	l.logger.LogBooking("CANCELLED", b.ID, fmt.Sprintf("reason=%q paid=%d", reason, b.AmountPaidCents))
	return b, nil
}

// RecordPending stores a frozen quote for a payment that has not settled yet. An existing
// record keeps its status; only its amounts and card details are refreshed while pending.
func (l *Ledger) RecordPending(ctx context.Context, ref string, finalCents int64, bd Breakdown) (*models.PaymentRecord, error) {
	now := l.clock.Now()
	var out *models.PaymentRecord
	err := l.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		rec, err := insertOrFetch(ctx, tx, newRecord(ref, models.PaymentPending, bd, now))
		if err != nil {
			return err
		}
		out = rec
		if rec.Status != models.PaymentPending {
			return nil
		}
		fillRecord(rec, bd, finalCents)
		if rec.InstallmentID == nil {
			rec.InstallmentID = bd.InstallmentID
		}
		if rec.BookingID == nil {
			rec.BookingID = bd.BookingID
		}
		rec.UpdatedAt = now
		_, err = tx.NewUpdate().Model(rec).WherePK().Exec(ctx)
		return err
	})
	return out, err
}

func newRecord(ref string, status models.PaymentStatus, bd Breakdown, now time.Time) *models.PaymentRecord {
	step := bd.Step
	if step == "" {
		step = models.StepInitial
	}
	return &models.PaymentRecord{
		PaymentRef:      ref,
		ChargeRef:       bd.ChargeRef,
		BookingID:       bd.BookingID,
		ReservationID:   bd.ReservationID,
		InstallmentID:   bd.InstallmentID,
		Step:            step,
		Status:          status,
		BaseCents:       bd.BaseCents,
		FeeCents:        bd.FeeCents,
		TaxCents:        bd.TaxCents,
		FinalCents:      bd.BaseCents + bd.FeeCents + bd.TaxCents,
		Funding:         bd.Funding,
		Brand:           bd.Brand,
		PaymentMethodID: bd.PaymentMethodID,
		Currency:        bd.Currency,
		Metadata:        bd.Metadata,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// fillRecord overlays the breakdown onto rec. The base defaults to what was captured minus
// fee and tax when neither side knows it. It reports a captured total that disagrees with
// the breakdown.
func fillRecord(rec *models.PaymentRecord, bd Breakdown, totalCents int64) bool {
	if bd.BaseCents > 0 {
		rec.BaseCents = bd.BaseCents
	}
	if bd.FeeCents > 0 {
		rec.FeeCents = bd.FeeCents
	}
	if bd.TaxCents > 0 {
		rec.TaxCents = bd.TaxCents
	}
	if rec.BaseCents == 0 && totalCents > 0 {
		rec.BaseCents = totalCents - rec.FeeCents - rec.TaxCents
	}
	rec.FinalCents = rec.BaseCents + rec.FeeCents + rec.TaxCents

	setIfNonEmpty(&rec.ChargeRef, bd.ChargeRef)
	setIfNonEmpty(&rec.Funding, bd.Funding)
	setIfNonEmpty(&rec.Brand, bd.Brand)
	setIfNonEmpty(&rec.PaymentMethodID, bd.PaymentMethodID)
	setIfNonEmpty(&rec.Currency, bd.Currency)
	setIfNonEmpty(&rec.ReservationID, bd.ReservationID)
	if bd.Step != "" {
		rec.Step = bd.Step
	}
	if len(bd.Metadata) > 0 {
		rec.Metadata = bd.Metadata
	}
	return totalCents > 0 && totalCents != rec.FinalCents
}

func setIfNonEmpty(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func firstID(ids ...*int64) *int64 {
	for _, id := range ids {
		if id != nil && *id > 0 {
			return id
		}
	}
	return nil
}
