package ledger

import (
	"context"
	"io"
	"testing"
	"time"

	"ms-tripbooking/internal/booking"
	"ms-tripbooking/internal/clock"
	"ms-tripbooking/internal/db/dbtest"
	"ms-tripbooking/internal/installment"
	"ms-tripbooking/internal/logger"
	"ms-tripbooking/internal/models"
	"ms-tripbooking/internal/reservation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
)

var start = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	db           *bun.DB
	clock        *clock.FakeClock
	reservations *reservation.Store
	ledger       *Ledger
	trip         *models.Trip
}

func setupLedger(t *testing.T) *fixture {
	t.Helper()
	bunDB := dbtest.New(t)
	clk := clock.NewFakeClock(start)
	log := logger.NewWithWriter(io.Discard)
	return &fixture{
		db:           bunDB,
		clock:        clk,
		reservations: reservation.NewStore(bunDB, clk, 24*time.Hour, log),
		ledger:       NewLedger(bunDB, booking.NewMaterializer(bunDB, clk, log), installment.NewPlanner(log), clk, log),
		trip:         dbtest.SeedTrip(t, bunDB, "Iceland"),
	}
}

func (f *fixture) reserve(t *testing.T, ref string, lines ...models.PackageLine) *models.Reservation {
	t.Helper()
	r, err := f.reservations.Create(context.Background(), reservation.NewReservation{
		TripID:     f.trip.ID,
		PaymentRef: ref,
		Selection: models.Selection{
			Packages: lines,
			Buyer:    models.BuyerInfo{FirstName: "Lin", LastName: "Wu", Email: ref + "@example.com"},
		},
	})
	require.NoError(t, err)
	return r
}

func day(offset int) string {
	return start.AddDate(0, 0, offset).Format("2006-01-02")
}

func planPackage(t *testing.T, f *fixture) *models.TripPackage {
	t.Helper()
	return dbtest.SeedPackage(t, f.db, f.trip.ID, "Explorer", 100000, 0, &models.PlanConfig{
		Enabled:      true,
		DepositCents: 20000,
		Installments: []models.ScheduledInstallment{
			{DueDate: day(30), AmountCents: 40000},
			{DueDate: day(60), AmountCents: 40000},
		},
	})
}

func sumSucceededBase(t *testing.T, f *fixture, bookingID int64) int64 {
	t.Helper()
	var total int64
	err := f.db.NewSelect().
		Model((*models.PaymentRecord)(nil)).
		ColumnExpr("COALESCE(SUM(base_cents), 0)").
		Where("booking_id = ?", bookingID).
		Where("status = ?", models.PaymentSucceeded).
		Scan(context.Background(), &total)
	require.NoError(t, err)
	return total
}

func TestApplySuccessfulPayment_DuplicateIsNoOp(t *testing.T) {
	f := setupLedger(t)
	ctx := context.Background()
	pkg := dbtest.SeedPackage(t, f.db, f.trip.ID, "Standard", 100000, 0, nil)
	f.reserve(t, "pi_dup", models.PackageLine{PackageID: pkg.ID, Quantity: 1, PlanType: models.PlanFull})

	bd := Breakdown{BaseCents: 100000, FeeCents: 2900, Funding: "credit", Brand: "visa"}
	first, err := f.ledger.ApplySuccessfulPayment(ctx, "pi_dup", 102900, bd)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.True(t, first.Materialized)
	assert.Equal(t, models.BookingFullyPaid, first.Booking.Status)
	assert.Equal(t, int64(100000), first.Booking.AmountPaidCents, "fee is never counted as paid")

	second, err := f.ledger.ApplySuccessfulPayment(ctx, "pi_dup", 102900, bd)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)

	bookings, err := f.db.NewSelect().Model((*models.Booking)(nil)).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, bookings)
	records, err := f.db.NewSelect().Model((*models.PaymentRecord)(nil)).Where("status = ?", models.PaymentSucceeded).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, records)

	b, err := booking.Get(ctx, f.db, first.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100000), b.AmountPaidCents)
	assert.Equal(t, int64(102900), second.Record.FinalCents)
}

func TestInstallmentLifecycle(t *testing.T) {
	f := setupLedger(t)
	ctx := context.Background()
	pkg := planPackage(t, f)
	f.reserve(t, "pi_dep", models.PackageLine{PackageID: pkg.ID, Quantity: 1, PlanType: models.PlanDepositInstallment})

	out, err := f.ledger.ApplySuccessfulPayment(ctx, "pi_dep", 20000, Breakdown{BaseCents: 20000, Funding: "debit"})
	require.NoError(t, err)
	b := out.Booking
	assert.Equal(t, models.BookingDepositPaid, b.Status)

	obligations, err := booking.Obligations(ctx, f.db, b.ID)
	require.NoError(t, err)
	require.Len(t, obligations, 3)
	assert.Equal(t, 0, obligations[0].Sequence)
	assert.Equal(t, models.ObligationPaid, obligations[0].Status)
	assert.Equal(t, models.ObligationPending, obligations[1].Status)
	assert.Equal(t, models.ObligationPending, obligations[2].Status)

	// first installment, paid on schedule
	f.clock.Advance(30 * 24 * time.Hour)
	instID := obligations[1].ID
	out, err = f.ledger.ApplySuccessfulPayment(ctx, "pi_inst1", 40000, Breakdown{
		BaseCents:     40000,
		Step:          models.StepInstallment,
		BookingID:     &b.ID,
		InstallmentID: &instID,
	})
	require.NoError(t, err)
	assert.Equal(t, models.BookingDepositPaid, out.Booking.Status)
	assert.Equal(t, int64(60000), out.Booking.AmountPaidCents)

	obligations, err = booking.Obligations(ctx, f.db, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ObligationPaid, obligations[1].Status)
	assert.Equal(t, "pi_inst1", obligations[1].PaymentRef)
	assert.Equal(t, models.ObligationPending, obligations[2].Status)

	// payoff of the remaining balance closes the schedule
	out, err = f.ledger.ApplySuccessfulPayment(ctx, "pi_payoff", 40000, Breakdown{
		BaseCents: 40000,
		Step:      models.StepPayoff,
		BookingID: &b.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, models.BookingFullyPaid, out.Booking.Status)

	obligations, err = booking.Obligations(ctx, f.db, b.ID)
	require.NoError(t, err)
	for _, o := range obligations {
		assert.False(t, o.IsOpen(), "obligation %d still open on a fully paid booking", o.Sequence)
	}
	assert.Equal(t, models.ObligationCancelled, obligations[2].Status)

	assert.Equal(t, out.Booking.AmountPaidCents, sumSucceededBase(t, f, b.ID))
}

func TestCatchUpPaymentSkipsPastObligations(t *testing.T) {
	f := setupLedger(t)
	ctx := context.Background()
	pkg := dbtest.SeedPackage(t, f.db, f.trip.ID, "Late joiner", 100000, 0, &models.PlanConfig{
		Enabled:      true,
		DepositCents: 20000,
		Installments: []models.ScheduledInstallment{
			{DueDate: day(-10), AmountCents: 40000},
			{DueDate: day(60), AmountCents: 40000},
		},
	})
	f.reserve(t, "pi_catchup", models.PackageLine{PackageID: pkg.ID, Quantity: 1, PlanType: models.PlanDepositInstallment})

	out, err := f.ledger.ApplySuccessfulPayment(ctx, "pi_catchup", 60000, Breakdown{BaseCents: 60000})
	require.NoError(t, err)
	assert.Equal(t, models.BookingDepositPaid, out.Booking.Status)

	obligations, err := booking.Obligations(ctx, f.db, out.Booking.ID)
	require.NoError(t, err)
	var pending []models.InstallmentObligation
	for _, o := range obligations {
		assert.False(t, o.DueDate.Before(clock.Today(start)), "no obligation before materialization date")
		if o.Status == models.ObligationPending {
			pending = append(pending, o)
		}
	}
	require.Len(t, pending, 1)
	assert.Equal(t, day(60), pending[0].DueDate.Format("2006-01-02"))
}

func TestObligationsFollowReservationPlanningDay(t *testing.T) {
	f := setupLedger(t)
	ctx := context.Background()
	pkg := dbtest.SeedPackage(t, f.db, f.trip.ID, "Overnight", 100000, 0, &models.PlanConfig{
		Enabled:      true,
		DepositCents: 20000,
		Installments: []models.ScheduledInstallment{
			{DueDate: day(0), AmountCents: 40000},
			{DueDate: day(60), AmountCents: 40000},
		},
	})
	r := f.reserve(t, "pi_overnight", models.PackageLine{PackageID: pkg.ID, Quantity: 1, PlanType: models.PlanDepositInstallment})
	assert.True(t, r.PlannedOn.Equal(clock.Today(start)))

	// the deposit quoted on day 0 settles after midnight
	f.clock.Advance(20 * time.Hour)
	out, err := f.ledger.ApplySuccessfulPayment(ctx, "pi_overnight", 20000, Breakdown{BaseCents: 20000})
	require.NoError(t, err)
	assert.Equal(t, models.BookingDepositPaid, out.Booking.Status)

	obligations, err := booking.Obligations(ctx, f.db, out.Booking.ID)
	require.NoError(t, err)
	require.Len(t, obligations, 3)
	assert.Equal(t, models.ObligationPaid, obligations[0].Status)
	require.NotNil(t, obligations[0].PaidAt)
	assert.True(t, obligations[0].PaidAt.Equal(f.clock.Now()))

	assert.Equal(t, 1, obligations[1].Sequence)
	assert.Equal(t, day(0), obligations[1].DueDate.Format("2006-01-02"))
	assert.Equal(t, models.ObligationPending, obligations[1].Status)

	var open int64
	for _, o := range obligations {
		if o.IsOpen() {
			open += o.AmountCents
		}
	}
	assert.Equal(t, out.Booking.RemainingCents(), open)
}

func TestAllocationAcrossPackages(t *testing.T) {
	f := setupLedger(t)
	ctx := context.Background()
	a := dbtest.SeedPackage(t, f.db, f.trip.ID, "A", 33333, 0, nil)
	b := dbtest.SeedPackage(t, f.db, f.trip.ID, "B", 66667, 0, nil)
	f.reserve(t, "pi_alloc",
		models.PackageLine{PackageID: a.ID, Quantity: 1},
		models.PackageLine{PackageID: b.ID, Quantity: 1},
	)

	out, err := f.ledger.ApplySuccessfulPayment(ctx, "pi_alloc", 50001, Breakdown{BaseCents: 50001})
	require.NoError(t, err)

	lines, err := booking.Selections(ctx, f.db, out.Booking.ID)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, int64(50001), lines[0].AmountPaidCents+lines[1].AmountPaidCents)
	assert.Equal(t, models.BookingDepositPaid, lines[0].Status)
	assert.Equal(t, models.BookingDepositPaid, lines[1].Status)
}

func TestApplyFailedPayment(t *testing.T) {
	f := setupLedger(t)
	ctx := context.Background()
	pkg := dbtest.SeedPackage(t, f.db, f.trip.ID, "Standard", 100000, 0, nil)
	r := f.reserve(t, "pi_fail", models.PackageLine{PackageID: pkg.ID, Quantity: 1})

	out, err := f.ledger.ApplyFailedPayment(ctx, "pi_fail", Breakdown{ReservationID: r.ID})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentFailed, out.Record.Status)

	count, err := f.db.NewSelect().Model((*models.Booking)(nil)).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count, "failure never creates a booking")

	// a retry with another card succeeds on the same intent
	ok, err := f.ledger.ApplySuccessfulPayment(ctx, "pi_fail", 100000, Breakdown{BaseCents: 100000})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentSucceeded, ok.Record.Status)

	late, err := f.ledger.ApplyFailedPayment(ctx, "pi_fail", Breakdown{})
	require.NoError(t, err)
	assert.True(t, late.Duplicate)
	assert.Equal(t, models.PaymentSucceeded, late.Record.Status)
}

func TestApplyRefund(t *testing.T) {
	f := setupLedger(t)
	ctx := context.Background()
	pkg := dbtest.SeedPackage(t, f.db, f.trip.ID, "Standard", 100000, 0, nil)
	f.reserve(t, "pi_ref", models.PackageLine{PackageID: pkg.ID, Quantity: 1})

	paid, err := f.ledger.ApplySuccessfulPayment(ctx, "pi_ref", 103500, Breakdown{BaseCents: 100000, FeeCents: 3500, ChargeRef: "ch_ref"})
	require.NoError(t, err)

	out, err := f.ledger.ApplyRefund(ctx, "ch_ref", 50000, "requested_by_customer", "re_1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPartiallyRefunded, out.Record.Status)
	assert.Equal(t, int64(50000), out.Record.RefundedCents)

	dup, err := f.ledger.ApplyRefund(ctx, "ch_ref", 50000, "", "re_1")
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)

	out, err = f.ledger.ApplyRefund(ctx, "pi_ref", 53500, "", "re_2")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentRefunded, out.Record.Status)
	assert.Equal(t, int64(103500), out.Record.RefundedCents)

	// refunds never move the booking
	b, err := booking.Get(ctx, f.db, paid.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingFullyPaid, b.Status)

	_, err = f.ledger.ApplyRefund(ctx, "ch_unknown", 100, "", "re_3")
	assert.ErrorIs(t, err, ErrRefundNotFound)

	// a refunded payment is not re-applied by a late success event
	again, err := f.ledger.ApplySuccessfulPayment(ctx, "pi_ref", 103500, Breakdown{})
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
}

func TestApplyRefundTotal(t *testing.T) {
	f := setupLedger(t)
	ctx := context.Background()
	pkg := dbtest.SeedPackage(t, f.db, f.trip.ID, "Standard", 100000, 0, nil)
	f.reserve(t, "pi_tot", models.PackageLine{PackageID: pkg.ID, Quantity: 1})
	_, err := f.ledger.ApplySuccessfulPayment(ctx, "pi_tot", 100000, Breakdown{BaseCents: 100000, ChargeRef: "ch_tot"})
	require.NoError(t, err)

	out, err := f.ledger.ApplyRefund(ctx, "ch_tot", 30000, "", "re_tot1")
	require.NoError(t, err)
	assert.Equal(t, int64(30000), out.Record.RefundedCents)

	dup, err := f.ledger.ApplyRefundTotal(ctx, "ch_tot", 30000, "")
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)

	out, err = f.ledger.ApplyRefundTotal(ctx, "ch_tot", 45000, "duplicate")
	require.NoError(t, err)
	assert.False(t, out.Duplicate)
	assert.Equal(t, int64(45000), out.Record.RefundedCents)
	assert.Equal(t, models.PaymentPartiallyRefunded, out.Record.Status)
	assert.Equal(t, "duplicate", out.Record.RefundReason)

	// totals never go backwards and never pass what was captured
	dup, err = f.ledger.ApplyRefundTotal(ctx, "ch_tot", 20000, "")
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
	out, err = f.ledger.ApplyRefundTotal(ctx, "ch_tot", 150000, "")
	require.NoError(t, err)
	assert.Equal(t, int64(100000), out.Record.RefundedCents)
	assert.Equal(t, models.PaymentRefunded, out.Record.Status)
}

func TestRecordUnbookedPayment(t *testing.T) {
	f := setupLedger(t)
	ctx := context.Background()
	pkg := dbtest.SeedPackage(t, f.db, f.trip.ID, "Tiny", 100000, 1, nil)
	f.reserve(t, "pi_kept", models.PackageLine{PackageID: pkg.ID, Quantity: 1})
	_, err := f.ledger.ApplySuccessfulPayment(ctx, "pi_kept", 100000, Breakdown{BaseCents: 100000})
	require.NoError(t, err)

	r := f.reserve(t, "pi_bounced", models.PackageLine{PackageID: pkg.ID, Quantity: 1})
	bd := Breakdown{BaseCents: 100000, FeeCents: 2900, ChargeRef: "ch_bounced"}
	_, cause := f.ledger.ApplySuccessfulPayment(ctx, "pi_bounced", 102900, bd)
	require.ErrorIs(t, cause, booking.ErrCapacityExceeded)

	out, err := f.ledger.RecordUnbookedPayment(ctx, "pi_bounced", 102900, bd, cause)
	require.NoError(t, err)
	assert.False(t, out.Duplicate)
	assert.Equal(t, models.PaymentSucceeded, out.Record.Status)
	assert.Nil(t, out.Record.BookingID)
	assert.Equal(t, r.ID, out.Record.ReservationID)
	assert.Equal(t, int64(102900), out.Record.FinalCents)
	assert.Equal(t, "ch_bounced", out.Record.ChargeRef)

	var stored models.PaymentRecord
	require.NoError(t, f.db.NewSelect().Model(&stored).Where("payment_ref = ?", "pi_bounced").Scan(ctx))
	assert.Contains(t, stored.Metadata[MetaUnbooked], "capacity exceeded")
	require.NotNil(t, stored.PaidAt)

	again, err := f.ledger.RecordUnbookedPayment(ctx, "pi_bounced", 102900, bd, cause)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	late, err := f.ledger.ApplySuccessfulPayment(ctx, "pi_bounced", 102900, bd)
	require.NoError(t, err)
	assert.True(t, late.Duplicate)

	count, err := f.db.NewSelect().Model((*models.Booking)(nil)).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCancelBooking(t *testing.T) {
	f := setupLedger(t)
	ctx := context.Background()
	pkg := planPackage(t, f)
	f.reserve(t, "pi_cancel", models.PackageLine{PackageID: pkg.ID, Quantity: 1, PlanType: models.PlanDepositInstallment})

	out, err := f.ledger.ApplySuccessfulPayment(ctx, "pi_cancel", 20000, Breakdown{BaseCents: 20000})
	require.NoError(t, err)

	cancelled, err := f.ledger.CancelBooking(ctx, out.Booking.ID, "customer request")
	require.NoError(t, err)
	assert.Equal(t, models.BookingCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CancelledAt)

	obligations, err := booking.Obligations(ctx, f.db, out.Booking.ID)
	require.NoError(t, err)
	for _, o := range obligations {
		assert.False(t, o.IsOpen())
	}

	_, err = f.ledger.CancelBooking(ctx, out.Booking.ID, "again")
	assert.ErrorIs(t, err, ErrBookingTerminal)

	// money arriving late is recorded but the booking stays cancelled
	late, err := f.ledger.ApplySuccessfulPayment(ctx, "pi_late", 40000, Breakdown{BaseCents: 40000, BookingID: &out.Booking.ID, Step: models.StepInstallment})
	require.NoError(t, err)
	assert.Equal(t, models.BookingCancelled, late.Booking.Status)
	assert.Equal(t, int64(60000), late.Booking.AmountPaidCents)
	assert.Equal(t, late.Booking.AmountPaidCents, sumSucceededBase(t, f, out.Booking.ID))
}

func TestCancelBooking_FullyPaidIsTerminal(t *testing.T) {
	f := setupLedger(t)
	ctx := context.Background()
	pkg := dbtest.SeedPackage(t, f.db, f.trip.ID, "Standard", 100000, 0, nil)
	f.reserve(t, "pi_full", models.PackageLine{PackageID: pkg.ID, Quantity: 1})

	out, err := f.ledger.ApplySuccessfulPayment(ctx, "pi_full", 100000, Breakdown{BaseCents: 100000})
	require.NoError(t, err)

	_, err = f.ledger.CancelBooking(ctx, out.Booking.ID, "")
	assert.ErrorIs(t, err, ErrBookingTerminal)
}

func TestApplySuccessfulPayment_FailureRollsBack(t *testing.T) {
	f := setupLedger(t)
	ctx := context.Background()

	_, err := f.ledger.ApplySuccessfulPayment(ctx, "pi_orphan", 1000, Breakdown{BaseCents: 1000})
	assert.ErrorIs(t, err, ErrUnlinkedPayment)

	pkg := dbtest.SeedPackage(t, f.db, f.trip.ID, "Tiny", 100000, 1, nil)
	f.reserve(t, "pi_first", models.PackageLine{PackageID: pkg.ID, Quantity: 1})
	_, err = f.ledger.ApplySuccessfulPayment(ctx, "pi_first", 100000, Breakdown{BaseCents: 100000})
	require.NoError(t, err)

	r := f.reserve(t, "pi_second", models.PackageLine{PackageID: pkg.ID, Quantity: 1})
	_, err = f.ledger.ApplySuccessfulPayment(ctx, "pi_second", 100000, Breakdown{BaseCents: 100000})
	assert.ErrorIs(t, err, booking.ErrCapacityExceeded)

	count, err := f.db.NewSelect().Model((*models.PaymentRecord)(nil)).Where("payment_ref IN (?)", bun.In([]string{"pi_orphan", "pi_second"})).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count, "no dangling payment records")

	got, err := f.reservations.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationPending, got.Status)
}

func TestRecordPendingKeepsQuoteForSettlement(t *testing.T) {
	f := setupLedger(t)
	ctx := context.Background()
	pkg := dbtest.SeedPackage(t, f.db, f.trip.ID, "Standard", 100000, 0, nil)
	f.reserve(t, "pi_quote", models.PackageLine{PackageID: pkg.ID, Quantity: 1})

	_, err := f.ledger.RecordPending(ctx, "pi_quote", 103500, Breakdown{BaseCents: 100000, FeeCents: 3500, Funding: "credit", Brand: "amex"})
	require.NoError(t, err)

	// the settlement notification carries only the captured total
	out, err := f.ledger.ApplySuccessfulPayment(ctx, "pi_quote", 103500, Breakdown{})
	require.NoError(t, err)
	assert.Equal(t, int64(100000), out.Record.BaseCents)
	assert.Equal(t, int64(3500), out.Record.FeeCents)
	assert.Equal(t, "amex", out.Record.Brand)
	assert.Equal(t, int64(100000), out.Booking.AmountPaidCents)
}

func TestFillRecordOverlaysOnlySetFields(t *testing.T) {
	rec := &models.PaymentRecord{Funding: "debit", Brand: "visa", ChargeRef: "ch_old", BaseCents: 5000}
	mismatch := fillRecord(rec, Breakdown{Funding: "credit", ChargeRef: "ch_new"}, 5000)
	assert.False(t, mismatch)
	assert.Equal(t, "credit", rec.Funding)
	assert.Equal(t, "ch_new", rec.ChargeRef)
	assert.Equal(t, "visa", rec.Brand, "empty breakdown fields keep what is stored")
	assert.Equal(t, int64(5000), rec.FinalCents)
}
