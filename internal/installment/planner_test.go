package installment

import (
	"io"
	"testing"
	"time"

	"ms-tripbooking/internal/logger"
	"ms-tripbooking/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var today = time.Date(2026, 4, 15, 13, 30, 0, 0, time.UTC)

func date(offset int) string {
	return today.AddDate(0, 0, offset).Format(dateLayout)
}

func newPlanner() *Planner {
	return NewPlanner(logger.NewWithWriter(io.Discard))
}

// depositPlan is $200 down and two $400 installments at the given day offsets.
func depositPlan(first, second int) *models.PlanConfig {
	return &models.PlanConfig{
		Enabled:      true,
		DepositCents: 20000,
		Installments: []models.ScheduledInstallment{
			{DueDate: date(first), AmountCents: 40000},
			{DueDate: date(second), AmountCents: 40000},
		},
	}
}

func onePackage(plan *models.PlanConfig, qty int) PricedSelection {
	return PricedSelection{Packages: []PricedPackage{{
		PackageID:      1,
		Quantity:       qty,
		UnitPriceCents: 100000,
		PlanType:       models.PlanDepositInstallment,
		Plan:           plan,
	}}}
}

func TestCalculateInitialPayment_FullPrice(t *testing.T) {
	sel := onePackage(nil, 1)
	sel.Packages[0].PlanType = models.PlanFull

	got := newPlanner().CalculateInitialPayment(sel, models.PlanFull, today)

	assert.Equal(t, int64(100000), got.InitialAmount)
	assert.Equal(t, int64(100000), got.DepositPart)
	assert.Zero(t, got.OverdueInstallmentsPart)
}

func TestCalculateInitialPayment_DepositOnly(t *testing.T) {
	got := newPlanner().CalculateInitialPayment(onePackage(depositPlan(30, 60), 1), models.PlanDepositInstallment, today)

	assert.Equal(t, int64(20000), got.InitialAmount)
	assert.Equal(t, int64(20000), got.DepositPart)
	assert.Zero(t, got.OverdueInstallmentsPart)
	assert.Empty(t, got.Warnings)
}

func TestCalculateInitialPayment_CatchesUpOverdue(t *testing.T) {
	got := newPlanner().CalculateInitialPayment(onePackage(depositPlan(-10, 60), 1), models.PlanDepositInstallment, today)

	assert.Equal(t, int64(60000), got.InitialAmount)
	assert.Equal(t, int64(20000), got.DepositPart)
	assert.Equal(t, int64(40000), got.OverdueInstallmentsPart)
}

func TestCalculateInitialPayment_DueTodayIsNotOverdue(t *testing.T) {
	got := newPlanner().CalculateInitialPayment(onePackage(depositPlan(0, 60), 1), models.PlanDepositInstallment, today)
	assert.Equal(t, int64(20000), got.InitialAmount)
}

func TestCalculateInitialPayment_ScalesWithQuantity(t *testing.T) {
	got := newPlanner().CalculateInitialPayment(onePackage(depositPlan(-10, 60), 3), models.PlanDepositInstallment, today)

	assert.Equal(t, int64(60000), got.DepositPart)
	assert.Equal(t, int64(120000), got.OverdueInstallmentsPart)
	assert.Equal(t, int64(180000), got.InitialAmount)
}

func TestCalculateInitialPayment_MixedPlansAddOnsAndDiscount(t *testing.T) {
	sel := PricedSelection{
		Packages: []PricedPackage{
			{PackageID: 1, Quantity: 1, UnitPriceCents: 100000, PlanType: models.PlanDepositInstallment, Plan: depositPlan(30, 60)},
			// no plan configured: billed in full even on a deposit request
			{PackageID: 2, Quantity: 1, UnitPriceCents: 50000},
			// plan configured but full requested for this line
			{PackageID: 3, Quantity: 1, UnitPriceCents: 100000, PlanType: models.PlanFull, Plan: depositPlan(30, 60)},
		},
		AddOns:        []PricedAddOn{{AddOnID: 9, Quantity: 2, UnitPriceCents: 2500}},
		DiscountCents: 1000,
	}

	got := newPlanner().CalculateInitialPayment(sel, models.PlanDepositInstallment, today)

	assert.Equal(t, int64(20000+50000+100000), got.DepositPart)
	assert.Equal(t, int64(5000), got.AddOnsPart)
	assert.Equal(t, int64(1000), got.DiscountAmount)
	assert.Equal(t, int64(170000+5000-1000), got.InitialAmount)
}

func TestCalculateInitialPayment_DiscountNeverGoesNegative(t *testing.T) {
	sel := onePackage(depositPlan(30, 60), 1)
	sel.DiscountCents = 500000

	got := newPlanner().CalculateInitialPayment(sel, models.PlanDepositInstallment, today)
	assert.Zero(t, got.InitialAmount)
	assert.Zero(t, sel.Total())
}

func TestCalculateInitialPayment_SkipsMalformedEntries(t *testing.T) {
	plan := &models.PlanConfig{
		Enabled:      true,
		DepositCents: 20000,
		Installments: []models.ScheduledInstallment{
			{DueDate: "15/03/2026", AmountCents: 40000},
			{DueDate: date(-5), AmountCents: 0},
			{DueDate: date(-5), AmountCents: 30000},
		},
	}

	got := newPlanner().CalculateInitialPayment(onePackage(plan, 1), models.PlanDepositInstallment, today)

	assert.Equal(t, int64(50000), got.InitialAmount)
	require.Len(t, got.Warnings, 2)
	assert.Equal(t, 1, got.Warnings[0].Position)
	assert.Equal(t, 2, got.Warnings[1].Position)
	assert.Contains(t, got.Warnings[0].String(), "YYYY-MM-DD")
}

func TestParseSchedule_KeepsConfiguredPositions(t *testing.T) {
	entries, warnings := ParseSchedule(models.PlanConfig{Installments: []models.ScheduledInstallment{
		{DueDate: "2026-05-01", AmountCents: 100},
		{DueDate: "not-a-date", AmountCents: 100},
		{DueDate: "2026-07-01", AmountCents: 100},
	}})

	require.Len(t, entries, 2)
	assert.Equal(t, 1, entries[0].Position)
	assert.Equal(t, 3, entries[1].Position)
	assert.Equal(t, time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC), entries[1].DueDate)
	require.Len(t, warnings, 1)
	assert.Equal(t, "not-a-date", warnings[0].DueDate)
}

func TestBuildObligations(t *testing.T) {
	booking := &models.Booking{ID: 7, Status: models.BookingDepositPaid}
	sel := &models.PackageSelection{ID: 3, Quantity: 1}

	t.Run("all future", func(t *testing.T) {
		rows, warnings := BuildObligations(booking, sel, *depositPlan(30, 60), today)
		assert.Empty(t, warnings)
		require.Len(t, rows, 3)

		assert.Equal(t, 0, rows[0].Sequence)
		assert.Equal(t, models.ObligationPaid, rows[0].Status)
		assert.NotNil(t, rows[0].PaidAt)

		for i, row := range rows[1:] {
			assert.Equal(t, i+1, row.Sequence)
			assert.Equal(t, models.ObligationPending, row.Status)
			assert.Equal(t, int64(40000), row.AmountCents)
			assert.Equal(t, int64(7), row.BookingID)
			assert.Equal(t, int64(3), row.PackageSelectionID)
		}
	})

	t.Run("past entries folded into the initial payment", func(t *testing.T) {
		rows, _ := BuildObligations(booking, sel, *depositPlan(-10, 60), today)
		require.Len(t, rows, 2)
		assert.Equal(t, 2, rows[1].Sequence)
		assert.Equal(t, today.AddDate(0, 0, 60).Format(dateLayout), rows[1].DueDate.Format(dateLayout))
	})

	t.Run("pending booking leaves deposit open", func(t *testing.T) {
		rows, _ := BuildObligations(&models.Booking{ID: 7, Status: models.BookingPending}, sel, *depositPlan(30, 60), today)
		assert.Equal(t, models.ObligationPending, rows[0].Status)
		assert.Nil(t, rows[0].PaidAt)
	})
}

// Whatever part of the schedule is already past, the initial payment plus the obligations
// left open add up to the package total.
func TestCatchUpCoversEveryCent(t *testing.T) {
	planner := newPlanner()
	booking := &models.Booking{ID: 1, Status: models.BookingDepositPaid}

	for _, offsets := range [][2]int{{30, 60}, {-10, 60}, {-40, -10}, {0, 1}, {-1, 0}} {
		plan := depositPlan(offsets[0], offsets[1])
		for _, qty := range []int{1, 2} {
			sel := onePackage(plan, qty)
			initial := planner.CalculateInitialPayment(sel, models.PlanDepositInstallment, today)

			rows, _ := BuildObligations(booking, &models.PackageSelection{ID: 1, Quantity: qty}, *plan, today)
			remaining := int64(0)
			for _, row := range rows {
				if row.Sequence > 0 {
					remaining += row.AmountCents
				}
			}
			assert.Equal(t, int64(qty)*100000, initial.InitialAmount+remaining, "offsets %v qty %d", offsets, qty)
		}
	}
}

func TestDueReminder(t *testing.T) {
	sentYesterday := today.AddDate(0, 0, -1)
	sentToday := today.Add(-time.Hour)
	sentFourDaysAgo := today.AddDate(0, 0, -4)

	due := func(offset int) time.Time { return today.AddDate(0, 0, offset) }

	tests := []struct {
		name     string
		o        models.InstallmentObligation
		wantKind ReminderKind
		wantOK   bool
	}{
		{"three days out", models.InstallmentObligation{Sequence: 1, Status: models.ObligationPending, DueDate: due(3)}, ReminderThreeDays, true},
		{"three days out already warned", models.InstallmentObligation{Sequence: 1, Status: models.ObligationPending, DueDate: due(3), ReminderSent: true, ReminderSentAt: &sentFourDaysAgo}, "", false},
		{"two days out", models.InstallmentObligation{Sequence: 1, Status: models.ObligationPending, DueDate: due(2)}, "", false},
		{"one day out", models.InstallmentObligation{Sequence: 1, Status: models.ObligationPending, DueDate: due(1), ReminderSentAt: &sentYesterday}, ReminderOneDay, true},
		{"due today", models.InstallmentObligation{Sequence: 2, Status: models.ObligationPending, DueDate: due(0)}, ReminderDueToday, true},
		{"already sent today", models.InstallmentObligation{Sequence: 2, Status: models.ObligationPending, DueDate: due(0), ReminderSentAt: &sentToday}, "", false},
		{"overdue first notice", models.InstallmentObligation{Sequence: 1, Status: models.ObligationOverdue, DueDate: due(-2)}, ReminderOverdue, true},
		{"overdue within period", models.InstallmentObligation{Sequence: 1, Status: models.ObligationOverdue, DueDate: due(-2), ReminderSentAt: &sentYesterday}, "", false},
		{"overdue after period", models.InstallmentObligation{Sequence: 1, Status: models.ObligationOverdue, DueDate: due(-8), ReminderSentAt: &sentFourDaysAgo, ReminderCount: 3}, ReminderOverdue, true},
		{"overdue at max", models.InstallmentObligation{Sequence: 1, Status: models.ObligationOverdue, DueDate: due(-30), ReminderSentAt: &sentFourDaysAgo, ReminderCount: MaxReminders}, "", false},
		{"deposit never reminded", models.InstallmentObligation{Sequence: 0, Status: models.ObligationPending, DueDate: due(0)}, "", false},
		{"paid", models.InstallmentObligation{Sequence: 1, Status: models.ObligationPaid, DueDate: due(0)}, "", false},
		{"cancelled", models.InstallmentObligation{Sequence: 1, Status: models.ObligationCancelled, DueDate: due(1)}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, ok := DueReminder(&tt.o, today)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantKind, kind)
		})
	}
}
