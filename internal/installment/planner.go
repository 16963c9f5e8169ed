package installment

import (
	"context"
	"fmt"
	"time"

	"ms-tripbooking/internal/clock"
	"ms-tripbooking/internal/logger"
	"ms-tripbooking/internal/models"

	"github.com/uptrace/bun"
)

type PricedPackage struct {
	PackageID      int64
	Quantity       int
	UnitPriceCents int64
	PlanType       models.PlanType
	Plan           *models.PlanConfig
}

func (p PricedPackage) LineTotal() int64 {
	return p.UnitPriceCents * int64(p.Quantity)
}

// onPlan reports whether this line is billed as deposit + installments.
func (p PricedPackage) onPlan(requested models.PlanType) bool {
	if requested != models.PlanDepositInstallment || p.Plan == nil || !p.Plan.Enabled {
		return false
	}
	return p.PlanType == "" || p.PlanType == models.PlanDepositInstallment
}

type PricedAddOn struct {
	AddOnID        int64
	Quantity       int
	UnitPriceCents int64
}

func (a PricedAddOn) LineTotal() int64 {
	return a.UnitPriceCents * int64(a.Quantity)
}

// PricedSelection is a Selection resolved against catalog prices.
type PricedSelection struct {
	Packages      []PricedPackage
	AddOns        []PricedAddOn
	DiscountCents int64
}

func (s PricedSelection) PackagesSubtotal() int64 {
	var total int64
	for _, p := range s.Packages {
		total += p.LineTotal()
	}
	return total
}

func (s PricedSelection) AddOnsSubtotal() int64 {
	var total int64
	for _, a := range s.AddOns {
		total += a.LineTotal()
	}
	return total
}

// Gross is packages at full price plus add-ons, before discount.
func (s PricedSelection) Gross() int64 {
	return s.PackagesSubtotal() + s.AddOnsSubtotal()
}

// Total is what the booking will owe overall.
func (s PricedSelection) Total() int64 {
	return nonNegative(s.Gross() - s.DiscountCents)
}

// InitialPayment is the amount due now. Package lines billed in full are counted in DepositPart.
type InitialPayment struct {
	InitialAmount           int64         `json:"initial_amount"`
	DepositPart             int64         `json:"deposit_part"`
	OverdueInstallmentsPart int64         `json:"overdue_installments_part"`
	AddOnsPart              int64         `json:"addons_part"`
	DiscountAmount          int64         `json:"discount_amount"`
	Warnings                []PlanWarning `json:"warnings,omitempty"`
}

type Planner struct {
	logger *logger.Logger
}

func NewPlanner(log *logger.Logger) *Planner {
	return &Planner{logger: log}
}

// CalculateInitialPayment computes what must be paid today. With a deposit_installment request,
// every scheduled entry already due before today is caught up in this payment.
func (p *Planner) CalculateInitialPayment(sel PricedSelection, planType models.PlanType, today time.Time) InitialPayment {
	today = clock.Today(today)
	out := InitialPayment{
		AddOnsPart:     sel.AddOnsSubtotal(),
		DiscountAmount: sel.DiscountCents,
	}

	if planType != models.PlanDepositInstallment {
		out.DepositPart = sel.PackagesSubtotal()
		out.InitialAmount = nonNegative(sel.Gross() - sel.DiscountCents)
		return out
	}

	for _, line := range sel.Packages {
		if !line.onPlan(planType) {
			out.DepositPart += line.LineTotal()
			continue
		}
		qty := int64(line.Quantity)
		out.DepositPart += line.Plan.DepositCents * qty

		entries, warnings := ParseSchedule(*line.Plan)
		for _, w := range warnings {
			p.logger.Warn("PLANNER", fmt.Sprintf("package %d: skipping %s", line.PackageID, w))
		}
		out.Warnings = append(out.Warnings, warnings...)

		for _, e := range entries {
			if e.DueDate.Before(today) {
				out.OverdueInstallmentsPart += e.AmountCents * qty
			}
		}
	}

	out.InitialAmount = nonNegative(out.DepositPart + out.OverdueInstallmentsPart + out.AddOnsPart - out.DiscountAmount)
	return out
}

// BuildObligations lays out the deposit row and one pending row per schedule entry due today or later.
// Entries before today were folded into the initial payment and produce nothing.
func BuildObligations(booking *models.Booking, sel *models.PackageSelection, plan models.PlanConfig, today time.Time) ([]models.InstallmentObligation, []PlanWarning) {
	today = clock.Today(today)
	qty := int64(sel.Quantity)
	var rows []models.InstallmentObligation

	if plan.DepositCents > 0 {
		deposit := models.InstallmentObligation{
			BookingID:          booking.ID,
			PackageSelectionID: sel.ID,
			Sequence:           0,
			AmountCents:        plan.DepositCents * qty,
			DueDate:            today,
			Status:             models.ObligationPending,
		}
		if booking.Status == models.BookingDepositPaid || booking.Status == models.BookingFullyPaid {
			deposit.Status = models.ObligationPaid
			paidAt := today
			deposit.PaidAt = &paidAt
		}
		rows = append(rows, deposit)
	}

	entries, warnings := ParseSchedule(plan)
	for _, e := range entries {
		if e.DueDate.Before(today) {
			continue
		}
		rows = append(rows, models.InstallmentObligation{
			BookingID:          booking.ID,
			PackageSelectionID: sel.ID,
			Sequence:           e.Position,
			AmountCents:        e.AmountCents * qty,
			DueDate:            e.DueDate,
			Status:             models.ObligationPending,
		})
	}
	return rows, warnings
}

// CreateInstallmentObligations persists BuildObligations through idb, usually the caller's transaction.
// The schedule is cut on plannedOn, the day the initial payment was computed, so entries
// due after that day stay owed even when the payment settles later. A zero plannedOn means now.
func (p *Planner) CreateInstallmentObligations(ctx context.Context, idb bun.IDB, booking *models.Booking, sel *models.PackageSelection, plan models.PlanConfig, plannedOn, now time.Time) ([]models.InstallmentObligation, error) {
	if plannedOn.IsZero() || plannedOn.After(now) {
		plannedOn = now
	}
	rows, warnings := BuildObligations(booking, sel, plan, plannedOn)
	for _, w := range warnings {
		p.logger.Warn("PLANNER", fmt.Sprintf("booking %d selection %d: skipping %s", booking.ID, sel.ID, w))
	}
	if len(rows) == 0 {
		return nil, nil
	}
	today := clock.Today(now)
	var late int
	for i := range rows {
		rows[i].CreatedAt = now
		if rows[i].PaidAt != nil {
			paidAt := now
			rows[i].PaidAt = &paidAt
		}
		if rows[i].Sequence > 0 && rows[i].DueDate.Before(today) {
			late++
		}
	}
	if late > 0 {
		p.logger.Warn("PLANNER", fmt.Sprintf("booking %d selection %d: %d installments fell due between %s and settlement",
			booking.ID, sel.ID, late, clock.Today(plannedOn).Format("2006-01-02")))
	}
	if _, err := idb.NewInsert().Model(&rows).Exec(ctx); err != nil {
		return nil, fmt.Errorf("insert installment obligations: %w", err)
	}
	p.logger.LogBooking("INSTALLMENTS", booking.ID, fmt.Sprintf("created %d obligations for selection %d", len(rows), sel.ID))
	return rows, nil
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
