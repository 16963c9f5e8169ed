package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ms-tripbooking/internal/booking"
	"ms-tripbooking/internal/clock"
	"ms-tripbooking/internal/db"
	"ms-tripbooking/internal/installment"
	"ms-tripbooking/internal/models"
	"ms-tripbooking/internal/payment/gateway"
	"ms-tripbooking/internal/reservation"

	"github.com/google/uuid"
)

// ReservationResult is what the storefront needs to collect the first payment.
type ReservationResult struct {
	Reservation  *models.Reservation        `json:"reservation"`
	PaymentRef   string                     `json:"payment_ref"`
	ClientSecret string                     `json:"client_secret,omitempty"`
	Initial      installment.InitialPayment `json:"initial_payment"`
	Free         bool                       `json:"free"`
}

// pricing is a selection resolved against the catalog.
type pricing struct {
	trip     *models.Trip
	priced   installment.PricedSelection
	planType models.PlanType
	packages map[int64]*models.TripPackage
}

func (p *pricing) gross() int64 { return p.priced.Gross() }

// CreateReservation validates and prices a selection, opens the payment intent for the amount
// due now and stores the reservation under the intent's reference.
func (s *Service) CreateReservation(ctx context.Context, tripID int64, sel models.Selection) (*ReservationResult, error) {
	if err := validateSelection(sel); err != nil {
		return nil, err
	}

	p, err := s.price(ctx, tripID, sel)
	if err != nil {
		return nil, err
	}
	if err := s.softCapacityCheck(ctx, sel, p.packages); err != nil {
		return nil, err
	}

	var codeID *int64
	if code := strings.TrimSpace(sel.DiscountCode); code != "" {
		res, err := s.discounts.Validate(ctx, code, tripID, p.gross())
		if err != nil {
			return nil, err
		}
		if !res.IsValid {
			return nil, fmt.Errorf("%w: %s", ErrInvalidSelection, res.Reason)
		}
		codeID = &res.Code.ID
		sel.DiscountCode = res.Code.Code
		p.priced.DiscountCents = res.DiscountCents
	}

	today := clock.Today(s.clock.Now())
	initial := s.planner.CalculateInitialPayment(p.priced, p.planType, today)
	reservationID := uuid.NewString()
	currency := s.currencyFor(p.trip)

	out := &ReservationResult{Initial: initial}
	var intent *gateway.Intent
	if initial.InitialAmount > 0 {
		md := map[string]string{
			gateway.MetaReservationID: reservationID,
			gateway.MetaStep:          string(models.StepInitial),
			gateway.MetaBase:          gateway.FormatCents(initial.InitialAmount),
		}
		intent, err = s.gateway.CreatePaymentIntent(ctx, initial.InitialAmount, currency, md)
		if err != nil {
			return nil, s.gatewayErr("create_intent", err)
		}
		out.PaymentRef = intent.ID
		out.ClientSecret = intent.ClientSecret
	} else {
		out.PaymentRef = freeRefPrefix + reservationID
		out.Free = true
	}

	res, err := s.reservations.Create(ctx, reservation.NewReservation{
		ID:              reservationID,
		TripID:          tripID,
		PaymentRef:      out.PaymentRef,
		Selection:       sel,
		GrossCents:      p.gross(),
		DiscountCodeID:  codeID,
		DiscountCents:   p.priced.DiscountCents,
		BaseAmountCents: initial.InitialAmount,
		PlannedOn:       today,
	})
	if err != nil {
		if intent != nil {
			if cerr := s.gateway.CancelPaymentIntent(ctx, intent.ID); cerr != nil {
				s.logger.Warn("CHECKOUT", fmt.Sprintf("Failed to cancel orphaned intent %s: %v", intent.ID, cerr))
			}
		}
		return nil, err
	}
	out.Reservation = res

	if s.timers != nil {
		if err := s.timers.Arm(ctx, res.ID, s.reservations.TTL()); err != nil {
			s.logger.Warn("CHECKOUT", fmt.Sprintf("Failed to arm expiry timer for %s: %v", res.ID, err))
		}
	}
	s.logger.LogReservation("CREATED", res.ID, fmt.Sprintf("trip=%d ref=%s initial=%d gross=%d discount=%d", tripID, out.PaymentRef, initial.InitialAmount, p.gross(), p.priced.DiscountCents))
	return out, nil
}

func validateSelection(sel models.Selection) error {
	if len(sel.Packages) == 0 {
		return fmt.Errorf("%w: no packages selected", ErrInvalidSelection)
	}
	if strings.TrimSpace(sel.Buyer.Email) == "" {
		return fmt.Errorf("%w: buyer email is required", ErrInvalidSelection)
	}
	seen := make(map[int64]bool, len(sel.Packages))
	for _, line := range sel.Packages {
		if line.Quantity <= 0 {
			return fmt.Errorf("%w: package %d quantity must be positive", ErrInvalidSelection, line.PackageID)
		}
		if line.PlanType != "" && !line.PlanType.Valid() {
			return fmt.Errorf("%w: unknown plan type %q", ErrInvalidSelection, line.PlanType)
		}
		if seen[line.PackageID] {
			return fmt.Errorf("%w: package %d selected twice", ErrInvalidSelection, line.PackageID)
		}
		seen[line.PackageID] = true
	}
	for _, a := range sel.AddOns {
		if a.Quantity <= 0 {
			return fmt.Errorf("%w: add-on %d quantity must be positive", ErrInvalidSelection, a.AddOnID)
		}
		if a.ParticipantIndex != nil && (*a.ParticipantIndex < 0 || *a.ParticipantIndex >= len(sel.Participants)) {
			return fmt.Errorf("%w: add-on %d names participant %d of %d", ErrInvalidSelection, a.AddOnID, *a.ParticipantIndex, len(sel.Participants))
		}
	}
	return nil
}

// price resolves every line against the trip's catalog. A line asking for installments on a
// package without a plan is billed in full.
func (s *Service) price(ctx context.Context, tripID int64, sel models.Selection) (*pricing, error) {
	trip, err := s.catalog.GetTrip(ctx, tripID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w: trip %d does not exist", ErrInvalidSelection, tripID)
		}
		return nil, err
	}

	ids := make([]int64, 0, len(sel.Packages))
	for _, line := range sel.Packages {
		ids = append(ids, line.PackageID)
	}
	pkgs, err := s.catalog.GetPackages(ctx, ids)
	if err != nil {
		return nil, err
	}

	p := &pricing{trip: trip, planType: models.PlanFull, packages: pkgs}
	for _, line := range sel.Packages {
		pkg, ok := pkgs[line.PackageID]
		if !ok || pkg.TripID != tripID {
			return nil, fmt.Errorf("%w: package %d is not part of trip %d", ErrInvalidSelection, line.PackageID, tripID)
		}
		planType := line.PlanType
		if planType == "" {
			planType = models.PlanFull
		}
		if planType == models.PlanDepositInstallment && pkg.HasPlan() {
			p.planType = models.PlanDepositInstallment
		}
		p.priced.Packages = append(p.priced.Packages, installment.PricedPackage{
			PackageID:      pkg.ID,
			Quantity:       line.Quantity,
			UnitPriceCents: pkg.PriceCents,
			PlanType:       planType,
			Plan:           pkg.PaymentPlan,
		})
	}

	addOnIDs := make([]int64, 0, len(sel.AddOns))
	for _, a := range sel.AddOns {
		addOnIDs = append(addOnIDs, a.AddOnID)
	}
	addons, err := s.catalog.GetAddOns(ctx, addOnIDs)
	if err != nil {
		return nil, err
	}
	for _, a := range sel.AddOns {
		addon, ok := addons[a.AddOnID]
		if !ok || addon.TripID != tripID {
			return nil, fmt.Errorf("%w: add-on %d is not part of trip %d", ErrInvalidSelection, a.AddOnID, tripID)
		}
		p.priced.AddOns = append(p.priced.AddOns, installment.PricedAddOn{
			AddOnID:        addon.ID,
			Quantity:       a.Quantity,
			UnitPriceCents: addon.PriceCents,
		})
	}
	return p, nil
}

// softCapacityCheck rejects selections that cannot fit today. Materialization checks again under lock.
func (s *Service) softCapacityCheck(ctx context.Context, sel models.Selection, pkgs map[int64]*models.TripPackage) error {
	for _, line := range sel.Packages {
		pkg := pkgs[line.PackageID]
		if pkg.Capacity <= 0 {
			continue
		}
		confirmed, err := db.ConfirmedQuantity(ctx, s.db, pkg.ID)
		if err != nil {
			return err
		}
		if confirmed+line.Quantity > pkg.Capacity {
			return fmt.Errorf("%w: package %d has %d of %d seats left", booking.ErrCapacityExceeded, pkg.ID, pkg.Capacity-confirmed, pkg.Capacity)
		}
	}
	return nil
}

func (s *Service) currencyFor(trip *models.Trip) string {
	if trip != nil && trip.Currency != "" {
		return strings.ToLower(trip.Currency)
	}
	return s.currency
}
