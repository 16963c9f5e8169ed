package checkout

import (
	"context"
	"fmt"
	"strings"

	"ms-tripbooking/internal/clock"
	"ms-tripbooking/internal/discount"
	"ms-tripbooking/internal/installment"
	"ms-tripbooking/internal/models"
	"ms-tripbooking/internal/payment/gateway"
)

type DiscountApplied struct {
	Reservation *models.Reservation        `json:"reservation"`
	Initial     installment.InitialPayment `json:"initial_payment"`
}

func (s *Service) ValidateDiscount(ctx context.Context, code string, tripID, orderCents int64) (*discount.Result, error) {
	return s.discounts.Validate(ctx, code, tripID, orderCents)
}

// ApplyDiscount reprices a pending reservation with code, or without any discount when code is
// empty. The payment intent follows the new amount.
func (s *Service) ApplyDiscount(ctx context.Context, ref, code string) (*DiscountApplied, error) {
	res, err := s.reservations.GetByPaymentRef(ctx, ref)
	if err != nil {
		return nil, err
	}
	if res.Status != models.ReservationPending {
		return nil, fmt.Errorf("%w: reservation is %s", ErrNotPayable, res.Status)
	}

	p, err := s.price(ctx, res.TripID, res.Selection)
	if err != nil {
		return nil, err
	}

	var codeID *int64
	code = strings.TrimSpace(code)
	if code != "" {
		result, err := s.discounts.Validate(ctx, code, res.TripID, p.gross())
		if err != nil {
			return nil, err
		}
		if !result.IsValid {
			return nil, fmt.Errorf("%w: %s", ErrInvalidSelection, result.Reason)
		}
		codeID = &result.Code.ID
		code = result.Code.Code
		p.priced.DiscountCents = result.DiscountCents
	}

	today := clock.Today(s.clock.Now())
	initial := s.planner.CalculateInitialPayment(p.priced, p.planType, today)
	free := strings.HasPrefix(ref, freeRefPrefix)
	if free && initial.InitialAmount > 0 {
		return nil, fmt.Errorf("%w: reservation was opened without a payment, start a new one", ErrNotPayable)
	}

	if !free && initial.InitialAmount > 0 && initial.InitialAmount != res.BaseAmountCents {
		md := map[string]string{
			gateway.MetaReservationID: res.ID,
			gateway.MetaStep:          string(models.StepInitial),
			gateway.MetaBase:          gateway.FormatCents(initial.InitialAmount),
		}
		if _, err := s.gateway.ModifyPaymentIntentAmount(ctx, ref, initial.InitialAmount, md); err != nil {
			return nil, s.gatewayErr("modify_intent", err)
		}
	}

	if err := s.reservations.ApplyDiscount(ctx, res.ID, codeID, code, p.priced.DiscountCents, initial.InitialAmount, today); err != nil {
		return nil, err
	}
	if err := s.quotes.Delete(ctx, ref); err != nil {
		s.logger.Warn("CHECKOUT", fmt.Sprintf("Failed to drop stale quote %s: %v", ref, err))
	}

	updated, err := s.reservations.Get(ctx, res.ID)
	if err != nil {
		return nil, err
	}
	s.logger.LogReservation("DISCOUNT", res.ID, fmt.Sprintf("code=%q discount=%d base=%d", code, p.priced.DiscountCents, initial.InitialAmount))
	return &DiscountApplied{Reservation: updated, Initial: initial}, nil
}
