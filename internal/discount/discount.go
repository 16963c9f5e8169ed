package discount

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"ms-tripbooking/internal/clock"
	"ms-tripbooking/internal/db"
	"ms-tripbooking/internal/logger"
	"ms-tripbooking/internal/models"
)

var ErrInvalidDiscountType = errors.New("invalid discount type")

// CalculateDiscount returns the discount in minor units for an order of orderCents.
// Fixed codes never exceed the order; percent codes round to the nearest cent.
func CalculateDiscount(code models.DiscountCode, orderCents int64) (int64, error) {
	var amount int64
	switch code.Type {
	case models.DiscountFixed:
		amount = int64(math.Round(code.Value * 100))
	case models.DiscountPercent:
		amount = int64(math.Round(float64(orderCents) * code.Value / 100))
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidDiscountType, code.Type)
	}

	if amount < 0 || orderCents <= 0 {
		return 0, nil
	}
	if amount > orderCents {
		return orderCents, nil
	}
	return amount, nil
}

type CodeStore interface {
	GetDiscountByCode(ctx context.Context, code string) (*models.DiscountCode, error)
}

// Service validates shopper-entered codes against the catalog.
type Service struct {
	store  CodeStore
	clock  clock.Clock
	logger *logger.Logger
}

func NewService(store CodeStore, clk clock.Clock, log *logger.Logger) *Service {
	return &Service{store: store, clock: clk, logger: log}
}

// Result is the outcome of validating a code. Invalid codes are not errors; Reason says why.
type Result struct {
	IsValid       bool                 `json:"valid"`
	Reason        string               `json:"message,omitempty"`
	Code          *models.DiscountCode `json:"discount,omitempty"`
	DiscountCents int64                `json:"discount_amount"`
	FinalCents    int64                `json:"final_amount"`
}

func (s *Service) Validate(ctx context.Context, code string, tripID int64, orderCents int64) (*Result, error) {
	result := &Result{FinalCents: orderCents}

	code = strings.TrimSpace(code)
	if code == "" {
		result.Reason = "Please enter a discount code"
		return result, nil
	}

	dc, err := s.store.GetDiscountByCode(ctx, code)
	if errors.Is(err, db.ErrNotFound) {
		result.Reason = "Invalid discount code"
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup discount code: %w", err)
	}

	now := s.clock.Now()
	switch {
	case !dc.Active:
		result.Reason = "Discount is not active"
	case dc.StartsAt != nil && now.Before(*dc.StartsAt):
		result.Reason = "Discount is not yet active"
	case dc.ExpiresAt != nil && !now.Before(*dc.ExpiresAt):
		result.Reason = "Discount has expired"
	case dc.MaxUses > 0 && dc.UsedCount >= dc.MaxUses:
		result.Reason = "Discount usage limit has been reached"
	case dc.TripID != nil && *dc.TripID != tripID:
		result.Reason = "This discount code is not valid for this trip"
	}
	if result.Reason != "" {
		s.logger.Info("DISCOUNT", fmt.Sprintf("Code %s rejected: %s", dc.Code, result.Reason))
		return result, nil
	}

	amount, err := CalculateDiscount(*dc, orderCents)
	if err != nil {
		s.logger.Error("DISCOUNT", fmt.Sprintf("Code %s has unusable type: %v", dc.Code, err))
		return nil, err
	}

	result.IsValid = true
	result.Code = dc
	result.DiscountCents = amount
	result.FinalCents = orderCents - amount
	return result, nil
}
