package checkout

import (
	"context"
	"errors"
	"fmt"

	"ms-tripbooking/internal/db"
	"ms-tripbooking/internal/installment"
	"ms-tripbooking/internal/models"
	"ms-tripbooking/internal/payment/gateway"
	"ms-tripbooking/internal/reservation"
)

func (s *Service) RequestRefund(ctx context.Context, paymentRef string, amountCents int64, reason string) (*gateway.Refund, error) {
	refund, err := s.ledger.RequestRefund(ctx, paymentRef, amountCents, reason)
	if err != nil {
		return nil, s.gatewayErr("refund", err)
	}
	return refund, nil
}

func (s *Service) CancelBooking(ctx context.Context, bookingID int64, reason string) (*models.Booking, error) {
	return s.ledger.CancelBooking(ctx, bookingID, reason)
}

// PlanWarnings lists the malformed entries of a package's installment schedule.
func (s *Service) PlanWarnings(ctx context.Context, packageID int64) ([]installment.PlanWarning, error) {
	pkg, err := s.catalog.GetPackage(ctx, packageID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w: package %d", ErrNotFound, packageID)
		}
		return nil, err
	}
	if pkg.PaymentPlan == nil {
		return nil, nil
	}
	_, warnings := installment.ParseSchedule(*pkg.PaymentPlan)
	return warnings, nil
}

// SweepReservations expires every pending reservation past its TTL.
func (s *Service) SweepReservations(ctx context.Context) (int, error) {
	n, err := s.reservations.SweepExpired(ctx)
	s.metrics.ReservationsExpired(n)
	return n, err
}

// ExpireReservation handles a fired Redis TTL key. Reservations that already moved on are left alone.
func (s *Service) ExpireReservation(ctx context.Context, id string) error {
	err := s.reservations.MarkExpired(ctx, id)
	switch {
	case err == nil:
		s.metrics.ReservationsExpired(1)
		return nil
	case errors.Is(err, reservation.ErrInvalidReservationState), errors.Is(err, reservation.ErrNotFound):
		return nil
	}
	return err
}
