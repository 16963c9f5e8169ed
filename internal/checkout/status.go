package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ms-tripbooking/internal/booking"
	"ms-tripbooking/internal/models"
	"ms-tripbooking/internal/reconcile"
	"ms-tripbooking/internal/reservation"
)

type Status struct {
	PaymentRef        string                   `json:"payment_ref"`
	PaymentStatus     string                   `json:"payment_status"`
	ReservationStatus models.ReservationStatus `json:"reservation_status,omitempty"`
	BookingID         *int64                   `json:"booking_id,omitempty"`
	BookingStatus     models.BookingStatus     `json:"booking_status,omitempty"`
	AmountPaidCents   int64                    `json:"amount_paid"`
	RemainingCents    int64                    `json:"remaining"`
}

func settled(st models.PaymentStatus) bool {
	return st == models.PaymentSucceeded || st == models.PaymentRefunded || st == models.PaymentPartiallyRefunded
}

// GetStatus is the polling fallback. While the payment is unsettled it asks the gateway and
// feeds a final intent state through the same reconcile path the webhook uses.
func (s *Service) GetStatus(ctx context.Context, ref string) (*Status, error) {
	if ref == "" {
		return nil, fmt.Errorf("%w: payment reference is required", ErrInvalidSelection)
	}

	rec, err := s.findRecord(ctx, ref)
	if err != nil {
		return nil, err
	}

	if (rec == nil || !settled(rec.Status)) && !strings.HasPrefix(ref, freeRefPrefix) {
		intent, err := s.gateway.RetrievePaymentIntent(ctx, ref)
		if err != nil {
			return nil, s.gatewayErr("retrieve_intent", err)
		}
		if ev, ok := reconcile.FromIntent(intent); ok {
			if _, err := s.reconciler.Reconcile(ctx, ev); err != nil {
				return nil, err
			}
			if rec, err = s.findRecord(ctx, ref); err != nil {
				return nil, err
			}
		} else if rec == nil {
			return s.reservationStatus(ctx, ref, intent.Status)
		}
	}

	if rec == nil {
		return s.reservationStatus(ctx, ref, string(models.PaymentPending))
	}

	st := &Status{PaymentRef: ref, PaymentStatus: string(rec.Status), BookingID: rec.BookingID}
	if rec.BookingID != nil {
		b, err := booking.Get(ctx, s.db, *rec.BookingID)
		if err != nil {
			return nil, err
		}
		fillBooking(st, b)
	} else if rec.ReservationID != "" {
		if res, err := s.reservations.Get(ctx, rec.ReservationID); err == nil {
			st.ReservationStatus = res.Status
		}
	}
	return st, nil
}

func (s *Service) reservationStatus(ctx context.Context, ref, paymentStatus string) (*Status, error) {
	res, err := s.reservations.GetByPaymentRef(ctx, ref)
	if err != nil {
		if errors.Is(err, reservation.ErrNotFound) {
			return nil, fmt.Errorf("%w: payment %s", ErrNotFound, ref)
		}
		return nil, err
	}
	st := &Status{PaymentRef: ref, PaymentStatus: paymentStatus, ReservationStatus: res.Status}
	if res.Status == models.ReservationCompleted {
		if b, err := booking.GetByReservation(ctx, s.db, res.ID); err == nil {
			st.BookingID = &b.ID
			fillBooking(st, b)
		}
	}
	return st, nil
}

func fillBooking(st *Status, b *models.Booking) {
	st.BookingStatus = b.Status
	st.AmountPaidCents = b.AmountPaidCents
	st.RemainingCents = b.RemainingCents()
}
