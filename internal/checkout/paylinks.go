package checkout

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"ms-tripbooking/internal/booking"
	"ms-tripbooking/internal/ledger"
	"ms-tripbooking/internal/metrics"
	"ms-tripbooking/internal/models"
	"ms-tripbooking/internal/payment/gateway"
	"ms-tripbooking/internal/reconcile"
)

// PaymentStart is an open intent the customer can pay from an emailed link.
type PaymentStart struct {
	PaymentRef    string             `json:"payment_ref"`
	ClientSecret  string             `json:"client_secret"`
	Step          models.PaymentStep `json:"step"`
	BaseCents     int64              `json:"base_amount"`
	BookingID     int64              `json:"booking_id"`
	InstallmentID *int64             `json:"installment_id,omitempty"`
}

// StartInstallmentPayment opens, or reopens, the intent for one installment.
func (s *Service) StartInstallmentPayment(ctx context.Context, obligationID int64, token string) (*PaymentStart, error) {
	claims, err := s.links.VerifyInstallment(token, obligationID)
	if err != nil {
		return nil, err
	}
	t, err := s.resolveInstallment(ctx, obligationID)
	if err != nil {
		return nil, err
	}
	if claims.BookingID != *t.bookingID {
		return nil, fmt.Errorf("%w: link is for another booking", ErrNotPayable)
	}

	start, err := s.openIntent(ctx, t)
	if err != nil {
		return nil, err
	}
	if t.ref != start.PaymentRef {
		if err := s.linkObligation(ctx, obligationID, start.PaymentRef); err != nil {
			return nil, err
		}
	}
	return start, nil
}

// StartPayoff opens an intent for the booking's whole remaining balance.
func (s *Service) StartPayoff(ctx context.Context, bookingID int64, token string) (*PaymentStart, error) {
	if _, err := s.links.VerifyPayoff(token, bookingID); err != nil {
		return nil, err
	}
	t, err := s.resolvePayoff(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	return s.openIntent(ctx, t)
}

// openIntent reuses t's intent while it can still be paid, moving its amount to the current
// base, and creates a new one otherwise.
func (s *Service) openIntent(ctx context.Context, t *target) (*PaymentStart, error) {
	md := map[string]string{
		gateway.MetaStep:      string(t.step),
		gateway.MetaBase:      gateway.FormatCents(t.baseCents),
		gateway.MetaBookingID: strconv.FormatInt(*t.bookingID, 10),
	}
	if t.installmentID != nil {
		md[gateway.MetaInstallmentID] = strconv.FormatInt(*t.installmentID, 10)
	}

	var intent *gateway.Intent
	if t.ref != "" {
		existing, err := s.gateway.RetrievePaymentIntent(ctx, t.ref)
		if err != nil {
			return nil, s.gatewayErr("retrieve_intent", err)
		}
		switch {
		case existing.Succeeded():
			if ev, ok := reconcile.FromIntent(existing); ok {
				if _, err := s.reconciler.Reconcile(ctx, ev); err != nil {
					return nil, err
				}
			}
			return nil, fmt.Errorf("%w: payment %s already succeeded", ErrNotPayable, t.ref)
		case existing.Status == "canceled":
		case existing.AmountCents == t.baseCents:
			intent = existing
		default:
			intent, err = s.gateway.ModifyPaymentIntentAmount(ctx, t.ref, t.baseCents, md)
			if err != nil {
				return nil, s.gatewayErr("modify_intent", err)
			}
		}
	}
	if intent == nil {
		var err error
		intent, err = s.gateway.CreatePaymentIntent(ctx, t.baseCents, t.currency, md)
		if err != nil {
			return nil, s.gatewayErr("create_intent", err)
		}
	}

	_, err := s.ledger.RecordPending(ctx, intent.ID, t.baseCents, ledger.Breakdown{
		BaseCents:     t.baseCents,
		Currency:      t.currency,
		Step:          t.step,
		BookingID:     t.bookingID,
		InstallmentID: t.installmentID,
		Metadata:      md,
	})
	if err != nil {
		return nil, fmt.Errorf("record pending payment: %w", err)
	}

	s.logger.LogBooking("PAY_LINK", *t.bookingID, fmt.Sprintf("%s intent %s for %d", t.step, intent.ID, t.baseCents))
	return &PaymentStart{
		PaymentRef:    intent.ID,
		ClientSecret:  intent.ClientSecret,
		Step:          t.step,
		BaseCents:     t.baseCents,
		BookingID:     *t.bookingID,
		InstallmentID: t.installmentID,
	}, nil
}

// CreateFreeBooking settles a reservation that owes nothing today without touching the gateway.
// Calling it again returns the same booking.
func (s *Service) CreateFreeBooking(ctx context.Context, ref string) (*models.Booking, error) {
	res, err := s.reservations.GetByPaymentRef(ctx, ref)
	if err != nil {
		return nil, err
	}
	switch res.Status {
	case models.ReservationCompleted:
		return booking.GetByReservation(ctx, s.db, res.ID)
	case models.ReservationPending:
	default:
		return nil, fmt.Errorf("%w: reservation is %s", ErrNotPayable, res.Status)
	}
	if res.BaseAmountCents != 0 {
		return nil, fmt.Errorf("%w: reservation owes %d", ErrNotPayable, res.BaseAmountCents)
	}

	if !strings.HasPrefix(ref, freeRefPrefix) {
		if err := s.gateway.CancelPaymentIntent(ctx, ref); err != nil {
			s.logger.Warn("CHECKOUT", fmt.Sprintf("Failed to cancel unused intent %s: %v", ref, err))
		}
	}

	trip, err := s.catalog.GetTrip(ctx, res.TripID)
	if err != nil {
		return nil, err
	}
	out, err := s.reconciler.Reconcile(ctx, reconcile.Event{
		Kind:       reconcile.KindPaymentSucceeded,
		Source:     reconcile.SourceCheckout,
		PaymentRef: ref,
		Breakdown: ledger.Breakdown{
			Step:          models.StepInitial,
			ReservationID: res.ID,
			Currency:      s.currencyFor(trip),
		},
	})
	if err != nil {
		return nil, err
	}
	if out.Outcome == metrics.OutcomeRejected {
		return nil, fmt.Errorf("%w: reservation %s can no longer be booked", ErrNotPayable, res.ID)
	}
	if out.Booking != nil {
		return out.Booking, nil
	}
	return booking.GetByReservation(ctx, s.db, res.ID)
}
