package checkout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"ms-tripbooking/internal/booking"
	"ms-tripbooking/internal/fees"
	"ms-tripbooking/internal/ledger"
	"ms-tripbooking/internal/models"
	"ms-tripbooking/internal/payment/gateway"
	"ms-tripbooking/internal/reservation"
)

// Selector names what is being paid: a reservation's payment reference, an installment
// obligation, or the remaining balance of a booking.
type Selector struct {
	PaymentRef    string             `json:"payment_ref,omitempty"`
	InstallmentID int64              `json:"installment_id,omitempty"`
	BookingID     int64              `json:"booking_id,omitempty"`
	Step          models.PaymentStep `json:"step,omitempty"`
}

type QuoteResult struct {
	fees.Quote
	PaymentRef string `json:"payment_ref,omitempty"`
}

type ConfirmResult struct {
	PaymentRef   string     `json:"payment_ref"`
	ClientSecret string     `json:"client_secret"`
	Quote        fees.Quote `json:"quote"`
}

type cachedQuote struct {
	Quote           fees.Quote `json:"quote"`
	PaymentMethodID string     `json:"payment_method_id"`
}

// target is a resolved Selector.
type target struct {
	ref           string
	step          models.PaymentStep
	baseCents     int64
	currency      string
	reservationID string
	bookingID     *int64
	installmentID *int64
}

func (t *target) cacheKey() string {
	switch {
	case t.ref != "":
		return t.ref
	case t.installmentID != nil:
		return "installment:" + strconv.FormatInt(*t.installmentID, 10)
	case t.bookingID != nil:
		return "payoff:" + strconv.FormatInt(*t.bookingID, 10)
	}
	return ""
}

func (t *target) metadata(q fees.Quote) map[string]string {
	md := map[string]string{
		gateway.MetaStep:    string(t.step),
		gateway.MetaBase:    gateway.FormatCents(q.Base),
		gateway.MetaFee:     gateway.FormatCents(q.Fee),
		gateway.MetaTax:     gateway.FormatCents(q.Tax),
		gateway.MetaFinal:   gateway.FormatCents(q.Final),
		gateway.MetaFunding: q.Funding,
		gateway.MetaBrand:   q.Brand,
	}
	if t.reservationID != "" {
		md[gateway.MetaReservationID] = t.reservationID
	}
	if t.bookingID != nil {
		md[gateway.MetaBookingID] = strconv.FormatInt(*t.bookingID, 10)
	}
	if t.installmentID != nil {
		md[gateway.MetaInstallmentID] = strconv.FormatInt(*t.installmentID, 10)
	}
	return md
}

// Quote prices the selected payment for a card. The result is cached so ConfirmIntent can
// reject an amount the customer was not shown.
func (s *Service) Quote(ctx context.Context, paymentMethodID string, sel Selector) (*QuoteResult, error) {
	if paymentMethodID == "" {
		return nil, fmt.Errorf("%w: payment method is required", ErrInvalidSelection)
	}
	t, err := s.resolve(ctx, sel)
	if err != nil {
		return nil, err
	}
	q, err := s.quoteFor(ctx, t, paymentMethodID)
	if err != nil {
		return nil, err
	}
	if err := s.quotes.Put(ctx, t.cacheKey(), cachedQuote{Quote: q, PaymentMethodID: paymentMethodID}); err != nil {
		return nil, fmt.Errorf("cache quote: %w", err)
	}
	s.logger.LogPayment("QUOTE", t.cacheKey(), fmt.Sprintf("base=%d fee=%d final=%d funding=%s brand=%s", q.Base, q.Fee, q.Final, q.Funding, q.Brand))
	return &QuoteResult{Quote: q, PaymentRef: t.ref}, nil
}

// ConfirmIntent freezes the quoted amount into the payment intent and records the payment as
// pending. A quote that changed since it was shown fails with ErrAmountMismatch.
func (s *Service) ConfirmIntent(ctx context.Context, sel Selector, paymentMethodID string, expectedFinal int64) (*ConfirmResult, error) {
	if paymentMethodID == "" {
		return nil, fmt.Errorf("%w: payment method is required", ErrInvalidSelection)
	}
	t, err := s.resolve(ctx, sel)
	if err != nil {
		return nil, err
	}
	fresh, err := s.quoteFor(ctx, t, paymentMethodID)
	if err != nil {
		return nil, err
	}

	var cached cachedQuote
	ok, err := s.quotes.Get(ctx, t.cacheKey(), &cached)
	if err != nil {
		return nil, fmt.Errorf("read cached quote: %w", err)
	}
	switch {
	case !ok:
		return nil, fmt.Errorf("%w: no quote on file, quote again", ErrAmountMismatch)
	case cached.PaymentMethodID != paymentMethodID:
		return nil, fmt.Errorf("%w: quote was for another payment method", ErrAmountMismatch)
	case cached.Quote.Final != fresh.Final:
		return nil, fmt.Errorf("%w: quoted %d, now %d", ErrAmountMismatch, cached.Quote.Final, fresh.Final)
	case expectedFinal > 0 && expectedFinal != fresh.Final:
		return nil, fmt.Errorf("%w: expected %d, quoted %d", ErrAmountMismatch, expectedFinal, fresh.Final)
	}

	key := t.cacheKey()
	md := t.metadata(fresh)
	var intent *gateway.Intent
	if t.ref == "" {
		intent, err = s.gateway.CreatePaymentIntent(ctx, fresh.Final, t.currency, md)
		if err != nil {
			return nil, s.gatewayErr("create_intent", err)
		}
		t.ref = intent.ID
		if t.installmentID != nil {
			if err := s.linkObligation(ctx, *t.installmentID, t.ref); err != nil {
				return nil, err
			}
		}
	} else {
		intent, err = s.gateway.ModifyPaymentIntentAmount(ctx, t.ref, fresh.Final, md)
		if err != nil {
			return nil, s.gatewayErr("modify_intent", err)
		}
	}

	_, err = s.ledger.RecordPending(ctx, t.ref, fresh.Final, ledger.Breakdown{
		BaseCents:       fresh.Base,
		FeeCents:        fresh.Fee,
		TaxCents:        fresh.Tax,
		Funding:         fresh.Funding,
		Brand:           fresh.Brand,
		PaymentMethodID: paymentMethodID,
		Currency:        t.currency,
		Step:            t.step,
		ReservationID:   t.reservationID,
		BookingID:       t.bookingID,
		InstallmentID:   t.installmentID,
		Metadata:        md,
	})
	if err != nil {
		return nil, fmt.Errorf("record pending payment: %w", err)
	}

	if err := s.quotes.Delete(ctx, key); err != nil {
		s.logger.Warn("CHECKOUT", fmt.Sprintf("Failed to drop quote %s: %v", key, err))
	}
	s.logger.LogPayment("CONFIRMED", t.ref, fmt.Sprintf("final=%d step=%s", fresh.Final, t.step))
	return &ConfirmResult{PaymentRef: t.ref, ClientSecret: intent.ClientSecret, Quote: fresh}, nil
}

func (s *Service) quoteFor(ctx context.Context, t *target, paymentMethodID string) (fees.Quote, error) {
	card, err := s.gateway.RetrievePaymentMethodCardDetails(ctx, paymentMethodID)
	if err != nil {
		if errors.Is(err, gateway.ErrNoCardDetails) {
			return fees.Quote{}, fmt.Errorf("%w: %v", ErrInvalidSelection, err)
		}
		return fees.Quote{}, s.gatewayErr("card_details", err)
	}
	return fees.NewQuote(t.baseCents, card.Funding, card.Brand), nil
}

func (s *Service) resolve(ctx context.Context, sel Selector) (*target, error) {
	switch {
	case sel.PaymentRef != "":
		return s.resolveRef(ctx, sel.PaymentRef)
	case sel.InstallmentID > 0:
		return s.resolveInstallment(ctx, sel.InstallmentID)
	case sel.BookingID > 0 && (sel.Step == "" || sel.Step == models.StepPayoff):
		return s.resolvePayoff(ctx, sel.BookingID)
	}
	return nil, fmt.Errorf("%w: nothing selected to pay", ErrInvalidSelection)
}

func (s *Service) resolveRef(ctx context.Context, ref string) (*target, error) {
	res, err := s.reservations.GetByPaymentRef(ctx, ref)
	if err == nil {
		if res.Status != models.ReservationPending {
			return nil, fmt.Errorf("%w: reservation is %s", ErrNotPayable, res.Status)
		}
		if res.BaseAmountCents == 0 {
			return nil, fmt.Errorf("%w: nothing to charge, use the free booking path", ErrNotPayable)
		}
		trip, err := s.catalog.GetTrip(ctx, res.TripID)
		if err != nil {
			return nil, err
		}
		return &target{
			ref:           ref,
			step:          models.StepInitial,
			baseCents:     res.BaseAmountCents,
			currency:      s.currencyFor(trip),
			reservationID: res.ID,
		}, nil
	}
	if !errors.Is(err, reservation.ErrNotFound) {
		return nil, err
	}

	rec, err := s.findRecord(ctx, ref)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: payment %s", ErrNotFound, ref)
	}
	if rec.Status != models.PaymentPending && rec.Status != models.PaymentFailed {
		return nil, fmt.Errorf("%w: payment %s is %s", ErrNotPayable, ref, rec.Status)
	}
	return &target{
		ref:           ref,
		step:          rec.Step,
		baseCents:     rec.BaseCents,
		currency:      rec.Currency,
		reservationID: rec.ReservationID,
		bookingID:     rec.BookingID,
		installmentID: rec.InstallmentID,
	}, nil
}

func (s *Service) resolveInstallment(ctx context.Context, id int64) (*target, error) {
	o, err := s.obligation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !o.IsOpen() {
		return nil, fmt.Errorf("%w: installment %d is %s", ErrNotPayable, id, o.Status)
	}
	b, err := s.payableBooking(ctx, o.BookingID)
	if err != nil {
		return nil, err
	}
	return &target{
		ref:           o.PaymentRef,
		step:          models.StepInstallment,
		baseCents:     o.AmountCents,
		currency:      b.Currency,
		bookingID:     &b.ID,
		installmentID: &o.ID,
	}, nil
}

func (s *Service) resolvePayoff(ctx context.Context, bookingID int64) (*target, error) {
	b, err := booking.Get(ctx, s.db, bookingID)
	if err != nil {
		if errors.Is(err, booking.ErrNotFound) {
			return nil, fmt.Errorf("%w: booking %d", ErrNotFound, bookingID)
		}
		return nil, err
	}
	remaining := b.RemainingCents()
	switch {
	case b.Status == models.BookingCancelled:
		return nil, fmt.Errorf("%w: booking %d is cancelled", ErrNotPayable, bookingID)
	case b.Status == models.BookingFullyPaid || remaining == 0:
		return nil, fmt.Errorf("%w: booking %d", ErrNoBalanceDue, bookingID)
	}
	t := &target{step: models.StepPayoff, baseCents: remaining, currency: b.Currency, bookingID: &b.ID}
	rec, err := s.pendingPayoff(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		t.ref = rec.PaymentRef
	}
	return t, nil
}

func (s *Service) payableBooking(ctx context.Context, id int64) (*models.Booking, error) {
	b, err := booking.Get(ctx, s.db, id)
	if err != nil {
		if errors.Is(err, booking.ErrNotFound) {
			return nil, fmt.Errorf("%w: booking %d", ErrNotFound, id)
		}
		return nil, err
	}
	if b.IsTerminal() {
		return nil, fmt.Errorf("%w: booking %d is %s", ErrNotPayable, id, b.Status)
	}
	return b, nil
}

func (s *Service) obligation(ctx context.Context, id int64) (*models.InstallmentObligation, error) {
	var o models.InstallmentObligation
	if err := s.db.NewSelect().Model(&o).Where("id = ?", id).Limit(1).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: installment %d", ErrNotFound, id)
		}
		return nil, err
	}
	return &o, nil
}

func (s *Service) linkObligation(ctx context.Context, id int64, ref string) error {
	_, err := s.db.NewUpdate().
		Model((*models.InstallmentObligation)(nil)).
		Set("payment_ref = ?", ref).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("link installment %d to %s: %w", id, ref, err)
	}
	return nil
}

func (s *Service) findRecord(ctx context.Context, ref string) (*models.PaymentRecord, error) {
	var rec models.PaymentRecord
	err := s.db.NewSelect().Model(&rec).Where("payment_ref = ?", ref).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Service) pendingPayoff(ctx context.Context, bookingID int64) (*models.PaymentRecord, error) {
	var rec models.PaymentRecord
	err := s.db.NewSelect().
		Model(&rec).
		Where("booking_id = ?", bookingID).
		Where("step = ?", models.StepPayoff).
		Where("status = ?", models.PaymentPending).
		OrderExpr("created_at DESC, id DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
