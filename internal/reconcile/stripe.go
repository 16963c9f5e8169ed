package reconcile

import (
	"encoding/json"
	"fmt"

	"ms-tripbooking/internal/ledger"
	"ms-tripbooking/internal/models"
	"ms-tripbooking/internal/payment/gateway"

	"github.com/stripe/stripe-go/v82"
)

// FromStripeEvent translates a verified Stripe event. Event types the engine does not act on
// come back with their raw type as Kind so Reconcile can log and ignore them.
func FromStripeEvent(evt *stripe.Event) (Event, error) {
	ev := Event{ID: evt.ID, Kind: Kind(evt.Type), Source: SourceWebhook}

	switch evt.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
			return ev, fmt.Errorf("%w: payment intent payload: %v", ErrInvalidEvent, err)
		}
		ev.Kind = KindPaymentSucceeded
		if evt.Type == "payment_intent.payment_failed" {
			ev.Kind = KindPaymentFailed
		}
		ev.PaymentRef = pi.ID
		ev.AmountCents = pi.AmountReceived
		if ev.AmountCents == 0 {
			ev.AmountCents = pi.Amount
		}
		var chargeRef string
		if pi.LatestCharge != nil {
			chargeRef = pi.LatestCharge.ID
		}
		ev.ChargeRef = chargeRef
		ev.Breakdown = BreakdownFromMetadata(pi.Metadata)
		ev.Breakdown.ChargeRef = chargeRef
		ev.Breakdown.Currency = string(pi.Currency)
		if pi.PaymentMethod != nil {
			ev.Breakdown.PaymentMethodID = pi.PaymentMethod.ID
		}

	case "charge.refunded":
		var ch stripe.Charge
		if err := json.Unmarshal(evt.Data.Raw, &ch); err != nil {
			return ev, fmt.Errorf("%w: charge payload: %v", ErrInvalidEvent, err)
		}
		ev.Kind = KindChargeRefunded
		ev.ChargeRef = ch.ID
		if ch.PaymentIntent != nil {
			ev.PaymentRef = ch.PaymentIntent.ID
		}
		ev.RefundedTotalCents = ch.AmountRefunded
		if ch.Refunds != nil {
			for _, rf := range ch.Refunds.Data {
				if countsAsRefunded(string(rf.Status)) {
					ev.Refunds = append(ev.Refunds, RefundLine{ID: rf.ID, AmountCents: rf.Amount, Reason: string(rf.Reason)})
				}
			}
		}
		if latest := latestRefund(&ch); latest != nil {
			ev.RefundID = latest.ID
			ev.AmountCents = latest.Amount
			ev.Reason = string(latest.Reason)
		}
	}
	return ev, nil
}

// countsAsRefunded is false for refunds that never moved money.
func countsAsRefunded(status string) bool {
	return status != string(stripe.RefundStatusFailed) && status != string(stripe.RefundStatusCanceled)
}

func latestRefund(ch *stripe.Charge) *stripe.Refund {
	if ch.Refunds == nil {
		return nil
	}
	var latest *stripe.Refund
	for _, r := range ch.Refunds.Data {
		if latest == nil || r.Created > latest.Created {
			latest = r
		}
	}
	return latest
}

// BreakdownFromMetadata reads back the quote frozen into an intent's metadata.
func BreakdownFromMetadata(md map[string]string) ledger.Breakdown {
	bd := ledger.Breakdown{
		BaseCents:     gateway.MetaInt(md, gateway.MetaBase),
		FeeCents:      gateway.MetaInt(md, gateway.MetaFee),
		TaxCents:      gateway.MetaInt(md, gateway.MetaTax),
		Funding:       md[gateway.MetaFunding],
		Brand:         md[gateway.MetaBrand],
		Step:          models.PaymentStep(md[gateway.MetaStep]),
		ReservationID: md[gateway.MetaReservationID],
		Metadata:      md,
	}
	if id := gateway.MetaInt(md, gateway.MetaBookingID); id > 0 {
		bd.BookingID = &id
	}
	if id := gateway.MetaInt(md, gateway.MetaInstallmentID); id > 0 {
		bd.InstallmentID = &id
	}
	return bd
}

// FromIntent builds the event the status poller feeds into Reconcile. ok is false while the
// intent has neither succeeded nor failed.
func FromIntent(in *gateway.Intent) (Event, bool) {
	ev := Event{Source: SourcePoll, PaymentRef: in.ID, ChargeRef: in.ChargeRef, AmountCents: in.AmountCents}
	switch {
	case in.Succeeded():
		ev.Kind = KindPaymentSucceeded
	case in.Failed():
		ev.Kind = KindPaymentFailed
	default:
		return ev, false
	}
	ev.Breakdown = BreakdownFromMetadata(in.Metadata)
	ev.Breakdown.ChargeRef = in.ChargeRef
	ev.Breakdown.Currency = in.Currency
	ev.Breakdown.PaymentMethodID = in.PaymentMethodID
	return ev, true
}
