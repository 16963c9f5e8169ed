package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ms-tripbooking/internal/models"
	"ms-tripbooking/internal/payment/gateway"
)

var (
	ErrNotRefundable    = errors.New("payment is not refundable")
	ErrRefundTooLarge   = errors.New("refund exceeds refundable amount")
	ErrNoRefunderConfig = errors.New("refunds are not configured")
)

type Refunder interface {
	Refund(ctx context.Context, ref string, amountCents int64, reason string) (*gateway.Refund, error)
}

func (l *Ledger) WithRefunder(r Refunder) *Ledger {
	l.refunder = r
	return l
}

// RequestRefund asks the gateway to refund a settled payment. amountCents 0 refunds what is
// left. A refund the gateway reports as succeeded is applied right away; the charge.refunded
// notification for the same refund ID is then a no-op.
func (l *Ledger) RequestRefund(ctx context.Context, paymentRef string, amountCents int64, reason string) (*gateway.Refund, error) {
	if l.refunder == nil {
		return nil, ErrNoRefunderConfig
	}

	var rec models.PaymentRecord
	err := l.db.NewSelect().Model(&rec).Where("payment_ref = ?", paymentRef).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRefundNotFound, paymentRef)
		}
		return nil, err
	}
	if rec.Status != models.PaymentSucceeded && rec.Status != models.PaymentPartiallyRefunded {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRefundable, paymentRef, rec.Status)
	}

	refundable := rec.FinalCents - rec.RefundedCents
	if amountCents == 0 {
		amountCents = refundable
	}
	if amountCents <= 0 || amountCents > refundable {
		return nil, fmt.Errorf("%w: requested %d, refundable %d", ErrRefundTooLarge, amountCents, refundable)
	}

	target := rec.ChargeRef
	if target == "" {
		target = rec.PaymentRef
	}
	refund, err := l.refunder.Refund(ctx, target, amountCents, reason)
	if err != nil {
		return nil, err
	}
	l.logger.LogPayment("REFUND_REQUESTED", paymentRef, fmt.Sprintf("refund=%s amount=%d status=%s", refund.ID, refund.AmountCents, refund.Status))

	if refund.Status == "succeeded" {
		if _, err := l.ApplyRefund(ctx, rec.PaymentRef, refund.AmountCents, reason, refund.ID); err != nil {
			// the charge.refunded notification will apply it
			l.logger.Warn("LEDGER", fmt.Sprintf("Refund %s accepted but not yet recorded: %v", refund.ID, err))
		}
	}
	return refund, nil
}
