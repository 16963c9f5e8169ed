package ledger

import (
	"context"

	"ms-tripbooking/internal/models"
)

// Events receives committed ledger transitions. Implementations must not block the caller on
// delivery; a failed notification never undoes a financial change.
type Events interface {
	BookingConfirmed(ctx context.Context, b *models.Booking)
	PaymentSucceeded(ctx context.Context, b *models.Booking, rec *models.PaymentRecord)
	PaymentFailed(ctx context.Context, rec *models.PaymentRecord)
	PaymentRefunded(ctx context.Context, rec *models.PaymentRecord, amountCents int64)
	BookingCancelled(ctx context.Context, b *models.Booking)
}

type NopEvents struct{}

func (NopEvents) BookingConfirmed(context.Context, *models.Booking)                        {}
func (NopEvents) PaymentSucceeded(context.Context, *models.Booking, *models.PaymentRecord) {}
func (NopEvents) PaymentFailed(context.Context, *models.PaymentRecord)                     {}
func (NopEvents) PaymentRefunded(context.Context, *models.PaymentRecord, int64)            {}
func (NopEvents) BookingCancelled(context.Context, *models.Booking)                        {}

// Fanout delivers every event to each sink in order.
type Fanout []Events

func (f Fanout) BookingConfirmed(ctx context.Context, b *models.Booking) {
	for _, e := range f {
		e.BookingConfirmed(ctx, b)
	}
}

func (f Fanout) PaymentSucceeded(ctx context.Context, b *models.Booking, rec *models.PaymentRecord) {
	for _, e := range f {
		e.PaymentSucceeded(ctx, b, rec)
	}
}

func (f Fanout) PaymentFailed(ctx context.Context, rec *models.PaymentRecord) {
	for _, e := range f {
		e.PaymentFailed(ctx, rec)
	}
}

func (f Fanout) PaymentRefunded(ctx context.Context, rec *models.PaymentRecord, amountCents int64) {
	for _, e := range f {
		e.PaymentRefunded(ctx, rec, amountCents)
	}
}

func (f Fanout) BookingCancelled(ctx context.Context, b *models.Booking) {
	for _, e := range f {
		e.BookingCancelled(ctx, b)
	}
}
