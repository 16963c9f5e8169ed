package ledger

import (
	"context"
	"testing"

	"ms-tripbooking/internal/models"

	"github.com/stretchr/testify/assert"
)

type countingEvents struct {
	NopEvents
	succeeded, refunded int
}

func (c *countingEvents) PaymentSucceeded(context.Context, *models.Booking, *models.PaymentRecord) {
	c.succeeded++
}

func (c *countingEvents) PaymentRefunded(context.Context, *models.PaymentRecord, int64) {
	c.refunded++
}

func TestFanoutReachesEverySink(t *testing.T) {
	a, b := &countingEvents{}, &countingEvents{}
	f := Fanout{a, b, NopEvents{}}
	ctx := context.Background()

	f.PaymentSucceeded(ctx, &models.Booking{}, &models.PaymentRecord{})
	f.PaymentRefunded(ctx, &models.PaymentRecord{}, 10)
	f.BookingConfirmed(ctx, &models.Booking{})
	f.PaymentFailed(ctx, &models.PaymentRecord{})
	f.BookingCancelled(ctx, &models.Booking{})

	assert.Equal(t, 1, a.succeeded)
	assert.Equal(t, 1, b.succeeded)
	assert.Equal(t, 1, a.refunded)
	assert.Equal(t, 1, b.refunded)
}
