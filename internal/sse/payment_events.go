// Package sse fans settled payment outcomes out to storefront clients waiting on a payment reference.
package sse

import (
	"context"
	"sync"

	"ms-tripbooking/internal/models"
)

const clientBuffer = 10

// PaymentEvent is what a waiting checkout page receives.
type PaymentEvent struct {
	PaymentRef      string               `json:"payment_ref"`
	PaymentStatus   models.PaymentStatus `json:"payment_status"`
	BookingID       *int64               `json:"booking_id,omitempty"`
	BookingStatus   models.BookingStatus `json:"booking_status,omitempty"`
	AmountPaidCents int64                `json:"amount_paid"`
	RemainingCents  int64                `json:"remaining"`
	RefundedCents   int64                `json:"refunded,omitempty"`
}

// Final reports whether nothing further is expected for this payment on the checkout page.
func (e PaymentEvent) Final() bool {
	return e.PaymentStatus == models.PaymentSucceeded || e.PaymentStatus == models.PaymentFailed
}

// Broker keeps the open streams of this process keyed by payment reference.
// It receives ledger events after commit; a webhook handled by another replica only reaches
// clients through polling.
type Broker struct {
	mu      sync.RWMutex
	clients map[string][]chan PaymentEvent
}

func NewBroker() *Broker {
	return &Broker{clients: make(map[string][]chan PaymentEvent)}
}

// Subscribe registers a client for ref. The channel is closed once ctx is done.
func (b *Broker) Subscribe(ctx context.Context, ref string) <-chan PaymentEvent {
	ch := make(chan PaymentEvent, clientBuffer)

	b.mu.Lock()
	b.clients[ref] = append(b.clients[ref], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.remove(ref, ch)
	}()
	return ch
}

// Emit never blocks; a client with a full buffer misses the event.
func (b *Broker) Emit(ev PaymentEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.clients[ev.PaymentRef] {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *Broker) remove(ref string, ch chan PaymentEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	clients := b.clients[ref]
	for i, c := range clients {
		if c == ch {
			b.clients[ref] = append(clients[:i], clients[i+1:]...)
			close(ch)
			break
		}
	}
	if len(b.clients[ref]) == 0 {
		delete(b.clients, ref)
	}
}

func (b *Broker) ClientCount(ref string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients[ref])
}

// The methods below make Broker a ledger.Events sink.

func (b *Broker) PaymentSucceeded(_ context.Context, bk *models.Booking, rec *models.PaymentRecord) {
	ev := fromRecord(rec)
	if bk != nil {
		ev.BookingID = &bk.ID
		ev.BookingStatus = bk.Status
		ev.AmountPaidCents = bk.AmountPaidCents
		ev.RemainingCents = bk.RemainingCents()
	}
	b.Emit(ev)
}

func (b *Broker) PaymentFailed(_ context.Context, rec *models.PaymentRecord) {
	b.Emit(fromRecord(rec))
}

func (b *Broker) PaymentRefunded(_ context.Context, rec *models.PaymentRecord, amountCents int64) {
	ev := fromRecord(rec)
	ev.RefundedCents = amountCents
	b.Emit(ev)
}

func (b *Broker) BookingConfirmed(context.Context, *models.Booking) {}

func (b *Broker) BookingCancelled(context.Context, *models.Booking) {}

func fromRecord(rec *models.PaymentRecord) PaymentEvent {
	return PaymentEvent{
		PaymentRef:    rec.PaymentRef,
		PaymentStatus: rec.Status,
		BookingID:     rec.BookingID,
	}
}
