package notify

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"ms-tripbooking/internal/config"
	"ms-tripbooking/internal/logger"
	"ms-tripbooking/internal/models"
)

const publishTimeout = 5 * time.Second

const (
	TypeBookingConfirmed    = "booking.confirmed"
	TypeBookingCancelled    = "booking.cancelled"
	TypePaymentSucceeded    = "payment.succeeded"
	TypePaymentFailed       = "payment.failed"
	TypePaymentRefunded     = "payment.refunded"
	TypePaymentReceived     = "notification.payment_received"
	TypeConfirmationNotice  = "notification.booking_confirmed"
	TypeInstallmentReminder = "notification.installment_reminder"
)

type Publisher interface {
	Publish(ctx context.Context, topic, eventType, key string, v interface{}) error
}

type BookingEvent struct {
	BookingID       int64                `json:"booking_id"`
	TripID          int64                `json:"trip_id"`
	CustomerID      int64                `json:"customer_id"`
	ReservationID   string               `json:"reservation_id"`
	Status          models.BookingStatus `json:"status"`
	TotalCents      int64                `json:"total_cents"`
	AmountPaidCents int64                `json:"amount_paid_cents"`
	Currency        string               `json:"currency"`
	Email           string               `json:"email"`
}

type PaymentEvent struct {
	PaymentRef    string               `json:"payment_ref"`
	BookingID     *int64               `json:"booking_id,omitempty"`
	InstallmentID *int64               `json:"installment_id,omitempty"`
	Step          models.PaymentStep   `json:"step"`
	Status        models.PaymentStatus `json:"status"`
	BaseCents     int64                `json:"base_cents"`
	FeeCents      int64                `json:"fee_cents"`
	FinalCents    int64                `json:"final_cents"`
	RefundedCents int64                `json:"refunded_cents,omitempty"`
	Currency      string               `json:"currency"`
}

// Notification is what the downstream mailer consumes from the notifications topic.
type Notification struct {
	Kind      string            `json:"kind"`
	To        string            `json:"to"`
	Name      string            `json:"name,omitempty"`
	BookingID int64             `json:"booking_id"`
	Data      map[string]string `json:"data,omitempty"`
	QRCodePNG string            `json:"qr_code_png,omitempty"`
}

// Reminder carries what a single installment reminder needs.
type Reminder struct {
	Kind           string
	Booking        *models.Booking
	Obligation     *models.InstallmentObligation
	PayLink        string
	RemainingCents int64
}

// Notifier publishes booking lifecycle events and customer notifications to Kafka.
// Ledger callbacks are delivered in the background; failures are only logged.
type Notifier struct {
	pub    Publisher
	topics config.TopicConfig
	logger *logger.Logger
	wg     sync.WaitGroup
}

func NewNotifier(pub Publisher, topics config.TopicConfig, log *logger.Logger) *Notifier {
	return &Notifier{pub: pub, topics: topics, logger: log}
}

func (n *Notifier) BookingConfirmed(_ context.Context, b *models.Booking) {
	ev := bookingEvent(b)
	key := strconv.FormatInt(b.ID, 10)
	n.async(n.topics.BookingConfirmed, TypeBookingConfirmed, key, ev)
	n.async(n.topics.Notifications, TypeConfirmationNotice, key, Notification{
		Kind:      TypeConfirmationNotice,
		To:        b.Buyer.Email,
		Name:      b.Buyer.FirstName,
		BookingID: b.ID,
		Data: map[string]string{
			"status":      string(b.Status),
			"total":       formatCents(b.TotalCents, b.Currency),
			"amount_paid": formatCents(b.AmountPaidCents, b.Currency),
		},
	})
}

func (n *Notifier) PaymentSucceeded(_ context.Context, b *models.Booking, rec *models.PaymentRecord) {
	key := strconv.FormatInt(b.ID, 10)
	n.async(n.topics.PaymentSucceeded, TypePaymentSucceeded, key, paymentEvent(rec))
	n.async(n.topics.Notifications, TypePaymentReceived, key, Notification{
		Kind:      TypePaymentReceived,
		To:        b.Buyer.Email,
		Name:      b.Buyer.FirstName,
		BookingID: b.ID,
		Data: map[string]string{
			"payment_ref": rec.PaymentRef,
			"step":        string(rec.Step),
			"charged":     formatCents(rec.FinalCents, rec.Currency),
			"remaining":   formatCents(b.RemainingCents(), b.Currency),
		},
	})
}

func (n *Notifier) PaymentFailed(_ context.Context, rec *models.PaymentRecord) {
	n.async(n.topics.PaymentFailed, TypePaymentFailed, rec.PaymentRef, paymentEvent(rec))
}

func (n *Notifier) PaymentRefunded(_ context.Context, rec *models.PaymentRecord, amountCents int64) {
	ev := paymentEvent(rec)
	ev.RefundedCents = amountCents
	n.async(n.topics.PaymentRefunded, TypePaymentRefunded, rec.PaymentRef, ev)
}

func (n *Notifier) BookingCancelled(_ context.Context, b *models.Booking) {
	n.async(n.topics.Notifications, TypeBookingCancelled, strconv.FormatInt(b.ID, 10), bookingEvent(b))
}

// InstallmentReminder publishes synchronously so the caller only records the reminder once it is out.
func (n *Notifier) InstallmentReminder(ctx context.Context, r Reminder) error {
	qr, err := PayLinkQR(r.PayLink)
	if err != nil {
		return err
	}

	b, o := r.Booking, r.Obligation
	note := Notification{
		Kind:      TypeInstallmentReminder,
		To:        b.Buyer.Email,
		Name:      b.Buyer.FirstName,
		BookingID: b.ID,
		Data: map[string]string{
			"reminder":       r.Kind,
			"installment_id": strconv.FormatInt(o.ID, 10),
			"sequence":       strconv.Itoa(o.Sequence),
			"amount":         formatCents(o.AmountCents, b.Currency),
			"due_date":       o.DueDate.Format("2006-01-02"),
			"remaining":      formatCents(r.RemainingCents, b.Currency),
			"pay_link":       r.PayLink,
		},
		QRCodePNG: qr,
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := n.pub.Publish(ctx, n.topics.Notifications, TypeInstallmentReminder, strconv.FormatInt(b.ID, 10), note); err != nil {
		return fmt.Errorf("publish reminder for installment %d: %w", o.ID, err)
	}
	return nil
}

// Wait blocks until background publishes have finished.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) async(topic, eventType, key string, v interface{}) {
	if topic == "" {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := n.pub.Publish(ctx, topic, eventType, key, v); err != nil {
			n.logger.Error("NOTIFY", fmt.Sprintf("%s key=%s not delivered: %v", eventType, key, err))
		}
	}()
}

func bookingEvent(b *models.Booking) BookingEvent {
	return BookingEvent{
		BookingID:       b.ID,
		TripID:          b.TripID,
		CustomerID:      b.CustomerID,
		ReservationID:   b.ReservationID,
		Status:          b.Status,
		TotalCents:      b.TotalCents,
		AmountPaidCents: b.AmountPaidCents,
		Currency:        b.Currency,
		Email:           b.Buyer.Email,
	}
}

func paymentEvent(rec *models.PaymentRecord) PaymentEvent {
	return PaymentEvent{
		PaymentRef:    rec.PaymentRef,
		BookingID:     rec.BookingID,
		InstallmentID: rec.InstallmentID,
		Step:          rec.Step,
		Status:        rec.Status,
		BaseCents:     rec.BaseCents,
		FeeCents:      rec.FeeCents,
		FinalCents:    rec.FinalCents,
		Currency:      rec.Currency,
	}
}

func formatCents(cents int64, currency string) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, cents/100, cents%100, currency)
}

// Nop drops every notification. Used when Kafka is disabled.
type Nop struct{}

func (Nop) Publish(context.Context, string, string, string, interface{}) error { return nil }
