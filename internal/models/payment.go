package models

import (
	"time"

	"github.com/uptrace/bun"
)

type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "pending"
	PaymentSucceeded         PaymentStatus = "succeeded"
	PaymentFailed            PaymentStatus = "failed"
	PaymentRefunded          PaymentStatus = "refunded"
	PaymentPartiallyRefunded PaymentStatus = "partially_refunded"
)

type PaymentStep string

const (
	StepInitial     PaymentStep = "initial"
	StepInstallment PaymentStep = "installment"
	StepPayoff      PaymentStep = "payoff"
)

// PaymentRecord is one payment attempt against the gateway, keyed by the gateway's payment reference.
// BaseCents is what counts towards Booking.AmountPaidCents; FeeCents is surcharge revenue.
type PaymentRecord struct {
	bun.BaseModel `bun:"table:payment_records"`

	ID              int64             `bun:"id,pk,autoincrement" json:"id"`
	PaymentRef      string            `bun:"payment_ref,notnull,unique" json:"payment_ref"`
	ChargeRef       string            `bun:"charge_ref,nullzero" json:"charge_ref,omitempty"`
	BookingID       *int64            `bun:"booking_id" json:"booking_id,omitempty"`
	ReservationID   string            `bun:"reservation_id,nullzero" json:"reservation_id,omitempty"`
	InstallmentID   *int64            `bun:"installment_id" json:"installment_id,omitempty"`
	Step            PaymentStep       `bun:"step,notnull" json:"step"`
	Status          PaymentStatus     `bun:"status,notnull" json:"status"`
	BaseCents       int64             `bun:"base_cents,notnull" json:"base_cents"`
	FeeCents        int64             `bun:"fee_cents,notnull" json:"fee_cents"`
	TaxCents        int64             `bun:"tax_cents,notnull" json:"tax_cents"`
	FinalCents      int64             `bun:"final_cents,notnull" json:"final_cents"`
	Funding         string            `bun:"funding" json:"funding,omitempty"`
	Brand           string            `bun:"brand" json:"brand,omitempty"`
	PaymentMethodID string            `bun:"payment_method_id" json:"payment_method_id,omitempty"`
	Currency        string            `bun:"currency,notnull" json:"currency"`
	RefundedCents   int64             `bun:"refunded_cents,notnull" json:"refunded_cents"`
	RefundReason    string            `bun:"refund_reason" json:"refund_reason,omitempty"`
	Metadata        map[string]string `bun:"metadata" json:"metadata,omitempty"`
	PaidAt          *time.Time        `bun:"paid_at" json:"paid_at,omitempty"`
	RefundedAt      *time.Time        `bun:"refunded_at" json:"refunded_at,omitempty"`
	CreatedAt       time.Time         `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt       time.Time         `bun:"updated_at,notnull" json:"updated_at"`
}

// ProcessedEvent dedupes gateway notifications by their event ID.
type ProcessedEvent struct {
	bun.BaseModel `bun:"table:processed_events"`

	ID          int64      `bun:"id,pk,autoincrement"`
	Provider    string     `bun:"provider,notnull,unique:provider_event"`
	EventID     string     `bun:"event_id,notnull,unique:provider_event"`
	Kind        string     `bun:"kind,notnull"`
	PaymentRef  string     `bun:"payment_ref"`
	ReceivedAt  time.Time  `bun:"received_at,notnull"`
	ProcessedAt *time.Time `bun:"processed_at"`
}

// AllTables lists every model in creation order.
func AllTables() []interface{} {
	return []interface{}{
		(*Trip)(nil),
		(*TripPackage)(nil),
		(*TripAddOn)(nil),
		(*DiscountCode)(nil),
		(*Customer)(nil),
		(*Reservation)(nil),
		(*Booking)(nil),
		(*PackageSelection)(nil),
		(*Participant)(nil),
		(*AddOnSelection)(nil),
		(*InstallmentObligation)(nil),
		(*PaymentRecord)(nil),
		(*ProcessedEvent)(nil),
	}
}
