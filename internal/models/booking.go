package models

import (
	"time"

	"github.com/uptrace/bun"
)

type BookingStatus string

const (
	BookingPending     BookingStatus = "pending"
	BookingDepositPaid BookingStatus = "deposit_paid"
	BookingFullyPaid   BookingStatus = "fully_paid"
	BookingCancelled   BookingStatus = "cancelled"
)

// Confirmed statuses count against package capacity.
var ConfirmedStatuses = []BookingStatus{BookingDepositPaid, BookingFullyPaid}

type Customer struct {
	bun.BaseModel `bun:"table:customers"`

	ID        int64     `bun:"id,pk,autoincrement" json:"id"`
	Email     string    `bun:"email,notnull,unique" json:"email"`
	FirstName string    `bun:"first_name" json:"first_name"`
	LastName  string    `bun:"last_name" json:"last_name"`
	Phone     string    `bun:"phone" json:"phone,omitempty"`
	Address   string    `bun:"address" json:"address,omitempty"`
	City      string    `bun:"city" json:"city,omitempty"`
	State     string    `bun:"state" json:"state,omitempty"`
	ZipCode   string    `bun:"zip_code" json:"zip_code,omitempty"`
	Country   string    `bun:"country" json:"country,omitempty"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
}

type Booking struct {
	bun.BaseModel `bun:"table:bookings"`

	ID              int64         `bun:"id,pk,autoincrement" json:"id"`
	TripID          int64         `bun:"trip_id,notnull" json:"trip_id"`
	CustomerID      int64         `bun:"customer_id,notnull" json:"customer_id"`
	ReservationID   string        `bun:"reservation_id,notnull,unique" json:"reservation_id"`
	Status          BookingStatus `bun:"status,notnull" json:"status"`
	PassengerCount  int           `bun:"passenger_count,notnull" json:"passenger_count"`
	SubtotalCents   int64         `bun:"subtotal_cents,notnull" json:"subtotal_cents"`
	DiscountCodeID  *int64        `bun:"discount_code_id" json:"discount_code_id,omitempty"`
	DiscountCents   int64         `bun:"discount_cents,notnull" json:"discount_cents"`
	TotalCents      int64         `bun:"total_cents,notnull" json:"total_cents"`
	AmountPaidCents int64         `bun:"amount_paid_cents,notnull" json:"amount_paid_cents"`
	Currency        string        `bun:"currency,notnull" json:"currency"`
	Buyer           BuyerInfo     `bun:"embed:buyer_" json:"buyer"`
	CreatedAt       time.Time     `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt       time.Time     `bun:"updated_at,notnull" json:"updated_at"`
	CancelledAt     *time.Time    `bun:"cancelled_at" json:"cancelled_at,omitempty"`
}

func (b *Booking) IsTerminal() bool {
	return b.Status == BookingFullyPaid || b.Status == BookingCancelled
}

// RemainingCents is what the buyer still owes, never negative.
func (b *Booking) RemainingCents() int64 {
	if r := b.TotalCents - b.AmountPaidCents; r > 0 {
		return r
	}
	return 0
}

type PackageSelection struct {
	bun.BaseModel `bun:"table:package_selections"`

	ID              int64         `bun:"id,pk,autoincrement" json:"id"`
	BookingID       int64         `bun:"booking_id,notnull" json:"booking_id"`
	PackageID       int64         `bun:"package_id,notnull" json:"package_id"`
	Quantity        int           `bun:"quantity,notnull" json:"quantity"`
	PlanType        PlanType      `bun:"plan_type,notnull" json:"plan_type"`
	UnitPriceCents  int64         `bun:"unit_price_cents,notnull" json:"unit_price_cents"`
	Status          BookingStatus `bun:"status,notnull" json:"status"`
	AmountPaidCents int64         `bun:"amount_paid_cents,notnull" json:"amount_paid_cents"`
}

func (p *PackageSelection) LineTotal() int64 {
	return p.UnitPriceCents * int64(p.Quantity)
}

type Participant struct {
	bun.BaseModel `bun:"table:participants"`

	ID        int64  `bun:"id,pk,autoincrement" json:"id"`
	BookingID int64  `bun:"booking_id,notnull" json:"booking_id"`
	FirstName string `bun:"first_name" json:"first_name"`
	LastName  string `bun:"last_name" json:"last_name"`
	Email     string `bun:"email" json:"email,omitempty"`
	Phone     string `bun:"phone" json:"phone,omitempty"`
}

type AddOnSelection struct {
	bun.BaseModel `bun:"table:addon_selections"`

	ID                  int64  `bun:"id,pk,autoincrement" json:"id"`
	BookingID           int64  `bun:"booking_id,notnull" json:"booking_id"`
	ParticipantID       *int64 `bun:"participant_id" json:"participant_id,omitempty"`
	AddOnID             int64  `bun:"addon_id,notnull" json:"addon_id"`
	Quantity            int    `bun:"quantity,notnull" json:"quantity"`
	PriceAtBookingCents int64  `bun:"price_at_booking_cents,notnull" json:"price_at_booking_cents"`
}
