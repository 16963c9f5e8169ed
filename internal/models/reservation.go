package models

import (
	"time"

	"github.com/uptrace/bun"
)

type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationCompleted ReservationStatus = "completed"
	ReservationExpired   ReservationStatus = "expired"
	ReservationCancelled ReservationStatus = "cancelled"
)

// Reservation holds a priced selection until its first payment settles. PlannedOn is the day
// BaseAmountCents was computed for; installments due before then were folded into it.
type Reservation struct {
	bun.BaseModel `bun:"table:reservations"`

	ID              string            `bun:"id,pk" json:"id"`
	TripID          int64             `bun:"trip_id,notnull" json:"trip_id"`
	PaymentRef      string            `bun:"payment_ref,notnull,unique" json:"payment_ref"`
	Selection       Selection         `bun:"selection" json:"selection"`
	GrossCents      int64             `bun:"gross_cents,notnull" json:"gross_cents"`
	DiscountCodeID  *int64            `bun:"discount_code_id" json:"discount_code_id,omitempty"`
	DiscountCents   int64             `bun:"discount_cents,notnull" json:"discount_cents"`
	BaseAmountCents int64             `bun:"base_amount_cents,notnull" json:"base_amount_cents"`
	Status          ReservationStatus `bun:"status,notnull" json:"status"`
	PlannedOn       time.Time         `bun:"planned_on,nullzero" json:"planned_on,omitempty"`
	CreatedAt       time.Time         `bun:"created_at,notnull" json:"created_at"`
	ExpiresAt       time.Time         `bun:"expires_at,notnull" json:"expires_at"`
	CompletedAt     *time.Time        `bun:"completed_at" json:"completed_at,omitempty"`
}
