package models

import (
	"time"

	"github.com/uptrace/bun"
)

type Trip struct {
	bun.BaseModel `bun:"table:trips"`

	ID        int64     `bun:"id,pk,autoincrement" json:"id"`
	Title     string    `bun:"title,notnull" json:"title"`
	Capacity  int       `bun:"capacity" json:"capacity"`
	Currency  string    `bun:"currency,notnull" json:"currency"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
}

// TripPackage is a sellable package of a trip. Capacity 0 means unlimited.
type TripPackage struct {
	bun.BaseModel `bun:"table:trip_packages"`

	ID          int64       `bun:"id,pk,autoincrement" json:"id"`
	TripID      int64       `bun:"trip_id,notnull" json:"trip_id"`
	Name        string      `bun:"name,notnull" json:"name"`
	PriceCents  int64       `bun:"price_cents,notnull" json:"price_cents"`
	Capacity    int         `bun:"capacity" json:"capacity"`
	Status      string      `bun:"status,notnull" json:"status"`
	PaymentPlan *PlanConfig `bun:"payment_plan" json:"payment_plan,omitempty"`
	CreatedAt   time.Time   `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
}

// HasPlan reports whether the package can be sold on a deposit + installments plan.
func (p *TripPackage) HasPlan() bool {
	return p.PaymentPlan != nil && p.PaymentPlan.Enabled
}

type TripAddOn struct {
	bun.BaseModel `bun:"table:trip_addons"`

	ID         int64  `bun:"id,pk,autoincrement" json:"id"`
	TripID     int64  `bun:"trip_id,notnull" json:"trip_id"`
	Name       string `bun:"name,notnull" json:"name"`
	PriceCents int64  `bun:"price_cents,notnull" json:"price_cents"`
}

// PlanConfig is the deposit + schedule configured on a package. Due dates are YYYY-MM-DD.
type PlanConfig struct {
	Enabled      bool                   `json:"enabled"`
	DepositCents int64                  `json:"deposit_cents"`
	Installments []ScheduledInstallment `json:"installments"`
	AutoBilling  bool                   `json:"auto_billing,omitempty"`
	AllowPartial bool                   `json:"allow_partial,omitempty"`
}

type ScheduledInstallment struct {
	DueDate     string `json:"date"`
	AmountCents int64  `json:"amount_cents"`
}

type DiscountType string

const (
	DiscountFixed   DiscountType = "fixed"
	DiscountPercent DiscountType = "percent"
)

// DiscountCode values: fixed codes are in major currency units, percent codes in percentage points.
type DiscountCode struct {
	bun.BaseModel `bun:"table:discount_codes"`

	ID        int64        `bun:"id,pk,autoincrement" json:"id"`
	Code      string       `bun:"code,notnull,unique" json:"code"`
	Type      DiscountType `bun:"type,notnull" json:"type"`
	Value     float64      `bun:"value,notnull" json:"value"`
	TripID    *int64       `bun:"trip_id" json:"trip_id,omitempty"`
	Active    bool         `bun:"active,notnull" json:"active"`
	MaxUses   int          `bun:"max_uses" json:"max_uses"`
	UsedCount int          `bun:"used_count,notnull" json:"used_count"`
	StartsAt  *time.Time   `bun:"starts_at" json:"starts_at,omitempty"`
	ExpiresAt *time.Time   `bun:"expires_at" json:"expires_at,omitempty"`
}
