package models

import (
	"time"

	"github.com/uptrace/bun"
)

type ObligationStatus string

const (
	ObligationPending   ObligationStatus = "pending"
	ObligationPaid      ObligationStatus = "paid"
	ObligationOverdue   ObligationStatus = "overdue"
	ObligationCancelled ObligationStatus = "cancelled"
)

// OpenObligationStatuses are the statuses that still expect money.
var OpenObligationStatuses = []ObligationStatus{ObligationPending, ObligationOverdue}

// InstallmentObligation is one scheduled payment of a package selection. Sequence 0 is the deposit.
type InstallmentObligation struct {
	bun.BaseModel `bun:"table:installment_obligations"`

	ID                 int64            `bun:"id,pk,autoincrement" json:"id"`
	BookingID          int64            `bun:"booking_id,notnull" json:"booking_id"`
	PackageSelectionID int64            `bun:"package_selection_id,notnull" json:"package_selection_id"`
	Sequence           int              `bun:"sequence,notnull" json:"sequence"`
	AmountCents        int64            `bun:"amount_cents,notnull" json:"amount_cents"`
	DueDate            time.Time        `bun:"due_date,notnull" json:"due_date"`
	Status             ObligationStatus `bun:"status,notnull" json:"status"`
	PaymentRef         string           `bun:"payment_ref,nullzero" json:"payment_ref,omitempty"`
	PaidAt             *time.Time       `bun:"paid_at" json:"paid_at,omitempty"`
	ReminderSent       bool             `bun:"reminder_sent,notnull" json:"reminder_sent"`
	ReminderSentAt     *time.Time       `bun:"reminder_sent_at" json:"reminder_sent_at,omitempty"`
	ReminderCount      int              `bun:"reminder_count,notnull" json:"reminder_count"`
	CreatedAt          time.Time        `bun:"created_at,notnull" json:"created_at"`
}

func (o *InstallmentObligation) IsOpen() bool {
	return o.Status == ObligationPending || o.Status == ObligationOverdue
}
