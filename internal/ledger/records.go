package ledger

import (
	"context"
	"fmt"
	"time"

	"ms-tripbooking/internal/db"
	"ms-tripbooking/internal/models"

	"github.com/uptrace/bun"
)

// insertOrFetch inserts rec unless its payment reference already exists, then returns the
// stored row, locked on Postgres.
func insertOrFetch(ctx context.Context, idb bun.IDB, rec *models.PaymentRecord) (*models.PaymentRecord, error) {
	_, err := idb.NewInsert().
		Model(rec).
		On("CONFLICT (payment_ref) DO NOTHING").
		Returning("NULL").
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("insert payment record: %w", err)
	}

	var stored models.PaymentRecord
	q := idb.NewSelect().Model(&stored).Where("payment_ref = ?", rec.PaymentRef).Limit(1)
	if err := forUpdate(idb, q).Scan(ctx); err != nil {
		return nil, fmt.Errorf("load payment record: %w", err)
	}
	return &stored, nil
}

func forUpdate(idb bun.IDB, q *bun.SelectQuery) *bun.SelectQuery {
	return db.ForUpdate(idb, q)
}

// markProcessed claims (provider, eventID). It returns false when someone already did.
func markProcessed(ctx context.Context, idb bun.IDB, provider, eventID, kind, paymentRef string, now time.Time) (bool, error) {
	ev := &models.ProcessedEvent{
		Provider:    provider,
		EventID:     eventID,
		Kind:        kind,
		PaymentRef:  paymentRef,
		ReceivedAt:  now,
		ProcessedAt: &now,
	}
	res, err := idb.NewInsert().
		Model(ev).
		On("CONFLICT (provider, event_id) DO NOTHING").
		Returning("NULL").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("claim event %s: %w", eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// markObligationPaid settles the obligation this payment was made for, if any.
func markObligationPaid(ctx context.Context, idb bun.IDB, rec *models.PaymentRecord, now time.Time) error {
	q := idb.NewUpdate().
		Model((*models.InstallmentObligation)(nil)).
		Set("status = ?", models.ObligationPaid).
		Set("paid_at = ?", now).
		Set("payment_ref = ?", rec.PaymentRef).
		Where("status IN (?)", bun.In(models.OpenObligationStatuses))
	if rec.InstallmentID != nil {
		q = q.Where("id = ?", *rec.InstallmentID)
	} else {
		q = q.Where("payment_ref = ?", rec.PaymentRef)
	}
	if _, err := q.Exec(ctx); err != nil {
		return fmt.Errorf("mark obligation paid: %w", err)
	}
	return nil
}

func cancelOpenObligations(ctx context.Context, idb bun.IDB, bookingID int64) (int64, error) {
	res, err := idb.NewUpdate().
		Model((*models.InstallmentObligation)(nil)).
		Set("status = ?", models.ObligationCancelled).
		Where("booking_id = ?", bookingID).
		Where("status IN (?)", bun.In(models.OpenObligationStatuses)).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("cancel open obligations: %w", err)
	}
	return res.RowsAffected()
}
