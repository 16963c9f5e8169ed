package booking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ms-tripbooking/internal/db"
	"ms-tripbooking/internal/models"

	"github.com/uptrace/bun"
)

func Get(ctx context.Context, idb bun.IDB, id int64) (*models.Booking, error) {
	return get(ctx, idb, id, false)
}

// GetForUpdate loads the booking and, on Postgres, holds its row lock until the transaction ends.
func GetForUpdate(ctx context.Context, idb bun.IDB, id int64) (*models.Booking, error) {
	return get(ctx, idb, id, true)
}

func get(ctx context.Context, idb bun.IDB, id int64, lock bool) (*models.Booking, error) {
	var b models.Booking
	q := idb.NewSelect().Model(&b).Where("id = ?", id).Limit(1)
	if lock {
		q = db.ForUpdate(idb, q)
	}
	if err := q.Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		return nil, err
	}
	return &b, nil
}

func GetByReservation(ctx context.Context, idb bun.IDB, reservationID string) (*models.Booking, error) {
	var b models.Booking
	err := idb.NewSelect().Model(&b).Where("reservation_id = ?", reservationID).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: reservation %s", ErrNotFound, reservationID)
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func Selections(ctx context.Context, idb bun.IDB, bookingID int64) ([]models.PackageSelection, error) {
	var rows []models.PackageSelection
	err := idb.NewSelect().Model(&rows).Where("booking_id = ?", bookingID).Order("id").Scan(ctx)
	return rows, err
}

func Obligations(ctx context.Context, idb bun.IDB, bookingID int64) ([]models.InstallmentObligation, error) {
	var rows []models.InstallmentObligation
	err := idb.NewSelect().
		Model(&rows).
		Where("booking_id = ?", bookingID).
		Order("package_selection_id", "sequence").
		Scan(ctx)
	return rows, err
}

func Participants(ctx context.Context, idb bun.IDB, bookingID int64) ([]models.Participant, error) {
	var rows []models.Participant
	err := idb.NewSelect().Model(&rows).Where("booking_id = ?", bookingID).Order("id").Scan(ctx)
	return rows, err
}

func AddOns(ctx context.Context, idb bun.IDB, bookingID int64) ([]models.AddOnSelection, error) {
	var rows []models.AddOnSelection
	err := idb.NewSelect().Model(&rows).Where("booking_id = ?", bookingID).Order("id").Scan(ctx)
	return rows, err
}

// Payments lists every payment record attached to the booking, oldest first.
func Payments(ctx context.Context, idb bun.IDB, bookingID int64) ([]models.PaymentRecord, error) {
	var rows []models.PaymentRecord
	err := idb.NewSelect().Model(&rows).Where("booking_id = ?", bookingID).Order("id").Scan(ctx)
	return rows, err
}
