package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"ms-tripbooking/internal/models"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

var ErrNotFound = errors.New("not found")

// DB reads the trip catalog: trips, packages, add-ons and discount codes.
type DB struct {
	Bun *bun.DB
}

func (d *DB) GetTrip(ctx context.Context, id int64) (*models.Trip, error) {
	var trip models.Trip
	err := d.Bun.NewSelect().Model(&trip).Where("id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		return nil, notFound(err, "trip %d", id)
	}
	return &trip, nil
}

func (d *DB) GetPackage(ctx context.Context, id int64) (*models.TripPackage, error) {
	var pkg models.TripPackage
	err := d.Bun.NewSelect().Model(&pkg).Where("id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		return nil, notFound(err, "package %d", id)
	}
	return &pkg, nil
}

// GetPackages → packages keyed by ID; missing IDs are simply absent
func (d *DB) GetPackages(ctx context.Context, ids []int64) (map[int64]*models.TripPackage, error) {
	out := make(map[int64]*models.TripPackage, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var pkgs []models.TripPackage
	if err := d.Bun.NewSelect().Model(&pkgs).Where("id IN (?)", bun.In(ids)).Scan(ctx); err != nil {
		return nil, err
	}
	for i := range pkgs {
		out[pkgs[i].ID] = &pkgs[i]
	}
	return out, nil
}

func (d *DB) GetAddOns(ctx context.Context, ids []int64) (map[int64]*models.TripAddOn, error) {
	out := make(map[int64]*models.TripAddOn, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var addons []models.TripAddOn
	if err := d.Bun.NewSelect().Model(&addons).Where("id IN (?)", bun.In(ids)).Scan(ctx); err != nil {
		return nil, err
	}
	for i := range addons {
		out[addons[i].ID] = &addons[i]
	}
	return out, nil
}

// GetDiscountByCode matches codes case-insensitively.
func (d *DB) GetDiscountByCode(ctx context.Context, code string) (*models.DiscountCode, error) {
	var dc models.DiscountCode
	err := d.Bun.NewSelect().
		Model(&dc).
		Where("UPPER(code) = ?", strings.ToUpper(strings.TrimSpace(code))).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, "discount code %q", code)
	}
	return &dc, nil
}

func (d *DB) GetDiscountByID(ctx context.Context, id int64) (*models.DiscountCode, error) {
	var dc models.DiscountCode
	if err := d.Bun.NewSelect().Model(&dc).Where("id = ?", id).Limit(1).Scan(ctx); err != nil {
		return nil, notFound(err, "discount code %d", id)
	}
	return &dc, nil
}

// ConfirmedQuantity → seats already sold on a package by confirmed bookings
func ConfirmedQuantity(ctx context.Context, idb bun.IDB, packageID int64) (int, error) {
	var total int
	err := idb.NewSelect().
		Model((*models.PackageSelection)(nil)).
		ColumnExpr("COALESCE(SUM(quantity), 0)").
		Where("package_id = ?", packageID).
		Where("status IN (?)", bun.In(models.ConfirmedStatuses)).
		Scan(ctx, &total)
	return total, err
}

// ForUpdate adds a row lock on Postgres. SQLite serializes writers on its own.
func ForUpdate(idb bun.IDB, q *bun.SelectQuery) *bun.SelectQuery {
	if idb.Dialect().Name() == dialect.PG {
		return q.For("UPDATE")
	}
	return q
}

// CreateSchema creates every table if missing. Production schema is owned by migrations.
func CreateSchema(ctx context.Context, d *bun.DB) error {
	for _, model := range models.AllTables() {
		if _, err := d.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table for %T: %w", model, err)
		}
	}
	return nil
}

func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
	}
	return err
}
