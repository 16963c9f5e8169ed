package dbtest

import (
	"context"
	"testing"

	"ms-tripbooking/internal/models"

	"github.com/uptrace/bun"
)

func SeedTrip(t *testing.T, bunDB *bun.DB, title string) *models.Trip {
	t.Helper()
	trip := &models.Trip{Title: title, Currency: "usd"}
	insert(t, bunDB, trip)
	return trip
}

// SeedPackage inserts a package; a nil plan sells it at full price only.
func SeedPackage(t *testing.T, bunDB *bun.DB, tripID int64, name string, priceCents int64, capacity int, plan *models.PlanConfig) *models.TripPackage {
	t.Helper()
	pkg := &models.TripPackage{
		TripID:      tripID,
		Name:        name,
		PriceCents:  priceCents,
		Capacity:    capacity,
		Status:      "active",
		PaymentPlan: plan,
	}
	insert(t, bunDB, pkg)
	return pkg
}

func SeedAddOn(t *testing.T, bunDB *bun.DB, tripID int64, name string, priceCents int64) *models.TripAddOn {
	t.Helper()
	addon := &models.TripAddOn{TripID: tripID, Name: name, PriceCents: priceCents}
	insert(t, bunDB, addon)
	return addon
}

func SeedDiscount(t *testing.T, bunDB *bun.DB, code models.DiscountCode) *models.DiscountCode {
	t.Helper()
	insert(t, bunDB, &code)
	return &code
}

func insert(t *testing.T, bunDB *bun.DB, model interface{}) {
	t.Helper()
	if _, err := bunDB.NewInsert().Model(model).Exec(context.Background()); err != nil {
		t.Fatalf("Failed to seed %T: %v", model, err)
	}
}
