// Package analytics aggregates sales figures of one trip for the admin dashboard.
package analytics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"ms-tripbooking/internal/db"
	"ms-tripbooking/internal/models"

	"github.com/uptrace/bun"
)

// Service handles analytics queries
type Service struct {
	db      *bun.DB
	catalog *db.DB
}

func NewService(bunDB *bun.DB) *Service {
	return &Service{db: bunDB, catalog: &db.DB{Bun: bunDB}}
}

// TripAnalytics is the sales picture of a trip. Money is in minor units; Collected is base
// amounts only, card fees are reported apart.
type TripAnalytics struct {
	TripID           int64               `json:"trip_id"`
	Currency         string              `json:"currency"`
	Bookings         []StatusBreakdown   `json:"bookings"`
	Passengers       int                 `json:"passengers"`
	CollectedCents   int64               `json:"collected"`
	FeesCents        int64               `json:"fees"`
	RefundedCents    int64               `json:"refunded"`
	OutstandingCents int64               `json:"outstanding"`
	Overdue          OverdueSummary      `json:"overdue"`
	Packages         []PackageSales      `json:"packages"`
	Discounts        []DiscountUsage     `json:"discounts"`
	DailySales       []DailySalesMetrics `json:"daily_sales"`
}

type StatusBreakdown struct {
	Status     models.BookingStatus `bun:"status" json:"status"`
	Count      int                  `bun:"count" json:"count"`
	Passengers int                  `bun:"passengers" json:"passengers"`
	TotalCents int64                `bun:"total_cents" json:"total"`
	PaidCents  int64                `bun:"paid_cents" json:"paid"`
}

type OverdueSummary struct {
	Count       int   `bun:"count" json:"count"`
	AmountCents int64 `bun:"amount_cents" json:"amount"`
}

// PackageSales counts seats held by confirmed bookings against the package capacity.
type PackageSales struct {
	PackageID int64  `bun:"package_id" json:"package_id"`
	Name      string `bun:"name" json:"name"`
	Capacity  int    `bun:"capacity" json:"capacity"`
	Sold      int    `bun:"sold" json:"sold"`
}

type DiscountUsage struct {
	Code          string `bun:"code" json:"code"`
	Uses          int    `bun:"uses" json:"uses"`
	DiscountCents int64  `bun:"discount_cents" json:"discount"`
}

// DailySalesMetrics contains settled payments for a single UTC day
type DailySalesMetrics struct {
	Date         string `json:"date"`
	Payments     int    `json:"payments"`
	RevenueCents int64  `json:"revenue"`
}

type paymentRow struct {
	BaseCents     int64      `bun:"base_cents"`
	FeeCents      int64      `bun:"fee_cents"`
	RefundedCents int64      `bun:"refunded_cents"`
	PaidAt        *time.Time `bun:"paid_at"`
}

var settledPayments = []models.PaymentStatus{models.PaymentSucceeded, models.PaymentRefunded, models.PaymentPartiallyRefunded}

// GetTripAnalytics returns the sales figures of tripID. Unknown trips report db.ErrNotFound.
func (s *Service) GetTripAnalytics(ctx context.Context, tripID int64) (*TripAnalytics, error) {
	trip, err := s.catalog.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	out := &TripAnalytics{TripID: trip.ID, Currency: trip.Currency}

	err = s.db.NewRaw(`
		SELECT status, COUNT(*) AS count,
			COALESCE(SUM(passenger_count), 0) AS passengers,
			COALESCE(SUM(total_cents), 0) AS total_cents,
			COALESCE(SUM(amount_paid_cents), 0) AS paid_cents
		FROM bookings WHERE trip_id = ?
		GROUP BY status ORDER BY status`, tripID).Scan(ctx, &out.Bookings)
	if err != nil {
		return nil, fmt.Errorf("bookings by status: %w", err)
	}
	for _, b := range out.Bookings {
		if b.Status == models.BookingDepositPaid || b.Status == models.BookingFullyPaid {
			out.Passengers += b.Passengers
		}
		if b.Status == models.BookingDepositPaid {
			out.OutstandingCents += b.TotalCents - b.PaidCents
		}
	}

	err = s.db.NewRaw(`
		SELECT ps.package_id, tp.name, COALESCE(tp.capacity, 0) AS capacity, COALESCE(SUM(ps.quantity), 0) AS sold
		FROM package_selections ps
		JOIN trip_packages tp ON tp.id = ps.package_id
		WHERE tp.trip_id = ? AND ps.status IN (?)
		GROUP BY ps.package_id, tp.name, tp.capacity
		ORDER BY ps.package_id`, tripID, bun.In(models.ConfirmedStatuses)).Scan(ctx, &out.Packages)
	if err != nil {
		return nil, fmt.Errorf("package sales: %w", err)
	}

	err = s.db.NewRaw(`
		SELECT COUNT(*) AS count, COALESCE(SUM(o.amount_cents), 0) AS amount_cents
		FROM installment_obligations o
		JOIN bookings b ON b.id = o.booking_id
		WHERE b.trip_id = ? AND o.status = ?`, tripID, models.ObligationOverdue).Scan(ctx, &out.Overdue)
	if err != nil {
		return nil, fmt.Errorf("overdue obligations: %w", err)
	}

	err = s.db.NewRaw(`
		SELECT dc.code, COUNT(*) AS uses, COALESCE(SUM(b.discount_cents), 0) AS discount_cents
		FROM bookings b
		JOIN discount_codes dc ON dc.id = b.discount_code_id
		WHERE b.trip_id = ? AND b.status != ?
		GROUP BY dc.code ORDER BY dc.code`, tripID, models.BookingCancelled).Scan(ctx, &out.Discounts)
	if err != nil {
		return nil, fmt.Errorf("discount usage: %w", err)
	}

	var payments []paymentRow
	err = s.db.NewRaw(`
		SELECT pr.base_cents, pr.fee_cents, pr.refunded_cents, pr.paid_at
		FROM payment_records pr
		JOIN bookings b ON b.id = pr.booking_id
		WHERE b.trip_id = ? AND pr.status IN (?)`, tripID, bun.In(settledPayments)).Scan(ctx, &payments)
	if err != nil {
		return nil, fmt.Errorf("settled payments: %w", err)
	}
	out.DailySales = dailySales(payments)
	for _, p := range payments {
		out.CollectedCents += p.BaseCents
		out.FeesCents += p.FeeCents
		out.RefundedCents += p.RefundedCents
	}
	return out, nil
}

// dailySales buckets payments by the UTC day they settled, oldest first.
func dailySales(payments []paymentRow) []DailySalesMetrics {
	byDay := make(map[string]*DailySalesMetrics)
	for _, p := range payments {
		if p.PaidAt == nil {
			continue
		}
		day := p.PaidAt.UTC().Format("2006-01-02")
		m, ok := byDay[day]
		if !ok {
			m = &DailySalesMetrics{Date: day}
			byDay[day] = m
		}
		m.Payments++
		m.RevenueCents += p.BaseCents
	}

	out := make([]DailySalesMetrics, 0, len(byDay))
	for _, m := range byDay {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}
