package booking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"ms-tripbooking/internal/clock"
	"ms-tripbooking/internal/db"
	"ms-tripbooking/internal/logger"
	"ms-tripbooking/internal/models"
	"ms-tripbooking/internal/reservation"

	"github.com/uptrace/bun"
)

var (
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrNotFound         = errors.New("booking not found")
	ErrUnknownPackage   = errors.New("unknown package")
)

// Materializer turns a paid Reservation into a Booking with its line items.
type Materializer struct {
	db     *bun.DB
	clock  clock.Clock
	logger *logger.Logger
}

func NewMaterializer(bunDB *bun.DB, clk clock.Clock, log *logger.Logger) *Materializer {
	return &Materializer{db: bunDB, clock: clk, logger: log}
}

// Materialize runs MaterializeTx in its own transaction.
func (m *Materializer) Materialize(ctx context.Context, reservationID string) (*models.Booking, error) {
	var booking *models.Booking
	err := m.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		booking, err = m.MaterializeTx(ctx, tx, reservationID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return booking, nil
}

// MaterializeTx creates the Booking for a reservation through idb. Calling it again for the
// same reservation returns the existing Booking and writes nothing.
func (m *Materializer) MaterializeTx(ctx context.Context, idb bun.IDB, reservationID string) (*models.Booking, error) {
	var res models.Reservation
	q := idb.NewSelect().Model(&res).Where("id = ?", reservationID).Limit(1)
	if err := db.ForUpdate(idb, q).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, reservation.ErrNotFound
		}
		return nil, fmt.Errorf("load reservation: %w", err)
	}

	existing, err := m.existingBooking(ctx, idb, &res)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		m.logger.LogBooking("MATERIALIZE_SKIP", existing.ID, fmt.Sprintf("reservation %s already materialized", res.ID))
		return existing, nil
	}

	if res.Status != models.ReservationPending {
		return nil, fmt.Errorf("%w: reservation %s is %s", reservation.ErrInvalidReservationState, res.ID, res.Status)
	}

	sel := res.Selection
	if len(sel.Packages) == 0 {
		return nil, fmt.Errorf("%w: reservation %s has no packages", ErrUnknownPackage, res.ID)
	}

	pkgs, err := m.checkCapacity(ctx, idb, sel.Packages)
	if err != nil {
		return nil, err
	}

	var trip models.Trip
	if err := idb.NewSelect().Model(&trip).Where("id = ?", res.TripID).Limit(1).Scan(ctx); err != nil {
		return nil, fmt.Errorf("load trip %d: %w", res.TripID, err)
	}

	customer, err := upsertCustomer(ctx, idb, sel.Buyer)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	lines := make([]models.PackageSelection, 0, len(sel.Packages))
	var subtotal int64
	for _, line := range sel.Packages {
		pkg := pkgs[line.PackageID]
		ps := models.PackageSelection{
			PackageID:      pkg.ID,
			Quantity:       line.Quantity,
			PlanType:       resolvePlanType(line.PlanType, pkg),
			UnitPriceCents: pkg.PriceCents,
			Status:         models.BookingPending,
		}
		subtotal += ps.LineTotal()
		lines = append(lines, ps)
	}

	addons, err := m.priceAddOns(ctx, idb, sel.AddOns)
	if err != nil {
		return nil, err
	}
	for _, a := range addons {
		subtotal += a.PriceAtBookingCents * int64(a.Quantity)
	}

	total := subtotal - res.DiscountCents
	if total < 0 {
		total = 0
	}

	booking := &models.Booking{
		TripID:         res.TripID,
		CustomerID:     customer.ID,
		ReservationID:  res.ID,
		Status:         models.BookingPending,
		PassengerCount: sel.PassengerCount(),
		SubtotalCents:  subtotal,
		DiscountCodeID: res.DiscountCodeID,
		DiscountCents:  res.DiscountCents,
		TotalCents:     total,
		Currency:       trip.Currency,
		Buyer:          sel.Buyer,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if _, err := idb.NewInsert().Model(booking).Exec(ctx); err != nil {
		return nil, fmt.Errorf("insert booking: %w", err)
	}

	for i := range lines {
		lines[i].BookingID = booking.ID
	}
	if _, err := idb.NewInsert().Model(&lines).Exec(ctx); err != nil {
		return nil, fmt.Errorf("insert package selections: %w", err)
	}

	participants := make([]models.Participant, 0, len(sel.Participants))
	for _, p := range sel.Participants {
		participants = append(participants, models.Participant{
			BookingID: booking.ID,
			FirstName: p.FirstName,
			LastName:  p.LastName,
			Email:     p.Email,
			Phone:     p.Phone,
		})
	}
	if len(participants) > 0 {
		if _, err := idb.NewInsert().Model(&participants).Exec(ctx); err != nil {
			return nil, fmt.Errorf("insert participants: %w", err)
		}
	}

	if len(addons) > 0 {
		for i := range addons {
			addons[i].BookingID = booking.ID
			addons[i].ParticipantID = participantFor(sel.AddOns[i].ParticipantIndex, participants)
		}
		if _, err := idb.NewInsert().Model(&addons).Exec(ctx); err != nil {
			return nil, fmt.Errorf("insert add-on selections: %w", err)
		}
	}

	if res.DiscountCodeID != nil {
		_, err := idb.NewUpdate().
			Model((*models.DiscountCode)(nil)).
			Set("used_count = used_count + 1").
			Where("id = ?", *res.DiscountCodeID).
			Exec(ctx)
		if err != nil {
			return nil, fmt.Errorf("count discount use: %w", err)
		}
	}

	if err := reservation.MarkCompleted(ctx, idb, res.ID, now); err != nil {
		return nil, err
	}

	m.logger.LogBooking("MATERIALIZED", booking.ID, fmt.Sprintf("reservation=%s passengers=%d total=%d", res.ID, booking.PassengerCount, booking.TotalCents))
	return booking, nil
}

// existingBooking finds a Booking already created for this reservation, through its payment
// record or the reservation link.
func (m *Materializer) existingBooking(ctx context.Context, idb bun.IDB, res *models.Reservation) (*models.Booking, error) {
	var bookingID int64
	err := idb.NewSelect().
		Model((*models.PaymentRecord)(nil)).
		Column("booking_id").
		Where("payment_ref = ?", res.PaymentRef).
		Where("booking_id IS NOT NULL").
		Limit(1).
		Scan(ctx, &bookingID)
	switch {
	case err == nil:
		return Get(ctx, idb, bookingID)
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("lookup payment record: %w", err)
	}

	var b models.Booking
	err = idb.NewSelect().Model(&b).Where("reservation_id = ?", res.ID).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup booking by reservation: %w", err)
	}
	return &b, nil
}

// checkCapacity locks every selected package and verifies the quantity still fits next to
// confirmed bookings. Capacity 0 means unlimited.
func (m *Materializer) checkCapacity(ctx context.Context, idb bun.IDB, lines []models.PackageLine) (map[int64]*models.TripPackage, error) {
	wanted := make(map[int64]int)
	var ids []int64
	for _, l := range lines {
		if _, seen := wanted[l.PackageID]; !seen {
			ids = append(ids, l.PackageID)
		}
		wanted[l.PackageID] += l.Quantity
	}

	var pkgs []models.TripPackage
	q := idb.NewSelect().Model(&pkgs).Where("id IN (?)", bun.In(ids)).Order("id")
	if err := db.ForUpdate(idb, q).Scan(ctx); err != nil {
		return nil, fmt.Errorf("load packages: %w", err)
	}
	byID := make(map[int64]*models.TripPackage, len(pkgs))
	for i := range pkgs {
		byID[pkgs[i].ID] = &pkgs[i]
	}

	for _, id := range ids {
		pkg, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownPackage, id)
		}
		if pkg.Capacity <= 0 {
			continue
		}
		sold, err := db.ConfirmedQuantity(ctx, idb, id)
		if err != nil {
			return nil, fmt.Errorf("count confirmed seats: %w", err)
		}
		if sold+wanted[id] > pkg.Capacity {
			m.logger.Warn("BOOKING", fmt.Sprintf("Package %d over capacity: sold=%d wanted=%d capacity=%d", id, sold, wanted[id], pkg.Capacity))
			return nil, fmt.Errorf("%w: package %q has %d of %d seats left", ErrCapacityExceeded, pkg.Name, max(pkg.Capacity-sold, 0), pkg.Capacity)
		}
	}
	return byID, nil
}

func (m *Materializer) priceAddOns(ctx context.Context, idb bun.IDB, lines []models.AddOnLine) ([]models.AddOnSelection, error) {
	if len(lines) == 0 {
		return nil, nil
	}
	ids := make([]int64, 0, len(lines))
	for _, l := range lines {
		ids = append(ids, l.AddOnID)
	}
	var catalog []models.TripAddOn
	if err := idb.NewSelect().Model(&catalog).Where("id IN (?)", bun.In(ids)).Scan(ctx); err != nil {
		return nil, fmt.Errorf("load add-ons: %w", err)
	}
	prices := make(map[int64]int64, len(catalog))
	for _, a := range catalog {
		prices[a.ID] = a.PriceCents
	}

	out := make([]models.AddOnSelection, 0, len(lines))
	for _, l := range lines {
		price, ok := prices[l.AddOnID]
		if !ok {
			return nil, fmt.Errorf("unknown add-on %d", l.AddOnID)
		}
		out = append(out, models.AddOnSelection{
			AddOnID:             l.AddOnID,
			Quantity:            l.Quantity,
			PriceAtBookingCents: price,
		})
	}
	return out, nil
}

// upsertCustomer reuses the customer with the buyer's email, creating it on first purchase.
func upsertCustomer(ctx context.Context, idb bun.IDB, buyer models.BuyerInfo) (*models.Customer, error) {
	email := strings.ToLower(strings.TrimSpace(buyer.Email))
	c := &models.Customer{
		Email:     email,
		FirstName: buyer.FirstName,
		LastName:  buyer.LastName,
		Phone:     buyer.Phone,
		Address:   buyer.Address,
		City:      buyer.City,
		State:     buyer.State,
		ZipCode:   buyer.ZipCode,
		Country:   buyer.Country,
	}
	if _, err := idb.NewInsert().Model(c).On("CONFLICT (email) DO NOTHING").Exec(ctx); err != nil {
		return nil, fmt.Errorf("insert customer: %w", err)
	}

	var existing models.Customer
	if err := idb.NewSelect().Model(&existing).Where("email = ?", email).Limit(1).Scan(ctx); err != nil {
		return nil, fmt.Errorf("load customer: %w", err)
	}
	return &existing, nil
}

func resolvePlanType(requested models.PlanType, pkg *models.TripPackage) models.PlanType {
	if requested == models.PlanDepositInstallment && pkg.HasPlan() {
		return models.PlanDepositInstallment
	}
	return models.PlanFull
}

func participantFor(index *int, participants []models.Participant) *int64 {
	if len(participants) == 0 {
		return nil
	}
	i := 0
	if index != nil && *index >= 0 && *index < len(participants) {
		i = *index
	}
	id := participants[i].ID
	return &id
}
