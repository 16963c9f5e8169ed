package reservation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ms-tripbooking/internal/clock"
	"ms-tripbooking/internal/db"
	"ms-tripbooking/internal/logger"
	"ms-tripbooking/internal/models"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const DefaultTTL = 24 * time.Hour

var (
	ErrNotFound                = errors.New("reservation not found")
	ErrInvalidReservationState = errors.New("invalid reservation state")
)

// IntentCanceller releases the gateway side of an expired reservation.
type IntentCanceller interface {
	CancelPaymentIntent(ctx context.Context, paymentRef string) error
}

type Store struct {
	db        *bun.DB
	clock     clock.Clock
	ttl       time.Duration
	logger    *logger.Logger
	canceller IntentCanceller
}

func NewStore(bunDB *bun.DB, clk clock.Clock, ttl time.Duration, log *logger.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{db: bunDB, clock: clk, ttl: ttl, logger: log}
}

// WithIntentCanceller makes every expiry also cancel the reservation's payment intent.
func (s *Store) WithIntentCanceller(c IntentCanceller) *Store {
	s.canceller = c
	return s
}

func (s *Store) TTL() time.Duration { return s.ttl }

type NewReservation struct {
	// ID is generated when empty.
	ID              string
	TripID          int64
	PaymentRef      string
	Selection       models.Selection
	GrossCents      int64
	DiscountCodeID  *int64
	DiscountCents   int64
	BaseAmountCents int64
	PlannedOn       time.Time // defaults to today
}

func (s *Store) Create(ctx context.Context, in NewReservation) (*models.Reservation, error) {
	now := s.clock.Now()
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.PlannedOn.IsZero() {
		in.PlannedOn = now
	}
	r := &models.Reservation{
		ID:              in.ID,
		TripID:          in.TripID,
		PaymentRef:      in.PaymentRef,
		Selection:       in.Selection,
		GrossCents:      in.GrossCents,
		DiscountCodeID:  in.DiscountCodeID,
		DiscountCents:   in.DiscountCents,
		BaseAmountCents: in.BaseAmountCents,
		Status:          models.ReservationPending,
		PlannedOn:       clock.Today(in.PlannedOn),
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.ttl),
	}
	if _, err := s.db.NewInsert().Model(r).Exec(ctx); err != nil {
		return nil, fmt.Errorf("insert reservation: %w", err)
	}
	s.logger.LogReservation("CREATE", r.ID, fmt.Sprintf("ref=%s base=%d expires=%s", r.PaymentRef, r.BaseAmountCents, r.ExpiresAt.Format(time.RFC3339)))
	return r, nil
}

// Get loads a reservation, expiring it first if its TTL has passed.
func (s *Store) Get(ctx context.Context, id string) (*models.Reservation, error) {
	r, err := find(ctx, s.db, "id = ?", id, false)
	if err != nil {
		return nil, err
	}
	return s.lazyExpire(ctx, r), nil
}

func (s *Store) GetByPaymentRef(ctx context.Context, ref string) (*models.Reservation, error) {
	r, err := find(ctx, s.db, "payment_ref = ?", ref, false)
	if err != nil {
		return nil, err
	}
	return s.lazyExpire(ctx, r), nil
}

// FindByPaymentRef reads through idb without expiring; forUpdate locks the row on Postgres.
func FindByPaymentRef(ctx context.Context, idb bun.IDB, ref string, forUpdate bool) (*models.Reservation, error) {
	return find(ctx, idb, "payment_ref = ?", ref, forUpdate)
}

func find(ctx context.Context, idb bun.IDB, where string, arg interface{}, forUpdate bool) (*models.Reservation, error) {
	var r models.Reservation
	q := idb.NewSelect().Model(&r).Where(where, arg).Limit(1)
	if forUpdate {
		q = db.ForUpdate(idb, q)
	}
	if err := q.Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

func (s *Store) lazyExpire(ctx context.Context, r *models.Reservation) *models.Reservation {
	if r.Status != models.ReservationPending || s.clock.Now().Before(r.ExpiresAt) {
		return r
	}
	if err := s.MarkExpired(ctx, r.ID); err != nil && !errors.Is(err, ErrInvalidReservationState) {
		s.logger.Error("RESERVATION", fmt.Sprintf("Lazy expiry of %s failed: %v", r.ID, err))
		return r
	}
	r.Status = models.ReservationExpired
	return r
}

// UpdateComputedAmount replaces the base amount owed; only pending reservations change.
func (s *Store) UpdateComputedAmount(ctx context.Context, id string, amountCents int64) error {
	res, err := s.db.NewUpdate().
		Model((*models.Reservation)(nil)).
		Set("base_amount_cents = ?", amountCents).
		Where("id = ?", id).
		Where("status = ?", models.ReservationPending).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update reservation amount: %w", err)
	}
	return s.checkAffected(ctx, s.db, res, id)
}

// ApplyDiscount records the discount snapshot and the base amount recomputed on plannedOn together.
func (s *Store) ApplyDiscount(ctx context.Context, id string, codeID *int64, code string, discountCents, baseCents int64, plannedOn time.Time) error {
	r, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if r.Status != models.ReservationPending {
		return fmt.Errorf("%w: reservation %s is %s", ErrInvalidReservationState, id, r.Status)
	}
	r.Selection.DiscountCode = code
	r.DiscountCodeID = codeID
	r.DiscountCents = discountCents
	r.BaseAmountCents = baseCents
	r.PlannedOn = clock.Today(plannedOn)

	res, err := s.db.NewUpdate().
		Model(r).
		Column("discount_code_id", "discount_cents", "base_amount_cents", "selection", "planned_on").
		WherePK().
		Where("status = ?", models.ReservationPending).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("apply discount to reservation: %w", err)
	}
	return s.checkAffected(ctx, s.db, res, id)
}

func (s *Store) MarkCompleted(ctx context.Context, id string) error {
	return MarkCompleted(ctx, s.db, id, s.clock.Now())
}

// MarkCompleted is the only way into completed; it runs inside the materializing transaction.
func MarkCompleted(ctx context.Context, idb bun.IDB, id string, now time.Time) error {
	res, err := idb.NewUpdate().
		Model((*models.Reservation)(nil)).
		Set("status = ?", models.ReservationCompleted).
		Set("completed_at = ?", now).
		Where("id = ?", id).
		Where("status = ?", models.ReservationPending).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("complete reservation: %w", err)
	}
	return checkAffected(ctx, idb, res, id)
}

func (s *Store) MarkExpired(ctx context.Context, id string) error {
	if err := s.transition(ctx, id, models.ReservationExpired); err != nil {
		return err
	}
	s.logger.LogReservation("EXPIRE", id, "reservation expired")
	s.cancelIntent(ctx, id)
	return nil
}

func (s *Store) MarkCancelled(ctx context.Context, id string) error {
	if err := s.transition(ctx, id, models.ReservationCancelled); err != nil {
		return err
	}
	s.logger.LogReservation("CANCEL", id, "reservation cancelled")
	s.cancelIntent(ctx, id)
	return nil
}

func (s *Store) transition(ctx context.Context, id string, to models.ReservationStatus) error {
	res, err := s.db.NewUpdate().
		Model((*models.Reservation)(nil)).
		Set("status = ?", to).
		Where("id = ?", id).
		Where("status = ?", models.ReservationPending).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("mark reservation %s: %w", to, err)
	}
	return s.checkAffected(ctx, s.db, res, id)
}

func (s *Store) cancelIntent(ctx context.Context, id string) {
	if s.canceller == nil {
		return
	}
	r, err := find(ctx, s.db, "id = ?", id, false)
	if err != nil {
		s.logger.Error("RESERVATION", fmt.Sprintf("Reload of %s for intent cancel failed: %v", id, err))
		return
	}
	if err := s.canceller.CancelPaymentIntent(ctx, r.PaymentRef); err != nil {
		s.logger.Warn("RESERVATION", fmt.Sprintf("Cancel intent %s of reservation %s failed: %v", r.PaymentRef, id, err))
	}
}

// SweepExpired expires every pending reservation past its TTL and returns how many changed.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	var ids []string
	err := s.db.NewSelect().
		Model((*models.Reservation)(nil)).
		Column("id").
		Where("status = ?", models.ReservationPending).
		Where("expires_at <= ?", s.clock.Now()).
		Scan(ctx, &ids)
	if err != nil {
		return 0, fmt.Errorf("select expired reservations: %w", err)
	}

	expired := 0
	for _, id := range ids {
		err := s.MarkExpired(ctx, id)
		switch {
		case err == nil:
			expired++
		case errors.Is(err, ErrInvalidReservationState):
			// completed meanwhile
		default:
			return expired, err
		}
	}
	if expired > 0 {
		s.logger.LogProcess("RESERVATION_SWEEP", fmt.Sprintf("expired %d reservations", expired))
	}
	return expired, nil
}

func (s *Store) checkAffected(ctx context.Context, idb bun.IDB, res sql.Result, id string) error {
	return checkAffected(ctx, idb, res, id)
}

// checkAffected tells a missing row apart from a row in the wrong status.
func checkAffected(ctx context.Context, idb bun.IDB, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var status string
	err = idb.NewSelect().Model((*models.Reservation)(nil)).Column("status").Where("id = ?", id).Scan(ctx, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: reservation %s is %s", ErrInvalidReservationState, id, status)
}
