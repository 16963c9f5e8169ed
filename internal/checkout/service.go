// Package checkout is the storefront's entry point into the booking engine: reservations,
// fee quotes, intent confirmation, status polling, discounts and pay links.
package checkout

import (
	"context"
	"errors"
	"time"

	"ms-tripbooking/internal/auth"
	"ms-tripbooking/internal/clock"
	"ms-tripbooking/internal/db"
	"ms-tripbooking/internal/discount"
	"ms-tripbooking/internal/installment"
	"ms-tripbooking/internal/ledger"
	"ms-tripbooking/internal/logger"
	"ms-tripbooking/internal/metrics"
	"ms-tripbooking/internal/payment/gateway"
	"ms-tripbooking/internal/reconcile"
	"ms-tripbooking/internal/reservation"

	"github.com/uptrace/bun"
)

var (
	ErrInvalidSelection = errors.New("invalid selection")
	ErrAmountMismatch   = errors.New("amount does not match the last quote")
	ErrNoBalanceDue     = errors.New("no balance due")
	ErrNotFound         = errors.New("not found")
	ErrNotPayable       = errors.New("not payable")
)

const freeRefPrefix = "free_"

type QuoteCache interface {
	Put(ctx context.Context, ref string, v interface{}) error
	Get(ctx context.Context, ref string, dst interface{}) (bool, error)
	Delete(ctx context.Context, ref string) error
}

type ReservationTimers interface {
	Arm(ctx context.Context, id string, ttl time.Duration) error
	Disarm(ctx context.Context, id string) error
}

type LinkVerifier interface {
	VerifyInstallment(token string, installmentID int64) (*auth.PayLinkClaims, error)
	VerifyPayoff(token string, bookingID int64) (*auth.PayLinkClaims, error)
}

type Deps struct {
	DB           *bun.DB
	Catalog      *db.DB
	Discounts    *discount.Service
	Planner      *installment.Planner
	Reservations *reservation.Store
	Gateway      gateway.Gateway
	Quotes       QuoteCache
	Timers       ReservationTimers
	Links        LinkVerifier
	Ledger       *ledger.Ledger
	Reconciler   *reconcile.Reconciler
	Currency     string
	Clock        clock.Clock
	Logger       *logger.Logger
	Metrics      *metrics.BookingMetrics
}

type Service struct {
	db           *bun.DB
	catalog      *db.DB
	discounts    *discount.Service
	planner      *installment.Planner
	reservations *reservation.Store
	gateway      gateway.Gateway
	quotes       QuoteCache
	timers       ReservationTimers
	links        LinkVerifier
	ledger       *ledger.Ledger
	reconciler   *reconcile.Reconciler
	currency     string
	clock        clock.Clock
	logger       *logger.Logger
	metrics      *metrics.BookingMetrics
}

func NewService(d Deps) *Service {
	currency := d.Currency
	if currency == "" {
		currency = "usd"
	}
	return &Service{
		db:           d.DB,
		catalog:      d.Catalog,
		discounts:    d.Discounts,
		planner:      d.Planner,
		reservations: d.Reservations,
		gateway:      d.Gateway,
		quotes:       d.Quotes,
		timers:       d.Timers,
		links:        d.Links,
		ledger:       d.Ledger,
		reconciler:   d.Reconciler,
		currency:     currency,
		clock:        d.Clock,
		logger:       d.Logger,
		metrics:      d.Metrics,
	}
}

func (s *Service) gatewayErr(op string, err error) error {
	if errors.Is(err, gateway.ErrGatewayUnavailable) {
		s.metrics.GatewayError(op)
	}
	return err
}
