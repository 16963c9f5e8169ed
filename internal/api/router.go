package api

import (
	"context"
	"net/http"
	"time"

	"ms-tripbooking/internal/auth"
	"ms-tripbooking/internal/logger"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

type RouterOptions struct {
	Handler   *Handler
	Webhook   http.Handler
	Stream    http.Handler
	Admin     auth.TokenVerifier
	AdminRole string
	Limiter   *ClientLimiter
	Gatherer  prometheus.Gatherer
	Health    map[string]HealthCheck
	Logger    *logger.Logger
}

func NewRouter(o RouterOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(o.Logger))

	h := o.Handler

	// --- Operational ---
	r.Get("/healthz", healthz(o.Health))
	gatherer := o.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// --- Gateway callbacks ---
	if o.Webhook != nil {
		r.Post("/webhooks/stripe", o.Webhook.ServeHTTP)
	}

	// --- Storefront ---
	r.Route("/api", func(r chi.Router) {
		r.Post("/reservations", h.CreateReservation)

		r.Route("/payment", func(r chi.Router) {
			r.Post("/quote", h.Quote)
			r.Post("/intent", h.ConfirmIntent)
			r.Group(func(r chi.Router) {
				if o.Limiter != nil {
					r.Use(o.Limiter.Middleware(o.Logger))
				}
				r.Get("/status", h.GetStatus)
				if o.Stream != nil {
					r.Get("/events", o.Stream.ServeHTTP)
				}
			})
		})

		r.Post("/discount/validate", h.ValidateDiscount)
		r.Post("/discount/apply", h.ApplyDiscount)
		r.Post("/booking/create-free", h.CreateFreeBooking)
		r.Post("/installments/{id}/pay", h.PayInstallment)
		r.Post("/bookings/{id}/payoff", h.Payoff)
	})
	o.Logger.Info("ROUTER", "Storefront routes registered under /api")

	// --- Admin ---
	if o.Admin != nil {
		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.Middleware(o.Admin, o.AdminRole, o.Logger))
			r.Post("/bookings/{id}/cancel", h.CancelBooking)
			r.Post("/payments/{ref}/refund", h.RequestRefund)
			r.Get("/packages/{id}/plan-warnings", h.PlanWarnings)
			r.Post("/reservations/sweep", h.SweepReservations)
			if h.Analytics != nil {
				r.Get("/trips/{id}/analytics", h.TripAnalytics)
			}
		})
		o.Logger.Info("ROUTER", "Admin routes registered under /admin")
	} else {
		o.Logger.Warn("ROUTER", "No OIDC issuer configured, admin routes disabled")
	}
	return r
}

func healthz(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		report := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				report[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			report[name] = "ok"
		}
		if status != http.StatusOK {
			writeJSON(w, status, APIResponse{Success: false, Message: "Unhealthy", Data: report, Timestamp: time.Now().UTC()})
			return
		}
		writeJSON(w, status, SuccessResponse("Healthy", report))
	}
}
