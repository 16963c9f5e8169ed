package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ms-tripbooking/internal/analytics"
	"ms-tripbooking/internal/api"
	"ms-tripbooking/internal/auth"
	"ms-tripbooking/internal/booking"
	"ms-tripbooking/internal/checkout"
	"ms-tripbooking/internal/clock"
	"ms-tripbooking/internal/config"
	"ms-tripbooking/internal/database/migrations"
	"ms-tripbooking/internal/db"
	"ms-tripbooking/internal/discount"
	"ms-tripbooking/internal/installment"
	"ms-tripbooking/internal/kafka"
	"ms-tripbooking/internal/ledger"
	"ms-tripbooking/internal/logger"
	"ms-tripbooking/internal/metrics"
	"ms-tripbooking/internal/notify"
	"ms-tripbooking/internal/payment/gateway"
	"ms-tripbooking/internal/reconcile"
	rediscache "ms-tripbooking/internal/redis"
	"ms-tripbooking/internal/reservation"
	"ms-tripbooking/internal/sse"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

func runMigrations(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) {
	// the migrate driver closes the pool it is given, so it gets its own
	sqldb, err := db.OpenSQL(ctx, cfg, log)
	if err != nil {
		log.Fatal("MIGRATE", fmt.Sprintf("Failed to open migration connection: %v", err))
	}
	runner := migrations.NewRunner(sqldb, migrations.MigrateOptions{MigrationsDir: cfg.MigrationsDir, AutoMigrate: true}, log)
	defer runner.Close()

	if err := runner.Up(); err != nil {
		log.Fatal("MIGRATE", fmt.Sprintf("Migrations failed: %v", err))
	}
}

// startReservationExpiry runs the Redis expiry subscription and the periodic sweep until ctx is done.
func startReservationExpiry(ctx context.Context, svc *checkout.Service, timers *rediscache.ReservationTimers, redisDB int, interval time.Duration, log *logger.Logger) {
	timers.EnableExpiryEvents(ctx)
	go timers.Subscribe(ctx, redisDB, func(ctx context.Context, id string) {
		if err := svc.ExpireReservation(ctx, id); err != nil {
			log.Error("RESERVATION", fmt.Sprintf("Failed to expire reservation %s: %v", id, err))
		}
	})

	if interval <= 0 {
		log.Warn("RESERVATION", "Reservation sweep disabled, relying on expiry events and lazy checks")
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := svc.SweepReservations(ctx)
				if err != nil {
					log.Error("RESERVATION", fmt.Sprintf("Reservation sweep failed: %v", err))
					continue
				}
				if n > 0 {
					log.LogProcess("RESERVATION_SWEEP", fmt.Sprintf("expired %d reservations", n))
				}
			}
		}
	}()
}

// startEvents wires Kafka when enabled. The returned notifier is what the ledger reports to.
func startEvents(ctx context.Context, cfg config.KafkaConfig, log *logger.Logger) (*notify.Notifier, func()) {
	if !cfg.Enabled {
		log.Warn("KAFKA", "Kafka disabled, booking events are dropped")
		return notify.NewNotifier(notify.Nop{}, cfg.Topics, log), func() {}
	}

	log.Info("KAFKA", fmt.Sprintf("Using Kafka brokers: %v", cfg.Brokers))
	if err := kafka.EnsureTopicsExist(cfg.Brokers, cfg.Topics.All(), log); err != nil {
		log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
	}

	producer := kafka.NewProducer(cfg.Brokers, log)
	notifier := notify.NewNotifier(producer, cfg.Topics, log)

	consumer := kafka.NewConsumer(cfg.Brokers, cfg.Topics.All(), cfg.GroupID, log)
	go func() {
		if err := consumer.Start(ctx, kafka.AuditHandler(log)); err != nil {
			log.Error("KAFKA", fmt.Sprintf("Audit consumer stopped: %v", err))
		}
	}()

	return notifier, func() {
		notifier.Wait()
		if err := producer.Close(); err != nil {
			log.Error("KAFKA", fmt.Sprintf("Failed to close producer: %v", err))
		}
		if err := consumer.Close(); err != nil {
			log.Error("KAFKA", fmt.Sprintf("Failed to close consumer: %v", err))
		}
	}
}

func main() {
	logger := logger.NewLogger("trip-booking")
	defer logger.Close()

	logger.Info("APP", "Starting Trip Booking Service initialization")

	if err := godotenv.Load(); err != nil {
		logger.Warn("CONFIG", ".env file not found, using environment variables")
	} else {
		logger.Info("CONFIG", "Loaded environment variables from .env file")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("CONFIG", fmt.Sprintf("Failed to load configuration: %v", err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Database.AutoMigrate {
		runMigrations(ctx, cfg.Database, logger)
	}

	logger.Info("APP", "Verifying database connections")
	bunDB, err := db.Connect(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("DATABASE", err.Error())
	}
	defer bunDB.Close()

	redisClient, err := rediscache.Connect(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Fatal("REDIS", err.Error())
	}
	defer redisClient.Close()

	stripeGateway, err := gateway.NewStripeGateway(gateway.StripeOptions{
		SecretKey:     cfg.Stripe.SecretKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		Timeout:       cfg.Stripe.Timeout,
		RetryBackoff:  cfg.Stripe.RetryBackoff,
	}, logger)
	if err != nil {
		logger.Fatal("STRIPE", fmt.Sprintf("Failed to initialize payment gateway: %v", err))
	}
	if cfg.Stripe.WebhookSecret == "" {
		logger.Warn("STRIPE", "STRIPE_WEBHOOK_SECRET not set, webhook deliveries will be rejected")
	}

	signer, err := auth.NewLinkSigner(cfg.Links.SigningSecret, cfg.Links.TTL, clock.RealClock{})
	if err != nil {
		logger.Fatal("CONFIG", fmt.Sprintf("Pay links unavailable: %v", err))
	}

	notifier, closeEvents := startEvents(ctx, cfg.Kafka, logger)
	defer closeEvents()

	m := metrics.Default()
	streams := sse.NewBroker()
	clk := clock.RealClock{}
	catalog := &db.DB{Bun: bunDB}
	planner := installment.NewPlanner(logger)

	reservations := reservation.NewStore(bunDB, clk, cfg.Reservation.TTL, logger).
		WithIntentCanceller(stripeGateway)

	l := ledger.NewLedger(bunDB, booking.NewMaterializer(bunDB, clk, logger), planner, clk, logger).
		WithMetrics(m).
		WithRefunder(stripeGateway).
		WithEvents(ledger.Fanout{notifier, streams})

	locker := rediscache.NewLocker(redisClient, cfg.Redis.PaymentLockTTL, logger)
	reconciler := reconcile.NewReconciler(bunDB, l, locker, clk, logger, m).
		WithRefunds(stripeGateway)
	timers := rediscache.NewReservationTimers(redisClient, logger)

	svc := checkout.NewService(checkout.Deps{
		DB:           bunDB,
		Catalog:      catalog,
		Discounts:    discount.NewService(catalog, clk, logger),
		Planner:      planner,
		Reservations: reservations,
		Gateway:      stripeGateway,
		Quotes:       rediscache.NewQuoteCache(redisClient, cfg.Redis.QuoteTTL),
		Timers:       timers,
		Links:        signer,
		Ledger:       l,
		Reconciler:   reconciler,
		Currency:     cfg.Stripe.Currency,
		Clock:        clk,
		Logger:       logger,
		Metrics:      m,
	})

	logger.Info("REDIS", "Starting reservation expiry handling")
	startReservationExpiry(ctx, svc, timers, cfg.Redis.DB, cfg.Reservation.SweepInterval, logger)

	var admin auth.TokenVerifier
	if cfg.Auth.OIDCIssuer != "" {
		verifier, err := auth.NewOIDCVerifier(ctx, cfg.Auth.OIDCIssuer)
		if err != nil {
			logger.Error("AUTH", fmt.Sprintf("OIDC discovery failed for %s: %v", cfg.Auth.OIDCIssuer, err))
		} else {
			admin = verifier
			logger.Info("AUTH", fmt.Sprintf("Admin routes verified against %s", cfg.Auth.OIDCIssuer))
		}
	}

	logger.Info("HTTP", "Setting up router and middleware")
	router := api.NewRouter(api.RouterOptions{
		Handler:   &api.Handler{Checkout: svc, Analytics: analytics.NewService(bunDB), Logger: logger},
		Webhook:   api.NewWebhookHandler(stripeGateway, reconciler, logger),
		Stream:    &api.StatusStream{Checkout: svc, Streams: streams, Logger: logger},
		Admin:     admin,
		AdminRole: cfg.Auth.AdminRole,
		Limiter:   api.NewClientLimiter(cfg.Server.StatusPollRPS, cfg.Server.StatusPollBurst),
		Gatherer:  prometheus.DefaultGatherer,
		Health: map[string]api.HealthCheck{
			"postgres": bunDB.PingContext,
			"redis": func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			},
		},
		Logger: logger,
	})

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("HTTP", fmt.Sprintf("Trip Booking Service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	logger.Info("APP", "Service started successfully, waiting for shutdown signal")
	<-stop

	logger.Info("APP", "Shutdown signal received, initiating graceful shutdown")
	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(ctxShutdown); err != nil {
		logger.Error("HTTP", fmt.Sprintf("Server Shutdown Failed: %v", err))
	} else {
		logger.Info("HTTP", "Trip Booking Service shutdown complete")
	}
	cancel()
}
