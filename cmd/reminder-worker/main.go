// Command reminder-worker runs the daily installment sweep and delivers the reminders it enqueues.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ms-tripbooking/internal/auth"
	"ms-tripbooking/internal/clock"
	"ms-tripbooking/internal/config"
	"ms-tripbooking/internal/db"
	"ms-tripbooking/internal/kafka"
	"ms-tripbooking/internal/logger"
	"ms-tripbooking/internal/metrics"
	"ms-tripbooking/internal/notify"
	"ms-tripbooking/internal/reminders"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	logger := logger.NewLogger("reminder-worker")
	defer logger.Close()

	if err := godotenv.Load(); err != nil {
		logger.Warn("CONFIG", ".env file not found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("CONFIG", fmt.Sprintf("Failed to load configuration: %v", err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bunDB, err := db.Connect(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("DATABASE", err.Error())
	}
	defer bunDB.Close()

	signer, err := auth.NewLinkSigner(cfg.Links.SigningSecret, cfg.Links.TTL, clock.RealClock{})
	if err != nil {
		logger.Fatal("CONFIG", fmt.Sprintf("Pay links unavailable: %v", err))
	}

	var publisher notify.Publisher = notify.Nop{}
	if cfg.Kafka.Enabled {
		if err := kafka.EnsureTopicsExist(cfg.Kafka.Brokers, []string{cfg.Kafka.Topics.Notifications}, logger); err != nil {
			logger.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		}
		producer := kafka.NewProducer(cfg.Kafka.Brokers, logger)
		defer producer.Close()
		publisher = producer
	} else {
		logger.Warn("KAFKA", "Kafka disabled, reminders are dropped")
	}
	notifier := notify.NewNotifier(publisher, cfg.Kafka.Topics, logger)

	redisOpt := reminders.RedisOpt(cfg.Redis, cfg.Reminder.RedisDB)
	queue := asynq.NewClient(redisOpt)
	defer queue.Close()

	svc := reminders.NewService(bunDB, queue, notifier, signer, cfg.Links.BaseURL, clock.RealClock{}, logger, metrics.Default())

	scheduler, err := reminders.NewScheduler(redisOpt, cfg.Reminder.Cron, logger)
	if err != nil {
		logger.Fatal("REMINDER", err.Error())
	}
	if err := scheduler.Start(); err != nil {
		logger.Fatal("REMINDER", fmt.Sprintf("Failed to start scheduler: %v", err))
	}

	server := reminders.NewServer(redisOpt, cfg.Reminder.Concurrency, logger)
	if err := server.Start(reminders.NewMux(svc)); err != nil {
		logger.Fatal("REMINDER", fmt.Sprintf("Failed to start worker: %v", err))
	}
	logger.Info("REMINDER", fmt.Sprintf("Worker started with concurrency %d", cfg.Reminder.Concurrency))

	metricsServer := &http.Server{Addr: cfg.Reminder.MetricsAddr, Handler: promhttp.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP", fmt.Sprintf("Metrics server error: %v", err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("APP", "Shutdown signal received, draining reminder worker")
	scheduler.Shutdown()
	server.Shutdown()
	notifier.Wait()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := metricsServer.Shutdown(ctxShutdown); err != nil {
		logger.Error("HTTP", fmt.Sprintf("Metrics server shutdown failed: %v", err))
	}
}
