package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	Stripe      StripeConfig
	Reservation ReservationConfig
	Reminder    ReminderConfig
	Links       LinkConfig
	Auth        AuthConfig
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// StatusPollRPS bounds GET /api/payment/status per client.
	StatusPollRPS   float64
	StatusPollBurst int
}

type DatabaseConfig struct {
	DSN           string
	MaxOpenConns  int
	MaxIdleConns  int
	MaxLifetime   time.Duration
	MigrationsDir string
	AutoMigrate   bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// PaymentLockTTL bounds how long one payment reference stays locked.
	PaymentLockTTL time.Duration
	QuoteTTL       time.Duration
}

type KafkaConfig struct {
	Brokers []string
	GroupID string
	Enabled bool
	Topics  TopicConfig
}

type TopicConfig struct {
	BookingConfirmed string
	PaymentSucceeded string
	PaymentFailed    string
	PaymentRefunded  string
	Notifications    string
}

func (t TopicConfig) All() []string {
	return []string{t.BookingConfirmed, t.PaymentSucceeded, t.PaymentFailed, t.PaymentRefunded, t.Notifications}
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	Currency      string
	Timeout       time.Duration
	RetryBackoff  time.Duration
}

type ReservationConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

type ReminderConfig struct {
	RedisDB     int
	Cron        string
	Concurrency int
	MetricsAddr string
}

type LinkConfig struct {
	BaseURL       string
	SigningSecret string
	TTL           time.Duration
}

type AuthConfig struct {
	OIDCIssuer string
	AdminRole  string
}

// Load reads defaults, an optional config.yaml and the environment, in that order of precedence.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	return &Config{
		Server: ServerConfig{
			Port:            v.GetString("PORT"),
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			StatusPollRPS:   v.GetFloat64("STATUS_POLL_RPS"),
			StatusPollBurst: v.GetInt("STATUS_POLL_BURST"),
		},
		Database: DatabaseConfig{
			DSN:           v.GetString("POSTGRES_DSN"),
			MaxOpenConns:  v.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns:  v.GetInt("DB_MAX_IDLE_CONNS"),
			MaxLifetime:   time.Duration(v.GetInt("DB_MAX_LIFETIME_MINUTES")) * time.Minute,
			MigrationsDir: v.GetString("MIGRATIONS_DIR"),
			AutoMigrate:   v.GetBool("AUTO_MIGRATE"),
		},
		Redis: RedisConfig{
			Addr:           v.GetString("REDIS_ADDR"),
			Password:       v.GetString("REDIS_PASSWORD"),
			DB:             v.GetInt("REDIS_DB"),
			PaymentLockTTL: v.GetDuration("PAYMENT_LOCK_TTL"),
			QuoteTTL:       v.GetDuration("QUOTE_TTL"),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(v.GetString("KAFKA_BROKERS")),
			GroupID: v.GetString("KAFKA_GROUP_ID"),
			Enabled: v.GetBool("KAFKA_ENABLED"),
			Topics: TopicConfig{
				BookingConfirmed: v.GetString("KAFKA_TOPIC_BOOKING_CONFIRMED"),
				PaymentSucceeded: v.GetString("KAFKA_TOPIC_PAYMENT_SUCCEEDED"),
				PaymentFailed:    v.GetString("KAFKA_TOPIC_PAYMENT_FAILED"),
				PaymentRefunded:  v.GetString("KAFKA_TOPIC_PAYMENT_REFUNDED"),
				Notifications:    v.GetString("KAFKA_TOPIC_NOTIFICATIONS"),
			},
		},
		Stripe: StripeConfig{
			SecretKey:     v.GetString("STRIPE_SECRET_KEY"),
			WebhookSecret: v.GetString("STRIPE_WEBHOOK_SECRET"),
			Currency:      strings.ToLower(v.GetString("CURRENCY")),
			Timeout:       v.GetDuration("GATEWAY_TIMEOUT"),
			RetryBackoff:  v.GetDuration("GATEWAY_RETRY_BACKOFF"),
		},
		Reservation: ReservationConfig{
			TTL:           time.Duration(v.GetInt("RESERVATION_TTL_HOURS")) * time.Hour,
			SweepInterval: v.GetDuration("RESERVATION_SWEEP_INTERVAL"),
		},
		Reminder: ReminderConfig{
			RedisDB:     v.GetInt("REMINDER_REDIS_DB"),
			Cron:        v.GetString("REMINDER_CRON"),
			Concurrency: v.GetInt("REMINDER_CONCURRENCY"),
			MetricsAddr: v.GetString("REMINDER_METRICS_ADDR"),
		},
		Links: LinkConfig{
			BaseURL:       strings.TrimRight(v.GetString("PUBLIC_BASE_URL"), "/"),
			SigningSecret: v.GetString("LINK_SIGNING_SECRET"),
			TTL:           time.Duration(v.GetInt("LINK_TTL_DAYS")) * 24 * time.Hour,
		},
		Auth: AuthConfig{
			OIDCIssuer: v.GetString("OIDC_ISSUER"),
			AdminRole:  v.GetString("OIDC_ADMIN_ROLE"),
		},
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", ":8080")
	v.SetDefault("STATUS_POLL_RPS", 2)
	v.SetDefault("STATUS_POLL_BURST", 5)

	v.SetDefault("DB_MAX_OPEN_CONNS", 25)
	v.SetDefault("DB_MAX_IDLE_CONNS", 25)
	v.SetDefault("DB_MAX_LIFETIME_MINUTES", 5)
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("AUTO_MIGRATE", true)

	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("PAYMENT_LOCK_TTL", "30s")
	v.SetDefault("QUOTE_TTL", "30m")

	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_GROUP_ID", "trip-booking-audit")
	v.SetDefault("KAFKA_ENABLED", true)
	v.SetDefault("KAFKA_TOPIC_BOOKING_CONFIRMED", "tripbooking.booking.confirmed")
	v.SetDefault("KAFKA_TOPIC_PAYMENT_SUCCEEDED", "tripbooking.payment.succeeded")
	v.SetDefault("KAFKA_TOPIC_PAYMENT_FAILED", "tripbooking.payment.failed")
	v.SetDefault("KAFKA_TOPIC_PAYMENT_REFUNDED", "tripbooking.payment.refunded")
	v.SetDefault("KAFKA_TOPIC_NOTIFICATIONS", "tripbooking.notifications")

	v.SetDefault("CURRENCY", "usd")
	v.SetDefault("GATEWAY_TIMEOUT", "10s")
	v.SetDefault("GATEWAY_RETRY_BACKOFF", "500ms")

	v.SetDefault("RESERVATION_TTL_HOURS", 24)
	v.SetDefault("RESERVATION_SWEEP_INTERVAL", "10m")

	v.SetDefault("REMINDER_REDIS_DB", 1)
	v.SetDefault("REMINDER_CRON", "0 9 * * *")
	v.SetDefault("REMINDER_CONCURRENCY", 5)
	v.SetDefault("REMINDER_METRICS_ADDR", ":9091")

	v.SetDefault("PUBLIC_BASE_URL", "http://localhost:8080")
	v.SetDefault("LINK_TTL_DAYS", 30)
	v.SetDefault("OIDC_ADMIN_ROLE", "booking-admin")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
