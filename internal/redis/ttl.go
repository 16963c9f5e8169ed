package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ms-tripbooking/internal/logger"

	"github.com/go-redis/redis/v8"
)

const reservationTTLScope = "reservation_ttl:"

// ReservationTimers mirrors reservation TTLs as expiring keys, so expiry fires close to
// the deadline instead of waiting for the next sweep.
type ReservationTimers struct {
	Client *redis.Client
	Logger *logger.Logger
}

func NewReservationTimers(client *redis.Client, log *logger.Logger) *ReservationTimers {
	return &ReservationTimers{Client: client, Logger: log}
}

func reservationTTLKey(id string) string {
	return reservationTTLScope + id
}

// ReservationIDFromExpiredKey extracts the reservation ID from an expired key name.
func ReservationIDFromExpiredKey(key string) (string, bool) {
	if !strings.HasPrefix(key, reservationTTLScope) {
		return "", false
	}
	id := strings.TrimPrefix(key, reservationTTLScope)
	return id, id != ""
}

func (t *ReservationTimers) Arm(ctx context.Context, id string, ttl time.Duration) error {
	return t.Client.Set(ctx, reservationTTLKey(id), "pending", ttl).Err()
}

func (t *ReservationTimers) Disarm(ctx context.Context, id string) error {
	return t.Client.Del(ctx, reservationTTLKey(id)).Err()
}

// EnableExpiryEvents turns on expired-key notifications. Managed Redis may refuse CONFIG SET;
// the periodic sweep still expires reservations then.
func (t *ReservationTimers) EnableExpiryEvents(ctx context.Context) {
	if err := t.Client.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
		t.Logger.Warn("REDIS", fmt.Sprintf("Failed to enable keyspace notifications: %v", err))
		return
	}
	t.Logger.Info("REDIS", "Keyspace notifications enabled for expired events")
}

// Subscribe calls onExpire for every reservation key that expires until ctx is done.
func (t *ReservationTimers) Subscribe(ctx context.Context, db int, onExpire func(ctx context.Context, id string)) {
	pubsub := t.Client.PSubscribe(ctx, fmt.Sprintf("__keyevent@%d__:expired", db))
	defer pubsub.Close()

	t.Logger.Info("REDIS", "Subscribed to reservation expiry events")
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			t.Logger.Info("REDIS", "Reservation expiry subscription stopped")
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			id, ok := ReservationIDFromExpiredKey(msg.Payload)
			if !ok {
				continue
			}
			t.Logger.LogReservation("TTL_EXPIRED", id, "expiry key fired")
			onExpire(ctx, id)
		}
	}
}
