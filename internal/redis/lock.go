package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-tripbooking/internal/logger"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	DefaultLockTTL   = 30 * time.Second
	lockRetryEvery   = 50 * time.Millisecond
	paymentLockScope = "payment_lock:"
)

var ErrLockTimeout = errors.New("timed out waiting for lock")

// unlockScript deletes the key only if we still own it.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker serializes work on one payment reference across every process sharing the Redis.
type Locker struct {
	Client *redis.Client
	TTL    time.Duration
	Logger *logger.Logger
}

func NewLocker(client *redis.Client, ttl time.Duration, log *logger.Logger) *Locker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &Locker{Client: client, TTL: ttl, Logger: log}
}

func paymentLockKey(ref string) string {
	return paymentLockScope + ref
}

// TryLock takes the lock for ref if it is free.
func (l *Locker) TryLock(ctx context.Context, ref, owner string) (bool, error) {
	return l.Client.SetNX(ctx, paymentLockKey(ref), owner, l.TTL).Result()
}

// Unlock releases ref if owner still holds it. A lock that already timed out is not an error.
func (l *Locker) Unlock(ctx context.Context, ref, owner string) error {
	_, err := unlockScript.Run(ctx, l.Client, []string{paymentLockKey(ref)}, owner).Result()
	if err == redis.Nil {
		return nil
	}
	return err
}

// Acquire blocks until ref is locked or ctx is done. The returned func releases the lock.
func (l *Locker) Acquire(ctx context.Context, ref string) (func(), error) {
	owner := uuid.NewString()
	ticker := time.NewTicker(lockRetryEvery)
	defer ticker.Stop()

	for {
		ok, err := l.TryLock(ctx, ref, owner)
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", ref, err)
		}
		if ok {
			return func() {
				// release on a fresh context so a cancelled request still unlocks
				if err := l.Unlock(context.Background(), ref, owner); err != nil {
					l.Logger.Warn("REDIS", fmt.Sprintf("Failed to release lock on %s: %v", ref, err))
				}
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, ref)
		case <-ticker.C:
		}
	}
}
