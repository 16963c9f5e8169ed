package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	DefaultQuoteTTL = 30 * time.Minute
	quoteScope      = "quote:"
)

// QuoteCache keeps the last fee quote per payment reference so the status poller and the
// confirm step see the breakdown the customer was shown.
type QuoteCache struct {
	Client *redis.Client
	TTL    time.Duration
}

func NewQuoteCache(client *redis.Client, ttl time.Duration) *QuoteCache {
	if ttl <= 0 {
		ttl = DefaultQuoteTTL
	}
	return &QuoteCache{Client: client, TTL: ttl}
}

func (c *QuoteCache) Put(ctx context.Context, ref string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal quote: %w", err)
	}
	return c.Client.Set(ctx, quoteScope+ref, b, c.TTL).Err()
}

// Get decodes the cached quote into dst. ok is false when nothing is cached.
func (c *QuoteCache) Get(ctx context.Context, ref string, dst interface{}) (bool, error) {
	b, err := c.Client.Get(ctx, quoteScope+ref).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return false, fmt.Errorf("decode cached quote: %w", err)
	}
	return true, nil
}

func (c *QuoteCache) Delete(ctx context.Context, ref string) error {
	return c.Client.Del(ctx, quoteScope+ref).Err()
}
