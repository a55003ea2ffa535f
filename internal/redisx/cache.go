package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// StatusEntry is the cached view of an order's lifecycle position.
type StatusEntry struct {
	OrderID   string    `json:"order_id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Cache holds the idempotency fast path, the order status cache and event dedup markers.
type Cache struct {
	rdb redis.Cmdable
}

func NewCache(rdb redis.Cmdable) *Cache { return &Cache{rdb: rdb} }

// LookupIdempotency returns the order id recorded for (customerRef, key), if any.
func (c *Cache) LookupIdempotency(ctx context.Context, customerRef, key string) (string, bool, error) {
	id, err := c.rdb.Get(ctx, IdempotencyKey(customerRef, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redisx: get idempotency: %w", err)
	}
	return id, true, nil
}

// RememberIdempotency records the first order id for (customerRef, key); later writes are ignored.
func (c *Cache) RememberIdempotency(ctx context.Context, customerRef, key, orderID string) error {
	if err := c.rdb.SetNX(ctx, IdempotencyKey(customerRef, key), orderID, TTLIdempotency).Err(); err != nil {
		return fmt.Errorf("redisx: set idempotency: %w", err)
	}
	return nil
}

// putStatusScript stores the entry only when no newer one is cached. The hash keeps the
// JSON body next to its updated_at in microseconds so the comparison happens in Redis.
var putStatusScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'us')
if cur and tonumber(cur) > tonumber(ARGV[2]) then
	return 0
end
redis.call('HSET', KEYS[1], 'json', ARGV[1], 'us', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// PutStatus caches e unless a newer entry is already there. Concurrent writers cannot
// move the cached status backwards.
func (c *Cache) PutStatus(ctx context.Context, e StatusEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	err = putStatusScript.Run(ctx, c.rdb, []string{statusKey(e.OrderID)},
		string(b), e.UpdatedAt.UnixMicro(), TTLStatusCache.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("redisx: set status: %w", err)
	}
	return nil
}

func (c *Cache) GetStatus(ctx context.Context, orderID string) (StatusEntry, bool, error) {
	raw, err := c.rdb.HGet(ctx, statusKey(orderID), "json").Bytes()
	if errors.Is(err, redis.Nil) {
		return StatusEntry{}, false, nil
	}
	if err != nil {
		return StatusEntry{}, false, fmt.Errorf("redisx: get status: %w", err)
	}
	var e StatusEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return StatusEntry{}, false, fmt.Errorf("redisx: decode status: %w", err)
	}
	return e, true, nil
}

// MarkProcessed claims eventID for service and reports whether this call was the first.
func (c *Cache) MarkProcessed(ctx context.Context, service, eventID string) (bool, error) {
	first, err := c.rdb.SetNX(ctx, dedupKey(service, eventID), 1, TTLDedup).Result()
	if err != nil {
		return false, fmt.Errorf("redisx: dedup: %w", err)
	}
	return first, nil
}

// ForgetProcessed releases a claim so a failed event can be retried.
func (c *Cache) ForgetProcessed(ctx context.Context, service, eventID string) error {
	return c.rdb.Del(ctx, dedupKey(service, eventID)).Err()
}
