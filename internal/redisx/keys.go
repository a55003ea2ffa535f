package redisx

import (
	"fmt"
	"time"
)

const (
	// idem:order:create:{len(customer_ref)}:{customer_ref}:{idempotency_key} -> order_id
	// The length prefix keeps ("a:b", "c") and ("a", "b:c") apart.
	KeyIdemOrderCreate = "idem:order:create:%d:%s:%s"

	// order_status:{order_id} -> hash {json: StatusEntry, us: updated_at in unix micros}
	KeyOrderStatus = "order_status:%s"

	// dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)

// IdempotencyKey is the Redis key holding the order id for (customerRef, key).
func IdempotencyKey(customerRef, key string) string {
	return fmt.Sprintf(KeyIdemOrderCreate, len(customerRef), customerRef, key)
}

func statusKey(orderID string) string { return fmt.Sprintf(KeyOrderStatus, orderID) }
func dedupKey(service, eventID string) string { return fmt.Sprintf(KeyDedup, service, eventID) }
