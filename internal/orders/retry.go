package orders

import (
	"context"
	"math/rand"
	"time"
)

// Placer is the part of Coordinator checkout callers depend on.
type Placer interface {
	PlaceOrder(ctx context.Context, customerRef string, lines []Line, opts ...PlaceOption) (*Order, error)
}

// Backoff bounds caller-side retries of retryable checkout failures.
type Backoff struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

var DefaultBackoff = Backoff{Attempts: 3, Base: 50 * time.Millisecond, Max: time.Second}

// PlaceWithRetry calls p until it succeeds, fails with a non-retryable error, or the
// attempts run out. Waits grow exponentially with jitter.
func PlaceWithRetry(ctx context.Context, p Placer, b Backoff, customerRef string, lines []Line, opts ...PlaceOption) (*Order, error) {
	if b.Attempts <= 0 {
		b.Attempts = 1
	}
	var (
		order *Order
		err   error
	)
	for attempt := 0; attempt < b.Attempts; attempt++ {
		order, err = p.PlaceOrder(ctx, customerRef, lines, opts...)
		if err == nil || !IsRetryable(err) || attempt == b.Attempts-1 {
			break
		}
		t := time.NewTimer(b.delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, err
		case <-t.C:
		}
	}
	return order, err
}

func (b Backoff) delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	exp := b.Base * time.Duration(1<<attempt)
	if b.Max > 0 && exp > b.Max {
		exp = b.Max
	}
	jitter := time.Duration(rand.Int63n(int64(exp/2) + 1))
	return exp + jitter
}
