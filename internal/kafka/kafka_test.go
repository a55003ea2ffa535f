package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-flavor-orders/internal/orders"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	closed bool
	err    error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func TestProducerRoutesByEventType(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, 8, nil)
	p.Start(context.Background())

	created, err := orders.NewEnvelope(orders.EventOrderCreated, "order-api", "o-1", map[string]string{"order_id": "o-1"})
	require.NoError(t, err)
	changed, err := orders.NewEnvelope(orders.EventOrderStatusChanged, "order-api", "o-1", map[string]string{"to": "processing"})
	require.NoError(t, err)
	require.NoError(t, p.Publish(context.Background(), created))
	require.NoError(t, p.Publish(context.Background(), changed))

	p.Close()
	p.WaitClosed()

	w.mu.Lock()
	defer w.mu.Unlock()
	require.Len(t, w.msgs, 2)
	assert.True(t, w.closed)
	assert.Equal(t, orders.TopicOrderCreated, w.msgs[0].Topic)
	assert.Equal(t, orders.TopicOrderStatusChanged, w.msgs[1].Topic)
	assert.Equal(t, []byte("o-1"), w.msgs[0].Key)

	env, err := DecodeEnvelope(w.msgs[0].Value)
	require.NoError(t, err)
	assert.Equal(t, created.EventID, env.EventID)

	assert.ErrorIs(t, p.Publish(context.Background(), created), ErrProducerClosed)
}

func TestProducerFlushesOnCancel(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, 8, nil)
	ctx, cancel := context.WithCancel(context.Background())

	env, err := orders.NewEnvelope(orders.EventOrderCreated, "order-api", "o-2", struct{}{})
	require.NoError(t, err)
	require.NoError(t, p.Publish(ctx, env))
	p.Start(ctx)
	cancel()
	p.WaitClosed()

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.Len(t, w.msgs, 1)
	assert.True(t, w.closed)
}

func TestProducerWriteErrorDoesNotStopLoop(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := newProducer(w, 2, nil)
	p.Start(context.Background())

	env, _ := orders.NewEnvelope(orders.EventOrderCreated, "order-api", "o-3", struct{}{})
	require.NoError(t, p.Publish(context.Background(), env))
	require.NoError(t, p.Publish(context.Background(), env))
	p.Close()
	p.WaitClosed()
}

func TestDecodeEnvelopeRejectsUnknownVersion(t *testing.T) {
	b, _ := json.Marshal(orders.Envelope{EventType: orders.EventOrderCreated, EventVersion: 2})
	_, err := DecodeEnvelope(b)
	assert.ErrorContains(t, err, "unsupported envelope version 2")

	_, err = DecodeEnvelope([]byte("{"))
	assert.Error(t, err)
}

func TestUnwrapPayload(t *testing.T) {
	p, err := UnwrapPayload[orders.OrderStatusChangedPayload](json.RawMessage(`{"order_id":"o-1","from":"pending","to":"processing"}`))
	require.NoError(t, err)
	assert.Equal(t, orders.StatusProcessing, p.To)
}

type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		m := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func runConsumer(t *testing.T, c *Consumer, h Handler) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx, h) }()
	return func() {
		cancel()
		require.NoError(t, <-done)
	}
}

func TestConsumerRetriesFailedMessageBeforeCommittingPast(t *testing.T) {
	r := &fakeReader{queue: []kafka.Message{
		{Key: []byte("a"), Offset: 1},
		{Key: []byte("b"), Offset: 2},
		{Key: []byte("a"), Offset: 3},
	}}
	c := newConsumer(r, 2, nil)
	c.retryBase = time.Millisecond

	var (
		mu       sync.Mutex
		attempts = map[int64]int{}
	)
	stop := runConsumer(t, c, func(_ context.Context, m kafka.Message) error {
		mu.Lock()
		defer mu.Unlock()
		attempts[m.Offset]++
		if m.Offset == 2 && attempts[m.Offset] < 3 {
			return errors.New("redis down")
		}
		return nil
	})

	require.Eventually(t, func() bool {
		commits := r.commits()
		return len(commits) > 0 && commits[len(commits)-1] == 3
	}, time.Second, 5*time.Millisecond)
	stop()

	commits := r.commits()
	assert.IsNonDecreasing(t, commits)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts[2])
	assert.Equal(t, 1, attempts[3])
}

func TestConsumerNeverCommitsPastUnfinishedOffset(t *testing.T) {
	r := &fakeReader{queue: []kafka.Message{
		{Key: []byte("a"), Offset: 1},
		{Key: []byte("b"), Offset: 2},
		{Key: []byte("a"), Offset: 3},
	}}
	c := newConsumer(r, 2, nil)
	c.retryBase = time.Millisecond

	handled := make(chan int64, 16)
	stop := runConsumer(t, c, func(_ context.Context, m kafka.Message) error {
		select {
		case handled <- m.Offset:
		default:
		}
		if m.Offset == 2 {
			return errors.New("poison")
		}
		return nil
	})

	seen := map[int64]bool{}
	require.Eventually(t, func() bool {
		for {
			select {
			case off := <-handled:
				seen[off] = true
			default:
				return seen[1] && seen[3]
			}
		}
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	stop()

	assert.Equal(t, []int64{1}, r.commits())
}

func TestOffsetTrackerSeparatesPartitions(t *testing.T) {
	tr := newOffsetTracker()
	a1 := kafka.Message{Topic: "t", Partition: 0, Offset: 10}
	a2 := kafka.Message{Topic: "t", Partition: 0, Offset: 11}
	b1 := kafka.Message{Topic: "t", Partition: 1, Offset: 4}
	for _, m := range []kafka.Message{a1, a2, b1} {
		tr.track(m)
	}

	var committed []kafka.Message
	commit := func(m kafka.Message) error {
		committed = append(committed, m)
		return nil
	}
	require.NoError(t, tr.done(a2, commit))
	assert.Empty(t, committed)
	require.NoError(t, tr.done(b1, commit))
	require.NoError(t, tr.done(a1, commit))

	require.Len(t, committed, 2)
	assert.Equal(t, b1, committed[0])
	assert.Equal(t, a2, committed[1])
}

func TestConsumerSlotIsStablePerKey(t *testing.T) {
	c := newConsumer(&fakeReader{}, 4, nil)
	assert.Equal(t, c.slot([]byte("order-1")), c.slot([]byte("order-1")))
	assert.Less(t, c.slot([]byte("order-2")), 4)
}
