package kafka

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	defaultRetryBase = 200 * time.Millisecond
	maxRetryDelay    = 5 * time.Second
)

// Handler must return nil only when the message was fully processed and its offset may be
// committed.
type Handler func(ctx context.Context, m kafka.Message) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	r         messageReader
	workers   int
	log       *zap.Logger
	retryBase time.Duration
	offsets   *offsetTracker
}

func NewConsumer(brokers []string, group string, topics []string, workers int, log *zap.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		GroupTopics:    topics,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
	return newConsumer(r, workers, log)
}

func newConsumer(r messageReader, workers int, log *zap.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{
		r:         r,
		workers:   workers,
		log:       log,
		retryBase: defaultRetryBase,
		offsets:   newOffsetTracker(),
	}
}

// Start fetches until ctx is cancelled. Messages with the same key always go to the same
// worker, so events of one order are handled in order. A failing message is retried in
// place, and a partition's offset only moves past messages that all finished.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	work, cancelWork := context.WithCancel(ctx)
	defer cancelWork()

	jobs := make([]chan kafka.Message, c.workers)
	var wg sync.WaitGroup
	for i := range jobs {
		jobs[i] = make(chan kafka.Message, 64)
		wg.Add(1)
		go func(in <-chan kafka.Message) {
			defer wg.Done()
			for m := range in {
				c.handle(work, h, m)
			}
		}(jobs[i])
	}
	stop := func() {
		cancelWork()
		for _, ch := range jobs {
			close(ch)
		}
		wg.Wait()
	}

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			stop()
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		c.offsets.track(m)
		select {
		case jobs[c.slot(m.Key)] <- m:
		case <-ctx.Done():
			stop()
			return nil
		}
	}
}

// handle runs h until it succeeds or ctx ends. A message abandoned on shutdown is never
// committed, so the group redelivers it.
func (c *Consumer) handle(ctx context.Context, h Handler, m kafka.Message) {
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return
		}
		err := h(ctx, m)
		if err == nil {
			break
		}
		c.log.Warn("kafka_handler_failed",
			zap.String("topic", m.Topic),
			zap.Int("partition", m.Partition),
			zap.Int64("offset", m.Offset),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		t := time.NewTimer(c.retryDelay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}

	err := c.offsets.done(m, func(upTo kafka.Message) error {
		return c.r.CommitMessages(ctx, upTo)
	})
	if err != nil && ctx.Err() == nil {
		c.log.Warn("kafka_commit_failed", zap.Int64("offset", m.Offset), zap.Error(err))
	}
}

func (c *Consumer) retryDelay(attempt int) time.Duration {
	d := c.retryBase << min(attempt, 10)
	return min(d, maxRetryDelay)
}

func (c *Consumer) slot(key []byte) int {
	if c.workers == 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write(key)
	return int(h.Sum32() % uint32(c.workers))
}

type topicPartition struct {
	topic     string
	partition int
}

type partitionOffsets struct {
	pending  []int64 // fetch order
	finished map[int64]kafka.Message
}

// offsetTracker commits, per partition, only the longest run of finished messages from
// the oldest unfinished fetch. Workers finish out of order because they are routed by
// key, not by partition.
type offsetTracker struct {
	mu         sync.Mutex
	partitions map[topicPartition]*partitionOffsets
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: make(map[topicPartition]*partitionOffsets)}
}

func (t *offsetTracker) track(m kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tp := topicPartition{m.Topic, m.Partition}
	p, ok := t.partitions[tp]
	if !ok {
		p = &partitionOffsets{finished: make(map[int64]kafka.Message)}
		t.partitions[tp] = p
	}
	p.pending = append(p.pending, m.Offset)
}

// done marks m finished and, when that extends the committable prefix, calls commit with
// the newest message of the prefix. commit runs under the tracker lock so committed offsets
// never move backwards.
func (t *offsetTracker) done(m kafka.Message, commit func(kafka.Message) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.partitions[topicPartition{m.Topic, m.Partition}]
	if !ok {
		return nil
	}
	p.finished[m.Offset] = m

	var (
		upTo kafka.Message
		n    int
	)
	for n < len(p.pending) {
		fm, ok := p.finished[p.pending[n]]
		if !ok {
			break
		}
		upTo = fm
		delete(p.finished, p.pending[n])
		n++
	}
	if n == 0 {
		return nil
	}
	p.pending = p.pending[n:]
	return commit(upTo)
}
