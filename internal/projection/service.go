// Package projection keeps the order status cache in step with published order events.
package projection

import (
	"context"
	"fmt"

	kafkax "github.com/ariefcatur/go-flavor-orders/internal/kafka"
	"github.com/ariefcatur/go-flavor-orders/internal/orders"
	"github.com/ariefcatur/go-flavor-orders/internal/redisx"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// StatusCache is the subset of redisx.Cache the projector writes to.
type StatusCache interface {
	PutStatus(ctx context.Context, e redisx.StatusEntry) error
	MarkProcessed(ctx context.Context, service, eventID string) (bool, error)
	ForgetProcessed(ctx context.Context, service, eventID string) error
}

type Service struct {
	Cache       StatusCache
	ServiceName string
	Log         *zap.Logger
}

// Topics lists what the projector subscribes to.
func Topics() []string {
	return []string{orders.TopicOrderCreated, orders.TopicOrderStatusChanged}
}

// HandleMessage is installed as the consumer handler. Each event is applied at most once
// per event id; a failed apply releases the claim so the consumer's retry can apply it again.
func (s *Service) HandleMessage(ctx context.Context, m kafkago.Message) error {
	env, err := kafkax.DecodeEnvelope(m.Value)
	if err != nil {
		s.logger().Warn("projection_skip_undecodable",
			zap.String("topic", m.Topic), zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}

	entry, ok, err := statusFrom(env)
	if err != nil {
		s.logger().Warn("projection_skip_bad_payload", zap.String("event_id", env.EventID), zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}

	first, err := s.Cache.MarkProcessed(ctx, s.ServiceName, env.EventID)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}
	if err := s.Cache.PutStatus(ctx, entry); err != nil {
		if ferr := s.Cache.ForgetProcessed(ctx, s.ServiceName, env.EventID); ferr != nil {
			s.logger().Warn("projection_dedup_release_failed", zap.String("event_id", env.EventID), zap.Error(ferr))
		}
		return fmt.Errorf("apply %s %s: %w", env.EventType, env.EventID, err)
	}
	s.logger().Debug("projection_applied",
		zap.String("event_type", env.EventType),
		zap.String("order_id", entry.OrderID),
		zap.String("status", entry.Status),
	)
	return nil
}

func statusFrom(env orders.Envelope) (redisx.StatusEntry, bool, error) {
	switch env.EventType {
	case orders.EventOrderCreated:
		p, err := kafkax.UnwrapPayload[orders.OrderCreatedPayload](env.Payload)
		if err != nil {
			return redisx.StatusEntry{}, false, err
		}
		return redisx.StatusEntry{OrderID: p.OrderID, Status: string(p.Status), UpdatedAt: env.OccurredAt}, true, nil
	case orders.EventOrderStatusChanged:
		p, err := kafkax.UnwrapPayload[orders.OrderStatusChangedPayload](env.Payload)
		if err != nil {
			return redisx.StatusEntry{}, false, err
		}
		return redisx.StatusEntry{OrderID: p.OrderID, Status: string(p.To), UpdatedAt: p.At}, true, nil
	}
	return redisx.StatusEntry{}, false, nil
}

func (s *Service) logger() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}
