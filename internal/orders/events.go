package orders

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EventOrderCreated       = "OrderCreated"
	EventOrderStatusChanged = "OrderStatusChanged"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order_id
	Payload       json.RawMessage `json:"payload"`
}

// Publisher delivers envelopes to downstream consumers. Delivery is best-effort and
// happens only after the order transaction committed.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

type ItemLine struct {
	ProductID string `json:"product_id"`
	Variant   string `json:"variant,omitempty"`
	Qty       int    `json:"qty"`
	UnitPrice string `json:"unit_price"`
}

type OrderCreatedPayload struct {
	OrderID     string     `json:"order_id"`
	CustomerRef string     `json:"customer_ref"`
	Status      Status     `json:"status"`
	Items       []ItemLine `json:"items"`
	TotalAmount string     `json:"total_amount"`
}

type OrderStatusChangedPayload struct {
	OrderID string    `json:"order_id"`
	From    Status    `json:"from"`
	To      Status    `json:"to"`
	At      time.Time `json:"at"`
}

// NewEnvelope wraps payload in a version 1 envelope correlated by order id.
func NewEnvelope(eventType, producer, orderID string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		CorrelationID: orderID,
		Payload:       raw,
	}, nil
}

func createdPayload(o *Order) OrderCreatedPayload {
	items := make([]ItemLine, 0, len(o.Lines))
	for _, l := range o.Lines {
		items = append(items, ItemLine{
			ProductID: l.ProductID,
			Variant:   l.Variant,
			Qty:       l.Quantity,
			UnitPrice: l.UnitPrice.String(),
		})
	}
	return OrderCreatedPayload{
		OrderID:     o.ID,
		CustomerRef: o.CustomerRef,
		Status:      o.Status,
		Items:       items,
		TotalAmount: o.TotalAmount.String(),
	}
}
