package kafka

import (
	"encoding/json"
	"fmt"

	"github.com/ariefcatur/go-flavor-orders/internal/orders"
)

const supportedEnvelopeVersion = 1

// DecodeEnvelope parses a message value and rejects envelope versions this build does not know.
func DecodeEnvelope(b []byte) (orders.Envelope, error) {
	var env orders.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	if env.EventVersion != supportedEnvelopeVersion {
		return env, fmt.Errorf("unsupported envelope version %d for %s", env.EventVersion, env.EventType)
	}
	return env, nil
}

// UnwrapPayload decodes the payload of a specific event type.
func UnwrapPayload[T any](payload json.RawMessage) (T, error) {
	var t T
	if err := json.Unmarshal(payload, &t); err != nil {
		return t, fmt.Errorf("decode payload: %w", err)
	}
	return t, nil
}
