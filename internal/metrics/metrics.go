// Package metrics exports checkout and order lifecycle counters to Prometheus.
package metrics

import (
	"time"

	"github.com/ariefcatur/go-flavor-orders/internal/orders"
	"github.com/prometheus/client_golang/prometheus"
)

// Orders implements orders.Recorder.
type Orders struct {
	placeTotal      *prometheus.CounterVec
	placeDuration   *prometheus.HistogramVec
	retries         prometheus.Counter
	transitions     *prometheus.CounterVec
	publishFailures *prometheus.CounterVec
}

var _ orders.Recorder = (*Orders)(nil)

// NewOrders creates the collectors and registers them with reg.
func NewOrders(reg prometheus.Registerer) *Orders {
	m := &Orders{
		placeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orders_place_total",
			Help: "PlaceOrder calls by outcome.",
		}, []string{"outcome"}),
		placeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orders_place_duration_seconds",
			Help:    "PlaceOrder latency including internal retries.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orders_place_retries_total",
			Help: "Internal checkout retries after a concurrency conflict.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orders_status_transitions_total",
			Help: "Applied order status transitions by target status.",
		}, []string{"to"}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orders_event_publish_failed_total",
			Help: "Order events that could not be handed to the broker.",
		}, []string{"event"}),
	}
	reg.MustRegister(m.placeTotal, m.placeDuration, m.retries, m.transitions, m.publishFailures)
	return m
}

func (m *Orders) ObservePlace(outcome string, d time.Duration) {
	m.placeTotal.WithLabelValues(outcome).Inc()
	m.placeDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Orders) IncRetry() { m.retries.Inc() }

func (m *Orders) IncTransition(to orders.Status) {
	m.transitions.WithLabelValues(string(to)).Inc()
}

func (m *Orders) IncPublishFailure(event string) {
	m.publishFailures.WithLabelValues(event).Inc()
}
