// Package metrics exposes Prometheus collectors for connection activity.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rebeliceyang/vizconn/internal/connection"
	"github.com/rebeliceyang/vizconn/internal/models"
)

// Metrics holds the collectors registered for one manager
type Metrics struct {
	transitions *prometheus.CounterVec
	malformed   prometheus.Counter
	requests    *prometheus.CounterVec
}

// New registers the collectors with reg. count reports the number of
// managed connections and may be nil.
func New(reg prometheus.Registerer, count func() int) (*Metrics, error) {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vizconn_transitions_total",
				Help: "Total number of connection state transitions",
			},
			[]string{"state"},
		),
		malformed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vizconn_malformed_entries_total",
				Help: "Total number of configuration entries skipped as malformed",
			},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vizconn_api_requests_total",
				Help: "Total number of status API requests",
			},
			[]string{"route", "status"},
		),
	}

	collectors := []prometheus.Collector{m.transitions, m.malformed, m.requests}
	if count != nil {
		collectors = append(collectors, prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "vizconn_connections",
				Help: "Number of managed connections",
			},
			func() float64 { return float64(count()) },
		))
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveTransition counts a state transition
func (m *Metrics) ObserveTransition(state models.ConnectionState) {
	m.transitions.WithLabelValues(state.String()).Inc()
}

// MalformedEntry counts a skipped configuration entry
func (m *Metrics) MalformedEntry() {
	m.malformed.Inc()
}

// ObserveRequest counts an API request by route template and status code
func (m *Metrics) ObserveRequest(route string, status int) {
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

// Listener feeds connection transitions into Metrics
type Listener[T any] struct {
	metrics *Metrics
}

// NewListener creates a listener that counts transitions on m
func NewListener[T any](m *Metrics) *Listener[T] {
	return &Listener[T]{metrics: m}
}

func (l *Listener[T]) ConnectionStateChanged(_ *connection.Connection[T], state models.ConnectionState, _ string) {
	l.metrics.ObserveTransition(state)
}
