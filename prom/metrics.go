package prom

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	messagesIn = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xframe",
			Subsystem: "messenger",
			Name:      "messages_in_total",
			Help:      "Inbound envelopes accepted after the origin check.",
		},
		[]string{"node", "type"},
	)
	messagesOut = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xframe",
			Subsystem: "messenger",
			Name:      "messages_out_total",
			Help:      "Outbound envelopes handed to a destination.",
		},
		[]string{"node", "type"},
	)
	dropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xframe",
			Subsystem: "messenger",
			Name:      "dropped_total",
			Help:      "Envelopes discarded, by reason.",
		},
		[]string{"node", "reason"},
	)
	errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xframe",
			Subsystem: "messenger",
			Name:      "errors_total",
			Help:      "Errors, by kind.",
		},
		[]string{"node", "kind"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "xframe",
			Subsystem: "messenger",
			Name:      "request_duration_seconds",
			Help:      "Time from request to correlated response.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "type"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(messagesIn, messagesOut, dropped, errorsTotal, requestDuration)
	})
}

// Metrics records messenger and transport counters under a node label.
type Metrics struct {
	node string
}

func New(node string) *Metrics {
	RegisterMetrics()
	return &Metrics{node: node}
}

func (m *Metrics) IncMessagesIn(msgType string) {
	messagesIn.WithLabelValues(m.node, msgType).Inc()
}

func (m *Metrics) IncMessagesOut(msgType string) {
	messagesOut.WithLabelValues(m.node, msgType).Inc()
}

func (m *Metrics) IncDropped(reason string) {
	dropped.WithLabelValues(m.node, reason).Inc()
}

func (m *Metrics) IncErrors(kind string) {
	errorsTotal.WithLabelValues(m.node, kind).Inc()
}

func (m *Metrics) ObserveRequestLatency(msgType string, d time.Duration) {
	requestDuration.WithLabelValues(m.node, msgType).Observe(d.Seconds())
}
