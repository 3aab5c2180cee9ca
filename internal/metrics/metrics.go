// Package metrics holds the Prometheus collectors of the process. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "freight"

type Metrics struct {
	registry *prometheus.Registry

	bookings      *prometheus.CounterVec
	busRequests   *prometheus.HistogramVec
	reconcile     *prometheus.CounterVec
	outbox        *prometheus.CounterVec
	outboxPending *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		bookings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "booking",
			Name:      "transitions_total",
			Help:      "Booking lifecycle transitions by outcome.",
		}, []string{"outcome"}),
		busRequests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "request_duration_seconds",
			Help:      "Latency of request/response round trips over the bus.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"topic", "outcome"}),
		reconcile: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduling",
			Name:      "reconcile_total",
			Help:      "Capacity reconciliation results by outcome.",
		}, []string{"event", "outcome"}),
		outbox: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "messages_total",
			Help:      "Outbox publish attempts by result.",
		}, []string{"service", "result"}),
		outboxPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "pending",
			Help:      "Messages found pending by the last sweep.",
		}, []string{"service"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.bookings,
		m.busRequests,
		m.reconcile,
		m.outbox,
		m.outboxPending,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) BookingTransition(outcome string) {
	if m == nil {
		return
	}
	m.bookings.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveBusRequest(topic, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.busRequests.WithLabelValues(topic, outcome).Observe(d.Seconds())
}

func (m *Metrics) Reconciled(event, outcome string) {
	if m == nil {
		return
	}
	m.reconcile.WithLabelValues(event, outcome).Inc()
}

func (m *Metrics) OutboxPublished(service string) {
	if m == nil {
		return
	}
	m.outbox.WithLabelValues(service, "published").Inc()
}

func (m *Metrics) OutboxFailed(service string) {
	if m == nil {
		return
	}
	m.outbox.WithLabelValues(service, "failed").Inc()
}

func (m *Metrics) SetOutboxPending(service string, n int) {
	if m == nil {
		return
	}
	m.outboxPending.WithLabelValues(service).Set(float64(n))
}
