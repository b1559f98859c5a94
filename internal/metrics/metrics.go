// Package metrics exposes the broker's Prometheus instrumentation:
// counters and histograms for router throughput, service registry churn,
// module lifecycle transitions, and reduction flush latency. Grounded on
// the teacher's pkg/metrics/metrics.go (package-level collector vars
// registered in init, a Timer helper for histogram observations), trimmed
// to the broker's own domain instead of warren's cluster/node/raft set.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MessagesRouted counts messages the router has dispatched, by type
	// (request/response/event/control) and direction (up/down).
	MessagesRouted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flux_broker_messages_routed_total",
			Help: "Total number of messages routed, by message type and direction",
		},
		[]string{"type", "direction"},
	)

	// DisconnectsFired counts synthetic disconnect messages generated by
	// connection teardown.
	DisconnectsFired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flux_broker_disconnects_fired_total",
			Help: "Total number of synthetic disconnect messages generated on connection teardown",
		},
	)

	// ServicesRegistered is the current size of the service registry.
	ServicesRegistered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flux_broker_services_registered",
			Help: "Current number of services registered with the router",
		},
	)

	// ServiceChurnTotal counts service.add/service.remove operations.
	ServiceChurnTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flux_broker_service_churn_total",
			Help: "Total number of service registry add/remove operations",
		},
		[]string{"op"},
	)

	// ModuleTransitionsTotal counts module lifecycle status transitions.
	ModuleTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flux_broker_module_transitions_total",
			Help: "Total number of module lifecycle status transitions, by resulting status",
		},
		[]string{"status"},
	)

	// ModulesLoaded is the current number of hosted modules.
	ModulesLoaded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flux_broker_modules_loaded",
			Help: "Current number of modules hosted by this broker",
		},
	)

	// ReductionFlushesTotal counts reduction collector flushes, by trigger
	// (hwm or timeout).
	ReductionFlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flux_broker_reduction_flushes_total",
			Help: "Total number of reduction collector flushes, by trigger",
		},
		[]string{"trigger"},
	)

	// ReductionFlushLatency observes the time between a collector's Start
	// and its flush.
	ReductionFlushLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flux_broker_reduction_flush_latency_seconds",
			Help:    "Time between a reduction collector's start and its flush",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(MessagesRouted)
	prometheus.MustRegister(DisconnectsFired)
	prometheus.MustRegister(ServicesRegistered)
	prometheus.MustRegister(ServiceChurnTotal)
	prometheus.MustRegister(ModuleTransitionsTotal)
	prometheus.MustRegister(ModulesLoaded)
	prometheus.MustRegister(ReductionFlushesTotal)
	prometheus.MustRegister(ReductionFlushLatency)
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
