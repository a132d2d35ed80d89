package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_ingested_total",
			Help: "Total number of events accepted by intake.",
		},
		[]string{"tenant"},
	)

	EventsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_rejected_total",
			Help: "Total number of intake records rejected by validation.",
		},
		[]string{"field"},
	)

	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_dispatch_total",
			Help: "Total number of destination dispatches by platform and result.",
		},
		[]string{"platform", "result"}, // result: success, failure
	)

	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_dispatch_duration_seconds",
			Help:    "Destination dispatch latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"platform"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_retries_total",
			Help: "Total number of delivery retries scheduled, by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, http_429
	)

	EventsExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_events_exhausted_total",
			Help: "Total number of events that reached terminal failed after exhausting retries.",
		},
	)

	EventsFailedConfigTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_events_failed_config_total",
			Help: "Total number of events failed without dispatch due to configuration (kill switch, missing destination).",
		},
	)

	ClaimedEvents = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_claim_batch_size",
			Help:    "Number of events claimed per scheduler cycle.",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
		},
	)
)

// MustRegister registers all relay collectors on the given registry
func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		EventsIngestedTotal,
		EventsRejectedTotal,
		DispatchTotal,
		DispatchDuration,
		RetriesTotal,
		EventsExhaustedTotal,
		EventsFailedConfigTotal,
		ClaimedEvents,
	)
}

// RecordEventIngested increments the intake counter for a tenant
func RecordEventIngested(tenant string) {
	EventsIngestedTotal.WithLabelValues(tenant).Inc()
}

// RecordEventRejected increments the rejection counter for a failing field
func RecordEventRejected(field string) {
	EventsRejectedTotal.WithLabelValues(field).Inc()
}

// RecordDispatch records one destination dispatch outcome
func RecordDispatch(platform string, success bool, d time.Duration) {
	result := "failure"
	if success {
		result = "success"
	}
	DispatchTotal.WithLabelValues(platform, result).Inc()
	DispatchDuration.WithLabelValues(platform).Observe(d.Seconds())
}
