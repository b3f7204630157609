// Package metrics exposes the ingest Prometheus instruments. Signature
// failures are counted here and never logged, so secrets and claimed
// signatures stay out of log pipelines.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsReceived counts every inbound delivery by source and outcome.
	// Outcomes: accepted, duplicate, unknown_origin, bad_signature,
	// bad_request, rate_limited, ignored, error.
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storelane",
		Subsystem: "ingest",
		Name:      "events_received_total",
		Help:      "Inbound deliveries by source and outcome.",
	}, []string{"source", "outcome"})

	// SignatureFailures counts rejected HMACs by source.
	SignatureFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storelane",
		Subsystem: "ingest",
		Name:      "signature_failures_total",
		Help:      "HMAC verification failures by source.",
	}, []string{"source"})

	// DispatchDuration observes end-to-end handler fan-out latency per topic.
	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "storelane",
		Subsystem: "ingest",
		Name:      "dispatch_duration_seconds",
		Help:      "Handler fan-out latency by topic.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"topic"})

	// HandlerFailures counts individual handler errors by topic and handler.
	HandlerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storelane",
		Subsystem: "ingest",
		Name:      "handler_failures_total",
		Help:      "Individual handler failures by topic and handler name.",
	}, []string{"topic", "handler"})
)

// Handler serves the /metrics scrape endpoint.
func Handler() http.Handler { return promhttp.Handler() }
