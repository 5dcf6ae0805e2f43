package httpserver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ledgerOperations counts ledger mutations by operation and outcome.
var ledgerOperations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "credits",
	Subsystem: "ledger",
	Name:      "operations_total",
	Help:      "Total ledger operations processed, by operation and status.",
}, []string{"operation", "status"})

// webhookDeliveries counts webhook deliveries by event type and outcome.
// Replays count under status "duplicate".
var webhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "credits",
	Subsystem: "webhooks",
	Name:      "deliveries_total",
	Help:      "Total webhook deliveries received, by event type and status.",
}, []string{"event", "status"})

// requestDuration observes API handler latency.
var requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "credits",
	Subsystem: "http",
	Name:      "request_duration_seconds",
	Help:      "API request latency by route and status code.",
	Buckets:   prometheus.DefBuckets,
}, []string{"route", "code"})
