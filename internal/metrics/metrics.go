// Package metrics объявляет счётчики Prometheus сервиса.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts billing webhook requests by event type and HTTP status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dayssupply",
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Total billing webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks billing webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dayssupply",
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Billing webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// EntitlementChecksTotal counts entitlement lookups by effective status.
	EntitlementChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dayssupply",
		Subsystem: "entitlement",
		Name:      "checks_total",
		Help:      "Entitlement status checks by effective status.",
	}, []string{"status"})
)
