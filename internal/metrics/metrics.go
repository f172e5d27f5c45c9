// Package metrics declares the service's Prometheus collectors. They are
// registered on the default registry and served by promhttp on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transitions counts check-in/check-out attempts by action and result.
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ikid",
		Name:      "attendance_transitions_total",
		Help:      "Check-in and check-out attempts by action and result.",
	}, []string{"action", "result"})

	PresenceSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ikid",
		Name:      "presence_subscriptions",
		Help:      "Live presence subscriptions held by this instance.",
	})

	QueuePublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ikid",
		Name:      "queue_publish_failures_total",
		Help:      "Attendance events that could not be handed to the work queue.",
	})

	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ikid",
		Name:      "guardian_notifications_total",
		Help:      "Guardian notifications sent by the worker, by result.",
	}, []string{"result"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ikid",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)
