// Package metrics exposes the service's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthAttempts counts signature authentication outcomes.
	AuthAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Name:      "auth_attempts_total",
		Help:      "Signature authentication attempts by outcome.",
	}, []string{"outcome"})

	// KeyOperations counts key vault operations by type and status.
	KeyOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Name:      "key_operations_total",
		Help:      "Key vault operations by operation type and status.",
	}, []string{"operation", "status"})

	// RateLimitRejections counts requests refused by the per-identity limiter.
	RateLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "custody",
		Name:      "rate_limit_rejections_total",
		Help:      "Requests rejected by the per-identity rate limiter.",
	})

	// AuditEventsDropped counts audit events that could not be persisted.
	// The underlying operations proceed; this counter is the operational
	// signal that the trail has gaps.
	AuditEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "custody",
		Name:      "audit_events_dropped_total",
		Help:      "Audit events lost to logging failures.",
	})

	// SessionsSwept counts sessions removed by the expiry sweeper.
	SessionsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "custody",
		Name:      "sessions_swept_total",
		Help:      "Expired sessions removed by the periodic sweep.",
	})
)
