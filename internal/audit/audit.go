// Package audit records security-relevant events. Logging failures are
// reported operationally but never abort or override the caller's primary
// operation.
package audit

import (
	"context"
	"log/slog"

	"github.com/copyflow/custody/internal/logger"
	"github.com/copyflow/custody/internal/metrics"
	"github.com/copyflow/custody/pkg/types"
)

// clientInfoKey carries request client metadata through context.
type clientInfoKey struct{}

// ClientInfo is the request metadata attached to every audit event.
type ClientInfo struct {
	IPAddress string
	UserAgent string
}

// WithClientInfo attaches client metadata to the context. Set once per
// request by the HTTP middleware.
func WithClientInfo(ctx context.Context, info ClientInfo) context.Context {
	return context.WithValue(ctx, clientInfoKey{}, info)
}

// ClientInfoFrom retrieves client metadata from the context.
func ClientInfoFrom(ctx context.Context) ClientInfo {
	if info, ok := ctx.Value(clientInfoKey{}).(ClientInfo); ok {
		return info
	}
	return ClientInfo{}
}

// EventStore persists audit events.
type EventStore interface {
	Insert(ctx context.Context, event *types.AuditEvent) error
}

// Logger appends audit events to the durable trail.
type Logger struct {
	events EventStore
	log    *slog.Logger
}

// NewLogger creates an audit logger backed by the given store.
func NewLogger(events EventStore) *Logger {
	return &Logger{
		events: events,
		log:    logger.Component("audit"),
	}
}

// Log appends one event, filling IP address and user agent from the request
// context. It never returns an error: a persistence failure here must not
// mask the security decision that already happened, so it is written to the
// operational log and counted instead.
func (l *Logger) Log(ctx context.Context, event *types.AuditEvent) {
	info := ClientInfoFrom(ctx)
	if event.IPAddress == "" {
		event.IPAddress = info.IPAddress
	}
	if event.UserAgent == "" {
		event.UserAgent = info.UserAgent
	}

	if err := l.events.Insert(ctx, event); err != nil {
		metrics.AuditEventsDropped.Inc()
		l.log.Error("failed to persist audit event",
			"action", event.Action,
			"resource_type", event.ResourceType,
			"resource_id", event.ResourceID,
			"error", err,
		)
	}
}
