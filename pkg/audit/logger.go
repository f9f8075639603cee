package audit

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/platinummonkey/netforge/pkg/auth"
	"github.com/platinummonkey/netforge/pkg/contextkeys"
	"github.com/platinummonkey/netforge/pkg/observability"
	"github.com/platinummonkey/netforge/pkg/orgs"
)

// Logger persists audit events
type Logger interface {
	Log(ctx context.Context, event *Event) error
	Close() error
}

// WithLogger stores logger in ctx for handlers deeper in the chain
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return contextkeys.WithAuditLogger(ctx, logger)
}

// FromContext returns the request's audit logger, or a no-op logger
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(contextkeys.AuditLoggerKey).(Logger); ok {
		return logger
	}
	return NopLogger{}
}

// NopLogger drops every event
type NopLogger struct{}

func (NopLogger) Log(context.Context, *Event) error { return nil }
func (NopLogger) Close() error                      { return nil }

// NewEvent builds an event with the actor and org filled from ctx
func NewEvent(ctx context.Context, eventType EventType, status EventStatus) *Event {
	event := &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Status:    status,
		RequestID: observability.GetRequestID(ctx),
	}
	if ac, ok := auth.FromContext(ctx); ok {
		event.UserID = ac.User.ID
		event.UserEmail = ac.User.Email
		if ac.Token != nil {
			event.TokenID = ac.Token.ID
		}
	}
	if org, ok := orgs.FromContext(ctx); ok {
		event.OrgID = org.ID
	}
	return event
}

// WithRequest copies method, path and client details from r
func (e *Event) WithRequest(r *http.Request) *Event {
	e.Method = r.Method
	e.Path = r.URL.Path
	e.IPAddress = clientIP(r)
	e.UserAgent = r.UserAgent()
	return e
}

// WithResource sets the audited target
func (e *Event) WithResource(rt ResourceType, id, name string) *Event {
	e.ResourceType = rt
	e.ResourceID = id
	e.ResourceName = name
	return e
}

// Record logs a successful action on a resource using the logger in ctx.
// Failures to write are logged and swallowed so auditing never fails a request.
func Record(ctx context.Context, eventType EventType, rt ResourceType, resourceID string, metadata map[string]interface{}) {
	event := NewEvent(ctx, eventType, EventStatusSuccess).WithResource(rt, resourceID, "")
	event.Metadata = metadata
	write(ctx, event)
}

// RecordChange logs a mutation with its before and after values
func RecordChange(ctx context.Context, eventType EventType, rt ResourceType, resourceID string, before, after map[string]interface{}) {
	event := NewEvent(ctx, eventType, EventStatusSuccess).WithResource(rt, resourceID, "")
	event.Changes = &ChangeDetails{Before: before, After: after}
	write(ctx, event)
}

// RecordDenied logs a refused action
func RecordDenied(ctx context.Context, rt ResourceType, resourceID, reason string) {
	event := NewEvent(ctx, EventTypeAuthAccessDenied, EventStatusDenied).WithResource(rt, resourceID, "")
	event.Message = reason
	write(ctx, event)
}

// RecordFailure logs an action that failed with err
func RecordFailure(ctx context.Context, eventType EventType, rt ResourceType, resourceID string, err error) {
	event := NewEvent(ctx, eventType, EventStatusFailure).WithResource(rt, resourceID, "")
	event.ErrorMessage = err.Error()
	write(ctx, event)
}

func write(ctx context.Context, event *Event) {
	if err := FromContext(ctx).Log(ctx, event); err != nil {
		observability.FromContext(ctx).WithError(err).
			WithField("event_type", string(event.EventType)).
			Warn("failed to write audit event")
	}
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return strings.Trim(host, "[]")
}
