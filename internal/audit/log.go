package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"accessdesk.org/internal/model"
	"accessdesk.org/internal/obs"
)

type ctxKey string

const (
	requestIDKey ctxKey = "audit_request_id"
	actorKey     ctxKey = "audit_actor"
)

// WithRequestID attaches the HTTP request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// requestIDFromContext extracts the audit request id from context if present.
func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// WithActor records who is performing the current operation.
func WithActor(ctx context.Context, actor string) context.Context {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ctx
	}
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFromContext returns the actor attached by WithActor.
func ActorFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(actorKey).(string)
	return v, ok && v != ""
}

// LogEvent writes an audit log line enriched with request context.
func LogEvent(ctx context.Context, e model.AuditLogEntry) error {
	event := strings.TrimSpace(e.Event)
	if event == "" {
		return errors.New("event name is required")
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	entry := map[string]any{
		"ts":    ts.UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
		"actor": e.Actor,
	}
	if e.ID != "" {
		entry["audit_id"] = e.ID
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		entry["http_request_id"] = rid
	}
	if e.RequestID != "" {
		entry["access_request_id"] = e.RequestID
	}
	if e.ItemID != "" {
		entry["item_id"] = e.ItemID
	}
	if e.PlatformID != "" {
		entry["platform_id"] = e.PlatformID
	}
	if len(e.Details) > 0 {
		copyFields := make(map[string]any, len(e.Details))
		for k, v := range e.Details {
			copyFields[k] = v
		}
		entry["fields"] = copyFields
	} else {
		entry["fields"] = map[string]any{}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
