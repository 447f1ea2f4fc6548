package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"accessdesk.org/internal/ids"
	"accessdesk.org/internal/model"
	"accessdesk.org/internal/obs"
	"accessdesk.org/internal/store"
	"accessdesk.org/internal/stream"
)

// Sink receives finished audit entries.
type Sink interface {
	Name() string
	Write(ctx context.Context, e model.AuditLogEntry) error
}

// Emitter stamps audit entries and hands them to every sink. Sink failures
// are logged and counted but never returned to the caller.
type Emitter struct {
	sinks []Sink
	now   func() time.Time
}

// NewEmitter builds an emitter writing to the given sinks in order.
func NewEmitter(sinks ...Sink) *Emitter {
	return &Emitter{sinks: sinks, now: time.Now}
}

// WithClock overrides the timestamp source.
func (e *Emitter) WithClock(now func() time.Time) *Emitter {
	e.now = now
	return e
}

// Emit fills ID, timestamp and actor (from context when unset) and writes the entry.
func (e *Emitter) Emit(ctx context.Context, entry model.AuditLogEntry) model.AuditLogEntry {
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.Timestamp.IsZero() {
		now := time.Now
		if e != nil && e.now != nil {
			now = e.now
		}
		entry.Timestamp = now().UTC()
	}
	if entry.Actor == "" {
		if actor, ok := ActorFromContext(ctx); ok {
			entry.Actor = actor
		}
	}
	if entry.Details == nil {
		entry.Details = map[string]any{}
	}
	if e == nil {
		return entry
	}
	for _, s := range e.sinks {
		if err := s.Write(ctx, entry); err != nil {
			obs.RecordAuditSinkFailure(s.Name())
			obs.Error("audit sink failed", err, map[string]any{"sink": s.Name(), "event": entry.Event})
		}
	}
	return entry
}

// LogSink writes entries as JSON lines to the shared logger.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Write(ctx context.Context, e model.AuditLogEntry) error { return LogEvent(ctx, e) }

// StoreSink persists entries into the append-only audit table.
type StoreSink struct {
	Store store.AuditStore
}

func (StoreSink) Name() string { return "store" }

func (s StoreSink) Write(ctx context.Context, e model.AuditLogEntry) error {
	return s.Store.Append(ctx, &e)
}

// RedisSink appends entries to a Redis stream for downstream consumers.
type RedisSink struct {
	Client redis.Cmdable
	Stream string
}

func (RedisSink) Name() string { return "redis" }

func (s RedisSink) Write(ctx context.Context, e model.AuditLogEntry) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.Stream,
		Values: map[string]any{
			"id":          e.ID,
			"event":       e.Event,
			"actor":       e.Actor,
			"request_id":  e.RequestID,
			"item_id":     e.ItemID,
			"platform_id": e.PlatformID,
			"details":     string(details),
			"timestamp":   e.Timestamp.UTC().Format(time.RFC3339Nano),
		},
	}
	if _, err := s.Client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("failed to publish audit event to stream %s: %w", s.Stream, err)
	}
	return nil
}

// StreamSink publishes entries to live subscribers.
type StreamSink struct {
	Stream *stream.Stream
}

func (StreamSink) Name() string { return "stream" }

func (s StreamSink) Write(_ context.Context, e model.AuditLogEntry) error {
	s.Stream.Publish(e)
	return nil
}
