// Package stream fans audit entries out to live subscribers (SSE clients).
package stream

import (
	"context"
	"sync"

	"accessdesk.org/internal/model"
)

// Filter selects the entries a subscriber wants; nil accepts everything.
type Filter func(model.AuditLogEntry) bool

// ForRequest returns a filter matching one access request.
func ForRequest(requestID string) Filter {
	if requestID == "" {
		return nil
	}
	return func(e model.AuditLogEntry) bool { return e.RequestID == requestID }
}

type subscriber struct {
	ch     chan model.AuditLogEntry
	filter Filter
}

// Stream fan-outs audit entries to all active subscribers.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber and returns a channel which will receive entries.
// The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context, filter Filter) <-chan model.AuditLogEntry {
	ch := make(chan model.AuditLogEntry, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscriber{ch: ch, filter: filter}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the entry to all matching subscribers.
func (s *Stream) Publish(e model.AuditLogEntry) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.filter != nil && !sub.filter(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// Subscribers reports the number of live subscribers.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
