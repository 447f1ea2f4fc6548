// Package store declares persistence for every entity. Domain services
// depend on these interfaces; memory and pg provide implementations.
package store

import (
	"context"
	"time"

	"accessdesk.org/internal/model"
)

// Store groups the per-entity repositories.
type Store interface {
	Clients() ClientStore
	Platforms() PlatformStore
	Items() ItemStore
	Requests() RequestStore
	Identities() IdentityStore
	Sessions() SessionStore
	Audit() AuditStore
	Connections() ConnectionStore
	Evidence() EvidenceStore
	Ping(ctx context.Context) error
}

// ClientStore manages clients.
type ClientStore interface {
	Create(ctx context.Context, c *model.Client) error
	Find(ctx context.Context, id string) (model.Client, error)
}

// PlatformStore manages agency-enabled platforms. Platform keys are unique.
type PlatformStore interface {
	Create(ctx context.Context, p *model.AgencyPlatform) error
	Find(ctx context.Context, id string) (model.AgencyPlatform, error)
	List(ctx context.Context) ([]model.AgencyPlatform, error)
}

// ItemStore manages access item templates.
type ItemStore interface {
	Create(ctx context.Context, item *model.AccessItem) error
	Find(ctx context.Context, id string) (model.AccessItem, error)
	ListByPlatform(ctx context.Context, platformID string) ([]model.AccessItem, error)
}

// ItemMutation changes one request item inside the store's critical section.
type ItemMutation func(item *model.AccessRequestItem) error

// RequestStore manages access requests and their snapshot items.
type RequestStore interface {
	Create(ctx context.Context, r *model.AccessRequest) error
	Find(ctx context.Context, id string) (model.AccessRequest, error)
	FindByToken(ctx context.Context, token string) (model.AccessRequest, error)
	// UpdateItem applies mutate to one item atomically and returns the whole
	// request afterwards. An error from mutate aborts without writing.
	UpdateItem(ctx context.Context, requestID, itemID string, mutate ItemMutation) (model.AccessRequest, error)
	// MarkCompleted sets completed_at when it is still unset and reports whether it did.
	MarkCompleted(ctx context.Context, requestID string, at time.Time) (bool, error)
}

// IdentityStore manages integration identities.
type IdentityStore interface {
	Create(ctx context.Context, ident *model.IntegrationIdentity) error
	Find(ctx context.Context, id string) (model.IntegrationIdentity, error)
	List(ctx context.Context) ([]model.IntegrationIdentity, error)
}

// SessionStore manages PAM sessions.
type SessionStore interface {
	// Checkout closes active sessions for the same pair whose expiry is at or
	// before now, then inserts s unless another active session remains, in
	// which case it returns *apperr.ExclusivityViolationError. The closed
	// sessions are returned either way.
	Checkout(ctx context.Context, s *model.PamSession, now time.Time) ([]model.PamSession, error)
	Find(ctx context.Context, id string) (model.PamSession, error)
	// Checkin closes an active session; closing a closed one returns apperr.ErrConflict.
	Checkin(ctx context.Context, id, by string, at time.Time) (model.PamSession, error)
	ListByRequest(ctx context.Context, requestID string) ([]model.PamSession, error)
}

// AuditFilter narrows audit queries.
type AuditFilter struct {
	RequestID string
	Limit     int
}

// AuditStore appends and reads immutable audit entries.
type AuditStore interface {
	Append(ctx context.Context, e *model.AuditLogEntry) error
	List(ctx context.Context, f AuditFilter) ([]model.AuditLogEntry, error)
}

// ConnectionStore keeps one sealed OAuth connection per platform.
type ConnectionStore interface {
	Upsert(ctx context.Context, c model.PlatformConnection) error
	Find(ctx context.Context, platformKey string) (model.PlatformConnection, error)
}

// EvidenceStore keeps uploaded evidence bodies keyed by request item.
type EvidenceStore interface {
	Put(ctx context.Context, b model.EvidenceBlob) error
	Find(ctx context.Context, itemID string) (model.EvidenceBlob, error)
}

// DefaultAuditLimit caps audit queries without an explicit limit.
const DefaultAuditLimit = 200

// NormalizeLimit clamps an audit limit to (0, 1000].
func NormalizeLimit(n int) int {
	if n <= 0 || n > 1000 {
		return DefaultAuditLimit
	}
	return n
}
