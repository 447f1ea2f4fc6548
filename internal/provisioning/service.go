// Package provisioning dispatches grant, verify and revoke calls for request
// items to platform adapters that declare provisioning support.
package provisioning

import (
	"context"
	"time"

	"golang.org/x/oauth2"

	"accessdesk.org/internal/apperr"
	"accessdesk.org/internal/audit"
	"accessdesk.org/internal/model"
	"accessdesk.org/internal/plugin"
	"accessdesk.org/internal/store"
)

// TokenSource yields the stored OAuth token for a platform.
type TokenSource interface {
	TokenFor(ctx context.Context, platformKey string) (*oauth2.Token, error)
}

// Service performs provider calls for request items.
type Service struct {
	registry *plugin.Registry
	tokens   TokenSource
	requests store.RequestStore
	audit    *audit.Emitter
	timeout  time.Duration
}

func NewService(reg *plugin.Registry, tokens TokenSource, requests store.RequestStore, em *audit.Emitter, timeout time.Duration) *Service {
	return &Service{registry: reg, tokens: tokens, requests: requests, audit: em, timeout: timeout}
}

// GrantOutcome reports the result of a grant.
type GrantOutcome struct {
	Granted bool `json:"granted"`
	// AlreadyGranted is set when the platform reported the grant as existing.
	AlreadyGranted bool `json:"alreadyGranted"`
}

// GrantFor builds the provider grant for a request item.
func GrantFor(item model.AccessRequestItem) plugin.Grant {
	return plugin.Grant{
		ItemType: item.ItemType,
		Role:     item.Role,
		Identity: item.ResolvedIdentity,
		Target:   model.CloneConfig(item.ClientProvidedTarget),
	}
}

func (s *Service) item(ctx context.Context, requestID, itemID string) (model.AccessRequestItem, error) {
	req, err := s.requests.Find(ctx, requestID)
	if err != nil {
		return model.AccessRequestItem{}, err
	}
	it, ok := req.Item(itemID)
	if !ok {
		return model.AccessRequestItem{}, apperr.NotFound("access request item", itemID)
	}
	return *it, nil
}

func (s *Service) prepare(ctx context.Context, platformKey string) (plugin.Provisioner, *oauth2.Token, error) {
	p, ok := s.registry.Provisioner(platformKey)
	if !ok {
		return nil, nil, apperr.ErrUnsupported
	}
	tok, err := s.tokens.TokenFor(ctx, platformKey)
	if err != nil {
		return nil, nil, err
	}
	return p, tok, nil
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Grant asks the platform to grant the item's access. A conflict from the
// platform means the access already exists and counts as granted.
func (s *Service) Grant(ctx context.Context, requestID, itemID string) (GrantOutcome, error) {
	it, err := s.item(ctx, requestID, itemID)
	if err != nil {
		return GrantOutcome{}, err
	}
	p, tok, err := s.prepare(ctx, it.PlatformKey)
	if err != nil {
		return GrantOutcome{}, err
	}
	callCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	out := GrantOutcome{Granted: true}
	if err := p.GrantAccess(callCtx, tok, GrantFor(it)); err != nil {
		if !apperr.IsProviderKind(err, apperr.ProviderConflict) {
			return GrantOutcome{}, err
		}
		out.AlreadyGranted = true
	}
	s.audit.Emit(ctx, model.AuditLogEntry{
		Event:      audit.EventAccessGranted,
		RequestID:  requestID,
		ItemID:     itemID,
		PlatformID: it.PlatformID,
		Details:    map[string]any{"platformKey": it.PlatformKey, "identity": it.ResolvedIdentity, "role": it.Role, "alreadyGranted": out.AlreadyGranted},
	})
	return out, nil
}

// VerifyItem checks a snapshot item against the platform.
func (s *Service) VerifyItem(ctx context.Context, it model.AccessRequestItem) (plugin.VerifyResult, error) {
	p, tok, err := s.prepare(ctx, it.PlatformKey)
	if err != nil {
		return plugin.VerifyResult{}, err
	}
	callCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	return p.VerifyAccess(callCtx, tok, GrantFor(it))
}

// Verify checks one request item against the platform.
func (s *Service) Verify(ctx context.Context, requestID, itemID string) (plugin.VerifyResult, error) {
	it, err := s.item(ctx, requestID, itemID)
	if err != nil {
		return plugin.VerifyResult{}, err
	}
	return s.VerifyItem(ctx, it)
}

// Revoke removes the item's access on the platform.
func (s *Service) Revoke(ctx context.Context, requestID, itemID string) error {
	it, err := s.item(ctx, requestID, itemID)
	if err != nil {
		return err
	}
	p, tok, err := s.prepare(ctx, it.PlatformKey)
	if err != nil {
		return err
	}
	callCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := p.RevokeAccess(callCtx, tok, GrantFor(it)); err != nil {
		return err
	}
	s.audit.Emit(ctx, model.AuditLogEntry{
		Event:      audit.EventAccessRevoked,
		RequestID:  requestID,
		ItemID:     itemID,
		PlatformID: it.PlatformID,
		Details:    map[string]any{"platformKey": it.PlatformKey, "identity": it.ResolvedIdentity},
	})
	return nil
}
