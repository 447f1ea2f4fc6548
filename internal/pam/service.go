// Package pam manages time-boxed checkouts of shared credentials. At most one
// session per request item is active; the credential is revealed only in the
// checkout response.
package pam

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"accessdesk.org/internal/apperr"
	"accessdesk.org/internal/audit"
	"accessdesk.org/internal/manifest"
	"accessdesk.org/internal/model"
	"accessdesk.org/internal/obs"
	"accessdesk.org/internal/store"
	"accessdesk.org/internal/vault"
)

// Service runs checkout and check-in.
type Service struct {
	store  store.Store
	sealer vault.Sealer
	audit  *audit.Emitter
	now    func() time.Time
}

func NewService(st store.Store, sealer vault.Sealer, em *audit.Emitter) *Service {
	return &Service{store: st, sealer: sealer, audit: em, now: time.Now}
}

// Credential is the revealed shared login.
type Credential struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// CheckoutResult is returned once per checkout.
type CheckoutResult struct {
	SessionID   string     `json:"sessionId"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	Credentials Credential `json:"credentials"`
}

// resolved is a credential reference plus the login it belongs to.
type resolved struct {
	username string
	ref      string
	source   string
}

// Checkout opens a session for actor on one request item.
func (s *Service) Checkout(ctx context.Context, requestID, itemID, actor string) (CheckoutResult, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return CheckoutResult{}, apperr.Validation("actor is required for checkout")
	}
	req, err := s.store.Requests().Find(ctx, requestID)
	if err != nil {
		return CheckoutResult{}, err
	}
	it, ok := req.Item(itemID)
	if !ok {
		return CheckoutResult{}, apperr.NotFound("access request item", itemID)
	}
	if it.ItemType != manifest.ItemSharedAccountPAM {
		return CheckoutResult{}, apperr.Validation(fmt.Sprintf("item %s is not a %s item", itemID, manifest.ItemSharedAccountPAM))
	}
	cred, err := s.resolve(ctx, *it)
	if err != nil {
		obs.RecordCheckout("no_credential")
		return CheckoutResult{}, err
	}

	secret, err := s.sealer.Open(cred.ref)
	if err != nil {
		return CheckoutResult{}, fmt.Errorf("open credential: %w", err)
	}

	now := s.now().UTC()
	minutes := it.PAMConfig.CheckoutMinutes()
	sess := model.PamSession{
		RequestID:     requestID,
		ItemID:        itemID,
		UserID:        actor,
		Status:        model.SessionActive,
		CheckedOutAt:  now,
		ExpiresAt:     now.Add(time.Duration(minutes) * time.Minute),
		CredentialRef: cred.ref,
	}
	expired, err := s.store.Sessions().Checkout(ctx, &sess, now)
	for _, old := range expired {
		s.audit.Emit(ctx, model.AuditLogEntry{
			Event:      audit.EventPAMExpired,
			Actor:      model.SystemExpiryActor,
			RequestID:  requestID,
			ItemID:     itemID,
			PlatformID: it.PlatformID,
			Details:    map[string]any{"sessionId": old.ID, "userId": old.UserID, "expiresAt": old.ExpiresAt},
		})
	}
	if err != nil {
		var ev *apperr.ExclusivityViolationError
		if errors.As(err, &ev) {
			obs.RecordCheckout("denied")
			s.audit.Emit(ctx, model.AuditLogEntry{
				Event:      audit.EventPAMCheckoutDenied,
				Actor:      actor,
				RequestID:  requestID,
				ItemID:     itemID,
				PlatformID: it.PlatformID,
				Details:    map[string]any{"activeSessionId": ev.ActiveSessionID},
			})
		}
		return CheckoutResult{}, err
	}

	obs.RecordCheckout("granted")
	s.audit.Emit(ctx, model.AuditLogEntry{
		Event:      audit.EventPAMCheckout,
		Actor:      actor,
		RequestID:  requestID,
		ItemID:     itemID,
		PlatformID: it.PlatformID,
		Details: map[string]any{
			"sessionId":        sess.ID,
			"expiresAt":        sess.ExpiresAt,
			"durationMinutes":  minutes,
			"credentialSource": cred.source,
		},
	})
	return CheckoutResult{
		SessionID:   sess.ID,
		ExpiresAt:   sess.ExpiresAt,
		Credentials: Credential{Username: cred.username, Password: string(secret)},
	}, nil
}

// resolve finds the credential for a PAM item: the client-submitted secret, or
// for agency-owned items the secret of the referenced active identity.
func (s *Service) resolve(ctx context.Context, it model.AccessRequestItem) (resolved, error) {
	if it.PAMSecretRef != "" {
		return resolved{username: it.PAMUsername, ref: it.PAMSecretRef, source: "client"}, nil
	}
	cfg := it.PAMConfig
	if cfg == nil || cfg.Ownership != model.OwnershipAgencyOwned {
		return resolved{}, fmt.Errorf("item %s has no submitted credential: %w", it.ID, apperr.ErrNoCredential)
	}
	identityID := cfg.IntegrationIdentityID
	if identityID == "" {
		identityID = cfg.AgencyIdentityID
	}
	var ident model.IntegrationIdentity
	switch {
	case identityID != "":
		found, err := s.store.Identities().Find(ctx, identityID)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				return resolved{}, fmt.Errorf("identity %s is missing: %w", identityID, apperr.ErrNoCredential)
			}
			return resolved{}, err
		}
		ident = found
	case cfg.IdentityStrategy == model.PAMStrategyClientDedicated && it.ResolvedIdentity != "":
		// Dedicated mailboxes are registered as identities under their generated address.
		found, err := s.identityByIdentifier(ctx, it.ResolvedIdentity)
		if err != nil {
			return resolved{}, err
		}
		ident = found
	default:
		return resolved{}, fmt.Errorf("item %s references no agency identity: %w", it.ID, apperr.ErrNoCredential)
	}
	if !ident.IsActive || ident.SecretRef == "" {
		return resolved{}, fmt.Errorf("identity %s is inactive or holds no secret: %w", ident.ID, apperr.ErrNoCredential)
	}
	return resolved{username: ident.Identifier, ref: ident.SecretRef, source: "identity:" + ident.ID}, nil
}

func (s *Service) identityByIdentifier(ctx context.Context, identifier string) (model.IntegrationIdentity, error) {
	all, err := s.store.Identities().List(ctx)
	if err != nil {
		return model.IntegrationIdentity{}, err
	}
	for _, ident := range all {
		if ident.IsActive && strings.EqualFold(ident.Identifier, identifier) {
			return ident, nil
		}
	}
	return model.IntegrationIdentity{}, fmt.Errorf("no active identity is registered for %s: %w", identifier, apperr.ErrNoCredential)
}

// Checkin closes a session. Only the holder may check in.
func (s *Service) Checkin(ctx context.Context, sessionID, actor string) (model.PamSession, error) {
	actor = strings.TrimSpace(actor)
	sess, err := s.store.Sessions().Find(ctx, sessionID)
	if err != nil {
		return model.PamSession{}, err
	}
	if actor == "" || sess.UserID != actor {
		return model.PamSession{}, fmt.Errorf("session %s is held by another user: %w", sessionID, apperr.ErrForbidden)
	}
	closed, err := s.store.Sessions().Checkin(ctx, sessionID, actor, s.now())
	if err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			return model.PamSession{}, fmt.Errorf("session %s is not active: %w", sessionID, apperr.ErrConflict)
		}
		return model.PamSession{}, err
	}
	s.audit.Emit(ctx, model.AuditLogEntry{
		Event:      audit.EventPAMCheckin,
		Actor:      actor,
		RequestID:  closed.RequestID,
		ItemID:     closed.ItemID,
		PlatformID: s.platformOf(ctx, closed),
		Details:    map[string]any{"sessionId": closed.ID, "expiresAt": closed.ExpiresAt, "checkedInAt": closed.CheckedInAt},
	})
	return closed, nil
}

// platformOf looks up the platform of a session's request item. The session
// is already closed, so a failed lookup only leaves the audit field empty.
func (s *Service) platformOf(ctx context.Context, sess model.PamSession) string {
	req, err := s.store.Requests().Find(ctx, sess.RequestID)
	if err != nil {
		obs.Warn("checkin audit without platform", map[string]any{"session_id": sess.ID, "error": err.Error()})
		return ""
	}
	if it, ok := req.Item(sess.ItemID); ok {
		return it.PlatformID
	}
	return ""
}

// ListSessions returns sessions of a request, or all sessions when requestID is empty.
func (s *Service) ListSessions(ctx context.Context, requestID string) ([]model.PamSession, error) {
	return s.store.Sessions().ListByRequest(ctx, requestID)
}
