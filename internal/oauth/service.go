// Package oauth runs delegated authorization for OAuth-capable platforms and
// keeps the resulting tokens sealed in the connection store.
package oauth

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"accessdesk.org/internal/apperr"
	"accessdesk.org/internal/audit"
	"accessdesk.org/internal/model"
	"accessdesk.org/internal/plugin"
	"accessdesk.org/internal/store"
	"accessdesk.org/internal/vault"
)

// Service coordinates adapters, state tokens and sealed connections.
type Service struct {
	registry *plugin.Registry
	conns    store.ConnectionStore
	sealer   vault.Sealer
	states   *StateSigner
	audit    *audit.Emitter
	baseURL  string
	timeout  time.Duration
}

// Config wires a Service.
type Config struct {
	Registry      *plugin.Registry
	Connections   store.ConnectionStore
	Sealer        vault.Sealer
	States        *StateSigner
	Audit         *audit.Emitter
	PublicBaseURL string
	// CallTimeout bounds each provider round trip; zero means no extra bound.
	CallTimeout time.Duration
}

func NewService(cfg Config) *Service {
	return &Service{
		registry: cfg.Registry,
		conns:    cfg.Connections,
		sealer:   cfg.Sealer,
		states:   cfg.States,
		audit:    cfg.Audit,
		baseURL:  cfg.PublicBaseURL,
		timeout:  cfg.CallTimeout,
	}
}

// StartResult is returned by Start.
type StartResult struct {
	AuthURL string `json:"authUrl"`
	State   string `json:"state"`
}

// DiscoverResult lists targets, or reports that discovery is unavailable.
type DiscoverResult struct {
	Supported bool            `json:"supported"`
	Targets   []plugin.Target `json:"targets"`
}

// RedirectURL is the callback address registered with providers.
func (s *Service) RedirectURL(platformKey string) string {
	return s.baseURL + "/oauth/" + platformKey + "/callback"
}

func (s *Service) capable(platformKey string) (plugin.OAuthCapable, error) {
	if _, ok := s.registry.Get(platformKey); !ok {
		return nil, apperr.NotFound("platform", platformKey)
	}
	oc, ok := s.registry.OAuth(platformKey)
	if !ok {
		return nil, apperr.ErrUnsupported
	}
	return oc, nil
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Start returns the consent URL for platformKey.
func (s *Service) Start(ctx context.Context, platformKey, actor string) (StartResult, error) {
	oc, err := s.capable(platformKey)
	if err != nil {
		return StartResult{}, err
	}
	state, err := s.states.Sign(platformKey, actor)
	if err != nil {
		return StartResult{}, err
	}
	u, err := oc.StartOAuth(ctx, state, s.RedirectURL(platformKey))
	if err != nil {
		return StartResult{}, err
	}
	return StartResult{AuthURL: u, State: state}, nil
}

// Callback validates state, exchanges code and stores the sealed tokens.
func (s *Service) Callback(ctx context.Context, platformKey, code, state string) (model.PlatformConnection, error) {
	oc, err := s.capable(platformKey)
	if err != nil {
		return model.PlatformConnection{}, err
	}
	claims, err := s.states.Parse(state, platformKey)
	if err != nil {
		return model.PlatformConnection{}, apperr.Validation("state is invalid or expired")
	}
	if code == "" {
		return model.PlatformConnection{}, apperr.Validation("code is required")
	}
	callCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	tok, err := oc.HandleOAuthCallback(callCtx, code, s.RedirectURL(platformKey))
	if err != nil {
		return model.PlatformConnection{}, err
	}
	conn, err := s.save(ctx, platformKey, claims.Subject, tok)
	if err != nil {
		return model.PlatformConnection{}, err
	}
	s.audit.Emit(ctx, model.AuditLogEntry{
		Event:   audit.EventOAuthConnected,
		Actor:   claims.Subject,
		Details: map[string]any{"platformKey": platformKey, "scopes": conn.Scopes, "expiry": conn.Expiry},
	})
	return conn, nil
}

// Refresh renews the stored access token.
func (s *Service) Refresh(ctx context.Context, platformKey string) (model.PlatformConnection, error) {
	oc, err := s.capable(platformKey)
	if err != nil {
		return model.PlatformConnection{}, err
	}
	conn, tok, err := s.load(ctx, platformKey)
	if err != nil {
		return model.PlatformConnection{}, err
	}
	return s.refresh(ctx, oc, conn, tok)
}

func (s *Service) refresh(ctx context.Context, oc plugin.OAuthCapable, conn model.PlatformConnection, tok *oauth2.Token) (model.PlatformConnection, error) {
	callCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	fresh, err := oc.RefreshToken(callCtx, tok)
	if err != nil {
		return model.PlatformConnection{}, err
	}
	updated, err := s.save(ctx, conn.PlatformKey, conn.ConnectedBy, fresh)
	if err != nil {
		return model.PlatformConnection{}, err
	}
	s.audit.Emit(ctx, model.AuditLogEntry{
		Event:   audit.EventOAuthRefreshed,
		Details: map[string]any{"platformKey": conn.PlatformKey, "expiry": updated.Expiry},
	})
	return updated, nil
}

// DiscoverTargets lists assets visible to the stored connection. Platforms
// without discovery report Supported=false with no targets.
func (s *Service) DiscoverTargets(ctx context.Context, platformKey string) (DiscoverResult, error) {
	d, ok := s.registry.Discoverer(platformKey)
	if !ok {
		return DiscoverResult{Supported: false, Targets: []plugin.Target{}}, nil
	}
	tok, err := s.TokenFor(ctx, platformKey)
	if err != nil {
		return DiscoverResult{}, err
	}
	callCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	targets, err := d.DiscoverTargets(callCtx, tok)
	if err != nil {
		return DiscoverResult{}, err
	}
	if targets == nil {
		targets = []plugin.Target{}
	}
	return DiscoverResult{Supported: true, Targets: targets}, nil
}

// TokenFor returns a usable token for platformKey, refreshing an expired one.
func (s *Service) TokenFor(ctx context.Context, platformKey string) (*oauth2.Token, error) {
	conn, tok, err := s.load(ctx, platformKey)
	if err != nil {
		return nil, err
	}
	if tok.Valid() || tok.RefreshToken == "" {
		return tok, nil
	}
	oc, err := s.capable(platformKey)
	if err != nil {
		return nil, err
	}
	if _, err := s.refresh(ctx, oc, conn, tok); err != nil {
		return nil, err
	}
	_, tok, err = s.load(ctx, platformKey)
	return tok, err
}

func (s *Service) load(ctx context.Context, platformKey string) (model.PlatformConnection, *oauth2.Token, error) {
	conn, err := s.conns.Find(ctx, platformKey)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return model.PlatformConnection{}, nil, apperr.NotFound("platform connection", platformKey)
		}
		return model.PlatformConnection{}, nil, err
	}
	access, err := s.sealer.Open(conn.AccessTokenRef)
	if err != nil {
		return model.PlatformConnection{}, nil, err
	}
	tok := &oauth2.Token{AccessToken: string(access), TokenType: conn.TokenType, Expiry: conn.Expiry}
	if conn.RefreshTokenRef != "" {
		refresh, err := s.sealer.Open(conn.RefreshTokenRef)
		if err != nil {
			return model.PlatformConnection{}, nil, err
		}
		tok.RefreshToken = string(refresh)
	}
	return conn, tok, nil
}

func (s *Service) save(ctx context.Context, platformKey, actor string, tok *oauth2.Token) (model.PlatformConnection, error) {
	accessRef, err := s.sealer.Seal([]byte(tok.AccessToken))
	if err != nil {
		return model.PlatformConnection{}, err
	}
	conn := model.PlatformConnection{
		PlatformKey:    platformKey,
		AccessTokenRef: accessRef,
		TokenType:      tok.TokenType,
		Expiry:         tok.Expiry,
		Scopes:         grantedScopes(tok),
		ConnectedBy:    actor,
		UpdatedAt:      time.Now().UTC(),
	}
	if tok.RefreshToken != "" {
		if conn.RefreshTokenRef, err = s.sealer.Seal([]byte(tok.RefreshToken)); err != nil {
			return model.PlatformConnection{}, err
		}
	}
	if err := s.conns.Upsert(ctx, conn); err != nil {
		return model.PlatformConnection{}, err
	}
	return conn, nil
}

// grantedScopes reads the scope field some providers return.
func grantedScopes(tok *oauth2.Token) []string {
	raw, _ := tok.Extra("scope").(string)
	if raw == "" {
		return nil
	}
	return strings.FieldsFunc(raw, func(r rune) bool { return r == ' ' || r == ',' })
}
