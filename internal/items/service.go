// Package items manages the agency side of onboarding: clients, enabled
// platforms, access item templates and integration identities. Access items
// pass the governance engine and the platform's config schema before they are
// stored.
package items

import (
	"context"
	"net/mail"
	"strings"

	"accessdesk.org/internal/apperr"
	"accessdesk.org/internal/audit"
	"accessdesk.org/internal/governance"
	"accessdesk.org/internal/model"
	"accessdesk.org/internal/obs"
	"accessdesk.org/internal/plugin"
	"accessdesk.org/internal/store"
	"accessdesk.org/internal/vault"
)

// Service implements agency administration.
type Service struct {
	store    store.Store
	registry *plugin.Registry
	engine   *governance.Engine
	sealer   vault.Sealer
	audit    *audit.Emitter
}

func NewService(st store.Store, reg *plugin.Registry, sealer vault.Sealer, em *audit.Emitter) *Service {
	return &Service{
		store:    st,
		registry: reg,
		engine:   governance.NewEngine(governance.LookupFunc(st.Identities().Find)),
		sealer:   sealer,
		audit:    em,
	}
}

// CreateClient registers a client.
func (s *Service) CreateClient(ctx context.Context, name, email string) (model.Client, error) {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)
	var errs []string
	if name == "" {
		errs = append(errs, "name is required")
	}
	if email != "" {
		if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
			errs = append(errs, "email must be an email address")
		}
	}
	if len(errs) > 0 {
		return model.Client{}, apperr.Validation(errs...)
	}
	c := model.Client{Name: name, Email: email}
	if err := s.store.Clients().Create(ctx, &c); err != nil {
		return model.Client{}, err
	}
	s.audit.Emit(ctx, model.AuditLogEntry{Event: audit.EventClientCreated, Details: map[string]any{"clientId": c.ID, "name": c.Name}})
	return c, nil
}

// GetClient returns a client.
func (s *Service) GetClient(ctx context.Context, id string) (model.Client, error) {
	return s.store.Clients().Find(ctx, id)
}

// EnablePlatform adds a registered platform to the agency catalog.
func (s *Service) EnablePlatform(ctx context.Context, platformKey string) (model.AgencyPlatform, error) {
	platformKey = strings.TrimSpace(platformKey)
	m, ok := s.registry.Manifest(platformKey)
	if !ok {
		return model.AgencyPlatform{}, apperr.Validation("platformKey " + platformKey + " is not a registered platform")
	}
	p := model.AgencyPlatform{PlatformKey: m.PlatformKey, DisplayName: m.DisplayName, Enabled: true}
	if err := s.store.Platforms().Create(ctx, &p); err != nil {
		return model.AgencyPlatform{}, err
	}
	s.audit.Emit(ctx, model.AuditLogEntry{Event: audit.EventPlatformEnabled, PlatformID: p.ID, Details: map[string]any{"platformKey": p.PlatformKey}})
	return p, nil
}

// ListPlatforms returns the agency catalog.
func (s *Service) ListPlatforms(ctx context.Context) ([]model.AgencyPlatform, error) {
	return s.store.Platforms().List(ctx)
}

// ItemResult is a stored item with the non-blocking admission warnings.
type ItemResult struct {
	Item     model.AccessItem `json:"item"`
	Warnings []string         `json:"warnings"`
}

// CreateItem admits in under platformID. Governance violations and agency
// config schema errors are reported together; nothing is stored unless both pass.
func (s *Service) CreateItem(ctx context.Context, platformID string, in model.AccessItem) (ItemResult, error) {
	platform, err := s.store.Platforms().Find(ctx, platformID)
	if err != nil {
		return ItemResult{}, err
	}
	m, ok := s.registry.Manifest(platform.PlatformKey)
	if !ok {
		return ItemResult{}, apperr.Validation("platform " + platform.PlatformKey + " has no registered integration")
	}

	in.ID = ""
	in.PlatformID = platform.ID
	res := s.engine.Validate(ctx, in, m)
	errs := append([]string{}, res.Errors...)
	if m.Supports(in.ItemType) {
		schema := s.registry.ValidateAgencyConfig(platform.PlatformKey, in.ItemType, in.AgencyConfig)
		for _, e := range schema.Errors {
			errs = append(errs, "agencyConfig."+e)
		}
	}
	if len(errs) > 0 {
		obs.RecordGovernanceRejection(platform.PlatformKey, string(in.ItemType))
		s.audit.Emit(ctx, model.AuditLogEntry{
			Event:      audit.EventGovernanceRejected,
			PlatformID: platform.ID,
			Details:    map[string]any{"platformKey": platform.PlatformKey, "itemType": in.ItemType, "errors": errs},
		})
		return ItemResult{}, apperr.Validation(errs...)
	}
	for _, w := range res.Warnings {
		obs.Warn("access item admitted with warning", map[string]any{"platform": platform.PlatformKey, "item_type": in.ItemType, "warning": w})
	}

	in.AccessPattern = res.AccessPattern
	in.AgencyConfig = model.CloneConfig(in.AgencyConfig)
	in.PAMConfig = in.PAMConfig.Clone()
	if err := s.store.Items().Create(ctx, &in); err != nil {
		return ItemResult{}, err
	}
	details := map[string]any{"platformKey": platform.PlatformKey, "itemType": in.ItemType, "role": in.Role}
	if len(res.Warnings) > 0 {
		details["warnings"] = res.Warnings
	}
	if own := ownership(in); own != "" {
		details["ownership"] = own
	}
	s.audit.Emit(ctx, model.AuditLogEntry{Event: audit.EventAccessItemCreated, PlatformID: platform.ID, Details: details})
	warnings := res.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	return ItemResult{Item: in, Warnings: warnings}, nil
}

func ownership(it model.AccessItem) string {
	if it.PAMConfig == nil {
		return ""
	}
	return it.PAMConfig.Ownership
}

// ListItems returns the items of a platform.
func (s *Service) ListItems(ctx context.Context, platformID string) ([]model.AccessItem, error) {
	if _, err := s.store.Platforms().Find(ctx, platformID); err != nil {
		return nil, err
	}
	return s.store.Items().ListByPlatform(ctx, platformID)
}

// IdentityInput creates an integration identity. Secret is sealed and never returned.
type IdentityInput struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Identifier string `json:"identifier"`
	PlatformID string `json:"platformId,omitempty"`
	Secret     string `json:"secret,omitempty"`
	Inactive   bool   `json:"inactive,omitempty"`
}

// CreateIdentity stores an integration identity.
func (s *Service) CreateIdentity(ctx context.Context, in IdentityInput) (model.IntegrationIdentity, error) {
	var errs []string
	if strings.TrimSpace(in.Name) == "" {
		errs = append(errs, "name is required")
	}
	if strings.TrimSpace(in.Type) == "" {
		errs = append(errs, "type is required")
	}
	if strings.TrimSpace(in.Identifier) == "" {
		errs = append(errs, "identifier is required")
	}
	if len(errs) > 0 {
		return model.IntegrationIdentity{}, apperr.Validation(errs...)
	}
	if in.PlatformID != "" {
		if _, err := s.store.Platforms().Find(ctx, in.PlatformID); err != nil {
			return model.IntegrationIdentity{}, err
		}
	}
	ident := model.IntegrationIdentity{
		Name:       strings.TrimSpace(in.Name),
		Type:       strings.ToUpper(strings.TrimSpace(in.Type)),
		Identifier: strings.TrimSpace(in.Identifier),
		PlatformID: in.PlatformID,
		IsActive:   !in.Inactive,
	}
	if in.Secret != "" {
		ref, err := s.sealer.Seal([]byte(in.Secret))
		if err != nil {
			return model.IntegrationIdentity{}, err
		}
		ident.SecretRef = ref
		ident.HasSecret = true
	}
	if err := s.store.Identities().Create(ctx, &ident); err != nil {
		return model.IntegrationIdentity{}, err
	}
	s.audit.Emit(ctx, model.AuditLogEntry{
		Event:      audit.EventIdentityCreated,
		PlatformID: ident.PlatformID,
		Details:    map[string]any{"identityId": ident.ID, "type": ident.Type, "hasSecret": ident.HasSecret},
	})
	return ident, nil
}

// ListIdentities returns every integration identity.
func (s *Service) ListIdentities(ctx context.Context) ([]model.IntegrationIdentity, error) {
	return s.store.Identities().List(ctx)
}
