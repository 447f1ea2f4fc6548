// Package governance admits or rejects access item configurations before they
// are persisted. Every rule is evaluated; the result lists all violations.
package governance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"accessdesk.org/internal/apperr"
	"accessdesk.org/internal/manifest"
	"accessdesk.org/internal/model"
)

// MinJustificationLength is the shortest accepted break-glass justification.
const MinJustificationLength = 20

// clientAssetMarker flags agency config keys that would carry a client asset id.
const clientAssetMarker = "clientassetid"

// IdentityLookup resolves integration / agency identities referenced by PAM configs.
type IdentityLookup interface {
	FindIntegrationIdentity(ctx context.Context, id string) (model.IntegrationIdentity, error)
}

// LookupFunc adapts a plain finder, such as store.IdentityStore.Find, to IdentityLookup.
type LookupFunc func(ctx context.Context, id string) (model.IntegrationIdentity, error)

func (f LookupFunc) FindIntegrationIdentity(ctx context.Context, id string) (model.IntegrationIdentity, error) {
	return f(ctx, id)
}

// Result is the admission verdict.
type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
	// Warnings are non-blocking observations (e.g. an overridden access pattern).
	Warnings []string `json:"warnings,omitempty"`
	// AccessPattern is the authoritative pattern derived from the item type.
	AccessPattern string `json:"accessPattern"`
}

// Err returns a ValidationError when the result is not valid.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return apperr.Validation(r.Errors...)
}

// Engine evaluates the admission policy.
type Engine struct {
	identities IdentityLookup
}

// NewEngine builds an engine. identities may be nil, in which case referenced
// identities are checked for presence only.
func NewEngine(identities IdentityLookup) *Engine {
	return &Engine{identities: identities}
}

// Validate evaluates item against the platform manifest.
func (e *Engine) Validate(ctx context.Context, item model.AccessItem, m manifest.PlatformManifest) Result {
	v := &violations{}
	res := Result{AccessPattern: item.ItemType.AccessPattern()}

	e.checkTypeAndRole(v, item, m)
	e.checkIdentityFields(v, item)
	if item.ItemType == manifest.ItemSharedAccountPAM {
		e.checkPAM(ctx, v, item, m)
	} else if item.PAMConfig != nil {
		v.add("pamConfig is only allowed for %s items", manifest.ItemSharedAccountPAM)
	}
	for _, key := range clientAssetKeys(item.AgencyConfig, "") {
		v.add("agencyConfig.%s looks like a client asset identifier; asset identifiers are collected from the client during onboarding", key)
	}

	if item.AccessPattern != "" && res.AccessPattern != "" && item.AccessPattern != res.AccessPattern {
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"accessPattern %q does not match item type %s; using %q", item.AccessPattern, item.ItemType, res.AccessPattern))
	}

	res.Errors = v.list
	if res.Errors == nil {
		res.Errors = []string{}
	}
	res.Valid = len(res.Errors) == 0
	return res
}

func (e *Engine) checkTypeAndRole(v *violations, item model.AccessItem, m manifest.PlatformManifest) {
	if !item.ItemType.Valid() {
		v.add("itemType %q is not a known access item type", item.ItemType)
		return
	}
	if !m.Supports(item.ItemType) {
		v.add("itemType %s is not supported by platform %s", item.ItemType, m.PlatformKey)
		return
	}
	if strings.TrimSpace(item.Role) == "" {
		v.add("role is required")
		return
	}
	if !m.RoleAllowed(item.ItemType, item.Role) {
		v.add("role %q does not match a role template of %s on %s", item.Role, item.ItemType, m.PlatformKey)
	}
}

func (e *Engine) checkIdentityFields(v *violations, item model.AccessItem) {
	switch item.IdentityPurpose {
	case "", model.PurposeHumanInteractive, model.PurposeIntegrationNonHuman:
	default:
		v.add("identityPurpose %q is not valid", item.IdentityPurpose)
	}
	switch item.HumanIdentityStrategy {
	case "", model.StrategyAgencyGroup, model.StrategyIndividualUsers, model.StrategyClientDedicated:
	default:
		v.add("humanIdentityStrategy %q is not valid", item.HumanIdentityStrategy)
	}
}

func (e *Engine) checkPAM(ctx context.Context, v *violations, item model.AccessItem, m manifest.PlatformManifest) {
	if !m.Security.SupportsCredentialLogin {
		v.add("%s is not allowed: platform %s does not support credential login", manifest.ItemSharedAccountPAM, m.PlatformKey)
		return
	}
	cfg := item.PAMConfig
	if cfg == nil {
		v.add("pamConfig is required for %s items", manifest.ItemSharedAccountPAM)
		return
	}

	switch cfg.Ownership {
	case model.OwnershipClientOwned:
		for _, field := range presentIdentityFields(cfg) {
			v.add("pamConfig.%s must not be set for CLIENT_OWNED PAM; it is collected from the client during onboarding", field)
		}
		return
	case model.OwnershipAgencyOwned:
		e.checkAgencyOwned(ctx, v, cfg)
		checkRecommendation(v, cfg, m)
	case "":
		v.add("pamConfig.ownership is required (CLIENT_OWNED or AGENCY_OWNED)")
	default:
		v.add("pamConfig.ownership %q is not valid (CLIENT_OWNED or AGENCY_OWNED)", cfg.Ownership)
	}
}

func (e *Engine) checkAgencyOwned(ctx context.Context, v *violations, cfg *model.PAMConfig) {
	switch cfg.IdentityPurpose {
	case "":
		v.add("pamConfig.identityPurpose is required for AGENCY_OWNED PAM")
	case model.PurposeIntegrationNonHuman:
		if cfg.IntegrationIdentityID == "" {
			v.add("pamConfig.integrationIdentityId is required for INTEGRATION_NON_HUMAN PAM")
		} else {
			e.checkIdentityRef(ctx, v, "integrationIdentityId", cfg.IntegrationIdentityID)
		}
		if cfg.NamingTemplate != "" {
			v.add("pamConfig.namingTemplate is not allowed for INTEGRATION_NON_HUMAN PAM")
		}
		forbidCheckoutPolicy(v, cfg, "INTEGRATION_NON_HUMAN PAM")
	case model.PurposeHumanInteractive:
		e.checkHumanStrategy(ctx, v, cfg)
	default:
		v.add("pamConfig.identityPurpose %q is not valid", cfg.IdentityPurpose)
	}
}

func (e *Engine) checkHumanStrategy(ctx context.Context, v *violations, cfg *model.PAMConfig) {
	switch cfg.IdentityStrategy {
	case "":
		v.add("pamConfig.identityStrategy is required for HUMAN_INTERACTIVE agency-owned PAM")
	case model.PAMStrategyStaticAgency:
		if cfg.AgencyIdentityID == "" {
			v.add("pamConfig.agencyIdentityId is required for STATIC_AGENCY_IDENTITY")
		} else {
			e.checkIdentityRef(ctx, v, "agencyIdentityId", cfg.AgencyIdentityID)
		}
		if cfg.NamingTemplate != "" {
			v.add("pamConfig.namingTemplate is not allowed for STATIC_AGENCY_IDENTITY")
		}
		if cfg.IdentityType != "" {
			v.add("pamConfig.identityType is not allowed for STATIC_AGENCY_IDENTITY")
		}
		forbidCheckoutPolicy(v, cfg, "STATIC_AGENCY_IDENTITY")
	case model.PAMStrategyClientDedicated:
		switch cfg.IdentityType {
		case model.PAMIdentityMailbox:
			if d := cfg.CheckoutDurationMinutes; d != nil && (*d < model.MinCheckoutMinutes || *d > model.MaxCheckoutMinutes) {
				v.add("pamConfig.checkoutDurationMinutes must be between %d and %d", model.MinCheckoutMinutes, model.MaxCheckoutMinutes)
			}
		case model.PAMIdentityGroup:
			forbidCheckoutPolicy(v, cfg, "GROUP identities")
		case "":
			v.add("pamConfig.identityType is required for CLIENT_DEDICATED_IDENTITY (MAILBOX or GROUP)")
		default:
			v.add("pamConfig.identityType %q is not valid (MAILBOX or GROUP)", cfg.IdentityType)
		}
		if strings.TrimSpace(cfg.NamingTemplate) == "" {
			v.add("pamConfig.namingTemplate is required for CLIENT_DEDICATED_IDENTITY")
		}
	default:
		v.add("pamConfig.identityStrategy %q is not valid", cfg.IdentityStrategy)
	}
}

func (e *Engine) checkIdentityRef(ctx context.Context, v *violations, field, id string) {
	if e.identities == nil {
		return
	}
	ident, err := e.identities.FindIntegrationIdentity(ctx, id)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		v.add("pamConfig.%s references unknown identity %s", field, id)
	case err != nil:
		v.add("pamConfig.%s could not be resolved: %v", field, err)
	case !ident.IsActive:
		v.add("pamConfig.%s references inactive identity %s", field, id)
	}
}

func checkRecommendation(v *violations, cfg *model.PAMConfig, m manifest.PlatformManifest) {
	switch m.Security.PAMRecommendation {
	case manifest.PAMNotRecommended, manifest.PAMBreakGlassOnly:
		if !cfg.PAMConfirmation {
			v.add("pamConfig.pamConfirmation is required: shared credentials are %s on %s", m.Security.PAMRecommendation, m.PlatformKey)
		}
	}
	if m.Security.PAMRecommendation == manifest.PAMBreakGlassOnly {
		if len(strings.TrimSpace(cfg.BreakGlassJustification)) < MinJustificationLength {
			v.add("pamConfig.breakGlassJustification must be at least %d characters", MinJustificationLength)
		}
		if strings.TrimSpace(cfg.BreakGlassReasonCode) == "" {
			v.add("pamConfig.breakGlassReasonCode is required for break-glass-only platforms")
		}
	}
}

func forbidCheckoutPolicy(v *violations, cfg *model.PAMConfig, scope string) {
	if cfg.CheckoutDurationMinutes != nil {
		v.add("pamConfig.checkoutDurationMinutes is not allowed for %s", scope)
	}
	if cfg.ApprovalRequired != nil {
		v.add("pamConfig.approvalRequired is not allowed for %s", scope)
	}
}

// presentIdentityFields lists identity-generation fields set on cfg.
func presentIdentityFields(cfg *model.PAMConfig) []string {
	var out []string
	if cfg.IdentityPurpose != "" {
		out = append(out, "identityPurpose")
	}
	if cfg.IdentityStrategy != "" {
		out = append(out, "identityStrategy")
	}
	if cfg.IdentityType != "" {
		out = append(out, "identityType")
	}
	if cfg.NamingTemplate != "" {
		out = append(out, "namingTemplate")
	}
	if cfg.CheckoutDurationMinutes != nil {
		out = append(out, "checkoutDurationMinutes")
	}
	if cfg.ApprovalRequired != nil {
		out = append(out, "approvalRequired")
	}
	if cfg.AgencyIdentityID != "" {
		out = append(out, "agencyIdentityId")
	}
	if cfg.IntegrationIdentityID != "" {
		out = append(out, "integrationIdentityId")
	}
	return out
}

// clientAssetKeys walks cfg and returns dotted paths of keys naming a client asset id.
func clientAssetKeys(cfg map[string]any, prefix string) []string {
	var out []string
	keys := make([]string, 0, len(cfg))
	for k := range cfg {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if strings.Contains(strings.ToLower(k), clientAssetMarker) {
			out = append(out, path)
		}
		out = append(out, nestedAssetKeys(cfg[k], path)...)
	}
	return out
}

func nestedAssetKeys(v any, path string) []string {
	switch val := v.(type) {
	case map[string]any:
		return clientAssetKeys(val, path)
	case []any:
		var out []string
		for i, el := range val {
			out = append(out, nestedAssetKeys(el, fmt.Sprintf("%s[%d]", path, i))...)
		}
		return out
	}
	return nil
}

type violations struct {
	list []string
}

func (v *violations) add(format string, args ...any) {
	v.list = append(v.list, fmt.Sprintf(format, args...))
}
