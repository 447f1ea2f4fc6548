// Package plugin defines the contract every platform adapter implements and
// the registry that dispatches to adapters by platform key.
//
// The required surface covers schemas, validation, client instructions and
// verification mode. OAuth, target discovery and provisioning are optional
// capability interfaces; the registry only hands them out when the adapter's
// manifest declares the matching automation flag.
package plugin

import (
	"context"

	"golang.org/x/oauth2"

	"accessdesk.org/internal/manifest"
	"accessdesk.org/internal/model"
)

// VerificationMode says how a validated item is confirmed.
type VerificationMode string

const (
	ModeAttestationOnly  VerificationMode = "ATTESTATION_ONLY"
	ModeEvidenceRequired VerificationMode = "EVIDENCE_REQUIRED"
	ModeAuto             VerificationMode = "AUTO"
)

// ValidationResult is the outcome of a schema check.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// InstructionContext carries everything an adapter may render into client
// instructions. BuildClientInstructions must be a pure function of it.
type InstructionContext struct {
	ItemType             manifest.ItemType `json:"itemType"`
	Role                 string            `json:"role"`
	ResolvedIdentity     string            `json:"resolvedIdentity"`
	ClientName           string            `json:"clientName,omitempty"`
	AgencyConfig         map[string]any    `json:"agencyConfig,omitempty"`
	ClientProvidedTarget map[string]any    `json:"clientProvidedTarget,omitempty"`
}

// Plugin is the required adapter surface.
type Plugin interface {
	Manifest() manifest.PlatformManifest
	AgencyConfigSchema(t manifest.ItemType) *Schema
	ClientTargetSchema(t manifest.ItemType) *Schema
	ValidateAgencyConfig(t manifest.ItemType, cfg map[string]any) ValidationResult
	ValidateClientTarget(t manifest.ItemType, target map[string]any) ValidationResult
	BuildClientInstructions(ic InstructionContext) []model.InstructionStep
	VerificationMode(t manifest.ItemType) VerificationMode
}

// OAuthCapable adapters run delegated authorization against the platform.
type OAuthCapable interface {
	StartOAuth(ctx context.Context, state, redirectURL string) (string, error)
	HandleOAuthCallback(ctx context.Context, code, redirectURL string) (*oauth2.Token, error)
	RefreshToken(ctx context.Context, tok *oauth2.Token) (*oauth2.Token, error)
}

// Target is an asset the connected account can reach.
type Target struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	ParentID string `json:"parentId,omitempty"`
}

// TargetDiscoverer adapters list assets visible to a connected account.
type TargetDiscoverer interface {
	DiscoverTargets(ctx context.Context, tok *oauth2.Token) ([]Target, error)
}

// Grant describes one access change on the platform.
type Grant struct {
	ItemType manifest.ItemType `json:"itemType"`
	Role     string            `json:"role"`
	Identity string            `json:"identity"`
	Target   map[string]any    `json:"target,omitempty"`
}

// VerifyResult reports whether a grant is in place.
type VerifyResult struct {
	Granted bool           `json:"granted"`
	Details map[string]any `json:"details,omitempty"`
}

// Provisioner adapters change access through the platform API. Grants that
// already exist surface as conflict errors; callers treat those as granted.
type Provisioner interface {
	GrantAccess(ctx context.Context, tok *oauth2.Token, g Grant) error
	VerifyAccess(ctx context.Context, tok *oauth2.Token, g Grant) (VerifyResult, error)
	RevokeAccess(ctx context.Context, tok *oauth2.Token, g Grant) error
}
