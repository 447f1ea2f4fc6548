// Package manifest declares what each platform integration supports: access
// item types with their role templates, and security/automation capabilities.
// Manifests are built once at startup and never mutated.
package manifest

import "strings"

// ItemType is the kind of access an agency asks a client to grant.
type ItemType string

const (
	ItemNamedInvite       ItemType = "NAMED_INVITE"
	ItemPartnerDelegation ItemType = "PARTNER_DELEGATION"
	ItemGroupAccess       ItemType = "GROUP_ACCESS"
	ItemProxyToken        ItemType = "PROXY_TOKEN"
	ItemSharedAccountPAM  ItemType = "SHARED_ACCOUNT_PAM"
)

// AllItemTypes lists every item type in display order.
var AllItemTypes = []ItemType{
	ItemNamedInvite, ItemPartnerDelegation, ItemGroupAccess, ItemProxyToken, ItemSharedAccountPAM,
}

// Valid reports whether t is a known item type.
func (t ItemType) Valid() bool {
	for _, known := range AllItemTypes {
		if t == known {
			return true
		}
	}
	return false
}

// AccessPattern is the coarse access label shown to users. It is derived from
// the item type and never taken from callers.
func (t ItemType) AccessPattern() string {
	switch t {
	case ItemNamedInvite:
		return "named_user"
	case ItemPartnerDelegation:
		return "partner_delegation"
	case ItemGroupAccess:
		return "group"
	case ItemProxyToken:
		return "proxy_token"
	case ItemSharedAccountPAM:
		return "pam"
	default:
		return ""
	}
}

// PAMRecommendation states how appropriate shared-credential access is for a platform.
type PAMRecommendation string

const (
	PAMRecommended    PAMRecommendation = "recommended"
	PAMNotRecommended PAMRecommendation = "not_recommended"
	PAMBreakGlassOnly PAMRecommendation = "break_glass_only"
)

// CustomRole is the role template key that admits any role value.
const CustomRole = "custom"

// RoleTemplate is a role the platform understands.
type RoleTemplate struct {
	Key         string `json:"key"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// ItemTypeSpec declares one supported item type.
type ItemTypeSpec struct {
	Type          ItemType       `json:"type"`
	Label         string         `json:"label"`
	RoleTemplates []RoleTemplate `json:"roleTemplates"`
	// IdentityField is the agency config key holding the agency-side identity
	// (email, partner id...) that becomes the item's resolved identity.
	IdentityField string `json:"identityField,omitempty"`
}

// SecurityCapabilities describe what kinds of access a platform can support.
type SecurityCapabilities struct {
	SupportsDelegation      bool              `json:"supportsDelegation"`
	SupportsOAuth           bool              `json:"supportsOAuth"`
	SupportsCredentialLogin bool              `json:"supportsCredentialLogin"`
	PAMRecommendation       PAMRecommendation `json:"pamRecommendation"`
}

// AutomationCapabilities gate the optional plugin operations.
type AutomationCapabilities struct {
	OAuthSupported           bool     `json:"oauthSupported"`
	APIVerificationSupported bool     `json:"apiVerificationSupported"`
	TargetTypes              []string `json:"targetTypes"`
}

// Discovery reports whether target discovery may be invoked: the platform
// names at least one target type.
func (a AutomationCapabilities) Discovery() bool { return len(a.TargetTypes) > 0 }

// Provisioning reports whether grant, verify and revoke may be invoked.
func (a AutomationCapabilities) Provisioning() bool { return a.APIVerificationSupported }

// PlatformManifest is the static capability declaration of one platform.
type PlatformManifest struct {
	PlatformKey              string                 `json:"platformKey"`
	DisplayName              string                 `json:"displayName"`
	Category                 string                 `json:"category,omitempty"`
	DeveloperPortalURL       string                 `json:"developerPortalUrl,omitempty"`
	SupportedAccessItemTypes []ItemTypeSpec         `json:"supportedAccessItemTypes"`
	Security                 SecurityCapabilities   `json:"securityCapabilities"`
	Automation               AutomationCapabilities `json:"automationCapabilities"`
}

// ItemType returns the declaration for t, if supported.
func (m PlatformManifest) ItemType(t ItemType) (ItemTypeSpec, bool) {
	for _, spec := range m.SupportedAccessItemTypes {
		if spec.Type == t {
			return spec, true
		}
	}
	return ItemTypeSpec{}, false
}

// Supports reports whether t is in the supported set.
func (m PlatformManifest) Supports(t ItemType) bool {
	_, ok := m.ItemType(t)
	return ok
}

// SupportedTypes lists supported item types in declaration order.
func (m PlatformManifest) SupportedTypes() []ItemType {
	out := make([]ItemType, 0, len(m.SupportedAccessItemTypes))
	for _, spec := range m.SupportedAccessItemTypes {
		out = append(out, spec.Type)
	}
	return out
}

// RoleAllowed reports whether role matches a declared template for t. A
// "custom" template admits any non-empty value.
func (m PlatformManifest) RoleAllowed(t ItemType, role string) bool {
	spec, ok := m.ItemType(t)
	if !ok {
		return false
	}
	role = strings.TrimSpace(role)
	for _, tpl := range spec.RoleTemplates {
		if tpl.Key == CustomRole && role != "" {
			return true
		}
		if strings.EqualFold(tpl.Key, role) {
			return true
		}
	}
	return false
}

// Roles returns every role template across item types, de-duplicated by key.
func (m PlatformManifest) Roles() []RoleTemplate {
	seen := make(map[string]struct{})
	var out []RoleTemplate
	for _, spec := range m.SupportedAccessItemTypes {
		for _, tpl := range spec.RoleTemplates {
			if _, dup := seen[tpl.Key]; dup {
				continue
			}
			seen[tpl.Key] = struct{}{}
			out = append(out, tpl)
		}
	}
	return out
}
