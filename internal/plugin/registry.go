package plugin

import (
	"fmt"
	"sort"
	"sync"

	"accessdesk.org/internal/manifest"
	"accessdesk.org/internal/model"
)

// Registry maps platform keys to adapters. It is populated at startup and
// read concurrently afterwards. Lookups on unknown keys return neutral values.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

// Register adds p under its manifest platform key.
func (r *Registry) Register(p Plugin) error {
	key := p.Manifest().PlatformKey
	if key == "" {
		return fmt.Errorf("plugin manifest has empty platform key")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[key]; exists {
		return fmt.Errorf("plugin already registered: %s", key)
	}
	r.plugins[key] = p
	return nil
}

// Get returns the adapter registered for key.
func (r *Registry) Get(key string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[key]
	return p, ok
}

// Keys returns registered platform keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.plugins))
	for k := range r.plugins {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Manifests returns every manifest ordered by platform key.
func (r *Registry) Manifests() []manifest.PlatformManifest {
	keys := r.Keys()
	out := make([]manifest.PlatformManifest, 0, len(keys))
	for _, k := range keys {
		if p, ok := r.Get(k); ok {
			out = append(out, p.Manifest())
		}
	}
	return out
}

// Manifest returns the manifest for key.
func (r *Registry) Manifest(key string) (manifest.PlatformManifest, bool) {
	p, ok := r.Get(key)
	if !ok {
		return manifest.PlatformManifest{}, false
	}
	return p.Manifest(), true
}

// AgencyConfigSchema returns nil for unknown platforms or item types.
func (r *Registry) AgencyConfigSchema(key string, t manifest.ItemType) *Schema {
	if p, ok := r.Get(key); ok {
		return p.AgencyConfigSchema(t)
	}
	return nil
}

// ClientTargetSchema returns nil for unknown platforms or item types.
func (r *Registry) ClientTargetSchema(key string, t manifest.ItemType) *Schema {
	if p, ok := r.Get(key); ok {
		return p.ClientTargetSchema(t)
	}
	return nil
}

// ValidateAgencyConfig validates cfg with the platform's adapter.
func (r *Registry) ValidateAgencyConfig(key string, t manifest.ItemType, cfg map[string]any) ValidationResult {
	p, ok := r.Get(key)
	if !ok {
		return unknownPlatform(key)
	}
	return p.ValidateAgencyConfig(t, cfg)
}

// ValidateClientTarget validates a client supplied target with the platform's adapter.
func (r *Registry) ValidateClientTarget(key string, t manifest.ItemType, target map[string]any) ValidationResult {
	p, ok := r.Get(key)
	if !ok {
		return unknownPlatform(key)
	}
	return p.ValidateClientTarget(t, target)
}

// BuildClientInstructions returns no steps for unknown platforms.
func (r *Registry) BuildClientInstructions(key string, ic InstructionContext) []model.InstructionStep {
	if p, ok := r.Get(key); ok {
		return p.BuildClientInstructions(ic)
	}
	return []model.InstructionStep{}
}

// VerificationMode falls back to attestation for unknown platforms.
func (r *Registry) VerificationMode(key string, t manifest.ItemType) VerificationMode {
	if p, ok := r.Get(key); ok {
		return p.VerificationMode(t)
	}
	return ModeAttestationOnly
}

// Roles returns the platform's role templates.
func (r *Registry) Roles(key string) []manifest.RoleTemplate {
	if m, ok := r.Manifest(key); ok {
		if roles := m.Roles(); roles != nil {
			return roles
		}
	}
	return []manifest.RoleTemplate{}
}

// AccessTypes returns the platform's supported item type declarations.
func (r *Registry) AccessTypes(key string) []manifest.ItemTypeSpec {
	if m, ok := r.Manifest(key); ok && m.SupportedAccessItemTypes != nil {
		return m.SupportedAccessItemTypes
	}
	return []manifest.ItemTypeSpec{}
}

// OAuth returns the adapter's OAuth capability when declared.
func (r *Registry) OAuth(key string) (OAuthCapable, bool) {
	p, ok := r.Get(key)
	if !ok || !p.Manifest().Automation.OAuthSupported {
		return nil, false
	}
	oc, ok := p.(OAuthCapable)
	return oc, ok
}

// Discoverer returns the adapter's discovery capability when the manifest
// declares target types.
func (r *Registry) Discoverer(key string) (TargetDiscoverer, bool) {
	p, ok := r.Get(key)
	if !ok || !p.Manifest().Automation.Discovery() {
		return nil, false
	}
	d, ok := p.(TargetDiscoverer)
	return d, ok
}

// Provisioner returns the adapter's grant/verify/revoke capability when the
// manifest declares API verification.
func (r *Registry) Provisioner(key string) (Provisioner, bool) {
	p, ok := r.Get(key)
	if !ok || !p.Manifest().Automation.Provisioning() {
		return nil, false
	}
	pv, ok := p.(Provisioner)
	return pv, ok
}

// Info summarizes a registered adapter for introspection.
type Info struct {
	Manifest      manifest.PlatformManifest `json:"manifest"`
	OAuth         bool                      `json:"oauth"`
	Discovery     bool                      `json:"discovery"`
	Provisioning  bool                      `json:"provisioning"`
	CredentialPAM bool                      `json:"credentialPam"`
}

// Describe returns capability info for every registered adapter.
func (r *Registry) Describe() []Info {
	var out []Info
	for _, key := range r.Keys() {
		if info, ok := r.DescribeOne(key); ok {
			out = append(out, info)
		}
	}
	return out
}

// DescribeOne returns capability info for key.
func (r *Registry) DescribeOne(key string) (Info, bool) {
	m, ok := r.Manifest(key)
	if !ok {
		return Info{}, false
	}
	_, oauth := r.OAuth(key)
	_, discovery := r.Discoverer(key)
	_, provisioning := r.Provisioner(key)
	return Info{
		Manifest:      m,
		OAuth:         oauth,
		Discovery:     discovery,
		Provisioning:  provisioning,
		CredentialPAM: m.Security.SupportsCredentialLogin && m.Supports(manifest.ItemSharedAccountPAM),
	}, true
}

func unknownPlatform(key string) ValidationResult {
	return ValidationResult{Valid: false, Errors: []string{fmt.Sprintf("unknown platform %q", key)}}
}
