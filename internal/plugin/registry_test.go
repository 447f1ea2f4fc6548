package plugin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"accessdesk.org/internal/manifest"
	"accessdesk.org/internal/model"
)

type stubPlugin struct {
	Base
}

func (s *stubPlugin) BuildClientInstructions(ic InstructionContext) []model.InstructionStep {
	var steps Steps
	steps.Add("Invite %s as %s", ic.ResolvedIdentity, ic.Role).
		Link("Settings", "https://example.com/settings", "Open settings")
	return steps.List()
}

type discoveringPlugin struct {
	stubPlugin
}

func (d *discoveringPlugin) DiscoverTargets(context.Context, *oauth2.Token) ([]Target, error) {
	return []Target{{ID: "1", Name: "One", Type: "account"}}, nil
}

type provisioningPlugin struct {
	stubPlugin
}

func (p *provisioningPlugin) GrantAccess(context.Context, *oauth2.Token, Grant) error { return nil }

func (p *provisioningPlugin) VerifyAccess(context.Context, *oauth2.Token, Grant) (VerifyResult, error) {
	return VerifyResult{Granted: true}, nil
}

func (p *provisioningPlugin) RevokeAccess(context.Context, *oauth2.Token, Grant) error { return nil }

func newStub(key string, discovery bool) Plugin {
	base := Base{
		Spec: manifest.PlatformManifest{
			PlatformKey: key,
			DisplayName: key,
			SupportedAccessItemTypes: []manifest.ItemTypeSpec{
				{Type: manifest.ItemNamedInvite, RoleTemplates: []manifest.RoleTemplate{{Key: "admin"}, {Key: "viewer"}}},
				{Type: manifest.ItemGroupAccess, RoleTemplates: []manifest.RoleTemplate{{Key: "viewer"}}},
			},
		},
		AgencySchemas: map[manifest.ItemType]*Schema{
			manifest.ItemNamedInvite: NewSchema(Field{Name: "agencyEmail", Type: FieldEmail, Required: true}),
		},
		Modes: map[manifest.ItemType]VerificationMode{manifest.ItemGroupAccess: ModeEvidenceRequired},
	}
	if discovery {
		base.Spec.Automation.TargetTypes = []string{"account"}
		return &discoveringPlugin{stubPlugin{base}}
	}
	return &stubPlugin{base}
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newStub("beta", false)))
	require.NoError(t, r.Register(newStub("alpha", true)))
	require.Error(t, r.Register(newStub("alpha", false)))

	assert.Equal(t, []string{"alpha", "beta"}, r.Keys())
	assert.Len(t, r.Manifests(), 2)

	steps := r.BuildClientInstructions("alpha", InstructionContext{ResolvedIdentity: "ops@agency.com", Role: "admin"})
	require.Len(t, steps, 2)
	assert.Equal(t, 1, steps[0].Number)
	assert.Equal(t, "Invite ops@agency.com as admin", steps[0].Text)
	assert.Equal(t, 2, steps[1].Number)
	require.NotNil(t, steps[1].Link)

	assert.Equal(t, ModeEvidenceRequired, r.VerificationMode("alpha", manifest.ItemGroupAccess))
	assert.Equal(t, ModeAttestationOnly, r.VerificationMode("alpha", manifest.ItemNamedInvite))
	assert.Len(t, r.Roles("alpha"), 2)
	assert.Len(t, r.AccessTypes("alpha"), 2)
}

func TestRegistryUnknownKeyDegrades(t *testing.T) {
	r := NewRegistry()

	assert.Nil(t, r.AgencyConfigSchema("nope", manifest.ItemNamedInvite))
	assert.Nil(t, r.ClientTargetSchema("nope", manifest.ItemNamedInvite))
	assert.Empty(t, r.BuildClientInstructions("nope", InstructionContext{}))
	assert.NotNil(t, r.BuildClientInstructions("nope", InstructionContext{}))
	assert.Empty(t, r.Roles("nope"))
	assert.Empty(t, r.AccessTypes("nope"))
	assert.Equal(t, ModeAttestationOnly, r.VerificationMode("nope", manifest.ItemNamedInvite))

	res := r.ValidateAgencyConfig("nope", manifest.ItemNamedInvite, nil)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Errors[0], "unknown platform")

	_, ok := r.OAuth("nope")
	assert.False(t, ok)
	_, ok = r.Discoverer("nope")
	assert.False(t, ok)
	_, ok = r.Provisioner("nope")
	assert.False(t, ok)
	_, ok = r.DescribeOne("nope")
	assert.False(t, ok)
}

func TestRegistryCapabilityGating(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newStub("with", true)))
	require.NoError(t, r.Register(newStub("without", false)))

	d, ok := r.Discoverer("with")
	require.True(t, ok)
	targets, err := d.DiscoverTargets(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, targets, 1)

	_, ok = r.Discoverer("without")
	assert.False(t, ok)

	infos := r.Describe()
	require.Len(t, infos, 2)
	assert.True(t, infos[0].Discovery)
	assert.False(t, infos[1].Discovery)
}

func TestRegistryProvisioningNeedsAPIVerification(t *testing.T) {
	undeclared := &provisioningPlugin{stubPlugin{Base{Spec: manifest.PlatformManifest{PlatformKey: "undeclared"}}}}
	declared := &provisioningPlugin{stubPlugin{Base{Spec: manifest.PlatformManifest{
		PlatformKey: "declared",
		Automation:  manifest.AutomationCapabilities{APIVerificationSupported: true},
	}}}}
	r := NewRegistry()
	require.NoError(t, r.Register(undeclared))
	require.NoError(t, r.Register(declared))

	_, ok := r.Provisioner("undeclared")
	assert.False(t, ok, "implementing the methods is not enough without the manifest flag")
	pv, ok := r.Provisioner("declared")
	require.True(t, ok)
	res, err := pv.VerifyAccess(context.Background(), nil, Grant{})
	require.NoError(t, err)
	assert.True(t, res.Granted)

	info, ok := r.DescribeOne("undeclared")
	require.True(t, ok)
	assert.False(t, info.Provisioning)
}

func TestRegistryDiscoveryNeedsImplementation(t *testing.T) {
	p := &stubPlugin{Base{Spec: manifest.PlatformManifest{
		PlatformKey: "declared-only",
		Automation:  manifest.AutomationCapabilities{TargetTypes: []string{"account"}},
	}}}
	r := NewRegistry()
	require.NoError(t, r.Register(p))

	_, ok := r.Discoverer("declared-only")
	assert.False(t, ok)
}

func TestBaseValidate(t *testing.T) {
	p := newStub("alpha", false)

	res := p.ValidateAgencyConfig(manifest.ItemNamedInvite, map[string]any{"agencyEmail": "ops@agency.com"})
	assert.True(t, res.Valid, res.Errors)

	res = p.ValidateAgencyConfig(manifest.ItemNamedInvite, map[string]any{})
	assert.Equal(t, []string{"agencyEmail is required"}, res.Errors)

	res = p.ValidateAgencyConfig(manifest.ItemProxyToken, nil)
	assert.False(t, res.Valid)

	res = p.ValidateClientTarget(manifest.ItemGroupAccess, nil)
	assert.True(t, res.Valid)
	res = p.ValidateClientTarget(manifest.ItemGroupAccess, map[string]any{"x": "y"})
	assert.Equal(t, []string{"x is not a recognized field"}, res.Errors)
}
