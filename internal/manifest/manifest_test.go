package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func sample() PlatformManifest {
	return PlatformManifest{
		PlatformKey: "demo",
		DisplayName: "Demo",
		SupportedAccessItemTypes: []ItemTypeSpec{
			{Type: ItemNamedInvite, RoleTemplates: []RoleTemplate{{Key: "admin"}, {Key: "viewer"}}},
			{Type: ItemProxyToken, RoleTemplates: []RoleTemplate{{Key: CustomRole}, {Key: "viewer"}}},
		},
	}
}

func TestRoleAllowed(t *testing.T) {
	m := sample()
	assert.True(t, m.RoleAllowed(ItemNamedInvite, "admin"))
	assert.True(t, m.RoleAllowed(ItemNamedInvite, "Viewer"))
	assert.False(t, m.RoleAllowed(ItemNamedInvite, "owner"))
	assert.True(t, m.RoleAllowed(ItemProxyToken, "anything-goes"))
	assert.False(t, m.RoleAllowed(ItemProxyToken, "  "))
	assert.False(t, m.RoleAllowed(ItemGroupAccess, "admin"))
}

func TestRolesDeduplicated(t *testing.T) {
	roles := sample().Roles()
	keys := make([]string, 0, len(roles))
	for _, r := range roles {
		keys = append(keys, r.Key)
	}
	assert.Equal(t, []string{"admin", "viewer", CustomRole}, keys)
}

func TestAccessPatternMapping(t *testing.T) {
	assert.Equal(t, "pam", ItemSharedAccountPAM.AccessPattern())
	assert.Equal(t, "named_user", ItemNamedInvite.AccessPattern())
	assert.Empty(t, ItemType("BOGUS").AccessPattern())
	assert.False(t, ItemType("BOGUS").Valid())
	assert.Equal(t, []ItemType{ItemNamedInvite, ItemProxyToken}, sample().SupportedTypes())
}
