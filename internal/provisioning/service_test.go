package provisioning

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"accessdesk.org/internal/apperr"
	"accessdesk.org/internal/audit"
	"accessdesk.org/internal/manifest"
	"accessdesk.org/internal/model"
	"accessdesk.org/internal/plugin"
	"accessdesk.org/internal/store"
	"accessdesk.org/internal/store/memory"
)

type fakeProvisioner struct {
	plugin.Base
	granted map[string]bool
	grants  []plugin.Grant
	sawTok  string
}

func (f *fakeProvisioner) BuildClientInstructions(plugin.InstructionContext) []model.InstructionStep {
	return nil
}

func (f *fakeProvisioner) GrantAccess(ctx context.Context, tok *oauth2.Token, g plugin.Grant) error {
	if _, ok := ctx.Deadline(); !ok {
		panic("provider calls must carry a deadline")
	}
	f.sawTok = tok.AccessToken
	f.grants = append(f.grants, g)
	if f.granted[g.Identity] {
		return &apperr.ExternalProviderError{PlatformKey: "fake", Operation: "grant_access", Kind: apperr.ProviderConflict, StatusCode: 409}
	}
	f.granted[g.Identity] = true
	return nil
}

func (f *fakeProvisioner) VerifyAccess(_ context.Context, _ *oauth2.Token, g plugin.Grant) (plugin.VerifyResult, error) {
	return plugin.VerifyResult{Granted: f.granted[g.Identity]}, nil
}

func (f *fakeProvisioner) RevokeAccess(_ context.Context, _ *oauth2.Token, g plugin.Grant) error {
	delete(f.granted, g.Identity)
	return nil
}

type staticTokens struct{}

func (staticTokens) TokenFor(context.Context, string) (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "tok"}, nil
}

type fixture struct {
	svc   *Service
	fake  *fakeProvisioner
	st    *memory.Store
	req   model.AccessRequest
	other string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	reg := plugin.NewRegistry()
	fake := &fakeProvisioner{
		Base: plugin.Base{Spec: manifest.PlatformManifest{
			PlatformKey: "fake",
			Automation:  manifest.AutomationCapabilities{APIVerificationSupported: true},
		}},
		granted: map[string]bool{},
	}
	require.NoError(t, reg.Register(fake))
	require.NoError(t, reg.Register(&fakeProvisioner{Base: plugin.Base{Spec: manifest.PlatformManifest{PlatformKey: "undeclared"}}}))

	st := memory.New()
	ctx := context.Background()
	client := &model.Client{Name: "Acme"}
	require.NoError(t, st.Clients().Create(ctx, client))
	req := &model.AccessRequest{
		ClientID: client.ID,
		Token:    "tok-1",
		Items: []model.AccessRequestItem{
			{PlatformKey: "fake", ItemType: manifest.ItemNamedInvite, Role: "viewer", ResolvedIdentity: "ops@agency.test", ClientProvidedTarget: map[string]any{"propertyId": "11"}, Status: model.ItemPending},
			{PlatformKey: "undeclared", ItemType: manifest.ItemNamedInvite, Role: "viewer", ResolvedIdentity: "ops@agency.test", Status: model.ItemPending},
		},
	}
	require.NoError(t, st.Requests().Create(ctx, req))

	svc := NewService(reg, staticTokens{}, st.Requests(), audit.NewEmitter(audit.StoreSink{Store: st.Audit()}), time.Second)
	return fixture{svc: svc, fake: fake, st: st, req: *req, other: req.Items[1].ID}
}

func TestGrantTreatsConflictAsGranted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	itemID := f.req.Items[0].ID

	out, err := f.svc.Grant(ctx, f.req.ID, itemID)
	require.NoError(t, err)
	assert.Equal(t, GrantOutcome{Granted: true}, out)
	assert.Equal(t, "tok", f.fake.sawTok)
	assert.Equal(t, "11", f.fake.grants[0].Target["propertyId"])

	out, err = f.svc.Grant(ctx, f.req.ID, itemID)
	require.NoError(t, err)
	assert.Equal(t, GrantOutcome{Granted: true, AlreadyGranted: true}, out)

	res, err := f.svc.Verify(ctx, f.req.ID, itemID)
	require.NoError(t, err)
	assert.True(t, res.Granted)

	require.NoError(t, f.svc.Revoke(ctx, f.req.ID, itemID))
	res, err = f.svc.Verify(ctx, f.req.ID, itemID)
	require.NoError(t, err)
	assert.False(t, res.Granted)

	entries, err := f.st.Audit().List(ctx, store.AuditFilter{RequestID: f.req.ID})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, audit.EventAccessRevoked, entries[0].Event)
	assert.Equal(t, audit.EventAccessGranted, entries[2].Event)
}

func TestCapabilityIsGatedByManifest(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Grant(context.Background(), f.req.ID, f.other)
	assert.ErrorIs(t, err, apperr.ErrUnsupported)
}

func TestUnknownItem(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Verify(context.Background(), f.req.ID, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
