package oauth

import (
	"bytes"
	"context"
	"errors"
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
	"accessdesk.org/internal/vault"
)

type fakeOAuth struct {
	plugin.Base
	exchanged  []string
	refreshes  int
	discovered *oauth2.Token
}

func (f *fakeOAuth) BuildClientInstructions(plugin.InstructionContext) []model.InstructionStep {
	return nil
}

func (f *fakeOAuth) StartOAuth(_ context.Context, state, redirectURL string) (string, error) {
	return "https://provider.test/auth?state=" + state + "&redirect_uri=" + redirectURL, nil
}

func (f *fakeOAuth) HandleOAuthCallback(_ context.Context, code, _ string) (*oauth2.Token, error) {
	f.exchanged = append(f.exchanged, code)
	tok := &oauth2.Token{AccessToken: "access-1", RefreshToken: "refresh-1", TokenType: "Bearer", Expiry: time.Now().Add(time.Hour)}
	return tok.WithExtra(map[string]any{"scope": "ads_read business_management"}), nil
}

func (f *fakeOAuth) RefreshToken(_ context.Context, tok *oauth2.Token) (*oauth2.Token, error) {
	f.refreshes++
	if tok.RefreshToken != "refresh-1" {
		return nil, errors.New("unexpected refresh token")
	}
	return &oauth2.Token{AccessToken: "access-2", RefreshToken: tok.RefreshToken, Expiry: time.Now().Add(time.Hour)}, nil
}

func (f *fakeOAuth) DiscoverTargets(_ context.Context, tok *oauth2.Token) ([]plugin.Target, error) {
	f.discovered = tok
	return []plugin.Target{{ID: "act_1", Name: "Acme", Type: "ad_account"}}, nil
}

type manualOnly struct{ plugin.Base }

func (manualOnly) BuildClientInstructions(plugin.InstructionContext) []model.InstructionStep {
	return nil
}

type fixture struct {
	svc    *Service
	fake   *fakeOAuth
	store  *memory.Store
	sealer *vault.Envelope
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	reg := plugin.NewRegistry()
	fake := &fakeOAuth{Base: plugin.Base{Spec: manifest.PlatformManifest{
		PlatformKey: "fake",
		Automation:  manifest.AutomationCapabilities{OAuthSupported: true, TargetTypes: []string{"property"}},
	}}}
	require.NoError(t, reg.Register(fake))
	require.NoError(t, reg.Register(&manualOnly{Base: plugin.Base{Spec: manifest.PlatformManifest{PlatformKey: "manual"}}}))

	sealer, err := vault.NewEnvelope("test", bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	states, err := NewStateSigner([]byte("state-secret"), time.Minute)
	require.NoError(t, err)
	st := memory.New()
	svc := NewService(Config{
		Registry:      reg,
		Connections:   st.Connections(),
		Sealer:        sealer,
		States:        states,
		Audit:         audit.NewEmitter(audit.StoreSink{Store: st.Audit()}),
		PublicBaseURL: "https://app.test",
		CallTimeout:   time.Second,
	})
	return fixture{svc: svc, fake: fake, store: st, sealer: sealer}
}

func TestStartCallbackRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Start(ctx, "fake", "alice")
	require.NoError(t, err)
	assert.Contains(t, res.AuthURL, "redirect_uri=https://app.test/oauth/fake/callback")

	conn, err := f.svc.Callback(ctx, "fake", "code-1", res.State)
	require.NoError(t, err)
	assert.Equal(t, []string{"code-1"}, f.fake.exchanged)
	assert.Equal(t, "alice", conn.ConnectedBy)
	assert.Equal(t, []string{"ads_read", "business_management"}, conn.Scopes)
	assert.NotContains(t, conn.AccessTokenRef, "access-1", "tokens are stored sealed")

	plain, err := f.sealer.Open(conn.AccessTokenRef)
	require.NoError(t, err)
	assert.Equal(t, "access-1", string(plain))

	entries, err := f.store.Audit().List(ctx, store.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.EventOAuthConnected, entries[0].Event)
	assert.Equal(t, "alice", entries[0].Actor)
}

func TestCallbackRejectsForeignOrMissingState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Callback(ctx, "fake", "code", "garbage")
	var ve *apperr.ValidationError
	require.True(t, errors.As(err, &ve))

	other, err := f.svc.states.Sign("another", "alice")
	require.NoError(t, err)
	_, err = f.svc.Callback(ctx, "fake", "code", other)
	require.True(t, errors.As(err, &ve))
	assert.Empty(t, f.fake.exchanged)
}

func TestStateExpires(t *testing.T) {
	s, err := NewStateSigner([]byte("k"), time.Minute)
	require.NoError(t, err)
	base := time.Now()
	s.now = func() time.Time { return base }
	tok, err := s.Sign("fake", "bob")
	require.NoError(t, err)

	claims, err := s.Parse(tok, "fake")
	require.NoError(t, err)
	assert.Equal(t, "bob", claims.Subject)

	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, err = s.Parse(tok, "fake")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestUnknownAndUnsupportedPlatforms(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Start(ctx, "nope", "alice")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.svc.Start(ctx, "manual", "alice")
	assert.ErrorIs(t, err, apperr.ErrUnsupported)

	res, err := f.svc.DiscoverTargets(ctx, "manual")
	require.NoError(t, err)
	assert.False(t, res.Supported)
	assert.NotNil(t, res.Targets)
	assert.Empty(t, res.Targets)
}

func TestDiscoverRequiresConnection(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.DiscoverTargets(context.Background(), "fake")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRefreshAndAutomaticRefresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Start(ctx, "fake", "alice")
	require.NoError(t, err)
	_, err = f.svc.Callback(ctx, "fake", "code", res.State)
	require.NoError(t, err)

	conn, err := f.svc.Refresh(ctx, "fake")
	require.NoError(t, err)
	assert.Equal(t, 1, f.fake.refreshes)
	assert.Equal(t, "alice", conn.ConnectedBy)

	// Expire the stored token so discovery has to refresh first.
	stored, err := f.store.Connections().Find(ctx, "fake")
	require.NoError(t, err)
	stored.Expiry = time.Now().Add(-time.Minute)
	require.NoError(t, f.store.Connections().Upsert(ctx, stored))

	out, err := f.svc.DiscoverTargets(ctx, "fake")
	require.NoError(t, err)
	assert.True(t, out.Supported)
	assert.Len(t, out.Targets, 1)
	assert.Equal(t, 2, f.fake.refreshes)
	assert.Equal(t, "access-2", f.fake.discovered.AccessToken)
}
