package platforms

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"accessdesk.org/internal/apperr"
	"accessdesk.org/internal/manifest"
	"accessdesk.org/internal/plugin"
)

func newRegistry(t *testing.T, env map[string]string) *plugin.Registry {
	t.Helper()
	reg := plugin.NewRegistry()
	require.NoError(t, RegisterAll(reg, Options{Env: func(k string) string { return env[k] }}))
	return reg
}

func TestRegisterAll(t *testing.T) {
	reg := newRegistry(t, nil)
	assert.Equal(t, []string{"google-ads", "google-analytics", "linkedin", "mailchimp", "meta", "shopify", "tiktok"}, reg.Keys())

	err := RegisterAll(reg, Options{})
	assert.Error(t, err, "second registration must be rejected")
}

func TestCapabilitiesFollowManifest(t *testing.T) {
	reg := newRegistry(t, nil)
	for _, p := range All(Options{}) {
		m := p.Manifest()
		_, oauth := reg.OAuth(m.PlatformKey)
		_, disc := reg.Discoverer(m.PlatformKey)
		_, prov := reg.Provisioner(m.PlatformKey)
		assert.Equal(t, m.Automation.OAuthSupported, oauth, m.PlatformKey)
		assert.Equal(t, len(m.Automation.TargetTypes) > 0, disc, m.PlatformKey)
		assert.Equal(t, m.Automation.APIVerificationSupported, prov, m.PlatformKey)
		if m.Supports(manifest.ItemSharedAccountPAM) {
			assert.True(t, m.Security.SupportsCredentialLogin, m.PlatformKey)
		}
		for _, spec := range m.SupportedAccessItemTypes {
			assert.NotEmpty(t, spec.RoleTemplates, "%s %s", m.PlatformKey, spec.Type)
		}
	}
}

func TestInstructionsAreNumberedAndDeterministic(t *testing.T) {
	for _, p := range All(Options{}) {
		m := p.Manifest()
		for _, spec := range m.SupportedAccessItemTypes {
			ic := plugin.InstructionContext{
				ItemType:         spec.Type,
				Role:             spec.RoleTemplates[0].Key,
				ResolvedIdentity: "acme-analytics@agency.test",
				ClientName:       "Acme",
				AgencyConfig:     map[string]any{"notes": "Thanks!"},
			}
			first := p.BuildClientInstructions(ic)
			require.NotEmpty(t, first, "%s %s", m.PlatformKey, spec.Type)
			for i, step := range first {
				assert.Equal(t, i+1, step.Number)
				assert.NotEmpty(t, step.Text)
			}
			assert.Equal(t, first, p.BuildClientInstructions(ic))
			assert.Contains(t, first[len(first)-1].Text, "Thanks!")
		}
	}
}

func TestGoogleAnalyticsInstructionsMentionIdentityAndRole(t *testing.T) {
	ga := NewGoogleAnalytics(Options{})
	steps := ga.BuildClientInstructions(plugin.InstructionContext{
		ItemType:             manifest.ItemNamedInvite,
		Role:                 "analyst",
		ResolvedIdentity:     "acme-analytics@agency.test",
		ClientProvidedTarget: map[string]any{"propertyId": "123456"},
	})
	var text []string
	for _, s := range steps {
		text = append(text, s.Text)
	}
	joined := strings.Join(text, "\n")
	assert.Contains(t, joined, "acme-analytics@agency.test")
	assert.Contains(t, joined, "Analyst")
	assert.Contains(t, joined, "123456")
	require.NotNil(t, steps[0].Link)
}

func TestSchemaValidation(t *testing.T) {
	reg := newRegistry(t, nil)

	res := reg.ValidateAgencyConfig("google-analytics", manifest.ItemNamedInvite, map[string]any{"agencyEmail": "ops@agency.test"})
	assert.True(t, res.Valid, res.Errors)

	res = reg.ValidateAgencyConfig("google-analytics", manifest.ItemNamedInvite, map[string]any{"agencyEmail": "nope"})
	assert.False(t, res.Valid)
	assert.Contains(t, res.Errors, "agencyEmail must be an email address")

	res = reg.ValidateClientTarget("google-ads", manifest.ItemPartnerDelegation, map[string]any{"customerId": "123-456-7890"})
	assert.True(t, res.Valid, res.Errors)

	res = reg.ValidateClientTarget("shopify", manifest.ItemNamedInvite, map[string]any{"storeDomain": "Acme.com"})
	assert.False(t, res.Valid)

	res = reg.ValidateAgencyConfig("tiktok", manifest.ItemNamedInvite, map[string]any{})
	assert.False(t, res.Valid, "unsupported item type")

	res = reg.ValidateAgencyConfig("meta", manifest.ItemSharedAccountPAM, nil)
	assert.True(t, res.Valid, "PAM items carry no agency config")
}

func TestVerificationModes(t *testing.T) {
	reg := newRegistry(t, nil)
	assert.Equal(t, plugin.ModeAuto, reg.VerificationMode("google-analytics", manifest.ItemNamedInvite))
	assert.Equal(t, plugin.ModeEvidenceRequired, reg.VerificationMode("linkedin", manifest.ItemNamedInvite))
	assert.Equal(t, plugin.ModeEvidenceRequired, reg.VerificationMode("mailchimp", manifest.ItemProxyToken))
	assert.Equal(t, plugin.ModeAttestationOnly, reg.VerificationMode("mailchimp", manifest.ItemSharedAccountPAM))
	assert.Equal(t, plugin.ModeAttestationOnly, reg.VerificationMode("tiktok", manifest.ItemPartnerDelegation))
}

func TestStartOAuthRequiresCredentials(t *testing.T) {
	reg := newRegistry(t, nil)
	oc, ok := reg.OAuth("meta")
	require.True(t, ok)
	_, err := oc.StartOAuth(context.Background(), "state", "https://app.test/cb")
	var nc *apperr.ProviderNotConfiguredError
	require.True(t, errors.As(err, &nc))
	assert.Equal(t, []string{"META_CLIENT_ID", "META_CLIENT_SECRET"}, nc.RequiredEnvVars)
	assert.Equal(t, "https://developers.facebook.com/apps/", nc.DeveloperPortalURL)

	reg = newRegistry(t, map[string]string{"META_CLIENT_ID": "id", "META_CLIENT_SECRET": "secret"})
	oc, _ = reg.OAuth("meta")
	u, err := oc.StartOAuth(context.Background(), "state-1", "https://app.test/cb")
	require.NoError(t, err)
	assert.Contains(t, u, "state=state-1")
	assert.Contains(t, u, "client_id=id")
}

type fakeGA struct {
	mu       sync.Mutex
	bindings []gaAccessBinding
}

func (f *fakeGA) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1beta/accountSummaries", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"accountSummaries":[{"account":"accounts/1","displayName":"Acme","propertySummaries":[{"property":"properties/11","displayName":"Web"}]}]}`))
	})
	mux.HandleFunc("/v1alpha/properties/11/accessBindings", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]any{"accessBindings": f.bindings})
		case http.MethodPost:
			var b gaAccessBinding
			require.NoError(t, json.NewDecoder(r.Body).Decode(&b))
			for _, existing := range f.bindings {
				if existing.User == b.User {
					w.WriteHeader(http.StatusConflict)
					return
				}
			}
			b.Name = "properties/11/accessBindings/b1"
			f.bindings = append(f.bindings, b)
			_ = json.NewEncoder(w).Encode(b)
		}
	})
	mux.HandleFunc("/v1alpha/properties/11/accessBindings/b1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		f.mu.Lock()
		f.bindings = nil
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func TestGoogleAnalyticsProvisioning(t *testing.T) {
	fake := &fakeGA{}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	ga := NewGoogleAnalytics(Options{})
	ga.APIBase = srv.URL
	tok := &oauth2.Token{AccessToken: "tok"}
	ctx := context.Background()

	targets, err := ga.DiscoverTargets(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, []plugin.Target{
		{ID: "1", Name: "Acme", Type: "account"},
		{ID: "11", Name: "Web", Type: "property", ParentID: "1"},
	}, targets)

	g := plugin.Grant{ItemType: manifest.ItemNamedInvite, Role: "analyst", Identity: "ops@agency.test", Target: map[string]any{"propertyId": "11"}}

	res, err := ga.VerifyAccess(ctx, tok, g)
	require.NoError(t, err)
	assert.False(t, res.Granted)

	require.NoError(t, ga.GrantAccess(ctx, tok, g))
	err = ga.GrantAccess(ctx, tok, g)
	assert.True(t, apperr.IsProviderKind(err, apperr.ProviderConflict))

	res, err = ga.VerifyAccess(ctx, tok, g)
	require.NoError(t, err)
	assert.True(t, res.Granted)

	other := g
	other.Role = "admin"
	res, err = ga.VerifyAccess(ctx, tok, other)
	require.NoError(t, err)
	assert.False(t, res.Granted)

	require.NoError(t, ga.RevokeAccess(ctx, tok, g))
	require.NoError(t, ga.RevokeAccess(ctx, tok, g), "revoking a missing binding is a no-op")
}

func TestGoogleAnalyticsGrantRequiresProperty(t *testing.T) {
	ga := NewGoogleAnalytics(Options{})
	err := ga.GrantAccess(context.Background(), &oauth2.Token{AccessToken: "tok"}, plugin.Grant{Identity: "a@b.test"})
	var ve *apperr.ValidationError
	assert.True(t, errors.As(err, &ve))
}

func TestDiscoveryAdapters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/v17/customers:listAccessibleCustomers"):
			_, _ = w.Write([]byte(`{"resourceNames":["customers/1234567890"]}`))
		case r.URL.Path == "/v19.0/me/adaccounts":
			_, _ = w.Write([]byte(`{"data":[{"id":"act_42","name":"Acme Ads","business":{"id":"777"}}]}`))
		case r.URL.Path == "/rest/adAccounts":
			_, _ = w.Write([]byte(`{"elements":[{"id":5005,"name":"Acme LI"}]}`))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()
	ctx := context.Background()
	tok := &oauth2.Token{AccessToken: "tok"}

	ads := NewGoogleAds(Options{})
	ads.APIBase = srv.URL
	got, err := ads.DiscoverTargets(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, []plugin.Target{{ID: "1234567890", Name: "1234567890", Type: "customer"}}, got)

	meta := NewMeta(Options{})
	meta.APIBase = srv.URL
	got, err = meta.DiscoverTargets(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, []plugin.Target{{ID: "act_42", Name: "Acme Ads", Type: "ad_account", ParentID: "777"}}, got)

	li := NewLinkedIn(Options{})
	li.APIBase = srv.URL
	got, err = li.DiscoverTargets(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, []plugin.Target{{ID: "5005", Name: "Acme LI", Type: "ad_account"}}, got)

	ga := NewGoogleAnalytics(Options{})
	ga.APIBase = srv.URL + "/down"
	_, err = ga.DiscoverTargets(ctx, tok)
	var pe *apperr.ExternalProviderError
	require.True(t, errors.As(err, &pe))
	assert.True(t, pe.Retryable())
}
