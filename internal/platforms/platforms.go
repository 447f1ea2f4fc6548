// Package platforms contains the built-in platform adapters and the startup
// routine that registers them.
package platforms

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"accessdesk.org/internal/apperr"
	"accessdesk.org/internal/manifest"
	"accessdesk.org/internal/plugin"
	"accessdesk.org/internal/plugin/oauthflow"
)

// Options carries what adapters need from the environment.
type Options struct {
	// Env reads OAuth client credentials; nil leaves OAuth unconfigured.
	Env        oauthflow.EnvFunc
	HTTPClient *http.Client
}

func (o Options) flow(p oauthflow.Provider) *oauthflow.Flow {
	var opts []oauthflow.Option
	if o.HTTPClient != nil {
		opts = append(opts, oauthflow.WithHTTPClient(o.HTTPClient))
	}
	return oauthflow.New(p, o.Env, opts...)
}

// All builds every built-in adapter.
func All(opts Options) []plugin.Plugin {
	return []plugin.Plugin{
		NewGoogleAnalytics(opts),
		NewGoogleAds(opts),
		NewMeta(opts),
		NewLinkedIn(opts),
		NewTikTok(),
		NewShopify(),
		NewMailchimp(),
	}
}

// RegisterAll registers every built-in adapter. It is called once at startup.
func RegisterAll(reg *plugin.Registry, opts Options) error {
	for _, p := range All(opts) {
		if err := reg.Register(p); err != nil {
			return fmt.Errorf("register %s: %w", p.Manifest().PlatformKey, err)
		}
	}
	return nil
}

// oauthAdapter implements plugin.OAuthCapable on top of a flow.
type oauthAdapter struct {
	flow *oauthflow.Flow
}

func (a oauthAdapter) StartOAuth(_ context.Context, state, redirectURL string) (string, error) {
	return a.flow.AuthURL(state, redirectURL)
}

func (a oauthAdapter) HandleOAuthCallback(ctx context.Context, code, redirectURL string) (*oauth2.Token, error) {
	return a.flow.Exchange(ctx, code, redirectURL)
}

func (a oauthAdapter) RefreshToken(ctx context.Context, tok *oauth2.Token) (*oauth2.Token, error) {
	return a.flow.Refresh(ctx, tok)
}

// Shared schema fields.
var (
	agencyEmailField = plugin.Field{
		Name: "agencyEmail", Label: "Agency email", Type: plugin.FieldEmail, Required: true,
		Description: "Agency mailbox or user the client invites.",
	}
	groupEmailField = plugin.Field{
		Name: "groupEmail", Label: "Agency group email", Type: plugin.FieldEmail, Required: true,
		Description: "Agency group address the client adds.",
	}
	notesField = plugin.Field{
		Name: "notes", Label: "Notes for the client", Type: plugin.FieldString, MaxLength: 500,
	}
)

// roleLabel returns the display label of role for t, falling back to role itself.
func roleLabel(m manifest.PlatformManifest, t manifest.ItemType, role string) string {
	spec, ok := m.ItemType(t)
	if !ok {
		return role
	}
	for _, tpl := range spec.RoleTemplates {
		if strings.EqualFold(tpl.Key, role) {
			return tpl.Label
		}
	}
	return role
}

// orDefault returns v when non-empty.
func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// targetValue reads a required string from a grant target.
func targetValue(platformKey string, g plugin.Grant, key string) (string, error) {
	v := strings.TrimSpace(plugin.StringValue(g.Target, key))
	if v == "" {
		return "", apperr.Validation(fmt.Sprintf("%s: client target %s is required", platformKey, key))
	}
	return v, nil
}

// addNotes appends the agency's free-text notes as a final step.
func addNotes(s *plugin.Steps, cfg map[string]any) {
	if n := strings.TrimSpace(plugin.StringValue(cfg, "notes")); n != "" {
		s.Add("Note from your agency: %s", n)
	}
}
