package platforms

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"accessdesk.org/internal/apperr"
	"accessdesk.org/internal/manifest"
	"accessdesk.org/internal/model"
	"accessdesk.org/internal/plugin"
	"accessdesk.org/internal/plugin/oauthflow"
)

const googleAnalyticsKey = "google-analytics"

// GoogleAnalytics manages property access through the Analytics Admin API.
type GoogleAnalytics struct {
	plugin.Base
	oauthAdapter
	// APIBase is the Admin API root.
	APIBase string
}

var gaRoles = []manifest.RoleTemplate{
	{Key: "viewer", Label: "Viewer", Description: "See reports and configuration."},
	{Key: "analyst", Label: "Analyst", Description: "Create and edit shared assets."},
	{Key: "marketer", Label: "Marketer", Description: "Edit audiences, conversions and attribution."},
	{Key: "editor", Label: "Editor", Description: "Edit all property data and settings."},
	{Key: "admin", Label: "Administrator", Description: "Full control including user management."},
}

func NewGoogleAnalytics(opts Options) *GoogleAnalytics {
	target := plugin.NewSchema(
		plugin.Field{Name: "propertyId", Label: "GA4 property ID", Type: plugin.FieldString, Required: true, Pattern: `^[0-9]+$`},
		plugin.Field{Name: "accountId", Label: "Account ID", Type: plugin.FieldString, Pattern: `^[0-9]+$`},
	)
	ga := &GoogleAnalytics{
		Base: plugin.Base{
			Spec: manifest.PlatformManifest{
				PlatformKey:        googleAnalyticsKey,
				DisplayName:        "Google Analytics",
				Category:           "analytics",
				DeveloperPortalURL: "https://console.cloud.google.com/apis/credentials",
				SupportedAccessItemTypes: []manifest.ItemTypeSpec{
					{Type: manifest.ItemNamedInvite, Label: "Invite agency user", RoleTemplates: gaRoles, IdentityField: "agencyEmail"},
					{Type: manifest.ItemGroupAccess, Label: "Grant agency group", RoleTemplates: gaRoles, IdentityField: "groupEmail"},
				},
				Security: manifest.SecurityCapabilities{
					SupportsDelegation: true,
					SupportsOAuth:      true,
					PAMRecommendation:  manifest.PAMNotRecommended,
				},
				Automation: manifest.AutomationCapabilities{
					OAuthSupported:           true,
					APIVerificationSupported: true,
					TargetTypes:              []string{"account", "property"},
				},
			},
			AgencySchemas: map[manifest.ItemType]*plugin.Schema{
				manifest.ItemNamedInvite: plugin.NewSchema(agencyEmailField, notesField),
				manifest.ItemGroupAccess: plugin.NewSchema(groupEmailField, notesField),
			},
			TargetSchemas: map[manifest.ItemType]*plugin.Schema{
				manifest.ItemNamedInvite: target,
				manifest.ItemGroupAccess: target,
			},
			DefaultMode: plugin.ModeAuto,
		},
		APIBase: "https://analyticsadmin.googleapis.com",
	}
	ga.flow = opts.flow(oauthflow.Provider{
		PlatformKey:        googleAnalyticsKey,
		ClientIDEnv:        "GOOGLE_ANALYTICS_CLIENT_ID",
		ClientSecretEnv:    "GOOGLE_ANALYTICS_CLIENT_SECRET",
		DeveloperPortalURL: ga.Spec.DeveloperPortalURL,
		Endpoint:           endpoints.Google,
		Scopes: []string{
			"https://www.googleapis.com/auth/analytics.manage.users",
			"https://www.googleapis.com/auth/analytics.readonly",
		},
		AuthParams: map[string]string{"access_type": "offline", "prompt": "consent"},
	})
	return ga
}

func (g *GoogleAnalytics) BuildClientInstructions(ic plugin.InstructionContext) []model.InstructionStep {
	var s plugin.Steps
	property := orDefault(plugin.StringValue(ic.ClientProvidedTarget, "propertyId"), "you want to share")
	s.Link("Open Google Analytics", "https://analytics.google.com/analytics/web/",
		"Sign in to Google Analytics and open Admin for the property %s.", property)
	s.Add("Under Property, open Property access management and click the + button.")
	if ic.ItemType == manifest.ItemGroupAccess {
		s.Add("Choose Add users and enter the group address %s.", ic.ResolvedIdentity)
	} else {
		s.Add("Choose Add users and enter %s.", ic.ResolvedIdentity)
	}
	s.Add("Select the %s role and click Add.", roleLabel(g.Spec, ic.ItemType, ic.Role))
	addNotes(&s, ic.AgencyConfig)
	return s.List()
}

type gaAccountSummaries struct {
	AccountSummaries []struct {
		Account           string `json:"account"`
		DisplayName       string `json:"displayName"`
		PropertySummaries []struct {
			Property    string `json:"property"`
			DisplayName string `json:"displayName"`
		} `json:"propertySummaries"`
	} `json:"accountSummaries"`
}

func (g *GoogleAnalytics) api() *oauthflow.API { return g.flow.API(g.APIBase) }

// DiscoverTargets lists accounts and their GA4 properties.
func (g *GoogleAnalytics) DiscoverTargets(ctx context.Context, tok *oauth2.Token) ([]plugin.Target, error) {
	var out gaAccountSummaries
	if err := g.api().Do(ctx, tok, "discover_targets", http.MethodGet, "/v1beta/accountSummaries?pageSize=200", nil, &out); err != nil {
		return nil, err
	}
	targets := []plugin.Target{}
	for _, acct := range out.AccountSummaries {
		accountID := strings.TrimPrefix(acct.Account, "accounts/")
		targets = append(targets, plugin.Target{ID: accountID, Name: acct.DisplayName, Type: "account"})
		for _, prop := range acct.PropertySummaries {
			targets = append(targets, plugin.Target{
				ID:       strings.TrimPrefix(prop.Property, "properties/"),
				Name:     prop.DisplayName,
				Type:     "property",
				ParentID: accountID,
			})
		}
	}
	return targets, nil
}

type gaAccessBinding struct {
	Name  string   `json:"name,omitempty"`
	User  string   `json:"user"`
	Roles []string `json:"roles"`
}

func gaRole(role string) string { return "predefinedRoles/" + strings.ToLower(role) }

func (g *GoogleAnalytics) bindingsPath(gr plugin.Grant) (string, error) {
	property, err := targetValue(googleAnalyticsKey, gr, "propertyId")
	if err != nil {
		return "", err
	}
	return "/v1alpha/properties/" + url.PathEscape(property) + "/accessBindings", nil
}

// GrantAccess creates an access binding. An existing binding comes back as a
// conflict from the API.
func (g *GoogleAnalytics) GrantAccess(ctx context.Context, tok *oauth2.Token, gr plugin.Grant) error {
	path, err := g.bindingsPath(gr)
	if err != nil {
		return err
	}
	body := gaAccessBinding{User: gr.Identity, Roles: []string{gaRole(gr.Role)}}
	return g.api().Do(ctx, tok, "grant_access", http.MethodPost, path, body, nil)
}

func (g *GoogleAnalytics) findBinding(ctx context.Context, tok *oauth2.Token, gr plugin.Grant, op string) (*gaAccessBinding, error) {
	path, err := g.bindingsPath(gr)
	if err != nil {
		return nil, err
	}
	var out struct {
		AccessBindings []gaAccessBinding `json:"accessBindings"`
	}
	if err := g.api().Do(ctx, tok, op, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	for i := range out.AccessBindings {
		if strings.EqualFold(out.AccessBindings[i].User, gr.Identity) {
			return &out.AccessBindings[i], nil
		}
	}
	return nil, nil
}

// VerifyAccess reports whether the identity holds the requested role.
func (g *GoogleAnalytics) VerifyAccess(ctx context.Context, tok *oauth2.Token, gr plugin.Grant) (plugin.VerifyResult, error) {
	b, err := g.findBinding(ctx, tok, gr, "verify_access")
	if err != nil {
		return plugin.VerifyResult{}, err
	}
	if b == nil {
		return plugin.VerifyResult{Granted: false, Details: map[string]any{"reason": "no access binding for identity"}}, nil
	}
	want := gaRole(gr.Role)
	for _, r := range b.Roles {
		if r == want {
			return plugin.VerifyResult{Granted: true, Details: map[string]any{"binding": b.Name, "roles": b.Roles}}, nil
		}
	}
	return plugin.VerifyResult{Granted: false, Details: map[string]any{"binding": b.Name, "roles": b.Roles, "reason": "role mismatch"}}, nil
}

// RevokeAccess deletes the identity's binding; a missing binding is not an error.
func (g *GoogleAnalytics) RevokeAccess(ctx context.Context, tok *oauth2.Token, gr plugin.Grant) error {
	b, err := g.findBinding(ctx, tok, gr, "revoke_access")
	if err != nil {
		return err
	}
	if b == nil {
		return nil
	}
	if b.Name == "" {
		return &apperr.ExternalProviderError{PlatformKey: googleAnalyticsKey, Operation: "revoke_access", Kind: apperr.ProviderTransient, Message: "binding without name"}
	}
	return g.api().Do(ctx, tok, "revoke_access", http.MethodDelete, "/v1alpha/"+b.Name, nil, nil)
}
