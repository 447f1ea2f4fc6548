package platforms

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"accessdesk.org/internal/manifest"
	"accessdesk.org/internal/model"
	"accessdesk.org/internal/plugin"
	"accessdesk.org/internal/plugin/oauthflow"
)

const metaKey = "meta"

// Meta covers Meta Business Manager partner access, people access and
// break-glass shared logins.
type Meta struct {
	plugin.Base
	oauthAdapter
	APIBase string
}

func NewMeta(opts Options) *Meta {
	m := &Meta{
		Base: plugin.Base{
			Spec: manifest.PlatformManifest{
				PlatformKey:        metaKey,
				DisplayName:        "Meta Business Manager",
				Category:           "advertising",
				DeveloperPortalURL: "https://developers.facebook.com/apps/",
				SupportedAccessItemTypes: []manifest.ItemTypeSpec{
					{
						Type:  manifest.ItemPartnerDelegation,
						Label: "Add agency as business partner",
						RoleTemplates: []manifest.RoleTemplate{
							{Key: "advertise", Label: "Advertise", Description: "Create and manage ads."},
							{Key: "analyze", Label: "Analyze", Description: "View performance."},
							{Key: "manage", Label: "Manage", Description: "Full control of the asset."},
						},
						IdentityField: "businessManagerId",
					},
					{
						Type:  manifest.ItemNamedInvite,
						Label: "Invite agency person",
						RoleTemplates: []manifest.RoleTemplate{
							{Key: "employee", Label: "Employee access"},
							{Key: "admin", Label: "Admin access"},
						},
						IdentityField: "agencyEmail",
					},
					{
						Type:  manifest.ItemSharedAccountPAM,
						Label: "Break-glass shared login",
						RoleTemplates: []manifest.RoleTemplate{
							{Key: "admin", Label: "Admin"},
						},
					},
				},
				Security: manifest.SecurityCapabilities{
					SupportsDelegation:      true,
					SupportsOAuth:           true,
					SupportsCredentialLogin: true,
					PAMRecommendation:       manifest.PAMBreakGlassOnly,
				},
				Automation: manifest.AutomationCapabilities{
					OAuthSupported: true,
					TargetTypes:    []string{"ad_account"},
				},
			},
			AgencySchemas: map[manifest.ItemType]*plugin.Schema{
				manifest.ItemPartnerDelegation: plugin.NewSchema(
					plugin.Field{Name: "businessManagerId", Label: "Agency Business Manager ID", Type: plugin.FieldString, Required: true, Pattern: `^[0-9]{5,20}$`},
					notesField,
				),
				manifest.ItemNamedInvite: plugin.NewSchema(agencyEmailField, notesField),
			},
			TargetSchemas: map[manifest.ItemType]*plugin.Schema{
				manifest.ItemPartnerDelegation: plugin.NewSchema(
					plugin.Field{Name: "adAccountId", Label: "Ad account ID", Type: plugin.FieldString, Required: true, Pattern: `^(act_)?[0-9]+$`},
				),
				manifest.ItemNamedInvite: plugin.NewSchema(
					plugin.Field{Name: "businessId", Label: "Client Business Manager ID", Type: plugin.FieldString, Pattern: `^[0-9]{5,20}$`},
				),
				manifest.ItemSharedAccountPAM: plugin.NewSchema(
					plugin.Field{Name: "businessId", Label: "Client Business Manager ID", Type: plugin.FieldString, Pattern: `^[0-9]{5,20}$`},
				),
			},
		},
		APIBase: "https://graph.facebook.com",
	}
	m.flow = opts.flow(oauthflow.Provider{
		PlatformKey:        metaKey,
		ClientIDEnv:        "META_CLIENT_ID",
		ClientSecretEnv:    "META_CLIENT_SECRET",
		DeveloperPortalURL: m.Spec.DeveloperPortalURL,
		Endpoint:           endpoints.Facebook,
		Scopes:             []string{"business_management", "ads_read"},
	})
	return m
}

func (m *Meta) BuildClientInstructions(ic plugin.InstructionContext) []model.InstructionStep {
	var s plugin.Steps
	switch ic.ItemType {
	case manifest.ItemPartnerDelegation:
		s.Link("Open Business Settings", "https://business.facebook.com/settings/partners",
			"Open Business Settings and select Partners.")
		s.Add("Click Add, choose Give a partner access to your assets and enter business ID %s.", ic.ResolvedIdentity)
		s.Add("Select the ad account %s and grant %s.",
			orDefault(plugin.StringValue(ic.ClientProvidedTarget, "adAccountId"), "to share"),
			roleLabel(m.Spec, ic.ItemType, ic.Role))
	case manifest.ItemSharedAccountPAM:
		s.Add("Create or choose a login reserved for emergency agency access.")
		s.Add("Submit the username and password on this page. They are sealed and only revealed during a recorded checkout.")
		s.Add("Keep two-factor recovery with your team; the agency cannot rotate this password for you.")
	default:
		s.Link("Open Business Settings", "https://business.facebook.com/settings/people",
			"Open Business Settings and select People.")
		s.Add("Click Add and invite %s with %s.", ic.ResolvedIdentity, roleLabel(m.Spec, ic.ItemType, ic.Role))
	}
	addNotes(&s, ic.AgencyConfig)
	return s.List()
}

// DiscoverTargets lists ad accounts of the connected user.
func (m *Meta) DiscoverTargets(ctx context.Context, tok *oauth2.Token) ([]plugin.Target, error) {
	var out struct {
		Data []struct {
			ID       string `json:"id"`
			Name     string `json:"name"`
			Business *struct {
				ID string `json:"id"`
			} `json:"business"`
		} `json:"data"`
	}
	api := m.flow.API(m.APIBase)
	if err := api.Do(ctx, tok, "discover_targets", http.MethodGet, "/v19.0/me/adaccounts?fields=id,name,business&limit=200", nil, &out); err != nil {
		return nil, err
	}
	targets := make([]plugin.Target, 0, len(out.Data))
	for _, acct := range out.Data {
		t := plugin.Target{ID: acct.ID, Name: acct.Name, Type: "ad_account"}
		if acct.Business != nil {
			t.ParentID = acct.Business.ID
		}
		targets = append(targets, t)
	}
	return targets, nil
}
