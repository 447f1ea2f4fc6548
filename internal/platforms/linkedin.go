package platforms

import (
	"context"
	"net/http"
	"strconv"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"accessdesk.org/internal/manifest"
	"accessdesk.org/internal/model"
	"accessdesk.org/internal/plugin"
	"accessdesk.org/internal/plugin/oauthflow"
)

const linkedInKey = "linkedin"

// LinkedIn grants Campaign Manager roles. Role changes cannot be read back
// reliably, so clients upload a screenshot as evidence.
type LinkedIn struct {
	plugin.Base
	oauthAdapter
	APIBase string
}

func NewLinkedIn(opts Options) *LinkedIn {
	li := &LinkedIn{
		Base: plugin.Base{
			Spec: manifest.PlatformManifest{
				PlatformKey:        linkedInKey,
				DisplayName:        "LinkedIn Campaign Manager",
				Category:           "advertising",
				DeveloperPortalURL: "https://www.linkedin.com/developers/apps",
				SupportedAccessItemTypes: []manifest.ItemTypeSpec{
					{
						Type:  manifest.ItemNamedInvite,
						Label: "Add agency member to ad account",
						RoleTemplates: []manifest.RoleTemplate{
							{Key: "viewer", Label: "Viewer"},
							{Key: "creative_manager", Label: "Creative manager"},
							{Key: "campaign_manager", Label: "Campaign manager"},
							{Key: "account_manager", Label: "Account manager"},
						},
						IdentityField: "agencyProfileUrl",
					},
				},
				Security: manifest.SecurityCapabilities{
					SupportsDelegation: true,
					SupportsOAuth:      true,
					PAMRecommendation:  manifest.PAMNotRecommended,
				},
				Automation: manifest.AutomationCapabilities{
					OAuthSupported: true,
					TargetTypes:    []string{"ad_account"},
				},
			},
			AgencySchemas: map[manifest.ItemType]*plugin.Schema{
				manifest.ItemNamedInvite: plugin.NewSchema(
					plugin.Field{Name: "agencyProfileUrl", Label: "Agency member profile URL", Type: plugin.FieldURL, Required: true},
					notesField,
				),
			},
			TargetSchemas: map[manifest.ItemType]*plugin.Schema{
				manifest.ItemNamedInvite: plugin.NewSchema(
					plugin.Field{Name: "adAccountId", Label: "Ad account ID", Type: plugin.FieldString, Required: true, Pattern: `^[0-9]+$`},
				),
			},
			DefaultMode: plugin.ModeEvidenceRequired,
		},
		APIBase: "https://api.linkedin.com",
	}
	li.flow = opts.flow(oauthflow.Provider{
		PlatformKey:        linkedInKey,
		ClientIDEnv:        "LINKEDIN_CLIENT_ID",
		ClientSecretEnv:    "LINKEDIN_CLIENT_SECRET",
		DeveloperPortalURL: li.Spec.DeveloperPortalURL,
		Endpoint:           endpoints.LinkedIn,
		Scopes:             []string{"r_ads", "rw_ads"},
	})
	return li
}

func (l *LinkedIn) BuildClientInstructions(ic plugin.InstructionContext) []model.InstructionStep {
	var s plugin.Steps
	s.Link("Open Campaign Manager", "https://www.linkedin.com/campaignmanager/",
		"Open Campaign Manager and select ad account %s.",
		orDefault(plugin.StringValue(ic.ClientProvidedTarget, "adAccountId"), "you want to share"))
	s.Add("Open Account settings, then Manage access, and click Edit.")
	s.Link("Agency member profile", ic.ResolvedIdentity, "Add the agency member linked here.")
	s.Add("Assign the %s role and click Save.", roleLabel(l.Spec, ic.ItemType, ic.Role))
	s.Add("Upload a screenshot of the Manage access page showing the new member.")
	addNotes(&s, ic.AgencyConfig)
	return s.List()
}

// DiscoverTargets lists ad accounts of the connected member.
func (l *LinkedIn) DiscoverTargets(ctx context.Context, tok *oauth2.Token) ([]plugin.Target, error) {
	var out struct {
		Elements []struct {
			ID   int64  `json:"id"`
			Name string `json:"name"`
		} `json:"elements"`
	}
	api := l.flow.API(l.APIBase)
	if err := api.Do(ctx, tok, "discover_targets", http.MethodGet, "/rest/adAccounts?q=search", nil, &out); err != nil {
		return nil, err
	}
	targets := make([]plugin.Target, 0, len(out.Elements))
	for _, el := range out.Elements {
		targets = append(targets, plugin.Target{ID: strconv.FormatInt(el.ID, 10), Name: el.Name, Type: "ad_account"})
	}
	return targets, nil
}
