package platforms

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"accessdesk.org/internal/manifest"
	"accessdesk.org/internal/model"
	"accessdesk.org/internal/plugin"
	"accessdesk.org/internal/plugin/oauthflow"
)

const googleAdsKey = "google-ads"

const googleAdsCustomerIDPattern = `^[0-9]{3}-?[0-9]{3}-?[0-9]{4}$`

// GoogleAds links client accounts to the agency manager account.
type GoogleAds struct {
	plugin.Base
	oauthAdapter
	APIBase string
}

func NewGoogleAds(opts Options) *GoogleAds {
	customer := plugin.NewSchema(
		plugin.Field{Name: "customerId", Label: "Google Ads customer ID", Type: plugin.FieldString, Required: true, Pattern: googleAdsCustomerIDPattern},
	)
	ads := &GoogleAds{
		Base: plugin.Base{
			Spec: manifest.PlatformManifest{
				PlatformKey:        googleAdsKey,
				DisplayName:        "Google Ads",
				Category:           "advertising",
				DeveloperPortalURL: "https://developers.google.com/google-ads/api/docs/get-started/introduction",
				SupportedAccessItemTypes: []manifest.ItemTypeSpec{
					{
						Type:  manifest.ItemPartnerDelegation,
						Label: "Link to agency manager account",
						RoleTemplates: []manifest.RoleTemplate{
							{Key: "manager", Label: "Manager account link", Description: "Agency MCC manages the account."},
						},
						IdentityField: "managerCustomerId",
					},
					{
						Type:  manifest.ItemNamedInvite,
						Label: "Invite agency user",
						RoleTemplates: []manifest.RoleTemplate{
							{Key: "admin", Label: "Admin"},
							{Key: "standard", Label: "Standard"},
							{Key: "read_only", Label: "Read only"},
							{Key: "email_only", Label: "Email only"},
						},
						IdentityField: "agencyEmail",
					},
				},
				Security: manifest.SecurityCapabilities{
					SupportsDelegation: true,
					SupportsOAuth:      true,
					PAMRecommendation:  manifest.PAMNotRecommended,
				},
				Automation: manifest.AutomationCapabilities{
					OAuthSupported: true,
					TargetTypes:    []string{"customer"},
				},
			},
			AgencySchemas: map[manifest.ItemType]*plugin.Schema{
				manifest.ItemPartnerDelegation: plugin.NewSchema(
					plugin.Field{Name: "managerCustomerId", Label: "Agency manager (MCC) ID", Type: plugin.FieldString, Required: true, Pattern: googleAdsCustomerIDPattern},
					notesField,
				),
				manifest.ItemNamedInvite: plugin.NewSchema(agencyEmailField, notesField),
			},
			TargetSchemas: map[manifest.ItemType]*plugin.Schema{
				manifest.ItemPartnerDelegation: customer,
				manifest.ItemNamedInvite:       customer,
			},
		},
		APIBase: "https://googleads.googleapis.com",
	}
	ads.flow = opts.flow(oauthflow.Provider{
		PlatformKey:        googleAdsKey,
		ClientIDEnv:        "GOOGLE_ADS_CLIENT_ID",
		ClientSecretEnv:    "GOOGLE_ADS_CLIENT_SECRET",
		DeveloperPortalURL: ads.Spec.DeveloperPortalURL,
		Endpoint:           endpoints.Google,
		Scopes:             []string{"https://www.googleapis.com/auth/adwords"},
		AuthParams:         map[string]string{"access_type": "offline", "prompt": "consent"},
	})
	return ads
}

func (a *GoogleAds) BuildClientInstructions(ic plugin.InstructionContext) []model.InstructionStep {
	var s plugin.Steps
	s.Link("Open Google Ads", "https://ads.google.com/", "Sign in to Google Ads as an administrator of the account.")
	switch ic.ItemType {
	case manifest.ItemPartnerDelegation:
		s.Add("Open Admin, then Access and security, then the Managers tab.")
		s.Add("Accept the link request from manager account %s, or click + and enter that ID.", ic.ResolvedIdentity)
	default:
		s.Add("Open Admin, then Access and security, then the Users tab, and click +.")
		s.Add("Enter %s and choose %s access.", ic.ResolvedIdentity, roleLabel(a.Spec, ic.ItemType, ic.Role))
		s.Add("Click Send invitation.")
	}
	addNotes(&s, ic.AgencyConfig)
	return s.List()
}

// DiscoverTargets lists customers the connected account can reach.
func (a *GoogleAds) DiscoverTargets(ctx context.Context, tok *oauth2.Token) ([]plugin.Target, error) {
	var out struct {
		ResourceNames []string `json:"resourceNames"`
	}
	api := a.flow.API(a.APIBase)
	if err := api.Do(ctx, tok, "discover_targets", http.MethodGet, "/v17/customers:listAccessibleCustomers", nil, &out); err != nil {
		return nil, err
	}
	targets := make([]plugin.Target, 0, len(out.ResourceNames))
	for _, rn := range out.ResourceNames {
		id := strings.TrimPrefix(rn, "customers/")
		targets = append(targets, plugin.Target{ID: id, Name: id, Type: "customer"})
	}
	return targets, nil
}
