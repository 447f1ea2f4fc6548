package platforms

import (
	"accessdesk.org/internal/manifest"
	"accessdesk.org/internal/model"
	"accessdesk.org/internal/plugin"
)

// TikTok is handled manually through Business Center partner requests.
type TikTok struct {
	plugin.Base
}

func NewTikTok() *TikTok {
	return &TikTok{Base: plugin.Base{
		Spec: manifest.PlatformManifest{
			PlatformKey:        "tiktok",
			DisplayName:        "TikTok Ads Manager",
			Category:           "advertising",
			DeveloperPortalURL: "https://business-api.tiktok.com/portal",
			SupportedAccessItemTypes: []manifest.ItemTypeSpec{
				{
					Type:  manifest.ItemPartnerDelegation,
					Label: "Add agency Business Center as partner",
					RoleTemplates: []manifest.RoleTemplate{
						{Key: "admin", Label: "Admin"},
						{Key: "operator", Label: "Operator"},
						{Key: "analyst", Label: "Analyst"},
					},
					IdentityField: "businessCenterId",
				},
			},
			Security: manifest.SecurityCapabilities{
				SupportsDelegation: true,
				PAMRecommendation:  manifest.PAMNotRecommended,
			},
			Automation: manifest.AutomationCapabilities{TargetTypes: []string{}},
		},
		AgencySchemas: map[manifest.ItemType]*plugin.Schema{
			manifest.ItemPartnerDelegation: plugin.NewSchema(
				plugin.Field{Name: "businessCenterId", Label: "Agency Business Center ID", Type: plugin.FieldString, Required: true, Pattern: `^[0-9]{10,20}$`},
				notesField,
			),
		},
		TargetSchemas: map[manifest.ItemType]*plugin.Schema{
			manifest.ItemPartnerDelegation: plugin.NewSchema(
				plugin.Field{Name: "advertiserId", Label: "Advertiser account ID", Type: plugin.FieldString, Required: true, Pattern: `^[0-9]{10,20}$`},
			),
		},
	}}
}

func (t *TikTok) BuildClientInstructions(ic plugin.InstructionContext) []model.InstructionStep {
	var s plugin.Steps
	s.Link("Open Business Center", "https://business.tiktok.com/", "Sign in to TikTok Business Center.")
	s.Add("Go to Users, then Partners, and click Add partner.")
	s.Add("Enter Business Center ID %s.", ic.ResolvedIdentity)
	s.Add("Share advertiser account %s with %s permission and confirm.",
		orDefault(plugin.StringValue(ic.ClientProvidedTarget, "advertiserId"), "you want to share"),
		roleLabel(t.Spec, ic.ItemType, ic.Role))
	addNotes(&s, ic.AgencyConfig)
	return s.List()
}

// Shopify uses collaborator requests, with a discouraged shared staff login.
type Shopify struct {
	plugin.Base
}

func NewShopify() *Shopify {
	return &Shopify{Base: plugin.Base{
		Spec: manifest.PlatformManifest{
			PlatformKey:        "shopify",
			DisplayName:        "Shopify",
			Category:           "commerce",
			DeveloperPortalURL: "https://partners.shopify.com/",
			SupportedAccessItemTypes: []manifest.ItemTypeSpec{
				{
					Type:  manifest.ItemNamedInvite,
					Label: "Collaborator access",
					RoleTemplates: []manifest.RoleTemplate{
						{Key: "collaborator", Label: "Collaborator", Description: "Partner organization access."},
						{Key: manifest.CustomRole, Label: "Custom permissions"},
					},
					IdentityField: "partnerOrganizationId",
				},
				{
					Type:  manifest.ItemSharedAccountPAM,
					Label: "Shared staff login",
					RoleTemplates: []manifest.RoleTemplate{
						{Key: "staff", Label: "Staff"},
						{Key: "owner", Label: "Store owner"},
					},
				},
			},
			Security: manifest.SecurityCapabilities{
				SupportsDelegation:      true,
				SupportsCredentialLogin: true,
				PAMRecommendation:       manifest.PAMNotRecommended,
			},
			Automation: manifest.AutomationCapabilities{TargetTypes: []string{}},
		},
		AgencySchemas: map[manifest.ItemType]*plugin.Schema{
			manifest.ItemNamedInvite: plugin.NewSchema(
				plugin.Field{Name: "partnerOrganizationId", Label: "Partner organization ID", Type: plugin.FieldString, Required: true, Pattern: `^[0-9]+$`},
				plugin.Field{Name: "permissions", Label: "Requested permissions", Type: plugin.FieldStringList, MaxLength: 64},
				notesField,
			),
		},
		TargetSchemas: map[manifest.ItemType]*plugin.Schema{
			manifest.ItemNamedInvite: plugin.NewSchema(
				plugin.Field{Name: "storeDomain", Label: "Store domain", Type: plugin.FieldString, Required: true, Pattern: `^[a-z0-9][a-z0-9-]*\.myshopify\.com$`},
				plugin.Field{Name: "collaboratorCode", Label: "Collaborator request code", Type: plugin.FieldString, Pattern: `^[0-9]{4}$`},
			),
			manifest.ItemSharedAccountPAM: plugin.NewSchema(
				plugin.Field{Name: "storeDomain", Label: "Store domain", Type: plugin.FieldString, Required: true, Pattern: `^[a-z0-9][a-z0-9-]*\.myshopify\.com$`},
			),
		},
	}}
}

func (sh *Shopify) BuildClientInstructions(ic plugin.InstructionContext) []model.InstructionStep {
	var s plugin.Steps
	if ic.ItemType == manifest.ItemSharedAccountPAM {
		s.Add("Create a staff account for the agency in Settings, then Users and permissions.")
		s.Add("Submit the staff login on this page; it is sealed and revealed only during a recorded checkout.")
		addNotes(&s, ic.AgencyConfig)
		return s.List()
	}
	store := orDefault(plugin.StringValue(ic.ClientProvidedTarget, "storeDomain"), "your store")
	s.Link("Open Shopify admin", "https://admin.shopify.com/", "Sign in to the admin of %s.", store)
	s.Add("Open Settings, then Users and permissions, and find Collaborators.")
	if code := plugin.StringValue(ic.ClientProvidedTarget, "collaboratorCode"); code != "" {
		s.Add("Make sure collaborator request code %s is active.", code)
	}
	s.Add("Approve the request from partner organization %s with %s access.",
		ic.ResolvedIdentity, roleLabel(sh.Spec, ic.ItemType, ic.Role))
	addNotes(&s, ic.AgencyConfig)
	return s.List()
}

// Mailchimp supports shared logins under PAM and scoped API keys.
type Mailchimp struct {
	plugin.Base
}

func NewMailchimp() *Mailchimp {
	return &Mailchimp{Base: plugin.Base{
		Spec: manifest.PlatformManifest{
			PlatformKey:        "mailchimp",
			DisplayName:        "Mailchimp",
			Category:           "email",
			DeveloperPortalURL: "https://mailchimp.com/developer/",
			SupportedAccessItemTypes: []manifest.ItemTypeSpec{
				{
					Type:  manifest.ItemSharedAccountPAM,
					Label: "Shared account login",
					RoleTemplates: []manifest.RoleTemplate{
						{Key: "admin", Label: "Admin"},
						{Key: "manager", Label: "Manager"},
					},
				},
				{
					Type:  manifest.ItemProxyToken,
					Label: "API key",
					RoleTemplates: []manifest.RoleTemplate{
						{Key: "api_key", Label: "API key"},
					},
					IdentityField: "tokenLabel",
				},
			},
			Security: manifest.SecurityCapabilities{
				SupportsCredentialLogin: true,
				PAMRecommendation:       manifest.PAMRecommended,
			},
			Automation: manifest.AutomationCapabilities{TargetTypes: []string{}},
		},
		AgencySchemas: map[manifest.ItemType]*plugin.Schema{
			manifest.ItemProxyToken: plugin.NewSchema(
				plugin.Field{Name: "tokenLabel", Label: "API key label", Type: plugin.FieldString, Required: true, MaxLength: 64},
				notesField,
			),
		},
		TargetSchemas: map[manifest.ItemType]*plugin.Schema{
			manifest.ItemProxyToken: plugin.NewSchema(
				plugin.Field{Name: "serverPrefix", Label: "Data center prefix", Type: plugin.FieldString, Required: true, Pattern: `^[a-z]+[0-9]+$`},
			),
			manifest.ItemSharedAccountPAM: plugin.NewSchema(
				plugin.Field{Name: "accountName", Label: "Mailchimp account name", Type: plugin.FieldString, MaxLength: 120},
				plugin.Field{Name: "serverPrefix", Label: "Data center prefix", Type: plugin.FieldString, Pattern: `^[a-z]+[0-9]+$`},
			),
		},
		Modes: map[manifest.ItemType]plugin.VerificationMode{
			manifest.ItemProxyToken: plugin.ModeEvidenceRequired,
		},
	}}
}

func (mc *Mailchimp) BuildClientInstructions(ic plugin.InstructionContext) []model.InstructionStep {
	var s plugin.Steps
	if ic.ItemType == manifest.ItemProxyToken {
		s.Link("Open API keys", "https://us1.admin.mailchimp.com/account/api/", "Open Account, then Extras, then API keys.")
		s.Add("Click Create A Key and name it %s.", ic.ResolvedIdentity)
		s.Add("Upload a screenshot showing the key name; send the key itself through your agency's secure channel.")
		addNotes(&s, ic.AgencyConfig)
		return s.List()
	}
	if ic.ResolvedIdentity != "" {
		s.Add("Invite %s as a %s user, or keep the shared login the agency provided.",
			ic.ResolvedIdentity, roleLabel(mc.Spec, ic.ItemType, ic.Role))
	} else {
		s.Add("Choose the %s login the agency will share.", roleLabel(mc.Spec, ic.ItemType, ic.Role))
		s.Add("Submit the username and password on this page; they are sealed and revealed only during a recorded checkout.")
	}
	addNotes(&s, ic.AgencyConfig)
	return s.List()
}
