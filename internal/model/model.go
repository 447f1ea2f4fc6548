// Package model holds the persisted entities of the access core.
package model

import (
	"time"

	"accessdesk.org/internal/manifest"
)

// IdentityPurpose says who will use the access.
type IdentityPurpose string

const (
	PurposeHumanInteractive    IdentityPurpose = "HUMAN_INTERACTIVE"
	PurposeIntegrationNonHuman IdentityPurpose = "INTEGRATION_NON_HUMAN"
)

// HumanIdentityStrategy decides which agency identity a human item resolves to.
type HumanIdentityStrategy string

const (
	StrategyAgencyGroup     HumanIdentityStrategy = "AGENCY_GROUP"
	StrategyIndividualUsers HumanIdentityStrategy = "INDIVIDUAL_USERS"
	StrategyClientDedicated HumanIdentityStrategy = "CLIENT_DEDICATED"
)

// PAM ownership and identity strategy values.
const (
	OwnershipClientOwned = "CLIENT_OWNED"
	OwnershipAgencyOwned = "AGENCY_OWNED"

	PAMStrategyStaticAgency    = "STATIC_AGENCY_IDENTITY"
	PAMStrategyClientDedicated = "CLIENT_DEDICATED_IDENTITY"

	PAMIdentityMailbox = "MAILBOX"
	PAMIdentityGroup   = "GROUP"
)

// Checkout duration policy, in minutes.
const (
	DefaultCheckoutMinutes = 60
	MinCheckoutMinutes     = 15
	MaxCheckoutMinutes     = 480
)

// PAMConfig configures a SHARED_ACCOUNT_PAM item.
type PAMConfig struct {
	Ownership               string          `json:"ownership"`
	IdentityPurpose         IdentityPurpose `json:"identityPurpose,omitempty"`
	IdentityStrategy        string          `json:"identityStrategy,omitempty"`
	IdentityType            string          `json:"identityType,omitempty"`
	NamingTemplate          string          `json:"namingTemplate,omitempty"`
	CheckoutDurationMinutes *int            `json:"checkoutDurationMinutes,omitempty"`
	ApprovalRequired        *bool           `json:"approvalRequired,omitempty"`
	AgencyIdentityID        string          `json:"agencyIdentityId,omitempty"`
	IntegrationIdentityID   string          `json:"integrationIdentityId,omitempty"`

	// Required on platforms where PAM is not recommended.
	PAMConfirmation bool `json:"pamConfirmation,omitempty"`
	// Required on break-glass-only platforms.
	BreakGlassJustification string `json:"breakGlassJustification,omitempty"`
	BreakGlassReasonCode    string `json:"breakGlassReasonCode,omitempty"`

	// RotationPolicy is declarative; the service never rotates credentials itself.
	RotationPolicy string `json:"rotationPolicy,omitempty"`
}

// CheckoutMinutes returns the configured duration or the default.
func (c *PAMConfig) CheckoutMinutes() int {
	if c == nil || c.CheckoutDurationMinutes == nil || *c.CheckoutDurationMinutes <= 0 {
		return DefaultCheckoutMinutes
	}
	return *c.CheckoutDurationMinutes
}

// AccessItem is an agency-owned template describing access to request.
type AccessItem struct {
	ID                    string                `json:"id"`
	PlatformID            string                `json:"platformId"`
	ItemType              manifest.ItemType     `json:"itemType"`
	AccessPattern         string                `json:"accessPattern"`
	Role                  string                `json:"role"`
	Label                 string                `json:"label,omitempty"`
	IdentityPurpose       IdentityPurpose       `json:"identityPurpose,omitempty"`
	HumanIdentityStrategy HumanIdentityStrategy `json:"humanIdentityStrategy,omitempty"`
	AgencyConfig          map[string]any        `json:"agencyConfig,omitempty"`
	PAMConfig             *PAMConfig            `json:"pamConfig,omitempty"`
	CreatedAt             time.Time             `json:"createdAt"`
	UpdatedAt             time.Time             `json:"updatedAt"`
}

// Client is the agency's customer.
type Client struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// AgencyPlatform is a catalog platform the agency has enabled.
type AgencyPlatform struct {
	ID          string    `json:"id"`
	PlatformKey string    `json:"platformKey"`
	DisplayName string    `json:"displayName"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ItemStatus is the onboarding state of a request item.
type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemValidated ItemStatus = "validated"
)

// Validation methods recorded in ValidationResult.Method.
const (
	ValidatedByAttestation = "attestation"
	ValidatedByCredentials = "credentials"
	ValidatedByAutoVerify  = "auto_verify"
	ValidatedByOverride    = "admin_override"
)

// ValidationResult records how an item was validated.
type ValidationResult struct {
	Method          string `json:"method"`
	AttestationText string `json:"attestationText,omitempty"`
	Note            string `json:"note,omitempty"`
	Details         any    `json:"details,omitempty"`
}

// Evidence describes an uploaded proof file; the bytes live in the evidence store.
type Evidence struct {
	FileName    string    `json:"fileName"`
	ContentType string    `json:"contentType,omitempty"`
	SHA256      string    `json:"sha256"`
	SizeBytes   int       `json:"sizeBytes"`
	UploadedAt  time.Time `json:"uploadedAt"`
}

// InstructionLink is an optional link on an instruction step.
type InstructionLink struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// InstructionStep is one numbered client instruction.
type InstructionStep struct {
	Number int              `json:"number"`
	Text   string           `json:"text"`
	Link   *InstructionLink `json:"link,omitempty"`
}

// AccessRequestItem is a snapshot of an AccessItem taken when the request was created.
type AccessRequestItem struct {
	ID                   string            `json:"id"`
	AccessRequestID      string            `json:"accessRequestId"`
	AccessItemID         string            `json:"accessItemId"`
	PlatformID           string            `json:"platformId"`
	PlatformKey          string            `json:"platformKey"`
	ItemType             manifest.ItemType `json:"itemType"`
	Role                 string            `json:"role"`
	ResolvedIdentity     string            `json:"resolvedIdentity"`
	ClientInstructions   []InstructionStep `json:"clientInstructions"`
	VerificationMode     string            `json:"verificationMode"`
	AgencyConfig         map[string]any    `json:"agencyConfig,omitempty"`
	PAMConfig            *PAMConfig        `json:"pamConfig,omitempty"`
	Status               ItemStatus        `json:"status"`
	ValidatedAt          *time.Time        `json:"validatedAt,omitempty"`
	ValidatedBy          string            `json:"validatedBy,omitempty"`
	ValidationResult     *ValidationResult `json:"validationResult,omitempty"`
	ClientProvidedTarget map[string]any    `json:"clientProvidedTarget,omitempty"`
	PAMUsername          string            `json:"pamUsername,omitempty"`
	PAMSecretRef         string            `json:"-"`
	Evidence             *Evidence         `json:"evidence,omitempty"`
}

// Ownership returns the PAM ownership of the item, or "".
func (i AccessRequestItem) Ownership() string {
	if i.PAMConfig == nil {
		return ""
	}
	return i.PAMConfig.Ownership
}

// AccessRequest groups snapshot items sent to one client.
type AccessRequest struct {
	ID          string              `json:"id"`
	ClientID    string              `json:"clientId"`
	Token       string              `json:"token"`
	Items       []AccessRequestItem `json:"items"`
	CreatedAt   time.Time           `json:"createdAt"`
	CreatedBy   string              `json:"createdBy,omitempty"`
	CompletedAt *time.Time          `json:"completedAt,omitempty"`
}

// AllValidated reports whether every item has reached validated.
func (r *AccessRequest) AllValidated() bool {
	if len(r.Items) == 0 {
		return false
	}
	for _, it := range r.Items {
		if it.Status != ItemValidated {
			return false
		}
	}
	return true
}

// Item returns the item with the given id.
func (r *AccessRequest) Item(id string) (*AccessRequestItem, bool) {
	for i := range r.Items {
		if r.Items[i].ID == id {
			return &r.Items[i], true
		}
	}
	return nil, false
}

// SessionStatus is the state of a PAM session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCheckedIn SessionStatus = "checked_in"
)

// SystemExpiryActor checks in sessions whose time ran out.
const SystemExpiryActor = "system:expiry"

// PamSession is a time-boxed checkout of a shared credential.
type PamSession struct {
	ID            string        `json:"id"`
	RequestID     string        `json:"requestId"`
	ItemID        string        `json:"itemId"`
	UserID        string        `json:"userId"`
	Status        SessionStatus `json:"status"`
	CheckedOutAt  time.Time     `json:"checkedOutAt"`
	ExpiresAt     time.Time     `json:"expiresAt"`
	CheckedInAt   *time.Time    `json:"checkedInAt,omitempty"`
	CheckedInBy   string        `json:"checkedInBy,omitempty"`
	CredentialRef string        `json:"-"`
}

// IntegrationIdentity is a reusable non-interactive or static agency identity.
type IntegrationIdentity struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	Identifier string    `json:"identifier"`
	PlatformID string    `json:"platformId,omitempty"`
	IsActive   bool      `json:"isActive"`
	SecretRef  string    `json:"-"`
	HasSecret  bool      `json:"hasSecret"`
	CreatedAt  time.Time `json:"createdAt"`
}

// AuditLogEntry is one append-only audit record.
type AuditLogEntry struct {
	ID         string         `json:"id"`
	Event      string         `json:"event"`
	Actor      string         `json:"actor"`
	RequestID  string         `json:"requestId,omitempty"`
	ItemID     string         `json:"itemId,omitempty"`
	PlatformID string         `json:"platformId,omitempty"`
	Details    map[string]any `json:"details"`
	Timestamp  time.Time      `json:"timestamp"`
}

// PlatformConnection holds sealed OAuth tokens obtained through delegation.
type PlatformConnection struct {
	PlatformKey     string    `json:"platformKey"`
	AccessTokenRef  string    `json:"-"`
	RefreshTokenRef string    `json:"-"`
	TokenType       string    `json:"tokenType,omitempty"`
	Expiry          time.Time `json:"expiry"`
	Scopes          []string  `json:"scopes,omitempty"`
	ConnectedBy     string    `json:"connectedBy,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// EvidenceBlob is the stored evidence file body.
type EvidenceBlob struct {
	ItemID string
	Evidence
	Data []byte
}

// CloneConfig deep-copies a JSON-shaped map so snapshots never share state
// with their source.
func CloneConfig(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneConfig(val)
	case []any:
		out := make([]any, len(val))
		for i, el := range val {
			out[i] = cloneValue(el)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}

// Clone returns a deep copy of the PAM config.
func (c *PAMConfig) Clone() *PAMConfig {
	if c == nil {
		return nil
	}
	out := *c
	if c.CheckoutDurationMinutes != nil {
		d := *c.CheckoutDurationMinutes
		out.CheckoutDurationMinutes = &d
	}
	if c.ApprovalRequired != nil {
		a := *c.ApprovalRequired
		out.ApprovalRequired = &a
	}
	return &out
}

// Clone returns a deep copy of the request including its items.
func (r AccessRequest) Clone() AccessRequest {
	out := r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	out.Items = make([]AccessRequestItem, len(r.Items))
	for i, it := range r.Items {
		out.Items[i] = it.Clone()
	}
	return out
}

// Clone returns a deep copy of the item.
func (i AccessRequestItem) Clone() AccessRequestItem {
	out := i
	out.AgencyConfig = CloneConfig(i.AgencyConfig)
	out.ClientProvidedTarget = CloneConfig(i.ClientProvidedTarget)
	out.PAMConfig = i.PAMConfig.Clone()
	out.ClientInstructions = append([]InstructionStep(nil), i.ClientInstructions...)
	if i.ValidatedAt != nil {
		t := *i.ValidatedAt
		out.ValidatedAt = &t
	}
	if i.ValidationResult != nil {
		vr := *i.ValidationResult
		out.ValidationResult = &vr
	}
	if i.Evidence != nil {
		ev := *i.Evidence
		out.Evidence = &ev
	}
	return out
}
