package audit

// Event names written to the audit trail.
const (
	EventClientCreated        = "client.created"
	EventPlatformEnabled      = "platform.enabled"
	EventAccessItemCreated    = "access_item.created"
	EventIdentityCreated      = "integration_identity.created"
	EventRequestCreated       = "access_request.created"
	EventItemAttested         = "access_request.item_attested"
	EventCredentialsSubmitted = "access_request.credentials_submitted"
	EventItemVerified         = "access_request.item_verified"
	EventItemVerifyFailed     = "access_request.item_verify_failed"
	EventItemOverridden       = "access_request.item_overridden"
	EventRequestCompleted     = "access_request.completed"
	EventPAMCheckout          = "pam.checkout"
	EventPAMCheckoutDenied    = "pam.checkout_denied"
	EventPAMCheckin           = "pam.checkin"
	EventPAMExpired           = "pam.session_expired"
	EventOAuthConnected       = "oauth.connected"
	EventOAuthRefreshed       = "oauth.refreshed"
	EventAccessGranted        = "provisioning.granted"
	EventAccessRevoked        = "provisioning.revoked"
	EventGovernanceRejected   = "governance.rejected"
	EventGovernanceWarning    = "governance.warning"
)
