// Package requests runs the access request lifecycle: snapshotting agency
// items for a client, then moving each item from pending to validated through
// attestation, credential submission, automated verification or admin override.
package requests

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"accessdesk.org/internal/apperr"
	"accessdesk.org/internal/audit"
	"accessdesk.org/internal/identity"
	"accessdesk.org/internal/ids"
	"accessdesk.org/internal/manifest"
	"accessdesk.org/internal/model"
	"accessdesk.org/internal/obs"
	"accessdesk.org/internal/plugin"
	"accessdesk.org/internal/store"
	"accessdesk.org/internal/vault"
)

// MaxEvidenceBytes caps uploaded evidence files.
const MaxEvidenceBytes = 5 << 20

// ClientActor is recorded when an onboarding call carries no actor.
const ClientActor = "client"

// Verifier checks a snapshot item against the platform.
type Verifier interface {
	VerifyItem(ctx context.Context, item model.AccessRequestItem) (plugin.VerifyResult, error)
}

// Service implements the request state machine.
type Service struct {
	store        store.Store
	registry     *plugin.Registry
	sealer       vault.Sealer
	audit        *audit.Emitter
	verifier     Verifier
	agencyDomain string
	now          func() time.Time
}

// Config wires a Service.
type Config struct {
	Store        store.Store
	Registry     *plugin.Registry
	Sealer       vault.Sealer
	Audit        *audit.Emitter
	Verifier     Verifier
	AgencyDomain string
}

func NewService(cfg Config) *Service {
	return &Service{
		store:        cfg.Store,
		registry:     cfg.Registry,
		sealer:       cfg.Sealer,
		audit:        cfg.Audit,
		verifier:     cfg.Verifier,
		agencyDomain: cfg.AgencyDomain,
		now:          time.Now,
	}
}

// CreateInput selects agency items for a client. Client asset details are
// not accepted here; they arrive from the client during onboarding.
type CreateInput struct {
	ClientID string   `json:"clientId"`
	ItemIDs  []string `json:"itemIds"`
}

// Create snapshots the selected items into a new request.
func (s *Service) Create(ctx context.Context, in CreateInput, actor string) (model.AccessRequest, error) {
	if len(in.ItemIDs) == 0 {
		return model.AccessRequest{}, apperr.Validation("itemIds must list at least one access item")
	}
	client, err := s.store.Clients().Find(ctx, in.ClientID)
	if err != nil {
		return model.AccessRequest{}, err
	}

	var errs []string
	seen := make(map[string]struct{}, len(in.ItemIDs))
	items := make([]model.AccessRequestItem, 0, len(in.ItemIDs))
	for _, itemID := range in.ItemIDs {
		if _, dup := seen[itemID]; dup {
			errs = append(errs, fmt.Sprintf("access item %s is listed more than once", itemID))
			continue
		}
		seen[itemID] = struct{}{}
		snap, problems, err := s.snapshot(ctx, itemID, client)
		if err != nil {
			return model.AccessRequest{}, err
		}
		errs = append(errs, problems...)
		items = append(items, snap)
	}
	if len(errs) > 0 {
		return model.AccessRequest{}, apperr.Validation(errs...)
	}

	req := model.AccessRequest{
		ClientID:  client.ID,
		Token:     ids.NewToken(),
		Items:     items,
		CreatedAt: s.now().UTC(),
		CreatedBy: actor,
	}
	if err := s.store.Requests().Create(ctx, &req); err != nil {
		return model.AccessRequest{}, err
	}
	s.audit.Emit(ctx, model.AuditLogEntry{
		Event:     audit.EventRequestCreated,
		Actor:     actor,
		RequestID: req.ID,
		Details:   map[string]any{"clientId": client.ID, "items": len(req.Items)},
	})
	return req, nil
}

func (s *Service) snapshot(ctx context.Context, itemID string, client model.Client) (model.AccessRequestItem, []string, error) {
	item, err := s.store.Items().Find(ctx, itemID)
	if err != nil {
		return model.AccessRequestItem{}, nil, err
	}
	platform, err := s.store.Platforms().Find(ctx, item.PlatformID)
	if err != nil {
		return model.AccessRequestItem{}, nil, err
	}
	m, ok := s.registry.Manifest(platform.PlatformKey)
	if !ok {
		return model.AccessRequestItem{}, []string{fmt.Sprintf("access item %s: platform %s has no registered integration", itemID, platform.PlatformKey)}, nil
	}

	resolved, err := s.resolveIdentity(ctx, item, client, platform, m)
	if err != nil {
		return model.AccessRequestItem{}, nil, err
	}

	snap := model.AccessRequestItem{
		AccessItemID:     item.ID,
		PlatformID:       platform.ID,
		PlatformKey:      platform.PlatformKey,
		ItemType:         item.ItemType,
		Role:             item.Role,
		ResolvedIdentity: resolved,
		AgencyConfig:     model.CloneConfig(item.AgencyConfig),
		PAMConfig:        item.PAMConfig.Clone(),
		Status:           model.ItemPending,
		VerificationMode: string(s.registry.VerificationMode(platform.PlatformKey, item.ItemType)),
	}
	snap.ClientInstructions = s.registry.BuildClientInstructions(platform.PlatformKey, plugin.InstructionContext{
		ItemType:         item.ItemType,
		Role:             item.Role,
		ResolvedIdentity: resolved,
		ClientName:       client.Name,
		AgencyConfig:     snap.AgencyConfig,
	})
	return snap, nil, nil
}

// resolveIdentity determines the agency-side identity the client grants to.
func (s *Service) resolveIdentity(ctx context.Context, item model.AccessItem, client model.Client, platform model.AgencyPlatform, m manifest.PlatformManifest) (string, error) {
	generate := func(template string) string {
		template = identity.WithAgencyDomain(template, s.agencyDomain)
		return identity.GenerateIdentity(template, identity.Client{Name: client.Name}, identity.Platform{Name: platform.DisplayName})
	}

	if cfg := item.PAMConfig; item.ItemType == manifest.ItemSharedAccountPAM && cfg != nil {
		if cfg.Ownership != model.OwnershipAgencyOwned {
			return "", nil
		}
		switch {
		case cfg.IdentityPurpose == model.PurposeIntegrationNonHuman:
			return s.identifier(ctx, cfg.IntegrationIdentityID)
		case cfg.IdentityStrategy == model.PAMStrategyStaticAgency:
			return s.identifier(ctx, cfg.AgencyIdentityID)
		case cfg.IdentityStrategy == model.PAMStrategyClientDedicated:
			return generate(cfg.NamingTemplate), nil
		}
		return "", nil
	}

	if item.HumanIdentityStrategy == model.StrategyClientDedicated {
		return generate(identity.DefaultTemplate), nil
	}
	if spec, ok := m.ItemType(item.ItemType); ok && spec.IdentityField != "" {
		return strings.TrimSpace(plugin.StringValue(item.AgencyConfig, spec.IdentityField)), nil
	}
	return "", nil
}

func (s *Service) identifier(ctx context.Context, identityID string) (string, error) {
	if identityID == "" {
		return "", nil
	}
	ident, err := s.store.Identities().Find(ctx, identityID)
	if err != nil {
		return "", err
	}
	return ident.Identifier, nil
}

// Get returns a request by id.
func (s *Service) Get(ctx context.Context, id string) (model.AccessRequest, error) {
	return s.store.Requests().Find(ctx, id)
}

// GetByToken returns a request by its onboarding token.
func (s *Service) GetByToken(ctx context.Context, token string) (model.AccessRequest, error) {
	return s.store.Requests().FindByToken(ctx, token)
}

// AttestInput is the client's statement that access was granted. Evidence is
// an optional base64 file; ClientProvidedTarget names the client asset the
// access was granted on.
type AttestInput struct {
	Text                 string         `json:"attestationText,omitempty"`
	EvidenceBase64       string         `json:"evidenceBase64,omitempty"`
	EvidenceFileName     string         `json:"evidenceFileName,omitempty"`
	ClientProvidedTarget map[string]any `json:"clientProvidedTarget,omitempty"`
}

// Attest validates an item on the client's word, with evidence when the
// platform requires it. Attesting an item that is already validated changes
// nothing and succeeds.
func (s *Service) Attest(ctx context.Context, token, itemID string, in AttestInput, actor string) (model.AccessRequest, error) {
	req, it, err := s.onboardingItem(ctx, token, itemID)
	if err != nil {
		return model.AccessRequest{}, err
	}
	if it.ItemType == manifest.ItemSharedAccountPAM && it.Ownership() == model.OwnershipClientOwned {
		return model.AccessRequest{}, apperr.Validation("client-owned shared accounts are validated by submitting credentials")
	}
	actor = clientActor(actor)
	if it.Status == model.ItemValidated {
		return s.settled(ctx, req.ID, actor)
	}

	data, errs := decodeEvidence(in)
	if data == nil && plugin.VerificationMode(it.VerificationMode) == plugin.ModeEvidenceRequired {
		errs = append(errs, "evidence is required for this item")
	}
	errs = append(errs, s.targetErrors(*it, in.ClientProvidedTarget)...)
	if len(errs) > 0 {
		return model.AccessRequest{}, apperr.Validation(errs...)
	}

	var ev *model.Evidence
	if data != nil {
		if ev, err = s.storeEvidence(ctx, itemID, strings.TrimSpace(in.EvidenceFileName), data); err != nil {
			return model.AccessRequest{}, err
		}
	}
	details := map[string]any{"verificationMode": it.VerificationMode}
	if ev != nil {
		details["evidenceSha256"] = ev.SHA256
	}
	if len(in.ClientProvidedTarget) > 0 {
		details["clientProvidedTarget"] = true
	}
	return s.transition(ctx, req, it, actor, audit.EventItemAttested, details, func(next *model.AccessRequestItem) error {
		next.ValidationResult = &model.ValidationResult{Method: model.ValidatedByAttestation, AttestationText: strings.TrimSpace(in.Text)}
		next.Evidence = ev
		setTarget(next, in.ClientProvidedTarget)
		return nil
	})
}

func decodeEvidence(in AttestInput) ([]byte, []string) {
	name := strings.TrimSpace(in.EvidenceFileName)
	if in.EvidenceBase64 == "" {
		if name != "" {
			return nil, []string{"evidenceBase64 is required when evidenceFileName is set"}
		}
		return nil, nil
	}
	var errs []string
	if name == "" {
		errs = append(errs, "evidenceFileName is required when evidenceBase64 is set")
	}
	data, err := base64.StdEncoding.DecodeString(in.EvidenceBase64)
	switch {
	case err != nil:
		errs = append(errs, "evidenceBase64 is not valid base64")
	case len(data) == 0:
		errs = append(errs, "evidenceBase64 must not be empty")
	case len(data) > MaxEvidenceBytes:
		errs = append(errs, fmt.Sprintf("evidence must be at most %d bytes", MaxEvidenceBytes))
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return data, nil
}

func (s *Service) storeEvidence(ctx context.Context, itemID, fileName string, data []byte) (*model.Evidence, error) {
	sum := sha256.Sum256(data)
	ev := model.Evidence{
		FileName:    fileName,
		ContentType: evidenceContentType(fileName, data),
		SHA256:      hex.EncodeToString(sum[:]),
		SizeBytes:   len(data),
		UploadedAt:  s.now().UTC(),
	}
	if err := s.store.Evidence().Put(ctx, model.EvidenceBlob{ItemID: itemID, Evidence: ev, Data: data}); err != nil {
		return nil, err
	}
	return &ev, nil
}

func evidenceContentType(fileName string, data []byte) string {
	if ct := mime.TypeByExtension(filepath.Ext(fileName)); ct != "" {
		return ct
	}
	return http.DetectContentType(data)
}

// targetErrors checks a client asset description against the plugin's
// client-target schema.
func (s *Service) targetErrors(it model.AccessRequestItem, target map[string]any) []string {
	if len(target) == 0 {
		return nil
	}
	res := s.registry.ValidateClientTarget(it.PlatformKey, it.ItemType, target)
	errs := make([]string, 0, len(res.Errors))
	for _, e := range res.Errors {
		errs = append(errs, "clientProvidedTarget."+e)
	}
	return errs
}

func setTarget(next *model.AccessRequestItem, target map[string]any) {
	if len(target) > 0 {
		next.ClientProvidedTarget = model.CloneConfig(target)
	}
}

// CredentialsInput carries a client-owned shared login.
type CredentialsInput struct {
	Username             string         `json:"username"`
	Password             string         `json:"password"`
	ClientProvidedTarget map[string]any `json:"clientProvidedTarget,omitempty"`
}

// SubmitCredentials stores a sealed shared login for a CLIENT_OWNED PAM item.
// Any other item is rejected with OwnershipMismatchError and left unchanged.
// Once the item is validated the stored login is kept and a resubmission
// succeeds without effect.
func (s *Service) SubmitCredentials(ctx context.Context, token, itemID string, in CredentialsInput, actor string) (model.AccessRequest, error) {
	req, it, err := s.onboardingItem(ctx, token, itemID)
	if err != nil {
		return model.AccessRequest{}, err
	}
	if it.ItemType != manifest.ItemSharedAccountPAM || it.Ownership() != model.OwnershipClientOwned {
		return model.AccessRequest{}, &apperr.OwnershipMismatchError{ItemID: itemID, Ownership: it.Ownership(), Operation: "submit-credentials"}
	}
	actor = clientActor(actor)
	if it.Status == model.ItemValidated {
		return s.settled(ctx, req.ID, actor)
	}
	var errs []string
	if strings.TrimSpace(in.Username) == "" {
		errs = append(errs, "username is required")
	}
	if in.Password == "" {
		errs = append(errs, "password is required")
	}
	errs = append(errs, s.targetErrors(*it, in.ClientProvidedTarget)...)
	if len(errs) > 0 {
		return model.AccessRequest{}, apperr.Validation(errs...)
	}
	ref, err := s.sealer.Seal([]byte(in.Password))
	if err != nil {
		return model.AccessRequest{}, err
	}
	username := strings.TrimSpace(in.Username)
	return s.transition(ctx, req, it, actor, audit.EventCredentialsSubmitted, map[string]any{"username": username}, func(next *model.AccessRequestItem) error {
		next.PAMUsername = username
		next.PAMSecretRef = ref
		next.ValidationResult = &model.ValidationResult{Method: model.ValidatedByCredentials}
		setTarget(next, in.ClientProvidedTarget)
		return nil
	})
}

// VerifyOutcome reports an automated verification attempt.
type VerifyOutcome struct {
	Verified bool                `json:"verified"`
	Result   plugin.VerifyResult `json:"result"`
	Request  model.AccessRequest `json:"request"`
}

// Verify asks the platform whether access is in place and validates the item
// when it is. A negative answer leaves the item pending. Verifying a validated
// item reports it as verified without calling the platform again.
func (s *Service) Verify(ctx context.Context, token, itemID, actor string) (VerifyOutcome, error) {
	req, it, err := s.onboardingItem(ctx, token, itemID)
	if err != nil {
		return VerifyOutcome{}, err
	}
	if it.Status == model.ItemValidated {
		current, err := s.settled(ctx, req.ID, clientActor(actor))
		if err != nil {
			return VerifyOutcome{}, err
		}
		var details map[string]any
		if it.ValidationResult != nil {
			details, _ = it.ValidationResult.Details.(map[string]any)
		}
		return VerifyOutcome{Verified: true, Result: plugin.VerifyResult{Granted: true, Details: details}, Request: current}, nil
	}
	if s.verifier == nil {
		return VerifyOutcome{}, apperr.ErrUnsupported
	}
	res, err := s.verifier.VerifyItem(ctx, *it)
	if err != nil {
		return VerifyOutcome{}, err
	}
	if !res.Granted {
		s.audit.Emit(ctx, model.AuditLogEntry{
			Event:      audit.EventItemVerifyFailed,
			Actor:      clientActor(actor),
			RequestID:  req.ID,
			ItemID:     itemID,
			PlatformID: it.PlatformID,
			Details:    map[string]any{"platformKey": it.PlatformKey, "result": res.Details},
		})
		return VerifyOutcome{Verified: false, Result: res, Request: req}, nil
	}
	updated, err := s.transition(ctx, req, it, clientActor(actor), audit.EventItemVerified, map[string]any{"platformKey": it.PlatformKey}, func(next *model.AccessRequestItem) error {
		next.ValidationResult = &model.ValidationResult{Method: model.ValidatedByAutoVerify, Details: res.Details}
		return nil
	})
	if err != nil {
		return VerifyOutcome{}, err
	}
	return VerifyOutcome{Verified: true, Result: res, Request: updated}, nil
}

// Override validates an item on an administrator's authority. An item that is
// already validated keeps its original result.
func (s *Service) Override(ctx context.Context, requestID, itemID, reason, actor string) (model.AccessRequest, error) {
	reason = strings.TrimSpace(reason)
	var errs []string
	if reason == "" {
		errs = append(errs, "reason is required")
	}
	if strings.TrimSpace(actor) == "" {
		errs = append(errs, "actor is required for an override")
	}
	if len(errs) > 0 {
		return model.AccessRequest{}, apperr.Validation(errs...)
	}
	req, err := s.store.Requests().Find(ctx, requestID)
	if err != nil {
		return model.AccessRequest{}, err
	}
	it, ok := req.Item(itemID)
	if !ok {
		return model.AccessRequest{}, apperr.NotFound("access request item", itemID)
	}
	return s.transition(ctx, req, it, actor, audit.EventItemOverridden, map[string]any{"reason": reason}, func(next *model.AccessRequestItem) error {
		next.ValidationResult = &model.ValidationResult{Method: model.ValidatedByOverride, Note: reason}
		return nil
	})
}

func (s *Service) onboardingItem(ctx context.Context, token, itemID string) (model.AccessRequest, *model.AccessRequestItem, error) {
	req, err := s.store.Requests().FindByToken(ctx, token)
	if err != nil {
		return model.AccessRequest{}, nil, err
	}
	it, ok := req.Item(itemID)
	if !ok {
		return model.AccessRequest{}, nil, apperr.NotFound("access request item", itemID)
	}
	return req, it, nil
}

// transition moves one item to validated inside the store's critical section,
// audits it and completes the request when every item is validated.
func (s *Service) transition(ctx context.Context, req model.AccessRequest, it *model.AccessRequestItem, actor, event string, details map[string]any, apply func(*model.AccessRequestItem) error) (model.AccessRequest, error) {
	at := s.now().UTC()
	updated, err := s.store.Requests().UpdateItem(ctx, req.ID, it.ID, func(next *model.AccessRequestItem) error {
		if next.Status == model.ItemValidated {
			return errSettled
		}
		if err := apply(next); err != nil {
			return err
		}
		next.Status = model.ItemValidated
		next.ValidatedAt = &at
		next.ValidatedBy = actor
		return nil
	})
	if errors.Is(err, errSettled) {
		// A concurrent call validated the item first.
		return s.settled(ctx, req.ID, actor)
	}
	if err != nil {
		return model.AccessRequest{}, err
	}
	details["method"] = methodOf(updated, it.ID)
	s.audit.Emit(ctx, model.AuditLogEntry{
		Event:      event,
		Actor:      actor,
		RequestID:  req.ID,
		ItemID:     it.ID,
		PlatformID: it.PlatformID,
		Details:    details,
	})
	return s.completeIfDone(ctx, updated, actor)
}

// settled answers a call against an item that is already validated with the
// current request. It also finishes completion that an earlier call left
// undone.
func (s *Service) settled(ctx context.Context, requestID, actor string) (model.AccessRequest, error) {
	req, err := s.store.Requests().Find(ctx, requestID)
	if err != nil {
		return model.AccessRequest{}, err
	}
	return s.completeIfDone(ctx, req, actor)
}

func (s *Service) completeIfDone(ctx context.Context, req model.AccessRequest, actor string) (model.AccessRequest, error) {
	if !req.AllValidated() || req.CompletedAt != nil {
		return req, nil
	}
	at := s.now().UTC()
	done, err := s.store.Requests().MarkCompleted(ctx, req.ID, at)
	if err != nil {
		return model.AccessRequest{}, err
	}
	if !done {
		// Another call completed it first.
		return s.store.Requests().Find(ctx, req.ID)
	}
	req.CompletedAt = &at
	obs.Info("access request completed", map[string]any{"request_id": req.ID, "items": len(req.Items)})
	s.audit.Emit(ctx, model.AuditLogEntry{
		Event:     audit.EventRequestCompleted,
		Actor:     actor,
		RequestID: req.ID,
		Details:   map[string]any{"items": len(req.Items)},
	})
	return req, nil
}

func methodOf(req model.AccessRequest, itemID string) string {
	if it, ok := req.Item(itemID); ok && it.ValidationResult != nil {
		return it.ValidationResult.Method
	}
	return ""
}

var errSettled = errors.New("access request item is already validated")

func clientActor(actor string) string {
	if strings.TrimSpace(actor) == "" {
		return ClientActor
	}
	return actor
}
