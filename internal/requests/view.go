package requests

import (
	"context"
	"time"

	"accessdesk.org/internal/manifest"
	"accessdesk.org/internal/model"
)

// OnboardingItem is the client-facing view of one request item.
type OnboardingItem struct {
	ID                   string                  `json:"id"`
	PlatformKey          string                  `json:"platformKey"`
	ItemType             manifest.ItemType       `json:"itemType"`
	Role                 string                  `json:"role"`
	ResolvedIdentity     string                  `json:"resolvedIdentity,omitempty"`
	ClientInstructions   []model.InstructionStep `json:"clientInstructions"`
	VerificationMode     string                  `json:"verificationMode"`
	Status               model.ItemStatus        `json:"status"`
	NeedsCredentials     bool                    `json:"needsCredentials"`
	ClientProvidedTarget map[string]any          `json:"clientProvidedTarget,omitempty"`
	ValidatedAt          *time.Time              `json:"validatedAt,omitempty"`
}

// OnboardingView is what the client sees behind the onboarding token. It
// carries no agency config, PAM policy or credential material.
type OnboardingView struct {
	RequestID   string           `json:"requestId"`
	ClientName  string           `json:"clientName"`
	Items       []OnboardingItem `json:"items"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
}

// Onboarding returns the client view for token.
func (s *Service) Onboarding(ctx context.Context, token string) (OnboardingView, error) {
	req, err := s.store.Requests().FindByToken(ctx, token)
	if err != nil {
		return OnboardingView{}, err
	}
	client, err := s.store.Clients().Find(ctx, req.ClientID)
	if err != nil {
		return OnboardingView{}, err
	}
	view := OnboardingView{
		RequestID:   req.ID,
		ClientName:  client.Name,
		Items:       make([]OnboardingItem, 0, len(req.Items)),
		CompletedAt: req.CompletedAt,
	}
	for _, it := range req.Items {
		view.Items = append(view.Items, OnboardingItem{
			ID:                   it.ID,
			PlatformKey:          it.PlatformKey,
			ItemType:             it.ItemType,
			Role:                 it.Role,
			ResolvedIdentity:     it.ResolvedIdentity,
			ClientInstructions:   it.ClientInstructions,
			VerificationMode:     it.VerificationMode,
			Status:               it.Status,
			NeedsCredentials:     it.ItemType == manifest.ItemSharedAccountPAM && it.Ownership() == model.OwnershipClientOwned && it.Status == model.ItemPending,
			ClientProvidedTarget: it.ClientProvidedTarget,
			ValidatedAt:          it.ValidatedAt,
		})
	}
	return view, nil
}
