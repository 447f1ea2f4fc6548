package apiclient

import (
	"context"
	"fmt"

	"accessdesk.org/internal/manifest"
	"accessdesk.org/internal/model"
	"accessdesk.org/internal/requests"
)

// PAMFixture is a request whose single shared-account item already holds the
// client's credentials.
type PAMFixture struct {
	ClientID  string
	RequestID string
	ItemID    string
	Token     string
}

// SeedPAMRequest walks the admin and client flows on Mailchimp, the platform
// where shared-account access is recommended.
func (c *Client) SeedPAMRequest(ctx context.Context, clientName, username, secret string) (PAMFixture, error) {
	client, err := c.CreateClient(ctx, clientName)
	if err != nil {
		return PAMFixture{}, fmt.Errorf("create client: %w", err)
	}
	platform, err := c.EnsurePlatform(ctx, "mailchimp")
	if err != nil {
		return PAMFixture{}, fmt.Errorf("enable platform: %w", err)
	}
	item, err := c.CreateItem(ctx, platform.ID, model.AccessItem{
		ItemType:  manifest.ItemSharedAccountPAM,
		Role:      "admin",
		Label:     "Shared admin login",
		PAMConfig: &model.PAMConfig{Ownership: model.OwnershipClientOwned},
	})
	if err != nil {
		return PAMFixture{}, fmt.Errorf("create item: %w", err)
	}
	req, err := c.CreateRequest(ctx, requests.CreateInput{ClientID: client.ID, ItemIDs: []string{item.Item.ID}})
	if err != nil {
		return PAMFixture{}, fmt.Errorf("create request: %w", err)
	}
	if len(req.Items) != 1 {
		return PAMFixture{}, fmt.Errorf("create request: expected 1 item, got %d", len(req.Items))
	}
	fx := PAMFixture{ClientID: client.ID, RequestID: req.ID, ItemID: req.Items[0].ID, Token: req.Token}
	if _, err := c.SubmitCredentials(ctx, fx.Token, fx.ItemID, requests.CredentialsInput{Username: username, Password: secret}); err != nil {
		return PAMFixture{}, fmt.Errorf("submit credentials: %w", err)
	}
	return fx, nil
}
