package pam

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"accessdesk.org/internal/apperr"
	"accessdesk.org/internal/audit"
	"accessdesk.org/internal/items"
	"accessdesk.org/internal/manifest"
	"accessdesk.org/internal/model"
	"accessdesk.org/internal/platforms"
	"accessdesk.org/internal/plugin"
	"accessdesk.org/internal/requests"
	"accessdesk.org/internal/store"
	"accessdesk.org/internal/store/memory"
	"accessdesk.org/internal/vault"
)

type fixture struct {
	svc       *Service
	admin     *items.Service
	requests  *requests.Service
	st        *memory.Store
	client    model.Client
	mailchimp model.AgencyPlatform
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := plugin.NewRegistry()
	require.NoError(t, platforms.RegisterAll(reg, platforms.Options{}))
	sealer, err := vault.NewEnvelope("test", bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)
	st := memory.New()
	em := audit.NewEmitter(audit.StoreSink{Store: st.Audit()})
	f := &fixture{
		svc:      NewService(st, sealer, em),
		admin:    items.NewService(st, reg, sealer, em),
		requests: requests.NewService(requests.Config{Store: st, Registry: reg, Sealer: sealer, Audit: em, AgencyDomain: "agency.test"}),
		st:       st,
	}
	ctx := context.Background()
	f.client, err = f.admin.CreateClient(ctx, "Acme Corp", "")
	require.NoError(t, err)
	f.mailchimp, err = f.admin.EnablePlatform(ctx, "mailchimp")
	require.NoError(t, err)
	return f
}

func (f *fixture) request(t *testing.T, it model.AccessItem) model.AccessRequest {
	t.Helper()
	ctx := context.Background()
	res, err := f.admin.CreateItem(ctx, f.mailchimp.ID, it)
	require.NoError(t, err)
	req, err := f.requests.Create(ctx, requests.CreateInput{ClientID: f.client.ID, ItemIDs: []string{res.Item.ID}}, "admin@agency.test")
	require.NoError(t, err)
	return req
}

func clientOwned() model.AccessItem {
	return model.AccessItem{
		ItemType:  manifest.ItemSharedAccountPAM,
		Role:      "admin",
		PAMConfig: &model.PAMConfig{Ownership: model.OwnershipClientOwned},
	}
}

func (f *fixture) submitted(t *testing.T) (model.AccessRequest, string) {
	t.Helper()
	req := f.request(t, clientOwned())
	itemID := req.Items[0].ID
	_, err := f.requests.SubmitCredentials(context.Background(), req.Token, itemID, requests.CredentialsInput{Username: "owner@acme.test", Password: "pa55"}, "")
	require.NoError(t, err)
	return req, itemID
}

func TestCheckoutRequiresCredential(t *testing.T) {
	f := newFixture(t)
	req := f.request(t, clientOwned())
	_, err := f.svc.Checkout(context.Background(), req.ID, req.Items[0].ID, "alice")
	assert.ErrorIs(t, err, apperr.ErrNoCredential)
}

func TestCheckoutLifecycle(t *testing.T) {
	f := newFixture(t)
	req, itemID := f.submitted(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return base }

	out, err := f.svc.Checkout(ctx, req.ID, itemID, "alice")
	require.NoError(t, err)
	assert.Equal(t, Credential{Username: "owner@acme.test", Password: "pa55"}, out.Credentials)
	assert.Equal(t, base.Add(60*time.Minute), out.ExpiresAt)
	active, err := f.st.Sessions().Find(ctx, out.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, active.Status)
	assert.Equal(t, "alice", active.UserID)

	_, err = f.svc.Checkout(ctx, req.ID, itemID, "bob")
	var ev *apperr.ExclusivityViolationError
	require.True(t, errors.As(err, &ev))
	assert.Equal(t, out.SessionID, ev.ActiveSessionID)

	_, err = f.svc.Checkin(ctx, out.SessionID, "bob")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	closed, err := f.svc.Checkin(ctx, out.SessionID, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.SessionCheckedIn, closed.Status)
	assert.Equal(t, "alice", closed.CheckedInBy)
	require.NotNil(t, closed.CheckedInAt)

	_, err = f.svc.Checkin(ctx, out.SessionID, "alice")
	assert.ErrorIs(t, err, apperr.ErrConflict)

	_, err = f.svc.Checkout(ctx, req.ID, itemID, "bob")
	require.NoError(t, err)

	sessions, err := f.svc.ListSessions(ctx, req.ID)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)

	entries, err := f.st.Audit().List(ctx, store.AuditFilter{RequestID: req.ID})
	require.NoError(t, err)
	var events []string
	for _, e := range entries {
		events = append(events, e.Event)
	}
	assert.Contains(t, events, audit.EventPAMCheckout)
	assert.Contains(t, events, audit.EventPAMCheckoutDenied)
	assert.Contains(t, events, audit.EventPAMCheckin)
	for _, e := range entries {
		assert.NotContains(t, fmt.Sprint(e.Details), "pa55")
		if e.Event == audit.EventPAMCheckout || e.Event == audit.EventPAMCheckin {
			assert.Equal(t, f.mailchimp.ID, e.PlatformID, e.Event)
		}
	}
}

func TestExpiredSessionIsClosedOnNextCheckout(t *testing.T) {
	f := newFixture(t)
	req, itemID := f.submitted(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return base }

	first, err := f.svc.Checkout(ctx, req.ID, itemID, "alice")
	require.NoError(t, err)

	f.svc.now = func() time.Time { return base.Add(61 * time.Minute) }
	second, err := f.svc.Checkout(ctx, req.ID, itemID, "bob")
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID)

	old, err := f.st.Sessions().Find(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionCheckedIn, old.Status)
	assert.Equal(t, model.SystemExpiryActor, old.CheckedInBy)

	entries, err := f.st.Audit().List(ctx, store.AuditFilter{RequestID: req.ID})
	require.NoError(t, err)
	var expired int
	for _, e := range entries {
		if e.Event == audit.EventPAMExpired {
			expired++
			assert.Equal(t, first.SessionID, e.Details["sessionId"])
		}
	}
	assert.Equal(t, 1, expired)
}

func TestConcurrentCheckoutAdmitsOne(t *testing.T) {
	f := newFixture(t)
	req, itemID := f.submitted(t)
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := f.svc.Checkout(ctx, req.ID, itemID, fmt.Sprintf("user-%d", n))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, apperr.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, workers-1, conflicts)
}

func TestAgencyOwnedUsesIdentitySecret(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ident, err := f.admin.CreateIdentity(ctx, items.IdentityInput{Name: "Shared ops", Type: "MAILBOX", Identifier: "ops@agency.test", Secret: "agency-secret"})
	require.NoError(t, err)

	req := f.request(t, model.AccessItem{
		ItemType: manifest.ItemSharedAccountPAM,
		Role:     "admin",
		PAMConfig: &model.PAMConfig{
			Ownership:        model.OwnershipAgencyOwned,
			IdentityPurpose:  model.PurposeHumanInteractive,
			IdentityStrategy: model.PAMStrategyStaticAgency,
			AgencyIdentityID: ident.ID,
		},
	})
	out, err := f.svc.Checkout(ctx, req.ID, req.Items[0].ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, Credential{Username: "ops@agency.test", Password: "agency-secret"}, out.Credentials)
}

func TestClientDedicatedMailboxDuration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	minutes := 30
	req := f.request(t, model.AccessItem{
		ItemType: manifest.ItemSharedAccountPAM,
		Role:     "admin",
		PAMConfig: &model.PAMConfig{
			Ownership:               model.OwnershipAgencyOwned,
			IdentityPurpose:         model.PurposeHumanInteractive,
			IdentityStrategy:        model.PAMStrategyClientDedicated,
			IdentityType:            model.PAMIdentityMailbox,
			NamingTemplate:          "{clientSlug}-{platformKey}@agency.test",
			CheckoutDurationMinutes: &minutes,
		},
	})
	itemID := req.Items[0].ID
	require.Equal(t, "acme-corp-mailchimp@agency.test", req.Items[0].ResolvedIdentity)

	_, err := f.svc.Checkout(ctx, req.ID, itemID, "alice")
	assert.ErrorIs(t, err, apperr.ErrNoCredential, "mailbox not registered yet")

	_, err = f.admin.CreateIdentity(ctx, items.IdentityInput{Name: "Acme mailbox", Type: "MAILBOX", Identifier: "acme-corp-mailchimp@agency.test", Secret: "mbx"})
	require.NoError(t, err)

	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return base }
	out, err := f.svc.Checkout(ctx, req.ID, itemID, "alice")
	require.NoError(t, err)
	assert.Equal(t, base.Add(30*time.Minute), out.ExpiresAt)
	assert.Equal(t, "mbx", out.Credentials.Password)
}

func TestCheckoutRejectsNonPAMItems(t *testing.T) {
	f := newFixture(t)
	res, err := f.admin.CreateItem(context.Background(), f.mailchimp.ID, model.AccessItem{
		ItemType:     manifest.ItemProxyToken,
		Role:         "api_key",
		AgencyConfig: map[string]any{"tokenLabel": "agency-reporting"},
	})
	require.NoError(t, err)
	req, err := f.requests.Create(context.Background(), requests.CreateInput{ClientID: f.client.ID, ItemIDs: []string{res.Item.ID}}, "admin")
	require.NoError(t, err)

	_, err = f.svc.Checkout(context.Background(), req.ID, req.Items[0].ID, "alice")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = f.svc.Checkout(context.Background(), req.ID, req.Items[0].ID, " ")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}
