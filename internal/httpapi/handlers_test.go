package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"accessdesk.org/internal/audit"
	"accessdesk.org/internal/items"
	"accessdesk.org/internal/oauth"
	"accessdesk.org/internal/pam"
	"accessdesk.org/internal/platforms"
	"accessdesk.org/internal/plugin"
	"accessdesk.org/internal/provisioning"
	"accessdesk.org/internal/requests"
	"accessdesk.org/internal/store/memory"
	"accessdesk.org/internal/stream"
	"accessdesk.org/internal/vault"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

type testEnv struct {
	*apiClient
	store *memory.Store
	hub   *stream.Stream
}

func newTestAPI(t *testing.T, burst int) *testEnv {
	t.Helper()

	reg := plugin.NewRegistry()
	require.NoError(t, platforms.RegisterAll(reg, platforms.Options{Env: func(string) string { return "" }}))
	st := memory.New()
	sealer, err := vault.NewEnvelope("test", bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	hub := stream.New()
	em := audit.NewEmitter(audit.StoreSink{Store: st.Audit()}, audit.StreamSink{Stream: hub})
	states, err := oauth.NewStateSigner([]byte("state-secret"), time.Minute)
	require.NoError(t, err)
	oauthSvc := oauth.NewService(oauth.Config{
		Registry:      reg,
		Connections:   st.Connections(),
		Sealer:        sealer,
		States:        states,
		Audit:         em,
		PublicBaseURL: "http://localhost:8080",
		CallTimeout:   time.Second,
	})
	prov := provisioning.NewService(reg, oauthSvc, st.Requests(), em, time.Second)

	api := New(Deps{
		Registry: reg,
		Admin:    items.NewService(st, reg, sealer, em),
		Requests: requests.NewService(requests.Config{
			Store: st, Registry: reg, Sealer: sealer, Audit: em, Verifier: prov, AgencyDomain: "agency.test",
		}),
		PAM:           pam.NewService(st, sealer, em),
		OAuth:         oauthSvc,
		Provisioning:  prov,
		Audit:         st.Audit(),
		Stream:        hub,
		Version:       "test",
		RateBurst:     burst,
		RatePerSecond: 1,
	})

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{
		apiClient: &apiClient{baseURL: srv.URL, client: srv.Client(), t: t},
		store:     st,
		hub:       hub,
	}
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

// result is the decoded envelope with data left raw.
type result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *errorBody      `json:"error"`
}

func decode(t *testing.T, resp *http.Response, wantStatus int, data any) result {
	t.Helper()
	defer resp.Body.Close()
	var res result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	require.Equal(t, wantStatus, resp.StatusCode, "error: %+v", res.Error)
	if data != nil && len(res.Data) > 0 {
		require.NoError(t, json.Unmarshal(res.Data, data))
	}
	return res
}

func as(actor string) map[string]string { return map[string]string{headerActor: actor} }

func TestHealthAndInfo(t *testing.T) {
	env := newTestAPI(t, 100)

	resp := env.get("/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(headerRequestID))
	resp.Body.Close()

	resp = env.get("/readyz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.get("/v1/info", nil, nil)
	defer resp.Body.Close()
	var info map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, serviceName, info["name"])
	assert.Len(t, info["platforms"], 7)

	resp = env.get("/nope", nil, nil)
	res := decode(t, resp, http.StatusNotFound, nil)
	assert.False(t, res.Success)
}

func TestPluginIntrospection(t *testing.T) {
	env := newTestAPI(t, 100)

	var infos []plugin.Info
	decode(t, env.get("/plugins", nil, nil), http.StatusOK, &infos)
	require.Len(t, infos, 7)

	var ga plugin.Info
	decode(t, env.get("/plugins/google-analytics", nil, nil), http.StatusOK, &ga)
	assert.True(t, ga.OAuth)
	assert.True(t, ga.Provisioning)

	decode(t, env.get("/plugins/myspace", nil, nil), http.StatusNotFound, nil)
	decode(t, env.get("/plugins/myspace/roles", nil, nil), http.StatusNotFound, nil)

	var roles []map[string]any
	decode(t, env.get("/plugins/mailchimp/roles", nil, nil), http.StatusOK, &roles)
	assert.NotEmpty(t, roles)

	var schema plugin.Schema
	decode(t, env.get("/plugins/mailchimp/schema/agency-config/PROXY_TOKEN", nil, nil), http.StatusOK, &schema)
	require.NotEmpty(t, schema.Fields)
	assert.Equal(t, "tokenLabel", schema.Fields[0].Name)
	decode(t, env.get("/plugins/mailchimp/schema/client-target/GROUP_ACCESS", nil, nil), http.StatusNotFound, nil)

	var verdict plugin.ValidationResult
	decode(t, env.post("/plugins/mailchimp/validate/agency-config", map[string]any{
		"itemType": "PROXY_TOKEN",
		"config":   map[string]any{},
	}, nil), http.StatusOK, &verdict)
	assert.False(t, verdict.Valid)
	assert.NotEmpty(t, verdict.Errors)

	decode(t, env.post("/plugins/mailchimp/validate/client-target", map[string]any{
		"itemType": "PROXY_TOKEN",
		"config":   map[string]any{"serverPrefix": "us21"},
	}, nil), http.StatusOK, &verdict)
	assert.True(t, verdict.Valid)
	assert.Empty(t, verdict.Errors)

	var steps []map[string]any
	decode(t, env.post("/plugins/google-analytics/instructions", map[string]any{
		"itemType":         "NAMED_INVITE",
		"role":             "analyst",
		"resolvedIdentity": "acme@agency.test",
	}, nil), http.StatusOK, &steps)
	require.NotEmpty(t, steps)
	assert.EqualValues(t, 1, steps[0]["number"])
}

func TestOAuthRoutes(t *testing.T) {
	env := newTestAPI(t, 100)

	res := decode(t, env.post("/oauth/google-analytics/start", nil, as("admin")), http.StatusServiceUnavailable, nil)
	require.NotNil(t, res.Error)
	assert.Equal(t, "provider_not_configured", res.Error.Code)
	assert.Equal(t, "google-analytics", res.Error.PlatformKey)
	assert.Contains(t, res.Error.RequiredEnvVars, "GOOGLE_ANALYTICS_CLIENT_ID")
	assert.NotEmpty(t, res.Error.DeveloperPortalURL)

	var disc oauth.DiscoverResult
	decode(t, env.post("/oauth/tiktok/discover-targets", nil, nil), http.StatusOK, &disc)
	assert.False(t, disc.Supported)
	assert.NotNil(t, disc.Targets)

	decode(t, env.get("/oauth/google-analytics/callback", url.Values{"code": {"c"}, "state": {"forged"}}, nil), http.StatusBadRequest, nil)
	decode(t, env.post("/oauth/tiktok/start", nil, nil), http.StatusUnprocessableEntity, nil)
}

func TestGovernanceRejectionOverHTTP(t *testing.T) {
	env := newTestAPI(t, 100)

	var platform map[string]any
	decode(t, env.post("/agency/platforms", map[string]any{"platformKey": "shopify"}, as("admin")), http.StatusCreated, &platform)

	res := decode(t, env.post("/agency/platforms/"+platform["id"].(string)+"/items", map[string]any{
		"itemType":  "SHARED_ACCOUNT_PAM",
		"role":      "staff",
		"pamConfig": map[string]any{"ownership": "CLIENT_OWNED"},
	}, as("admin")), http.StatusBadRequest, nil)
	require.NotNil(t, res.Error)
	assert.Equal(t, "validation_failed", res.Error.Code)
	assert.NotEmpty(t, res.Error.Details)

	var items []map[string]any
	decode(t, env.get("/agency/platforms/"+platform["id"].(string)+"/items", nil, nil), http.StatusOK, &items)
	assert.Empty(t, items)

	decode(t, env.post("/agency/platforms", map[string]any{"platformKey": "shopify"}, nil), http.StatusConflict, nil)
	decode(t, env.post("/agency/platforms", map[string]any{"platformKey": "myspace"}, nil), http.StatusBadRequest, nil)
}

func TestOnboardingAndPAMFlow(t *testing.T) {
	env := newTestAPI(t, 100)

	var client map[string]any
	decode(t, env.post("/clients", map[string]any{"name": "Acme Corp", "email": "ops@acme.test"}, as("admin")), http.StatusCreated, &client)
	var platform map[string]any
	decode(t, env.post("/agency/platforms", map[string]any{"platformKey": "mailchimp"}, as("admin")), http.StatusCreated, &platform)
	itemsPath := "/agency/platforms/" + platform["id"].(string) + "/items"

	var pamItem, tokenItem items.ItemResult
	decode(t, env.post(itemsPath, map[string]any{
		"itemType":  "SHARED_ACCOUNT_PAM",
		"role":      "admin",
		"pamConfig": map[string]any{"ownership": "CLIENT_OWNED"},
	}, as("admin")), http.StatusCreated, &pamItem)
	decode(t, env.post(itemsPath, map[string]any{
		"itemType":     "PROXY_TOKEN",
		"role":         "api_key",
		"agencyConfig": map[string]any{"tokenLabel": "agency-reporting"},
	}, as("admin")), http.StatusCreated, &tokenItem)

	var created map[string]any
	decode(t, env.post("/access-requests", map[string]any{
		"clientId": client["id"],
		"itemIds":  []string{pamItem.Item.ID, tokenItem.Item.ID},
	}, as("admin")), http.StatusCreated, &created)
	requestID := created["id"].(string)
	token := created["token"].(string)
	reqItems := created["items"].([]any)
	pamReqItem := reqItems[0].(map[string]any)["id"].(string)
	tokenReqItem := reqItems[1].(map[string]any)["id"].(string)

	var view requests.OnboardingView
	decode(t, env.get("/onboarding/"+token, nil, nil), http.StatusOK, &view)
	require.Len(t, view.Items, 2)
	assert.True(t, view.Items[0].NeedsCredentials)
	assert.Equal(t, "agency-reporting", view.Items[1].ResolvedIdentity)
	decode(t, env.get("/onboarding/not-a-token", nil, nil), http.StatusNotFound, nil)

	// Checkout before the client shares the login.
	res := decode(t, env.post("/pam/checkout", map[string]any{"requestId": requestID, "itemId": pamReqItem, "userId": "alice"}, nil), http.StatusConflict, nil)
	assert.Equal(t, "no_credential", res.Error.Code)

	decode(t, env.post("/onboarding/"+token+"/items/"+tokenReqItem+"/submit-credentials", map[string]any{
		"username": "x", "password": "y",
	}, nil), http.StatusConflict, nil)

	resp := env.post("/onboarding/"+token+"/items/"+pamReqItem+"/submit-credentials", map[string]any{
		"username":             "owner@acme.test",
		"password":             "hunter2",
		"clientProvidedTarget": map[string]any{"accountName": "Acme newsletter"},
	}, nil)
	raw := new(bytes.Buffer)
	_, _ = raw.ReadFrom(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, raw.String(), "hunter2")
	assert.Contains(t, raw.String(), "Acme newsletter")

	var checkout map[string]any
	decode(t, env.post("/pam/checkout", map[string]any{"requestId": requestID, "itemId": pamReqItem, "userId": "alice"}, nil), http.StatusOK, &checkout)
	sessionID, _ := checkout["sessionId"].(string)
	require.NotEmpty(t, sessionID)
	assert.NotEmpty(t, checkout["expiresAt"])
	assert.Equal(t, map[string]any{"username": "owner@acme.test", "password": "hunter2"}, checkout["credentials"])

	decode(t, env.post("/pam/checkout", map[string]any{"requestId": requestID, "itemId": pamReqItem, "userId": "bob"}, as("alice")), http.StatusBadRequest, nil)
	res = decode(t, env.post("/pam/checkout", map[string]any{"requestId": requestID, "itemId": pamReqItem}, as("bob")), http.StatusConflict, nil)
	assert.Equal(t, "exclusivity_violation", res.Error.Code)
	assert.Equal(t, sessionID, res.Error.ActiveSessionID)

	decode(t, env.post("/pam/checkin", map[string]any{"sessionId": sessionID, "userId": "bob"}, nil), http.StatusForbidden, nil)
	decode(t, env.post("/pam/checkin", map[string]any{"sessionId": sessionID, "userId": "alice"}, nil), http.StatusOK, nil)
	decode(t, env.post("/pam/checkin", map[string]any{"sessionId": sessionID}, as("alice")), http.StatusConflict, nil)

	var sessions []map[string]any
	decode(t, env.get("/pam/sessions", url.Values{"requestId": {requestID}}, nil), http.StatusOK, &sessions)
	require.Len(t, sessions, 1)
	assert.NotContains(t, sessions[0], "credentialRef")
	assert.Equal(t, "alice", sessions[0]["userId"])

	// Mailchimp has no provisioning API; automated verification is refused.
	decode(t, env.post("/onboarding/"+token+"/items/"+tokenReqItem+"/verify", nil, nil), http.StatusUnprocessableEntity, nil)

	res = decode(t, env.post("/onboarding/"+token+"/items/"+tokenReqItem+"/attest", map[string]any{
		"attestationText": "done",
	}, nil), http.StatusBadRequest, nil)
	assert.Equal(t, "validation_failed", res.Error.Code)

	res = decode(t, env.post("/onboarding/"+token+"/items/"+tokenReqItem+"/attest", map[string]any{
		"attestationText":      "done",
		"evidenceBase64":       base64.StdEncoding.EncodeToString([]byte("\x89PNG fake")),
		"evidenceFileName":     "key.png",
		"clientProvidedTarget": map[string]any{"serverPrefix": "US 21"},
	}, nil), http.StatusBadRequest, nil)
	assert.Equal(t, []string{"clientProvidedTarget.serverPrefix has an invalid format"}, res.Error.Details)

	var done requests.OnboardingView
	decode(t, env.post("/onboarding/"+token+"/items/"+tokenReqItem+"/attest", map[string]any{
		"attestationText":      "done",
		"evidenceBase64":       base64.StdEncoding.EncodeToString([]byte("\x89PNG fake")),
		"evidenceFileName":     "key.png",
		"clientProvidedTarget": map[string]any{"serverPrefix": "us21"},
	}, nil), http.StatusOK, &done)
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, "us21", done.Items[1].ClientProvidedTarget["serverPrefix"])
	assert.Equal(t, "Acme newsletter", done.Items[0].ClientProvidedTarget["accountName"])

	// Retries against a completed request succeed and change nothing.
	var retried requests.OnboardingView
	decode(t, env.post("/onboarding/"+token+"/items/"+tokenReqItem+"/attest", map[string]any{"attestationText": "again"}, nil), http.StatusOK, &retried)
	require.NotNil(t, retried.CompletedAt)
	assert.True(t, done.CompletedAt.Equal(*retried.CompletedAt))
	var verified map[string]any
	decode(t, env.post("/onboarding/"+token+"/items/"+tokenReqItem+"/verify", nil, nil), http.StatusOK, &verified)
	assert.Equal(t, true, verified["verified"])

	var final map[string]any
	decode(t, env.get("/access-requests/"+requestID, nil, nil), http.StatusOK, &final)
	assert.NotNil(t, final["completedAt"])

	var entries []map[string]any
	decode(t, env.get("/audit", url.Values{"requestId": {requestID}}, nil), http.StatusOK, &entries)
	var events []string
	completions := 0
	for _, e := range entries {
		events = append(events, e["event"].(string))
		if e["event"] == audit.EventRequestCompleted {
			completions++
		}
	}
	assert.Contains(t, events, audit.EventRequestCreated)
	assert.Contains(t, events, audit.EventCredentialsSubmitted)
	assert.Contains(t, events, audit.EventPAMCheckout)
	assert.Contains(t, events, audit.EventPAMCheckoutDenied)
	assert.Contains(t, events, audit.EventPAMCheckin)
	assert.Equal(t, 1, completions)

	var overridden map[string]any
	decode(t, env.post("/access-requests/"+requestID+"/items/"+tokenReqItem+"/override", map[string]any{"reason": "again"}, as("admin")), http.StatusOK, &overridden)
	assert.Equal(t, final["completedAt"], overridden["completedAt"])
}

func TestOverrideRequiresActor(t *testing.T) {
	env := newTestAPI(t, 100)
	decode(t, env.post("/access-requests/none/items/none/override", map[string]any{"reason": "x"}, nil), http.StatusBadRequest, nil)
	decode(t, env.post("/access-requests/none/items/none/override", map[string]any{"reason": "x"}, as("admin")), http.StatusNotFound, nil)
	decode(t, env.post("/access-requests", map[string]any{"clientId": "c", "itemIds": []string{}, "bogus": 1}, as("admin")), http.StatusBadRequest, nil)
}

func TestOnboardingRateLimited(t *testing.T) {
	env := newTestAPI(t, 1)

	decode(t, env.get("/onboarding/abc", nil, nil), http.StatusNotFound, nil)
	resp := env.get("/onboarding/abc", nil, nil)
	res := decode(t, resp, http.StatusTooManyRequests, nil)
	assert.Equal(t, "rate_limited", res.Error.Code)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	// Admin routes are not limited.
	decode(t, env.get("/plugins", nil, nil), http.StatusOK, nil)
	decode(t, env.get("/plugins", nil, nil), http.StatusOK, nil)
}

func TestAuditStreamDeliversEvents(t *testing.T) {
	env := newTestAPI(t, 100)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.baseURL+"/audit/stream", nil)
	require.NoError(t, err)
	resp, err := env.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return env.hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	decode(t, env.post("/clients", map[string]any{"name": "Streamed"}, as("admin")), http.StatusCreated, nil)

	reader := bufio.NewReader(resp.Body)
	var event, data string
	for event == "" || data == "" {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}
	assert.Equal(t, audit.EventClientCreated, event)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(data), &entry))
	assert.Equal(t, "admin", entry["actor"])
}
