// Package apiclient is a typed HTTP client for the accessdesk API, used by the
// smoke and load commands.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"accessdesk.org/internal/model"
	"accessdesk.org/internal/pam"
	"accessdesk.org/internal/requests"
)

// Error is a non-2xx API answer.
type Error struct {
	Status          int
	Code            string
	Message         string
	Details         []string
	ActiveSessionID string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("api %d %s: %s", e.Status, e.Code, e.Message)
	if len(e.Details) > 0 {
		msg += " (" + strings.Join(e.Details, "; ") + ")"
	}
	return msg
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Status
	}
	return 0
}

// Client calls the API as one actor.
type Client struct {
	base  string
	http  *http.Client
	actor string
}

// New creates a client; a nil httpClient gets a 10s timeout default.
func New(baseURL, actor string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: httpClient, actor: actor}
}

// As returns a copy acting as another user.
func (c *Client) As(actor string) *Client {
	cp := *c
	cp.actor = actor
	return &cp
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code            string   `json:"code"`
		Message         string   `json:"message"`
		Details         []string `json:"details"`
		ActiveSessionID string   `json:"activeSessionId"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.actor != "" {
		req.Header.Set("X-Actor", c.actor)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode %s %s (%s): %w", method, path, resp.Status, err)
	}
	if resp.StatusCode >= 300 || !env.Success {
		ae := &Error{Status: resp.StatusCode, Code: "unknown", Message: resp.Status}
		if env.Error != nil {
			ae.Code = env.Error.Code
			ae.Message = env.Error.Message
			ae.Details = env.Error.Details
			ae.ActiveSessionID = env.Error.ActiveSessionID
		}
		return ae
	}
	if out != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

// Health checks /readyz.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/readyz", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &Error{Status: resp.StatusCode, Code: "not_ready", Message: resp.Status}
	}
	return nil
}

func (c *Client) CreateClient(ctx context.Context, name string) (model.Client, error) {
	var out model.Client
	err := c.do(ctx, http.MethodPost, "/clients", map[string]string{"name": name}, &out)
	return out, err
}

// EnsurePlatform enables platformKey or returns the existing catalog entry.
func (c *Client) EnsurePlatform(ctx context.Context, platformKey string) (model.AgencyPlatform, error) {
	var out model.AgencyPlatform
	err := c.do(ctx, http.MethodPost, "/agency/platforms", map[string]string{"platformKey": platformKey}, &out)
	if StatusOf(err) != http.StatusConflict {
		return out, err
	}
	var all []model.AgencyPlatform
	if err := c.do(ctx, http.MethodGet, "/agency/platforms", nil, &all); err != nil {
		return model.AgencyPlatform{}, err
	}
	for _, p := range all {
		if p.PlatformKey == platformKey {
			return p, nil
		}
	}
	return model.AgencyPlatform{}, err
}

// ItemResult mirrors the create-item response.
type ItemResult struct {
	Item     model.AccessItem `json:"item"`
	Warnings []string         `json:"warnings"`
}

func (c *Client) CreateItem(ctx context.Context, platformID string, item model.AccessItem) (ItemResult, error) {
	var out ItemResult
	err := c.do(ctx, http.MethodPost, "/agency/platforms/"+url.PathEscape(platformID)+"/items", item, &out)
	return out, err
}

func (c *Client) CreateRequest(ctx context.Context, in requests.CreateInput) (model.AccessRequest, error) {
	var out model.AccessRequest
	err := c.do(ctx, http.MethodPost, "/access-requests", in, &out)
	return out, err
}

func (c *Client) GetRequest(ctx context.Context, id string) (model.AccessRequest, error) {
	var out model.AccessRequest
	err := c.do(ctx, http.MethodGet, "/access-requests/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) Onboarding(ctx context.Context, token string) (requests.OnboardingView, error) {
	var out requests.OnboardingView
	err := c.do(ctx, http.MethodGet, "/onboarding/"+url.PathEscape(token), nil, &out)
	return out, err
}

func (c *Client) SubmitCredentials(ctx context.Context, token, itemID string, in requests.CredentialsInput) (requests.OnboardingView, error) {
	var out requests.OnboardingView
	err := c.do(ctx, http.MethodPost, "/onboarding/"+url.PathEscape(token)+"/items/"+url.PathEscape(itemID)+"/submit-credentials", in, &out)
	return out, err
}

func (c *Client) Attest(ctx context.Context, token, itemID string, in requests.AttestInput) (requests.OnboardingView, error) {
	var out requests.OnboardingView
	err := c.do(ctx, http.MethodPost, "/onboarding/"+url.PathEscape(token)+"/items/"+url.PathEscape(itemID)+"/attest", in, &out)
	return out, err
}

func (c *Client) Checkout(ctx context.Context, requestID, itemID string) (pam.CheckoutResult, error) {
	var out pam.CheckoutResult
	err := c.do(ctx, http.MethodPost, "/pam/checkout", map[string]string{"requestId": requestID, "itemId": itemID, "userId": c.actor}, &out)
	return out, err
}

func (c *Client) Checkin(ctx context.Context, sessionID string) (model.PamSession, error) {
	var out model.PamSession
	err := c.do(ctx, http.MethodPost, "/pam/checkin", map[string]string{"sessionId": sessionID, "userId": c.actor}, &out)
	return out, err
}

func (c *Client) Sessions(ctx context.Context, requestID string) ([]model.PamSession, error) {
	var out []model.PamSession
	err := c.do(ctx, http.MethodGet, "/pam/sessions?requestId="+url.QueryEscape(requestID), nil, &out)
	return out, err
}
