// Package oauthflow holds the delegated-authorization and API-call plumbing
// shared by OAuth-capable platform adapters.
package oauthflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"accessdesk.org/internal/apperr"
	"accessdesk.org/internal/obs"
)

// EnvFunc reads one environment setting; empty means unset.
type EnvFunc func(name string) string

// Provider describes one platform's OAuth application.
type Provider struct {
	PlatformKey        string
	ClientIDEnv        string
	ClientSecretEnv    string
	DeveloperPortalURL string
	Endpoint           oauth2.Endpoint
	Scopes             []string
	// AuthParams are extra authorization URL parameters (offline access etc.).
	AuthParams map[string]string
}

// Flow runs the authorization code flow for one provider.
type Flow struct {
	provider Provider
	env      EnvFunc
	client   *http.Client
}

// Option configures a Flow.
type Option func(*Flow)

// WithHTTPClient overrides the client used for token and API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Flow) { f.client = c }
}

// New builds a flow reading credentials through env.
func New(p Provider, env EnvFunc, opts ...Option) *Flow {
	f := &Flow{provider: p, env: env}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Provider returns the provider description.
func (f *Flow) Provider() Provider { return f.provider }

// Configured reports whether both credentials are present.
func (f *Flow) Configured() bool {
	_, err := f.config("")
	return err == nil
}

func (f *Flow) config(redirectURL string) (*oauth2.Config, error) {
	var id, secret string
	if f.env != nil {
		id = strings.TrimSpace(f.env(f.provider.ClientIDEnv))
		secret = strings.TrimSpace(f.env(f.provider.ClientSecretEnv))
	}
	var missing []string
	if id == "" {
		missing = append(missing, f.provider.ClientIDEnv)
	}
	if secret == "" {
		missing = append(missing, f.provider.ClientSecretEnv)
	}
	if len(missing) > 0 {
		return nil, &apperr.ProviderNotConfiguredError{
			PlatformKey:        f.provider.PlatformKey,
			RequiredEnvVars:    []string{f.provider.ClientIDEnv, f.provider.ClientSecretEnv},
			DeveloperPortalURL: f.provider.DeveloperPortalURL,
		}
	}
	return &oauth2.Config{
		ClientID:     id,
		ClientSecret: secret,
		Endpoint:     f.provider.Endpoint,
		RedirectURL:  redirectURL,
		Scopes:       f.provider.Scopes,
	}, nil
}

func (f *Flow) withClient(ctx context.Context) context.Context {
	if f.client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, f.client)
}

// AuthURL returns the consent URL for state.
func (f *Flow) AuthURL(state, redirectURL string) (string, error) {
	cfg, err := f.config(redirectURL)
	if err != nil {
		return "", err
	}
	opts := make([]oauth2.AuthCodeOption, 0, len(f.provider.AuthParams))
	for k, v := range f.provider.AuthParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	return cfg.AuthCodeURL(state, opts...), nil
}

// Exchange trades an authorization code for tokens.
func (f *Flow) Exchange(ctx context.Context, code, redirectURL string) (*oauth2.Token, error) {
	cfg, err := f.config(redirectURL)
	if err != nil {
		return nil, err
	}
	tok, err := cfg.Exchange(f.withClient(ctx), code)
	obs.RecordExternalCall(f.provider.PlatformKey, "oauth_exchange", resultLabel(err))
	if err != nil {
		return nil, f.tokenError("oauth_exchange", err)
	}
	return tok, nil
}

// Refresh obtains a fresh access token using tok's refresh token.
func (f *Flow) Refresh(ctx context.Context, tok *oauth2.Token) (*oauth2.Token, error) {
	cfg, err := f.config("")
	if err != nil {
		return nil, err
	}
	if tok == nil || tok.RefreshToken == "" {
		return nil, apperr.Validation("no refresh token is stored for " + f.provider.PlatformKey)
	}
	// An empty access token forces the source to refresh.
	src := cfg.TokenSource(f.withClient(ctx), &oauth2.Token{RefreshToken: tok.RefreshToken})
	fresh, err := src.Token()
	obs.RecordExternalCall(f.provider.PlatformKey, "oauth_refresh", resultLabel(err))
	if err != nil {
		return nil, f.tokenError("oauth_refresh", err)
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = tok.RefreshToken
	}
	return fresh, nil
}

func (f *Flow) tokenError(op string, err error) error {
	pe := &apperr.ExternalProviderError{PlatformKey: f.provider.PlatformKey, Operation: op, Kind: apperr.ProviderTransient, Cause: err}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response != nil {
			pe.StatusCode = re.Response.StatusCode
			// Rejected grants come back as 400 invalid_grant.
			if re.Response.StatusCode == http.StatusBadRequest {
				pe.Kind = apperr.ProviderPermissionDenied
			} else {
				pe.Kind = apperr.ProviderKindForStatus(re.Response.StatusCode)
			}
		}
		pe.Message = re.ErrorCode
	}
	return pe
}

// API performs authenticated JSON calls against a platform.
type API struct {
	PlatformKey string
	BaseURL     string
	flow        *Flow
}

// API returns a JSON client rooted at baseURL.
func (f *Flow) API(baseURL string) *API {
	return &API{PlatformKey: f.provider.PlatformKey, BaseURL: strings.TrimRight(baseURL, "/"), flow: f}
}

// Do sends body as JSON and decodes a JSON response into out. Non-2xx
// responses, timeouts and transport failures become ExternalProviderError.
func (a *API) Do(ctx context.Context, tok *oauth2.Token, op, method, path string, body, out any) error {
	if tok == nil || tok.AccessToken == "" {
		return &apperr.ExternalProviderError{
			PlatformKey: a.PlatformKey, Operation: op, Kind: apperr.ProviderPermissionDenied,
			Message: "no connected account",
		}
	}
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.BaseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := oauth2.NewClient(a.flow.withClient(ctx), oauth2.StaticTokenSource(tok))
	resp, err := client.Do(req)
	if err != nil {
		obs.RecordExternalCall(a.PlatformKey, op, "transient")
		return &apperr.ExternalProviderError{PlatformKey: a.PlatformKey, Operation: op, Kind: apperr.ProviderTransient, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		kind := apperr.ProviderKindForStatus(resp.StatusCode)
		obs.RecordExternalCall(a.PlatformKey, op, string(kind))
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &apperr.ExternalProviderError{
			PlatformKey: a.PlatformKey, Operation: op, Kind: kind,
			StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg)),
		}
	}
	obs.RecordExternalCall(a.PlatformKey, op, "ok")
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return &apperr.ExternalProviderError{PlatformKey: a.PlatformKey, Operation: op, Kind: apperr.ProviderTransient, Message: "malformed response", Cause: err}
	}
	return nil
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
