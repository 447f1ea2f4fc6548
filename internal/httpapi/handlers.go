package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"accessdesk.org/internal/items"
	"accessdesk.org/internal/oauth"
	"accessdesk.org/internal/obs"
	"accessdesk.org/internal/pam"
	"accessdesk.org/internal/plugin"
	"accessdesk.org/internal/provisioning"
	"accessdesk.org/internal/requests"
	"accessdesk.org/internal/store"
	"accessdesk.org/internal/stream"
)

const serviceName = "accessdesk-api"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe pings the database and redis when they are configured.
type ReadyProbe struct {
	DB    *sql.DB
	Redis redis.Cmdable
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Deps are the services the API dispatches to.
type Deps struct {
	Registry     *plugin.Registry
	Admin        *items.Service
	Requests     *requests.Service
	PAM          *pam.Service
	OAuth        *oauth.Service
	Provisioning *provisioning.Service
	Audit        store.AuditStore
	Stream       *stream.Stream
	Ready        readinessChecker
	Version      string

	AllowedOrigins []string
	RateBurst      int
	RatePerSecond  int
}

// API is the HTTP layer.
type API struct {
	registry     *plugin.Registry
	admin        *items.Service
	requests     *requests.Service
	pam          *pam.Service
	oauth        *oauth.Service
	provisioning *provisioning.Service
	audit        store.AuditStore
	stream       *stream.Stream
	readyProbe   readinessChecker
	version      string

	origins    []string
	rateBurst  int
	ratePerSec int
}

func New(d Deps) *API {
	a := &API{
		registry:     d.Registry,
		admin:        d.Admin,
		requests:     d.Requests,
		pam:          d.PAM,
		oauth:        d.OAuth,
		provisioning: d.Provisioning,
		audit:        d.Audit,
		stream:       d.Stream,
		readyProbe:   d.Ready,
		version:      d.Version,
		origins:      d.AllowedOrigins,
		rateBurst:    d.RateBurst,
		ratePerSec:   d.RatePerSecond,
	}
	if a.readyProbe == nil {
		a.readyProbe = ReadyProbe{}
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 20
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 10
	}
	return a
}

// Handler builds the router. Evidence uploads bound the global body limit.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID, LoggingJSON, SecurityHeaders, CORS(a.origins), Actor, MaxBodyBytes(evidenceBodyLimit))
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())

	r.Route("/plugins", func(r chi.Router) {
		r.Get("/", a.listPlugins)
		r.Route("/{platformKey}", func(r chi.Router) {
			r.Get("/", a.getPlugin)
			r.Get("/roles", a.pluginRoles)
			r.Get("/access-types", a.pluginAccessTypes)
			r.Get("/schema/agency-config/{itemType}", a.agencyConfigSchema)
			r.Get("/schema/client-target/{itemType}", a.clientTargetSchema)
			r.Post("/validate/agency-config", a.validateAgencyConfig)
			r.Post("/validate/client-target", a.validateClientTarget)
			r.Post("/instructions", a.buildInstructions)
		})
	})

	r.Route("/oauth/{platformKey}", func(r chi.Router) {
		r.Post("/start", a.oauthStart)
		r.Get("/callback", a.oauthCallback)
		r.Post("/callback", a.oauthCallback)
		r.Post("/refresh", a.oauthRefresh)
		r.Post("/discover-targets", a.oauthDiscover)
	})

	r.Post("/clients", a.createClient)
	r.Get("/clients/{id}", a.getClient)

	r.Route("/agency", func(r chi.Router) {
		r.Get("/platforms", a.listPlatforms)
		r.Post("/platforms", a.enablePlatform)
		r.Get("/platforms/{id}/items", a.listItems)
		r.Post("/platforms/{id}/items", a.createItem)
		r.Get("/integration-identities", a.listIdentities)
		r.Post("/integration-identities", a.createIdentity)
	})

	r.Route("/access-requests", func(r chi.Router) {
		r.Post("/", a.createRequest)
		r.Get("/{id}", a.getRequest)
		r.Post("/{id}/items/{itemId}/override", a.overrideItem)
		r.Post("/{id}/items/{itemId}/grant", a.grantItem)
		r.Post("/{id}/items/{itemId}/revoke", a.revokeItem)
	})

	r.Route("/onboarding/{token}", func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler { return RateLimit(next, a.rateBurst, a.ratePerSec) })
		r.Get("/", a.onboardingView)
		r.Post("/items/{itemId}/attest", a.attestItem)
		r.Post("/items/{itemId}/submit-credentials", a.submitCredentials)
		r.Post("/items/{itemId}/verify", a.verifyItem)
	})

	r.Route("/pam", func(r chi.Router) {
		r.Post("/checkout", a.pamCheckout)
		r.Post("/checkin", a.pamCheckin)
		r.Get("/sessions", a.pamSessions)
	})

	r.Get("/audit", a.listAudit)
	r.Get("/audit/stream", a.Stream)

	return obs.Instrument(r)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":      serviceName,
		"time":      time.Now().UTC().Format(time.RFC3339),
		"version":   a.version,
		"platforms": a.registry.Keys(),
	})
}
