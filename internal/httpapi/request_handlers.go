package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"accessdesk.org/internal/requests"
)

// Evidence arrives base64 encoded inside JSON.
const evidenceBodyLimit = requests.MaxEvidenceBytes*4/3 + 64<<10

type overrideRequest struct {
	Reason string `json:"reason"`
}

func (a *API) createRequest(w http.ResponseWriter, r *http.Request) {
	var in requests.CreateInput
	if err := decodeJSON(w, r, &in); err != nil {
		badRequest(w, r, err)
		return
	}
	req, err := a.requests.Create(r.Context(), in, actorFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, req)
}

func (a *API) getRequest(w http.ResponseWriter, r *http.Request) {
	req, err := a.requests.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, req)
}

func (a *API) overrideItem(w http.ResponseWriter, r *http.Request) {
	var in overrideRequest
	if err := decodeJSON(w, r, &in); err != nil {
		badRequest(w, r, err)
		return
	}
	req, err := a.requests.Override(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "itemId"), in.Reason, actorFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, req)
}

func (a *API) grantItem(w http.ResponseWriter, r *http.Request) {
	out, err := a.provisioning.Grant(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "itemId"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, out)
}

func (a *API) revokeItem(w http.ResponseWriter, r *http.Request) {
	if err := a.provisioning.Revoke(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "itemId")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"revoked": true})
}

func (a *API) onboardingView(w http.ResponseWriter, r *http.Request) {
	view, err := a.requests.Onboarding(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, view)
}

func (a *API) attestItem(w http.ResponseWriter, r *http.Request) {
	var in requests.AttestInput
	if err := decodeJSONLimit(w, r, &in, evidenceBodyLimit); err != nil {
		badRequest(w, r, err)
		return
	}
	req, err := a.requests.Attest(r.Context(), chi.URLParam(r, "token"), chi.URLParam(r, "itemId"), in, actorFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	a.writeOnboarding(w, r, req.Token)
}

// submitCredentials never echoes the secret back.
func (a *API) submitCredentials(w http.ResponseWriter, r *http.Request) {
	var in requests.CredentialsInput
	if err := decodeJSON(w, r, &in); err != nil {
		badRequest(w, r, err)
		return
	}
	req, err := a.requests.SubmitCredentials(r.Context(), chi.URLParam(r, "token"), chi.URLParam(r, "itemId"), in, actorFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	a.writeOnboarding(w, r, req.Token)
}

func (a *API) verifyItem(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	out, err := a.requests.Verify(r.Context(), token, chi.URLParam(r, "itemId"), actorFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	view, err := a.requests.Onboarding(r.Context(), token)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"verified":   out.Verified,
		"result":     out.Result,
		"onboarding": view,
	})
}

// writeOnboarding answers client routes with the client view rather than the
// admin request record.
func (a *API) writeOnboarding(w http.ResponseWriter, r *http.Request, token string) {
	view, err := a.requests.Onboarding(r.Context(), token)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, view)
}
