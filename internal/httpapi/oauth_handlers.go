package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type callbackRequest struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

func (a *API) oauthStart(w http.ResponseWriter, r *http.Request) {
	res, err := a.oauth.Start(r.Context(), chi.URLParam(r, "platformKey"), actorFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

// oauthCallback accepts the provider redirect (query) or a relayed JSON body.
func (a *API) oauthCallback(w http.ResponseWriter, r *http.Request) {
	req := callbackRequest{
		Code:  r.URL.Query().Get("code"),
		State: r.URL.Query().Get("state"),
	}
	if r.Method == http.MethodPost {
		if err := decodeOptionalJSON(w, r, &req); err != nil {
			badRequest(w, r, err)
			return
		}
	}
	if msg := r.URL.Query().Get("error"); msg != "" && req.Code == "" {
		writeError(w, r, http.StatusBadRequest, "oauth_denied", "provider returned error: "+msg)
		return
	}
	conn, err := a.oauth.Callback(r.Context(), chi.URLParam(r, "platformKey"), req.Code, req.State)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, conn)
}

func (a *API) oauthRefresh(w http.ResponseWriter, r *http.Request) {
	conn, err := a.oauth.Refresh(r.Context(), chi.URLParam(r, "platformKey"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, conn)
}

func (a *API) oauthDiscover(w http.ResponseWriter, r *http.Request) {
	res, err := a.oauth.DiscoverTargets(r.Context(), chi.URLParam(r, "platformKey"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}
