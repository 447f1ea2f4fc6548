package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"accessdesk.org/internal/items"
	"accessdesk.org/internal/model"
)

type createClientRequest struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

type enablePlatformRequest struct {
	PlatformKey string `json:"platformKey"`
}

func (a *API) createClient(w http.ResponseWriter, r *http.Request) {
	var req createClientRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	c, err := a.admin.CreateClient(r.Context(), req.Name, req.Email)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, c)
}

func (a *API) getClient(w http.ResponseWriter, r *http.Request) {
	c, err := a.admin.GetClient(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, c)
}

func (a *API) enablePlatform(w http.ResponseWriter, r *http.Request) {
	var req enablePlatformRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	p, err := a.admin.EnablePlatform(r.Context(), req.PlatformKey)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, p)
}

func (a *API) listPlatforms(w http.ResponseWriter, r *http.Request) {
	out, err := a.admin.ListPlatforms(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, out)
}

// createItem runs the governance engine; warnings ride along with the stored item.
func (a *API) createItem(w http.ResponseWriter, r *http.Request) {
	var in model.AccessItem
	if err := decodeJSON(w, r, &in); err != nil {
		badRequest(w, r, err)
		return
	}
	res, err := a.admin.CreateItem(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if res.Warnings == nil {
		res.Warnings = []string{}
	}
	writeData(w, http.StatusCreated, res)
}

func (a *API) listItems(w http.ResponseWriter, r *http.Request) {
	out, err := a.admin.ListItems(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, out)
}

func (a *API) createIdentity(w http.ResponseWriter, r *http.Request) {
	var in items.IdentityInput
	if err := decodeJSON(w, r, &in); err != nil {
		badRequest(w, r, err)
		return
	}
	ident, err := a.admin.CreateIdentity(r.Context(), in)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, ident)
}

func (a *API) listIdentities(w http.ResponseWriter, r *http.Request) {
	out, err := a.admin.ListIdentities(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, out)
}
