package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"accessdesk.org/internal/manifest"
	"accessdesk.org/internal/plugin"
)

func (a *API) platformKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := chi.URLParam(r, "platformKey")
	if _, ok := a.registry.Get(key); !ok {
		writeError(w, r, http.StatusNotFound, "not_found", "platform not found: "+key)
		return "", false
	}
	return key, true
}

func (a *API) listPlugins(w http.ResponseWriter, r *http.Request) {
	out := a.registry.Describe()
	if out == nil {
		out = []plugin.Info{}
	}
	writeData(w, http.StatusOK, out)
}

func (a *API) getPlugin(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "platformKey")
	info, ok := a.registry.DescribeOne(key)
	if !ok {
		writeError(w, r, http.StatusNotFound, "not_found", "platform not found: "+key)
		return
	}
	writeData(w, http.StatusOK, info)
}

func (a *API) pluginRoles(w http.ResponseWriter, r *http.Request) {
	if key, ok := a.platformKey(w, r); ok {
		writeData(w, http.StatusOK, a.registry.Roles(key))
	}
}

func (a *API) pluginAccessTypes(w http.ResponseWriter, r *http.Request) {
	if key, ok := a.platformKey(w, r); ok {
		writeData(w, http.StatusOK, a.registry.AccessTypes(key))
	}
}

func (a *API) agencyConfigSchema(w http.ResponseWriter, r *http.Request) {
	a.writeSchema(w, r, a.registry.AgencyConfigSchema)
}

func (a *API) clientTargetSchema(w http.ResponseWriter, r *http.Request) {
	a.writeSchema(w, r, a.registry.ClientTargetSchema)
}

func (a *API) writeSchema(w http.ResponseWriter, r *http.Request, lookup func(string, manifest.ItemType) *plugin.Schema) {
	key, ok := a.platformKey(w, r)
	if !ok {
		return
	}
	t := manifest.ItemType(chi.URLParam(r, "itemType"))
	m, _ := a.registry.Manifest(key)
	if !m.Supports(t) {
		writeError(w, r, http.StatusNotFound, "not_found", "item type not supported by "+key+": "+string(t))
		return
	}
	schema := lookup(key, t)
	if schema == nil {
		schema = plugin.NewSchema()
	}
	writeData(w, http.StatusOK, schema)
}

type validateRequest struct {
	ItemType manifest.ItemType `json:"itemType"`
	Config   map[string]any    `json:"config"`
}

func (a *API) validateAgencyConfig(w http.ResponseWriter, r *http.Request) {
	a.validate(w, r, a.registry.ValidateAgencyConfig)
}

func (a *API) validateClientTarget(w http.ResponseWriter, r *http.Request) {
	a.validate(w, r, a.registry.ValidateClientTarget)
}

// validate always answers 200; the verdict is in the body.
func (a *API) validate(w http.ResponseWriter, r *http.Request, check func(string, manifest.ItemType, map[string]any) plugin.ValidationResult) {
	key, ok := a.platformKey(w, r)
	if !ok {
		return
	}
	var req validateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	res := check(key, req.ItemType, req.Config)
	if res.Errors == nil {
		res.Errors = []string{}
	}
	writeData(w, http.StatusOK, res)
}

func (a *API) buildInstructions(w http.ResponseWriter, r *http.Request) {
	key, ok := a.platformKey(w, r)
	if !ok {
		return
	}
	var ic plugin.InstructionContext
	if err := decodeJSON(w, r, &ic); err != nil {
		badRequest(w, r, err)
		return
	}
	writeData(w, http.StatusOK, a.registry.BuildClientInstructions(key, ic))
}
