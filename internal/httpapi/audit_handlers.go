package httpapi

import (
	"net/http"

	"accessdesk.org/internal/model"
	"accessdesk.org/internal/store"
)

func (a *API) listAudit(w http.ResponseWriter, r *http.Request) {
	if a.audit == nil {
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", "audit store disabled")
		return
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		badRequest(w, r, err)
		return
	}
	entries, err := a.audit.List(r.Context(), store.AuditFilter{
		RequestID: r.URL.Query().Get("requestId"),
		Limit:     limit,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.AuditLogEntry{}
	}
	writeData(w, http.StatusOK, entries)
}
