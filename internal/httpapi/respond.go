package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"accessdesk.org/internal/apperr"
	"accessdesk.org/internal/obs"
)

// envelope wraps every API response.
type envelope struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *errorBody `json:"error,omitempty"`
	RequestID string     `json:"request_id,omitempty"`
}

type errorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`

	PlatformKey        string   `json:"platformKey,omitempty"`
	RequiredEnvVars    []string `json:"requiredEnvVars,omitempty"`
	DeveloperPortalURL string   `json:"developerPortalUrl,omitempty"`
	ProviderKind       string   `json:"providerKind,omitempty"`
	Retryable          bool     `json:"retryable,omitempty"`
	ActiveSessionID    string   `json:"activeSessionId,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, code int, data any) {
	writeJSON(w, code, envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, r *http.Request, code int, kind, msg string) {
	writeErrorBody(w, r, code, &errorBody{Code: kind, Message: msg})
}

func writeErrorBody(w http.ResponseWriter, r *http.Request, code int, body *errorBody) {
	writeJSON(w, code, envelope{Success: false, Error: body, RequestID: RequestIDFromContext(r.Context())})
}

// writeServiceError maps domain errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve  *apperr.ValidationError
		nf  *apperr.NotFoundError
		om  *apperr.OwnershipMismatchError
		pnc *apperr.ProviderNotConfiguredError
		pe  *apperr.ExternalProviderError
		ev  *apperr.ExclusivityViolationError
	)
	switch {
	case errors.As(err, &ve):
		writeErrorBody(w, r, http.StatusBadRequest, &errorBody{Code: "validation_failed", Message: "validation failed", Details: ve.Errors})
	case errors.As(err, &nf):
		writeError(w, r, http.StatusNotFound, "not_found", nf.Error())
	case errors.As(err, &om):
		writeError(w, r, http.StatusConflict, "ownership_mismatch", om.Error())
	case errors.As(err, &pnc):
		writeErrorBody(w, r, http.StatusServiceUnavailable, &errorBody{
			Code:               "provider_not_configured",
			Message:            pnc.Error(),
			PlatformKey:        pnc.PlatformKey,
			RequiredEnvVars:    pnc.RequiredEnvVars,
			DeveloperPortalURL: pnc.DeveloperPortalURL,
		})
	case errors.As(err, &pe):
		writeErrorBody(w, r, providerStatus(pe.Kind), &errorBody{
			Code:         "external_provider_error",
			Message:      pe.Error(),
			PlatformKey:  pe.PlatformKey,
			ProviderKind: string(pe.Kind),
			Retryable:    pe.Retryable(),
		})
	case errors.As(err, &ev):
		writeErrorBody(w, r, http.StatusConflict, &errorBody{
			Code:            "exclusivity_violation",
			Message:         ev.Error(),
			ActiveSessionID: ev.ActiveSessionID,
		})
	case errors.Is(err, apperr.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, apperr.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, apperr.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, apperr.ErrNoCredential):
		writeError(w, r, http.StatusConflict, "no_credential", err.Error())
	case errors.Is(err, apperr.ErrConflict):
		writeError(w, r, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, apperr.ErrUnsupported):
		writeError(w, r, http.StatusUnprocessableEntity, "unsupported", err.Error())
	default:
		obs.Error("request failed", err, map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
		})
		writeError(w, r, http.StatusInternalServerError, "internal", "internal error")
	}
}

func providerStatus(kind apperr.ProviderErrorKind) int {
	switch kind {
	case apperr.ProviderPermissionDenied:
		return http.StatusForbidden
	case apperr.ProviderNotFound:
		return http.StatusNotFound
	case apperr.ProviderConflict:
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

const defaultBodyLimit = 1 << 20

var errEmptyBody = errors.New("request body is required")

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	return decodeJSONLimit(w, r, dst, defaultBodyLimit)
}

func decodeJSONLimit(w http.ResponseWriter, r *http.Request, dst any, limit int64) error {
	reader := http.MaxBytesReader(w, r.Body, limit)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return errors.New("request body too large")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if err := decodeJSON(w, r, dst); err != nil && !errors.Is(err, errEmptyBody) {
		return err
	}
	return nil
}

func badRequest(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between " + strconv.Itoa(min) + " and " + strconv.Itoa(max))
	}
	return val, nil
}
