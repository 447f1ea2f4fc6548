package httpapi

import (
	"net/http"
	"strings"

	"accessdesk.org/internal/apperr"
)

type checkoutRequest struct {
	RequestID string `json:"requestId"`
	ItemID    string `json:"itemId"`
	UserID    string `json:"userId"`
}

type checkinRequest struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

// pamUser names the session holder: userId from the body, else X-Actor. The
// two must agree when both are sent.
func pamUser(r *http.Request, userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	actor := actorFrom(r)
	switch {
	case userID == "":
		return actor, nil
	case actor != "" && actor != userID:
		return "", apperr.Validation("userId does not match the X-Actor header")
	}
	return userID, nil
}

// pamCheckout is the only response that ever carries a revealed secret.
func (a *API) pamCheckout(w http.ResponseWriter, r *http.Request) {
	var in checkoutRequest
	if err := decodeJSON(w, r, &in); err != nil {
		badRequest(w, r, err)
		return
	}
	user, err := pamUser(r, in.UserID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	res, err := a.pam.Checkout(r.Context(), in.RequestID, in.ItemID, user)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (a *API) pamCheckin(w http.ResponseWriter, r *http.Request) {
	var in checkinRequest
	if err := decodeJSON(w, r, &in); err != nil {
		badRequest(w, r, err)
		return
	}
	user, err := pamUser(r, in.UserID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	sess, err := a.pam.Checkin(r.Context(), in.SessionID, user)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, sess)
}

func (a *API) pamSessions(w http.ResponseWriter, r *http.Request) {
	out, err := a.pam.ListSessions(r.Context(), r.URL.Query().Get("requestId"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, out)
}
