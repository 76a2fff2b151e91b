package server

import (
	"net/http"

	"studymate/gate"
	"studymate/idtoken"
)

type sessionRequest struct {
	IDToken string `json:"idToken"`
}

// handleSessionCreate stores the client's ID token as the session cookie.
// Only the token's shape is checked here; the gate verifies it on every
// request.
func (a *App) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.IDToken == "" {
		writeError(w, http.StatusBadRequest, "ID token is required")
		return
	}
	if !idtoken.HasCompactShape(req.IDToken) {
		writeError(w, http.StatusBadRequest, "Invalid token format")
		return
	}

	a.Cookie.Set(w, req.IDToken)
	a.Logger.Debug("session cookie set")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Session created"})
}

// handleSessionDelete clears the session cookie. Repeating it is harmless.
func (a *App) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	a.Cookie.Clear(w)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type sessionStatus struct {
	Authenticated bool   `json:"authenticated"`
	UID           string `json:"uid,omitempty"`
	Email         string `json:"email,omitempty"`
}

// handleSessionStatus is an advisory probe for the frontend. It reports the
// gate's verdict when the gate checked the cookie, and otherwise decodes the
// cookie payload without checking the signature. It must not be used to
// authorize anything.
func (a *App) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	if claims, ok := gate.ClaimsFromContext(r.Context()); ok {
		writeJSON(w, http.StatusOK, sessionStatus{Authenticated: true, UID: claims.Subject(), Email: claims.Email()})
		return
	}
	if state, ok := gate.SessionStateFromContext(r.Context()); ok && state != gate.SessionValid {
		writeJSON(w, http.StatusOK, sessionStatus{})
		return
	}
	token, ok := a.Cookie.Read(r)
	if !ok {
		writeJSON(w, http.StatusOK, sessionStatus{})
		return
	}
	peek, err := idtoken.PeekUnverified(token)
	if err != nil || peek.Expired(a.now()) {
		writeJSON(w, http.StatusOK, sessionStatus{})
		return
	}
	writeJSON(w, http.StatusOK, sessionStatus{Authenticated: true, UID: peek.Subject, Email: peek.Email})
}
