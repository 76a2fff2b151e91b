package server

import (
	"errors"
	"net/http"

	"studymate/gate"
	"studymate/idtoken"
	"studymate/profile"
)

// requireIdentity returns the claims the gate attached, or writes 401.
func requireIdentity(w http.ResponseWriter, r *http.Request) (*idtoken.Claims, bool) {
	claims, ok := gate.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return nil, false
	}
	return claims, true
}

func (a *App) handleProfileStatus(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	status, err := a.Profiles.Status(r.Context(), claims.Subject())
	if err != nil {
		a.Logger.Error("profile status lookup failed", "uid", claims.Subject(), "error", err)
		writeError(w, http.StatusInternalServerError, "profile lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *App) handleProfileGet(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	p, err := a.Profiles.Get(r.Context(), claims.Subject())
	switch {
	case errors.Is(err, profile.ErrNotFound):
		writeError(w, http.StatusNotFound, "profile not found")
	case err != nil:
		a.Logger.Error("profile lookup failed", "uid", claims.Subject(), "error", err)
		writeError(w, http.StatusInternalServerError, "profile lookup failed")
	default:
		writeJSON(w, http.StatusOK, p)
	}
}

func (a *App) handleProfileUpdate(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var u profile.Update
	if err := decodeJSON(w, r, &u); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := u.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := a.Profiles.Update(r.Context(), claims.Subject(), claims.Email(), claims.EmailVerified(), u)
	if err != nil {
		a.Logger.Error("profile update failed", "uid", claims.Subject(), "error", err)
		writeError(w, http.StatusInternalServerError, "profile update failed")
		return
	}
	a.Logger.Info("profile updated", "uid", claims.Subject(), "completed", p.Completed())
	writeJSON(w, http.StatusOK, p)
}
