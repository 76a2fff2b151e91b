package server

import (
	"net/http"
	"net/url"

	"studymate/identity"
)

// Action modes sent in out-of-band email links.
const (
	modeVerifyEmail   = "verifyEmail"
	modeRecoverEmail  = "recoverEmail"
	modeResetPassword = "resetPassword"
)

// handleAction consumes action codes from provider emails. Verification and
// email recovery are applied here; password resets are handed to the reset
// page, which needs the code together with the new password.
func (a *App) handleAction(w http.ResponseWriter, r *http.Request) {
	policy := a.Gate.Policy()
	q := r.URL.Query()
	code := q.Get(policy.CallbackParam)
	if code == "" {
		http.Redirect(w, r, policy.VerifyEmailPath, http.StatusFound)
		return
	}

	mode := q.Get("mode")
	if mode == "" {
		mode = modeVerifyEmail
	}

	switch mode {
	case modeResetPassword:
		v := url.Values{}
		v.Set("mode", mode)
		v.Set(policy.CallbackParam, code)
		http.Redirect(w, r, policy.ResetPasswordPath+"?"+v.Encode(), http.StatusFound)
	case modeVerifyEmail, modeRecoverEmail:
		if a.Identity == nil {
			a.Logger.Error("action code received but identity client is not configured", "mode", mode)
			a.redirectVerifyError(w, r, identity.LocalizedMessage(nil))
			return
		}
		res, err := a.Identity.ApplyActionCode(r.Context(), code)
		if err != nil {
			a.Logger.Warn("apply action code failed", "mode", mode, "error", err)
			a.redirectVerifyError(w, r, identity.LocalizedMessage(err))
			return
		}
		a.Logger.Info("action code applied", "mode", mode, "email_verified", res.EmailVerified)
		http.Redirect(w, r, policy.VerifyEmailPath+"?verified=1", http.StatusFound)
	default:
		a.Logger.Warn("unsupported action mode", "mode", mode)
		a.redirectVerifyError(w, r, (&identity.Error{Code: "OPERATION_NOT_ALLOWED"}).LocalizedMessage())
	}
}

func (a *App) redirectVerifyError(w http.ResponseWriter, r *http.Request, msg string) {
	v := url.Values{}
	v.Set("error", msg)
	http.Redirect(w, r, a.Gate.Policy().VerifyEmailPath+"?"+v.Encode(), http.StatusFound)
}
