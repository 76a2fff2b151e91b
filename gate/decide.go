package gate

// SessionState summarizes the session cookie after verification.
type SessionState int

const (
	// SessionNone means no cookie was sent.
	SessionNone SessionState = iota
	// SessionInvalid means a cookie was sent but did not verify.
	SessionInvalid
	// SessionValid means the cookie verified.
	SessionValid
)

func (s SessionState) String() string {
	switch s {
	case SessionInvalid:
		return "invalid"
	case SessionValid:
		return "valid"
	default:
		return "none"
	}
}

// Action is what the gate does with a request.
type Action int

const (
	ActionPass Action = iota
	ActionPassWithIdentity
	ActionRedirectLogin
	ActionRedirectDashboard
	ActionRedirectVerifyEmail
	ActionRedirectCompleteProfile
	ActionCallback
)

var actionNames = [...]string{
	ActionPass:                    "pass",
	ActionPassWithIdentity:        "pass_identity",
	ActionRedirectLogin:           "redirect_login",
	ActionRedirectDashboard:       "redirect_dashboard",
	ActionRedirectVerifyEmail:     "redirect_verify_email",
	ActionRedirectCompleteProfile: "redirect_complete_profile",
	ActionCallback:                "callback",
}

func (a Action) String() string {
	if int(a) < len(actionNames) {
		return actionNames[a]
	}
	return "unknown"
}

// Redirects reports whether the action ends the request with a redirect.
func (a Action) Redirects() bool {
	switch a {
	case ActionRedirectLogin, ActionRedirectDashboard, ActionRedirectVerifyEmail, ActionRedirectCompleteProfile:
		return true
	}
	return false
}

// Input is everything Decide looks at.
type Input struct {
	Path     string
	Rule     Rule
	Callback bool
	Session  SessionState
	// EmailVerified and ProfileComplete are only read for valid sessions.
	EmailVerified   bool
	ProfileComplete bool
}

// Decision is the outcome for one request.
type Decision struct {
	Action Action
	// ClearCookie is set whenever a cookie was presented but did not verify.
	ClearCookie bool
}

// NeedsProfile reports whether Decide will read ProfileComplete for this
// input, so callers can skip the profile lookup otherwise.
func (p *Policy) NeedsProfile(in Input) bool {
	if in.Callback || in.Session != SessionValid || in.Rule.Class != ClassProtected || !in.Rule.RequireProfile {
		return false
	}
	if in.Path == p.CompleteProfilePath {
		return false
	}
	return in.EmailVerified || !in.Rule.RequireVerifiedEmail || in.Path == p.VerifyEmailPath
}

// Decide applies the session table to one request. It performs no I/O.
func (p *Policy) Decide(in Input) Decision {
	d := Decision{ClearCookie: in.Session == SessionInvalid}

	switch {
	case in.Callback:
		d.Action = ActionCallback
	case in.Rule.Class == ClassAsset:
		d.Action = ActionPass
	case in.Session != SessionValid:
		if in.Rule.Class == ClassProtected {
			d.Action = ActionRedirectLogin
		} else {
			d.Action = ActionPass
		}
	case in.Rule.Class == ClassAuthPage:
		d.Action = ActionRedirectDashboard
	case in.Rule.Class == ClassProtected:
		d.Action = p.protectedAction(in)
	default:
		d.Action = ActionPassWithIdentity
	}
	return d
}

func (p *Policy) protectedAction(in Input) Action {
	if in.Rule.RequireVerifiedEmail && !in.EmailVerified && in.Path != p.VerifyEmailPath {
		return ActionRedirectVerifyEmail
	}
	if in.Rule.RequireProfile && !in.ProfileComplete && in.Path != p.CompleteProfilePath {
		return ActionRedirectCompleteProfile
	}
	return ActionPassWithIdentity
}
