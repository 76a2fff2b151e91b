package gate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"

	"studymate/idtoken"
)

const canonicalRedirect = "redirect_canonical"

// Verifier turns a session token into verified claims.
type Verifier interface {
	Verify(ctx context.Context, token string) (*idtoken.Claims, error)
}

// ProfileChecker reports whether a user's profile is complete.
type ProfileChecker interface {
	Completed(ctx context.Context, uid string) (bool, error)
}

// Observer receives one call per gated request.
type Observer interface {
	ObserveGateDecision(action string)
}

// Config wires a Gate.
type Config struct {
	Policy   Policy
	Cookie   Cookie
	Verifier Verifier
	Profiles ProfileChecker
	// Callback handles requests carrying an action code. When nil such
	// requests go to the next handler.
	Callback http.Handler
	Logger   *slog.Logger
	Observer Observer
}

// Gate is the per-request session middleware.
type Gate struct {
	policy   Policy
	cookie   Cookie
	verifier Verifier
	profiles ProfileChecker
	callback http.Handler
	logger   *slog.Logger
	observer Observer
}

// New validates the policy and builds a Gate.
func New(cfg Config) (*Gate, error) {
	if cfg.Verifier == nil {
		return nil, errors.New("gate: verifier required")
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Cookie.Name == "" {
		cfg.Cookie = NewCookie("", cfg.Cookie.Domain, cfg.Cookie.MaxAge, cfg.Cookie.Secure)
	}
	return &Gate{
		policy:   cfg.Policy,
		cookie:   cfg.Cookie,
		verifier: cfg.Verifier,
		profiles: cfg.Profiles,
		callback: cfg.Callback,
		logger:   logger,
		observer: cfg.Observer,
	}, nil
}

// Policy returns the route table in use.
func (g *Gate) Policy() *Policy { return &g.policy }

// Middleware gates every request before next runs.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		StripIdentityHeaders(r.Header)

		if canonical := CanonicalPath(r.URL.Path); canonical != r.URL.Path {
			g.redirectCanonical(w, r, canonical)
			return
		}

		in := Input{
			Path:     path.Clean(r.URL.Path),
			Rule:     g.policy.Classify(r.URL.Path),
			Callback: g.policy.IsCallback(r.URL.Path, r.URL.Query()),
		}

		var claims *idtoken.Claims
		checked := !in.Callback && in.Rule.Class != ClassAsset
		if checked {
			claims, in.Session = g.authenticate(r)
		}
		if claims != nil {
			in.EmailVerified = claims.EmailVerified()
			if g.policy.NeedsProfile(in) {
				in.ProfileComplete = g.profileComplete(r.Context(), claims.Subject())
			}
		}

		d := g.policy.Decide(in)
		if g.observer != nil {
			g.observer.ObserveGateDecision(d.Action.String())
		}
		if d.ClearCookie {
			g.cookie.Clear(w)
		}

		switch d.Action {
		case ActionCallback:
			if g.callback != nil {
				g.callback.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		case ActionPass:
			if checked {
				r = r.WithContext(withSessionState(r.Context(), in.Session))
			}
			next.ServeHTTP(w, r)
		case ActionPassWithIdentity:
			SetIdentityHeaders(r.Header, claims)
			ctx := withSessionState(WithClaims(r.Context(), claims), in.Session)
			next.ServeHTTP(w, r.WithContext(ctx))
		default:
			loc := g.location(d.Action, r)
			g.logger.Debug("gate redirect",
				"path", r.URL.Path,
				"class", in.Rule.Class,
				"session", in.Session.String(),
				"action", d.Action.String(),
				"location", loc,
			)
			http.Redirect(w, r, loc, http.StatusFound)
		}
	})
}

// redirectCanonical sends non-canonical paths to their cleaned form so the
// upstream never sees a path other than the one that was classified.
func (g *Gate) redirectCanonical(w http.ResponseWriter, r *http.Request, canonical string) {
	if g.observer != nil {
		g.observer.ObserveGateDecision(canonicalRedirect)
	}
	u := url.URL{Path: canonical, RawQuery: r.URL.RawQuery}
	g.logger.Debug("gate canonical redirect", "path", r.URL.Path, "location", u.String())
	http.Redirect(w, r, u.String(), http.StatusPermanentRedirect)
}

func (g *Gate) authenticate(r *http.Request) (*idtoken.Claims, SessionState) {
	token, ok := g.cookie.Read(r)
	if !ok {
		return nil, SessionNone
	}
	claims, err := g.verifier.Verify(r.Context(), token)
	if err != nil {
		g.logVerifyFailure(r, err)
		return nil, SessionInvalid
	}
	return claims, SessionValid
}

func (g *Gate) logVerifyFailure(r *http.Request, err error) {
	kind := idtoken.KindOf(err)
	attrs := []any{"path", r.URL.Path, "kind", string(kind), "class", string(kind.Class())}
	switch kind.Class() {
	case idtoken.ClassTemporal:
		g.logger.Debug("session token rejected", attrs...)
	case idtoken.ClassInfrastructure:
		g.logger.Error("session token could not be verified", append(attrs, "error", err)...)
	default:
		g.logger.Warn("session token rejected", attrs...)
	}
}

// profileComplete treats lookup failures as incomplete.
func (g *Gate) profileComplete(ctx context.Context, uid string) bool {
	if g.profiles == nil {
		return false
	}
	ok, err := g.profiles.Completed(ctx, uid)
	if err != nil {
		g.logger.Error("profile completion lookup failed", "uid", uid, "error", err)
		return false
	}
	return ok
}

func (g *Gate) location(a Action, r *http.Request) string {
	switch a {
	case ActionRedirectLogin:
		return g.policy.LoginRedirect(r.URL)
	case ActionRedirectVerifyEmail:
		return g.policy.VerifyEmailPath
	case ActionRedirectCompleteProfile:
		return g.policy.CompleteProfilePath
	default:
		return g.policy.SafeRedirect(r.URL.Query().Get(g.policy.RedirectParam))
	}
}
