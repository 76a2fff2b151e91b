// Package gate decides, for every inbound request, whether it passes, is
// redirected, or is handed to the action-code callback, based on the session
// cookie and a declarative route table.
package gate

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Class is the access classification of a request path.
type Class string

const (
	// ClassAsset paths bypass the gate entirely.
	ClassAsset Class = "asset"
	// ClassPublic paths need no session.
	ClassPublic Class = "public"
	// ClassAuthPage paths are login/signup forms; session holders are sent away.
	ClassAuthPage Class = "auth-page"
	// ClassProtected paths require a verified session.
	ClassProtected Class = "protected"
)

func (c Class) valid() bool {
	switch c {
	case ClassAsset, ClassPublic, ClassAuthPage, ClassProtected:
		return true
	}
	return false
}

// Rule maps a path glob to a class. Patterns use doublestar syntax: `*`
// matches one segment, `**` any number of segments.
type Rule struct {
	Pattern              string `yaml:"pattern" toml:"pattern"`
	Class                Class  `yaml:"class" toml:"class"`
	RequireVerifiedEmail bool   `yaml:"require_verified_email" toml:"require_verified_email"`
	RequireProfile       bool   `yaml:"require_profile" toml:"require_profile"`
}

// Policy is the ordered route table plus the pages the gate redirects to.
// The first matching rule wins; unmatched paths are public.
type Policy struct {
	LoginPath           string `yaml:"login_path" toml:"login_path"`
	DashboardPath       string `yaml:"dashboard_path" toml:"dashboard_path"`
	VerifyEmailPath     string `yaml:"verify_email_path" toml:"verify_email_path"`
	CompleteProfilePath string `yaml:"complete_profile_path" toml:"complete_profile_path"`
	ResetPasswordPath   string `yaml:"reset_password_path" toml:"reset_password_path"`
	// RedirectParam carries the original destination on login redirects.
	RedirectParam string `yaml:"redirect_param" toml:"redirect_param"`
	// CallbackPaths receive out-of-band action codes from provider emails.
	CallbackPaths []string `yaml:"callback_paths" toml:"callback_paths"`
	CallbackParam string   `yaml:"callback_param" toml:"callback_param"`
	// RequireProfileForDashboard blocks the dashboard subtree until the
	// profile is complete instead of letting the page show a banner.
	RequireProfileForDashboard bool   `yaml:"require_profile_for_dashboard" toml:"require_profile_for_dashboard"`
	Rules                      []Rule `yaml:"rules" toml:"rules"`
}

// DefaultPolicy returns the route table the application ships with.
func DefaultPolicy() Policy {
	return Policy{
		LoginPath:           "/auth/login",
		DashboardPath:       "/my",
		VerifyEmailPath:     "/auth/verify-email",
		CompleteProfilePath: "/auth/complete-profile",
		ResetPasswordPath:   "/auth/reset-password",
		RedirectParam:       "redirect",
		CallbackPaths:       []string{"/auth/action", "/auth/verify-email"},
		CallbackParam:       "oobCode",
		Rules: []Rule{
			{Pattern: "/_next/**", Class: ClassAsset},
			{Pattern: "/static/**", Class: ClassAsset},
			{Pattern: "/favicon.ico", Class: ClassAsset},
			{Pattern: "/api/**", Class: ClassPublic},
			{Pattern: "/auth/login", Class: ClassAuthPage},
			{Pattern: "/auth/signup", Class: ClassAuthPage},
			{Pattern: "/auth/reset-password", Class: ClassAuthPage},
			{Pattern: "/auth/verify-email", Class: ClassPublic},
			{Pattern: "/auth/complete-profile", Class: ClassProtected, RequireVerifiedEmail: true},
			{Pattern: "/my/reviews/new", Class: ClassProtected, RequireVerifiedEmail: true, RequireProfile: true},
			{Pattern: "/my", Class: ClassProtected, RequireVerifiedEmail: true},
			{Pattern: "/my/**", Class: ClassProtected, RequireVerifiedEmail: true},
			{Pattern: "/subjects/*/reviews/new", Class: ClassProtected, RequireVerifiedEmail: true, RequireProfile: true},
			{Pattern: "/settings", Class: ClassProtected, RequireVerifiedEmail: true, RequireProfile: true},
			{Pattern: "/settings/**", Class: ClassProtected, RequireVerifiedEmail: true, RequireProfile: true},
			{Pattern: "/**/*.*", Class: ClassAsset},
		},
	}
}

// Validate checks the table for unknown classes and bad globs.
func (p *Policy) Validate() error {
	if p.LoginPath == "" || p.DashboardPath == "" || p.VerifyEmailPath == "" || p.CompleteProfilePath == "" {
		return errors.New("routes: login, dashboard, verify_email and complete_profile paths are required")
	}
	if p.RedirectParam == "" {
		return errors.New("routes: redirect_param is required")
	}
	for i, rule := range p.Rules {
		if !strings.HasPrefix(rule.Pattern, "/") {
			return fmt.Errorf("routes: rule %d: pattern %q must start with /", i, rule.Pattern)
		}
		if !doublestar.ValidatePattern(rule.Pattern) {
			return fmt.Errorf("routes: rule %d: invalid pattern %q", i, rule.Pattern)
		}
		if !rule.Class.valid() {
			return fmt.Errorf("routes: rule %d: unknown class %q", i, rule.Class)
		}
	}
	return nil
}

// CanonicalPath resolves dot segments and repeated slashes in a request path.
// A trailing slash is kept so "/my/" and "/my" stay distinct URLs.
func CanonicalPath(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		p = "/" + p
	}
	c := path.Clean(p)
	if c != "/" && strings.HasSuffix(p, "/") {
		c += "/"
	}
	return c
}

// Classify returns the first rule matching the cleaned path. Unmatched paths
// yield a public rule with an empty pattern.
func (p *Policy) Classify(reqPath string) Rule {
	cleaned := path.Clean(CanonicalPath(reqPath))
	matched := Rule{Class: ClassPublic}
	for _, rule := range p.Rules {
		if ok, _ := doublestar.Match(rule.Pattern, cleaned); ok {
			matched = rule
			break
		}
	}
	if p.RequireProfileForDashboard && matched.Class == ClassProtected && p.underDashboard(cleaned) {
		matched.RequireProfile = true
	}
	return matched
}

func (p *Policy) underDashboard(cleaned string) bool {
	dash := strings.TrimSuffix(p.DashboardPath, "/")
	return cleaned == dash || strings.HasPrefix(cleaned, dash+"/")
}

// IsCallback reports whether the request carries an out-of-band action code
// on one of the callback paths.
func (p *Policy) IsCallback(reqPath string, query url.Values) bool {
	if p.CallbackParam == "" || query.Get(p.CallbackParam) == "" {
		return false
	}
	cleaned := path.Clean(CanonicalPath(reqPath))
	for _, cb := range p.CallbackPaths {
		if cleaned == cb {
			return true
		}
	}
	return false
}

// LoginRedirect builds the login URL preserving the original destination.
func (p *Policy) LoginRedirect(original *url.URL) string {
	dest := original.EscapedPath()
	if dest == "" {
		dest = "/"
	}
	if original.RawQuery != "" {
		dest += "?" + original.RawQuery
	}
	return p.LoginPath + "?" + url.Values{p.RedirectParam: {dest}}.Encode()
}

// SafeRedirect returns target when it is a local absolute path, otherwise
// the dashboard. It keeps the login page's redirect parameter from being
// used as an open redirect.
func (p *Policy) SafeRedirect(target string) string {
	if target == "" || !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") || strings.HasPrefix(target, "/\\") {
		return p.DashboardPath
	}
	u, err := url.Parse(target)
	if err != nil || u.Host != "" || u.Scheme != "" {
		return p.DashboardPath
	}
	return target
}
