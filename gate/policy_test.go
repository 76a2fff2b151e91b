package gate

import (
	"net/url"
	"testing"
)

func TestClassify(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		path    string
		class   Class
		email   bool
		profile bool
	}{
		{"/", ClassPublic, false, false},
		{"/terms", ClassPublic, false, false},
		{"/api/auth/session", ClassPublic, false, false},
		{"/_next/static/app.js", ClassAsset, false, false},
		{"/static/img/hero.webp", ClassAsset, false, false},
		{"/robots.txt", ClassAsset, false, false},
		{"/auth/login", ClassAuthPage, false, false},
		{"/auth/signup", ClassAuthPage, false, false},
		{"/auth/reset-password", ClassAuthPage, false, false},
		{"/auth/verify-email", ClassPublic, false, false},
		{"/auth/complete-profile", ClassProtected, true, false},
		{"/my", ClassProtected, true, false},
		{"/my/reviews", ClassProtected, true, false},
		{"/my/reviews/new", ClassProtected, true, true},
		{"/subjects/eng-2/reviews/new", ClassProtected, true, true},
		{"/subjects/eng-2/reviews", ClassPublic, false, false},
		{"/settings", ClassProtected, true, true},
		{"/settings/account", ClassProtected, true, true},
	}
	for _, tt := range tests {
		rule := p.Classify(tt.path)
		if rule.Class != tt.class || rule.RequireVerifiedEmail != tt.email || rule.RequireProfile != tt.profile {
			t.Errorf("Classify(%q) = %+v, want class=%s email=%v profile=%v", tt.path, rule, tt.class, tt.email, tt.profile)
		}
	}
}

func TestClassifyNonCanonicalPaths(t *testing.T) {
	p := DefaultPolicy()
	for _, path := range []string{"//my", "/./my", "/x/../my", "/my/", "//settings", "/settings/./account", "/auth/../my/reviews//new"} {
		if got := p.Classify(path); got.Class != ClassProtected {
			t.Errorf("Classify(%q) = %s, want protected", path, got.Class)
		}
	}
	if !p.IsCallback("//auth/action", url.Values{"oobCode": {"X"}}) {
		t.Errorf("callback path with a doubled slash not recognised")
	}
}

func TestCanonicalPath(t *testing.T) {
	tests := map[string]string{
		"":            "/",
		"/":           "/",
		"/my":         "/my",
		"/my/":        "/my/",
		"//my":        "/my",
		"/./my":       "/my",
		"/x/../my":    "/my",
		"/my//tab/":   "/my/tab/",
		"/../../etc":  "/etc",
		"relative/ok": "/relative/ok",
	}
	for in, want := range tests {
		if got := CanonicalPath(in); got != want {
			t.Errorf("CanonicalPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestClassifyDashboardFlag(t *testing.T) {
	p := DefaultPolicy()
	p.RequireProfileForDashboard = true
	if !p.Classify("/my").RequireProfile || !p.Classify("/my/reviews").RequireProfile {
		t.Fatalf("dashboard subtree should require a profile when the flag is set")
	}
	if p.Classify("/mypage").RequireProfile {
		t.Fatalf("flag must not leak to sibling paths")
	}
}

func TestPolicyRulesAreData(t *testing.T) {
	p := DefaultPolicy()
	p.Rules = append([]Rule{{Pattern: "/admin/**", Class: ClassProtected, RequireVerifiedEmail: true}}, p.Rules...)
	if got := p.Classify("/admin/users"); got.Class != ClassProtected {
		t.Fatalf("added rule not honoured: %+v", got)
	}
}

func TestPolicyValidate(t *testing.T) {
	if err := (&Policy{}).Validate(); err == nil {
		t.Fatalf("expected error for empty policy")
	}

	bad := DefaultPolicy()
	bad.Rules = append(bad.Rules, Rule{Pattern: "/x/[", Class: ClassPublic})
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected invalid glob to be rejected")
	}

	bad = DefaultPolicy()
	bad.Rules = append(bad.Rules, Rule{Pattern: "/x", Class: "private"})
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected unknown class to be rejected")
	}

	bad = DefaultPolicy()
	bad.Rules = append(bad.Rules, Rule{Pattern: "x/**", Class: ClassPublic})
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected relative pattern to be rejected")
	}

	def := DefaultPolicy()
	if err := def.Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}
}

func TestIsCallback(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		target string
		want   bool
	}{
		{"/auth/action?mode=verifyEmail&oobCode=abc", true},
		{"/auth/verify-email?oobCode=abc", true},
		{"/auth/verify-email", false},
		{"/auth/verify-email?oobCode=", false},
		{"/my?oobCode=abc", false},
	}
	for _, tt := range tests {
		u, _ := url.Parse(tt.target)
		if got := p.IsCallback(u.Path, u.Query()); got != tt.want {
			t.Errorf("IsCallback(%q) = %v, want %v", tt.target, got, tt.want)
		}
	}
}

func TestLoginRedirect(t *testing.T) {
	p := DefaultPolicy()
	u, _ := url.Parse("/subjects/math/reviews/new?draft=1")
	got := p.LoginRedirect(u)
	want := "/auth/login?redirect=%2Fsubjects%2Fmath%2Freviews%2Fnew%3Fdraft%3D1"
	if got != want {
		t.Fatalf("LoginRedirect = %q, want %q", got, want)
	}
}

func TestSafeRedirect(t *testing.T) {
	p := DefaultPolicy()
	tests := map[string]string{
		"":                       "/my",
		"/settings":              "/settings",
		"/subjects/a?tab=review": "/subjects/a?tab=review",
		"//evil.example":         "/my",
		"/\\evil.example":        "/my",
		"https://evil.example/":  "/my",
		"relative":               "/my",
	}
	for in, want := range tests {
		if got := p.SafeRedirect(in); got != want {
			t.Errorf("SafeRedirect(%q) = %q, want %q", in, got, want)
		}
	}
}
