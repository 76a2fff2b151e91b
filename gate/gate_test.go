package gate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"studymate/devissuer"
	"studymate/idtoken"
)

const testProject = "studymate-test"

var testNow = time.Unix(1_750_000_000, 0)

type fakeProfiles struct {
	mu       sync.Mutex
	complete map[string]bool
	err      error
	calls    int
}

func (f *fakeProfiles) Completed(_ context.Context, uid string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.complete[uid], nil
}

type recordingObserver struct {
	mu      sync.Mutex
	actions []string
}

func (o *recordingObserver) ObserveGateDecision(action string) {
	o.mu.Lock()
	o.actions = append(o.actions, action)
	o.mu.Unlock()
}

type harness struct {
	issuer   *devissuer.Issuer
	profiles *fakeProfiles
	observer *recordingObserver
	gate     *Gate
	handler  http.Handler
}

func newHarness(t *testing.T, policy Policy) *harness {
	t.Helper()
	iss, err := devissuer.New(devissuer.Config{ProjectID: testProject}, nil)
	if err != nil {
		t.Fatalf("devissuer.New: %v", err)
	}
	iss.SetClock(func() time.Time { return testNow })
	srv := httptest.NewServer(http.HandlerFunc(iss.ServeKeys))
	t.Cleanup(srv.Close)

	cache := idtoken.NewKeyCache(idtoken.KeyCacheConfig{URL: srv.URL, Now: func() time.Time { return testNow }})
	verifier, err := idtoken.NewVerifier(idtoken.Config{
		Issuer:   "https://securetoken.google.com/" + testProject,
		Audience: testProject,
	}, cache, idtoken.WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	profiles := &fakeProfiles{complete: map[string]bool{"u-full": true}}
	observer := &recordingObserver{}
	g, err := New(Config{
		Policy:   policy,
		Cookie:   NewCookie("", "", 0, true),
		Verifier: verifier,
		Profiles: profiles,
		Callback: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "callback")
		}),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Observer: observer,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if uid := r.Header.Get(HeaderUID); uid != "" {
			w.Header().Set("X-Seen-Uid", uid)
		}
		if sub := SubjectFromContext(r.Context()); sub != "" {
			w.Header().Set("X-Seen-Sub", sub)
		}
		_, _ = io.WriteString(w, "next")
	})
	return &harness{issuer: iss, profiles: profiles, observer: observer, gate: g, handler: g.Middleware(next)}
}

func (h *harness) token(t *testing.T, id devissuer.Identity) string {
	t.Helper()
	tok, err := h.issuer.Mint(id)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	return tok
}

func (h *harness) do(target, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if token != "" {
		req.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: token})
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

type outcome struct {
	body     string
	location string
	uid      string
}

func TestGateRouteTable(t *testing.T) {
	h := newHarness(t, DefaultPolicy())

	sessions := map[string]string{
		"none":       "",
		"unverified": h.token(t, devissuer.Identity{UID: "u-unverified", Email: "a@example.jp"}),
		"incomplete": h.token(t, devissuer.Identity{UID: "u-incomplete", Email: "b@example.jp", EmailVerified: true}),
		"full":       h.token(t, devissuer.Identity{UID: "u-full", Email: "c@example.jp", EmailVerified: true}),
	}

	tests := []struct {
		path    string
		session string
		want    outcome
	}{
		{"/", "none", outcome{body: "next"}},
		{"/", "unverified", outcome{body: "next", uid: "u-unverified"}},
		{"/", "incomplete", outcome{body: "next", uid: "u-incomplete"}},
		{"/", "full", outcome{body: "next", uid: "u-full"}},

		{"/auth/login", "none", outcome{body: "next"}},
		{"/auth/login", "unverified", outcome{location: "/my"}},
		{"/auth/login", "incomplete", outcome{location: "/my"}},
		{"/auth/login", "full", outcome{location: "/my"}},

		{"/my", "none", outcome{location: "/auth/login?redirect=%2Fmy"}},
		{"/my", "unverified", outcome{location: "/auth/verify-email"}},
		{"/my", "incomplete", outcome{body: "next", uid: "u-incomplete"}},
		{"/my", "full", outcome{body: "next", uid: "u-full"}},

		{"/auth/verify-email?oobCode=X", "none", outcome{body: "callback"}},
		{"/auth/verify-email?oobCode=X", "unverified", outcome{body: "callback"}},
		{"/auth/verify-email?oobCode=X", "incomplete", outcome{body: "callback"}},
		{"/auth/verify-email?oobCode=X", "full", outcome{body: "callback"}},
	}

	for _, tt := range tests {
		t.Run(tt.path+"/"+tt.session, func(t *testing.T) {
			rec := h.do(tt.path, sessions[tt.session])
			got := outcome{
				location: rec.Header().Get("Location"),
				uid:      rec.Header().Get("X-Seen-Uid"),
			}
			if rec.Code == http.StatusOK {
				got.body = rec.Body.String()
			} else if rec.Code != http.StatusFound {
				t.Fatalf("unexpected status %d", rec.Code)
			}
			if got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestGateProfileRequiredRoute(t *testing.T) {
	h := newHarness(t, DefaultPolicy())

	incomplete := h.token(t, devissuer.Identity{UID: "u-incomplete", EmailVerified: true})
	rec := h.do("/subjects/math-1/reviews/new", incomplete)
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/auth/complete-profile" {
		t.Fatalf("expected complete-profile redirect, got %d %q", rec.Code, rec.Header().Get("Location"))
	}

	full := h.token(t, devissuer.Identity{UID: "u-full", EmailVerified: true})
	rec = h.do("/subjects/math-1/reviews/new", full)
	if rec.Code != http.StatusOK || rec.Header().Get("X-Seen-Uid") != "u-full" {
		t.Fatalf("expected pass for complete profile, got %d", rec.Code)
	}

	// Unverified email wins over the profile check and skips the lookup.
	calls := h.profiles.calls
	unverified := h.token(t, devissuer.Identity{UID: "u-full"})
	rec = h.do("/settings", unverified)
	if rec.Header().Get("Location") != "/auth/verify-email" {
		t.Fatalf("expected verify-email redirect, got %q", rec.Header().Get("Location"))
	}
	if h.profiles.calls != calls {
		t.Fatalf("profile lookup should be skipped for unverified email")
	}
}

func TestGateProfileLookupErrorDenies(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.profiles.err = errors.New("store down")

	tok := h.token(t, devissuer.Identity{UID: "u-full", EmailVerified: true})
	rec := h.do("/settings", tok)
	if rec.Header().Get("Location") != "/auth/complete-profile" {
		t.Fatalf("expected lookup failure to be treated as incomplete, got %d %q", rec.Code, rec.Header().Get("Location"))
	}
}

func TestGateVerificationPagesReachable(t *testing.T) {
	h := newHarness(t, DefaultPolicy())

	unverified := h.token(t, devissuer.Identity{UID: "u-unverified"})
	rec := h.do("/auth/verify-email", unverified)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify-email page must stay reachable, got %d %q", rec.Code, rec.Header().Get("Location"))
	}

	incomplete := h.token(t, devissuer.Identity{UID: "u-incomplete", EmailVerified: true})
	rec = h.do("/auth/complete-profile", incomplete)
	if rec.Code != http.StatusOK || rec.Header().Get("X-Seen-Uid") != "u-incomplete" {
		t.Fatalf("complete-profile page must stay reachable, got %d %q", rec.Code, rec.Header().Get("Location"))
	}
}

func TestGateInvalidSessionClearsCookie(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	expired, _, err := h.issuer.Sign(map[string]any{
		"iss": "https://securetoken.google.com/" + testProject,
		"aud": testProject,
		"sub": "u-full",
		"iat": testNow.Add(-2 * time.Hour).Unix(),
		"exp": testNow.Add(-time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	for _, tok := range []string{"garbage", expired} {
		rec := h.do("/my/reviews", tok)
		if rec.Code != http.StatusFound || !strings.HasPrefix(rec.Header().Get("Location"), "/auth/login?redirect=") {
			t.Fatalf("expected login redirect, got %d %q", rec.Code, rec.Header().Get("Location"))
		}
		assertCleared(t, rec)

		rec = h.do("/auth/signup", tok)
		if rec.Code != http.StatusOK || rec.Body.String() != "next" {
			t.Fatalf("expected anonymous pass on auth page, got %d", rec.Code)
		}
		assertCleared(t, rec)
	}
}

func TestGateKeyFetchFailureDegradesToAnonymous(t *testing.T) {
	iss, err := devissuer.New(devissuer.Config{ProjectID: testProject}, nil)
	if err != nil {
		t.Fatalf("devissuer.New: %v", err)
	}
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer down.Close()

	verifier, err := idtoken.NewVerifier(idtoken.Config{
		Issuer:   "https://securetoken.google.com/" + testProject,
		Audience: testProject,
	}, idtoken.NewKeyCache(idtoken.KeyCacheConfig{URL: down.URL}))
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	g, err := New(Config{Policy: DefaultPolicy(), Cookie: NewCookie("", "", 0, false), Verifier: verifier})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	handler := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "next")
	}))

	tok, err := iss.Mint(devissuer.Identity{UID: "u1", EmailVerified: true})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/my", nil)
	req.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: tok})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("expected redirect when keys are unreachable, got %d", rec.Code)
	}
	assertCleared(t, rec)
}

func TestGateStripsSpoofedIdentityHeaders(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-Uid", "admin")
	req.Header.Set("x-user-email-verified", "true")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	if rec.Header().Get("X-Seen-Uid") != "" {
		t.Fatalf("spoofed identity header reached the handler")
	}
	if req.Header.Get(HeaderEmailVerified) != "" {
		t.Fatalf("spoofed header not stripped")
	}
}

func TestGateRedirectsNonCanonicalPaths(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	tests := map[string]string{
		"//my":                    "/my",
		"/./my":                   "/my",
		"/x/../my":                "/my",
		"//settings?tab=2":        "/settings?tab=2",
		"/my//reviews/new":        "/my/reviews/new",
		"//auth/action?oobCode=X": "/auth/action?oobCode=X",
	}
	for target, want := range tests {
		rec := h.do(target, "")
		if rec.Code != http.StatusPermanentRedirect {
			t.Fatalf("%s: expected 308, got %d", target, rec.Code)
		}
		if loc := rec.Header().Get("Location"); loc != want {
			t.Fatalf("%s: redirected to %q, want %q", target, loc, want)
		}
		if rec.Body.String() == "next" || rec.Body.String() == "callback" {
			t.Fatalf("%s: non-canonical path reached a handler", target)
		}
	}

	rec := h.do("/my", "")
	if rec.Code != http.StatusFound {
		t.Fatalf("canonical protected path should redirect to login, got %d", rec.Code)
	}
}

func TestGateAssetsBypass(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	for _, path := range []string{"/_next/static/chunk.js", "/favicon.ico", "/images/logo.png"} {
		rec := h.do(path, "garbage")
		if rec.Code != http.StatusOK || rec.Body.String() != "next" {
			t.Fatalf("%s: expected pass, got %d", path, rec.Code)
		}
		if len(rec.Result().Cookies()) != 0 {
			t.Fatalf("%s: assets must not touch the cookie", path)
		}
	}
}

func TestGateAuthPageHonoursSafeRedirect(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	tok := h.token(t, devissuer.Identity{UID: "u-full", EmailVerified: true})

	rec := h.do("/auth/login?redirect=%2Fsubjects%2Fmath%2Freviews%2Fnew", tok)
	if loc := rec.Header().Get("Location"); loc != "/subjects/math/reviews/new" {
		t.Fatalf("unexpected location %q", loc)
	}
	rec = h.do("/auth/login?redirect=https%3A%2F%2Fevil.example", tok)
	if loc := rec.Header().Get("Location"); loc != "/my" {
		t.Fatalf("external redirect must fall back to dashboard, got %q", loc)
	}
}

func TestGateDashboardProfileFlag(t *testing.T) {
	policy := DefaultPolicy()
	policy.RequireProfileForDashboard = true
	h := newHarness(t, policy)

	tok := h.token(t, devissuer.Identity{UID: "u-incomplete", EmailVerified: true})
	rec := h.do("/my", tok)
	if rec.Header().Get("Location") != "/auth/complete-profile" {
		t.Fatalf("expected dashboard to require profile, got %d %q", rec.Code, rec.Header().Get("Location"))
	}
}

func TestGateIdentityHeaders(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	var seen http.Header
	handler := h.gate.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
	}))

	tok := h.token(t, devissuer.Identity{UID: "u-full", Email: "c@example.jp", EmailVerified: true, Name: "山田 花子"})
	req := httptest.NewRequest(http.MethodGet, "/my", nil)
	req.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: tok})
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if seen.Get(HeaderUID) != "u-full" || seen.Get(HeaderEmail) != "c@example.jp" || seen.Get(HeaderEmailVerified) != "true" {
		t.Fatalf("unexpected identity headers %v", seen)
	}
	if got := seen.Get(HeaderName); got != "%E5%B1%B1%E7%94%B0%20%E8%8A%B1%E5%AD%90" {
		t.Fatalf("unexpected encoded name %q", got)
	}
	if got := DisplayNameFromHeader(seen); got != "山田 花子" {
		t.Fatalf("unexpected decoded name %q", got)
	}
}

func TestGateObserverSeesEveryDecision(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.do("/", "")
	h.do("/my", "")
	h.do("/auth/action?oobCode=abc", "")

	want := []string{"pass", "redirect_login", "callback"}
	if strings.Join(h.observer.actions, ",") != strings.Join(want, ",") {
		t.Fatalf("observed %v, want %v", h.observer.actions, want)
	}
}

func assertCleared(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == DefaultCookieName && c.MaxAge < 0 {
			return
		}
	}
	t.Fatalf("expected session cookie to be cleared")
}
