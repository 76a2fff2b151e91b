package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"studymate/devissuer"
	"studymate/telemetry"
)

func TestRoutesMintAndPublish(t *testing.T) {
	iss, err := devissuer.New(devissuer.Config{ProjectID: "studymate-dev"}, telemetry.Discard())
	if err != nil {
		t.Fatalf("devissuer.New: %v", err)
	}
	h := routes(iss, []string{"http://localhost:3000"}, telemetry.Discard())

	form := url.Values{"uid": {"u-1"}, "email_verified": {"true"}}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("mint status %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Fatalf("cors header missing")
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/keys", nil))
	var doc map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&doc); err != nil {
		t.Fatalf("decode keys: %v", err)
	}
	if _, ok := doc[iss.CurrentKeyID()]; !ok {
		t.Fatalf("current kid %q not published", iss.CurrentKeyID())
	}
}

func TestEnvOr(t *testing.T) {
	t.Setenv("DEVISSUER_TEST_VALUE", "set")
	if envOr("DEVISSUER_TEST_VALUE", "def") != "set" || envOr("DEVISSUER_TEST_UNSET", "def") != "def" {
		t.Fatalf("envOr mismatch")
	}
}
