// Package identity talks to the identity provider's REST API: password
// sign-in and sign-up, out-of-band email actions, and token refresh.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	// DefaultIdentityToolkitURL is the production accounts API.
	DefaultIdentityToolkitURL = "https://identitytoolkit.googleapis.com/v1"
	// DefaultSecureTokenURL is the production token refresh API.
	DefaultSecureTokenURL = "https://securetoken.googleapis.com/v1"

	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 1 << 20
)

// Config configures a Client.
type Config struct {
	APIKey string
	// EmulatorHost (host:port) routes every call to a local emulator.
	EmulatorHost       string
	IdentityToolkitURL string
	SecureTokenURL     string
	HTTPClient         *http.Client
	Logger             *slog.Logger
}

// Session is the provider's answer to a sign-in, sign-up or refresh.
type Session struct {
	IDToken      string        `json:"idToken"`
	RefreshToken string        `json:"refreshToken"`
	ExpiresIn    time.Duration `json:"-"`
	UID          string        `json:"localId"`
	Email        string        `json:"email"`
	Registered   bool          `json:"registered"`
}

// Client is a REST client for the identity provider.
type Client struct {
	apiKey      string
	accountsURL string
	http        *http.Client
	oauth       *oauth2.Config
	logger      *slog.Logger
}

// NewClient builds a Client. The API key is required except against the
// emulator.
func NewClient(cfg Config) (*Client, error) {
	accounts := strings.TrimSuffix(cfg.IdentityToolkitURL, "/")
	token := strings.TrimSuffix(cfg.SecureTokenURL, "/")
	if cfg.EmulatorHost != "" {
		base := "http://" + strings.TrimSuffix(cfg.EmulatorHost, "/")
		accounts = base + "/identitytoolkit.googleapis.com/v1"
		token = base + "/securetoken.googleapis.com/v1"
		if cfg.APIKey == "" {
			cfg.APIKey = "emulator"
		}
	}
	if cfg.APIKey == "" {
		return nil, errors.New("identity: api key required")
	}
	if accounts == "" {
		accounts = DefaultIdentityToolkitURL
	}
	if token == "" {
		token = DefaultSecureTokenURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{
		apiKey:      cfg.APIKey,
		accountsURL: accounts,
		http:        httpClient,
		oauth: &oauth2.Config{
			Endpoint: oauth2.Endpoint{
				TokenURL:  token + "/token?key=" + url.QueryEscape(cfg.APIKey),
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		logger: logger,
	}, nil
}

type sessionResponse struct {
	Session
	ExpiresIn string `json:"expiresIn"`
}

func (r sessionResponse) session() *Session {
	s := r.Session
	if secs, err := strconv.Atoi(r.ExpiresIn); err == nil {
		s.ExpiresIn = time.Duration(secs) * time.Second
	}
	return &s
}

// SignInWithPassword exchanges email and password for an ID token.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	var resp sessionResponse
	err := c.call(ctx, "accounts:signInWithPassword", map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.session(), nil
}

// SignUp creates a password account and returns its first ID token.
func (c *Client) SignUp(ctx context.Context, email, password string) (*Session, error) {
	var resp sessionResponse
	err := c.call(ctx, "accounts:signUp", map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.session(), nil
}

// SendEmailVerification mails a verification link to the token's user.
func (c *Client) SendEmailVerification(ctx context.Context, idToken string) error {
	return c.call(ctx, "accounts:sendOobCode", map[string]any{
		"requestType": "VERIFY_EMAIL",
		"idToken":     idToken,
	}, nil)
}

// SendPasswordReset mails a password reset link.
func (c *Client) SendPasswordReset(ctx context.Context, email string) error {
	return c.call(ctx, "accounts:sendOobCode", map[string]any{
		"requestType": "PASSWORD_RESET",
		"email":       email,
	}, nil)
}

// ActionResult describes an applied out-of-band code.
type ActionResult struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"emailVerified"`
}

// ApplyActionCode consumes an out-of-band code such as an email
// verification link's oobCode.
func (c *Client) ApplyActionCode(ctx context.Context, oobCode string) (*ActionResult, error) {
	if oobCode == "" {
		return nil, &Error{Code: "INVALID_OOB_CODE", Status: http.StatusBadRequest}
	}
	var res ActionResult
	if err := c.call(ctx, "accounts:update", map[string]any{"oobCode": oobCode}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Refresh exchanges a refresh token for a fresh ID token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	tok, err := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.Response != nil {
			if perr := decodeError(rerr.Response.StatusCode, rerr.Body); perr != nil {
				return nil, perr
			}
		}
		return nil, fmt.Errorf("refresh token: %w", err)
	}

	idToken, _ := tok.Extra("id_token").(string)
	if idToken == "" {
		return nil, errors.New("refresh token: id_token missing in response")
	}
	s := &Session{IDToken: idToken, RefreshToken: tok.RefreshToken}
	if uid, ok := tok.Extra("user_id").(string); ok {
		s.UID = uid
	}
	if !tok.Expiry.IsZero() {
		s.ExpiresIn = time.Until(tok.Expiry).Round(time.Second)
	}
	return s, nil
}

func (c *Client) call(ctx context.Context, method string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	endpoint := c.accountsURL + "/" + method + "?key=" + url.QueryEscape(c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", method, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if perr := decodeError(resp.StatusCode, raw); perr != nil {
			c.logger.Debug("identity provider error", "method", method, "code", perr.Code, "status", perr.Status)
			return perr
		}
		return fmt.Errorf("%s: unexpected status %s", method, resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	return nil
}

func decodeError(status int, body []byte) *Error {
	var envelope struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error.Message == "" {
		return nil
	}
	code, detail := parseErrorMessage(envelope.Error.Message)
	if envelope.Error.Code != 0 {
		status = envelope.Error.Code
	}
	return &Error{Code: code, Detail: detail, Status: status}
}
