package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"studymate/devissuer"
	"studymate/gate"
	"studymate/identity"
	"studymate/idtoken"
	"studymate/profile"
	"studymate/telemetry"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config    Config
	Logger    *slog.Logger
	Metrics   *telemetry.Metrics
	Keys      *idtoken.KeyCache
	Verifier  *idtoken.Verifier
	Cookie    gate.Cookie
	Gate      *gate.Gate
	Profiles  *profile.Service
	Identity  *identity.Client
	DevIssuer *devissuer.Issuer
	Upstream  http.Handler

	now func() time.Time
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	durations, err := cfg.Durations()
	if err != nil {
		return nil, err
	}
	metrics := telemetry.NewMetrics()

	app := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics,
		Cookie:  gate.NewCookie(cfg.Session.CookieName, cfg.Session.CookieDomain, durations.SessionMaxAge, !cfg.Server.DevMode),
		now:     time.Now,
	}

	if cfg.Server.DevMode {
		iss, err := devissuer.New(devissuer.Config{
			ProjectID:      cfg.Identity.ProjectID,
			Issuer:         cfg.IssuerURL(),
			RotateInterval: durations.DevKeyRotate,
			KeyMaxAge:      durations.DefaultKeyTTL,
			StorePath:      cfg.Identity.DevKeysPath,
		}, logger.With("component", "devissuer"))
		if err != nil {
			return nil, fmt.Errorf("init dev issuer: %w", err)
		}
		app.DevIssuer = iss
	}

	httpClient := &http.Client{Timeout: durations.FetchTimeout}
	keysURL := cfg.KeysURL()
	if cfg.Identity.Discover {
		discovered, err := identity.DiscoverKeysURL(ctx, cfg.IssuerURL(), httpClient)
		if err != nil {
			return nil, fmt.Errorf("discover keys url: %w", err)
		}
		keysURL = discovered
	}
	app.Keys = idtoken.NewKeyCache(idtoken.KeyCacheConfig{
		URL:                keysURL,
		DefaultTTL:         durations.DefaultKeyTTL,
		FetchTimeout:       durations.FetchTimeout,
		MinRefreshInterval: durations.MinKeyRefresh,
		HTTPClient:         httpClient,
		Logger:             logger.With("component", "keycache"),
		Observer:           metrics,
	})
	app.Verifier, err = idtoken.NewVerifier(idtoken.Config{
		Issuer:    cfg.IssuerURL(),
		Audience:  cfg.Identity.ProjectID,
		ClockSkew: durations.ClockSkew,
	}, app.Keys, idtoken.WithObserver(metrics))
	if err != nil {
		return nil, err
	}

	store, err := openProfileStore(ctx, cfg.Profiles)
	if err != nil {
		return nil, err
	}
	app.Profiles = profile.NewService(store, cfg.Profiles.CacheSize, durations.ProfileCacheTTL)

	idc, err := identity.NewClient(identity.Config{
		APIKey:             cfg.Identity.APIKey,
		EmulatorHost:       cfg.Identity.EmulatorHost,
		IdentityToolkitURL: cfg.Identity.IdentityToolkitURL,
		SecureTokenURL:     cfg.Identity.SecureTokenURL,
		Logger:             logger.With("component", "identity"),
	})
	switch {
	case err == nil:
		app.Identity = idc
	case cfg.Server.DevMode:
		logger.Warn("identity provider client disabled", "error", err)
	default:
		_ = app.Profiles.Close()
		return nil, fmt.Errorf("init identity client: %w", err)
	}

	if cfg.Upstream.Target != "" {
		app.Upstream, err = NewUpstreamProxy(cfg.Upstream, durations.UpstreamTimeout, logger.With("component", "proxy"))
		if err != nil {
			_ = app.Profiles.Close()
			return nil, fmt.Errorf("init upstream proxy: %w", err)
		}
	}

	app.Gate, err = gate.New(gate.Config{
		Policy:   cfg.Routes,
		Cookie:   app.Cookie,
		Verifier: app.Verifier,
		Profiles: app.Profiles,
		Callback: http.HandlerFunc(app.handleAction),
		Logger:   logger.With("component", "gate"),
		Observer: metrics,
	})
	if err != nil {
		_ = app.Profiles.Close()
		return nil, fmt.Errorf("init gate: %w", err)
	}

	logger.Info("app initialized",
		"dev_mode", cfg.Server.DevMode,
		"issuer", cfg.IssuerURL(),
		"keys_url", keysURL,
		"profiles", storeKind(cfg.Profiles.DSN),
		"upstream", cfg.Upstream.Target,
	)
	return app, nil
}

func openProfileStore(ctx context.Context, cfg ProfilesConfig) (profile.Store, error) {
	if cfg.DSN == "" {
		return profile.NewMemoryStore(), nil
	}
	db, err := profile.OpenDB(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open profile store: %w", err)
	}
	store, err := profile.NewBunStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init profile store: %w", err)
	}
	return store, nil
}

func storeKind(dsn string) string {
	if dsn == "" {
		return "memory"
	}
	return string(profile.DetectDatabaseType(dsn))
}

// Close releases the profile store.
func (a *App) Close() error {
	return a.Profiles.Close()
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return errors.New("request body too large")
		}
		return errors.New("invalid json body")
	}
	return nil
}
