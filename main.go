package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/acme/autocert"

	"studymate/server"
	"studymate/telemetry"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "studymate",
	Short: "Studymate session gate",
	Long: `studymate verifies identity-provider session cookies in front of the
Studymate frontend, redirects requests according to the route table, and
serves the session, profile and action-code endpoints.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gate and its HTTP endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, closeLog, err := loadRuntime(cmd)
		if err != nil {
			return err
		}
		defer closeLog.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg, logger)
	},
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	defaultConfig := os.Getenv("STUDYMATE_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "./config.yaml"
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfig, "Path to YAML or TOML config (also STUDYMATE_CONFIG)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "Logging level (debug, info, warn, error); overrides logging.level")

	rootCmd.AddCommand(serveCmd, configCmd, keysCmd, verifyCmd, signinCmd, signupCmd, resetPasswordCmd, refreshCmd)
}

// loadRuntime loads the config and builds the logger it describes. The
// logger becomes the slog default so config validation messages use it too.
func loadRuntime(cmd *cobra.Command) (server.Config, *slog.Logger, io.Closer, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return server.Config{}, nil, nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	logger, closer, err := telemetry.NewLogger(cfg.Logging, cmd.OutOrStdout())
	if err != nil {
		return server.Config{}, nil, nil, fmt.Errorf("init logger: %w", err)
	}
	slog.SetDefault(logger)
	return cfg, logger, closer, nil
}

func loadConfig(path string) (server.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run 'studymate config init' to create it", path)
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	return server.LoadConfig(path)
}

func runServe(ctx context.Context, cfg server.Config, logger *slog.Logger) error {
	application, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer application.Close()

	if application.DevIssuer != nil {
		stopRotate := make(chan struct{})
		application.DevIssuer.StartRotation(stopRotate)
		defer close(stopRotate)
	}

	handler := application.Routes()
	var shutdownFns []func(context.Context) error
	errCh := make(chan error, 2)

	if cfg.Server.DevMode {
		srv := &http.Server{
			Addr:              cfg.Server.DevListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
		}
		shutdownFns = append(shutdownFns, srv.Shutdown)
		logger.Info("server listening", "mode", "dev", "addr", cfg.Server.DevListenAddr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("dev server: %w", err)
			}
		}()
	} else {
		m := &autocert.Manager{
			Cache:      autocert.DirCache(cfg.Server.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}
		tlsCfg := &tls.Config{
			GetCertificate: m.GetCertificate,
			MinVersion:     tls.VersionTLS12,
			NextProtos:     []string{"h2", "http/1.1", "acme-tls/1"},
		}

		httpRedirect := &http.Server{
			Addr:              cfg.Server.HTTPListenAddr,
			Handler:           m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}
		shutdownFns = append(shutdownFns, httpRedirect.Shutdown)
		go func() {
			if err := httpRedirect.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("http redirect: %w", err)
			}
		}()

		httpsSrv := &http.Server{
			Addr:              cfg.Server.HTTPSListenAddr,
			Handler:           handler,
			TLSConfig:         tlsCfg,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
		}
		shutdownFns = append(shutdownFns, httpsSrv.Shutdown)
		logger.Info("server listening", "mode", "prod", "addr", cfg.Server.HTTPSListenAddr, "domains", cfg.Server.TLS.Domains)
		go func() {
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()
	}

	go warmKeys(ctx, application, logger)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		logger.Error("server error", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, fn := range shutdownFns {
		_ = fn(shutdownCtx)
	}
	logger.Info("server stopped")
	return runErr
}

// warmKeys fetches the key document once so a misconfigured keys URL shows
// up at startup rather than on the first request. Failures are warnings.
func warmKeys(ctx context.Context, application *server.App, logger *slog.Logger) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(500 * time.Millisecond):
	}
	set, err := application.Keys.Keys(ctx)
	if err != nil {
		logger.Warn("signing keys not reachable",
			"url", application.Keys.URL(),
			"error", err,
			"note", "server will continue but sessions cannot be verified until keys load")
		return
	}
	logger.Info("signing keys loaded", "url", application.Keys.URL(), "kids", set.KeyIDs())
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}
