package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"studymate/identity"
	"studymate/idtoken"
	"studymate/server"
	"studymate/telemetry"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Create or check the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a development configuration to --config",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := runConfigInit(configPath); err != nil {
			return fmt.Errorf("config init failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "configuration written to %s\n", configPath)
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate --config and check that the signing keys are reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, closer, err := loadRuntime(cmd)
		if err != nil {
			return fmt.Errorf("config validation failed: %w", err)
		}
		defer closer.Close()
		runConfigValidate(cmd.Context(), cfg, logger)
		return nil
	},
}

var keysURL string

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Fetch the signing key document and list its key ids",
	RunE: func(cmd *cobra.Command, args []string) error {
		url := keysURL
		if url == "" {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			url = cfg.KeysURL()
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		return runKeys(ctx, url, nil, cmd.OutOrStdout())
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <id-token>",
	Short: "Verify an ID token against the configured issuer and print its claims",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		return runVerify(ctx, cfg, args[0], nil, cmd.OutOrStdout())
	},
}

var (
	signinEmail    string
	signinPassword string
)

var signinCmd = &cobra.Command{
	Use:   "signin",
	Short: "Exchange an email and password for an ID token",
	RunE: func(cmd *cobra.Command, args []string) error {
		if signinEmail == "" || signinPassword == "" {
			return errors.New("--email and --password are required")
		}
		client, err := identityClient()
		if err != nil {
			return err
		}
		sess, err := client.SignInWithPassword(cmd.Context(), signinEmail, signinPassword)
		if err != nil {
			return errors.New(identity.LocalizedMessage(err))
		}
		return printSession(cmd.OutOrStdout(), sess)
	},
}

var signupCmd = &cobra.Command{
	Use:   "signup",
	Short: "Register an email and password account and send the verification email",
	RunE: func(cmd *cobra.Command, args []string) error {
		if signinEmail == "" || signinPassword == "" {
			return errors.New("--email and --password are required")
		}
		client, err := identityClient()
		if err != nil {
			return err
		}
		return runSignup(cmd.Context(), client, signinEmail, signinPassword, cmd.OutOrStdout())
	},
}

var resetPasswordCmd = &cobra.Command{
	Use:   "reset-password",
	Short: "Send a password reset email",
	RunE: func(cmd *cobra.Command, args []string) error {
		if signinEmail == "" {
			return errors.New("--email is required")
		}
		client, err := identityClient()
		if err != nil {
			return err
		}
		if err := client.SendPasswordReset(cmd.Context(), signinEmail); err != nil {
			return errors.New(identity.LocalizedMessage(err))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "password reset email sent to %s\n", signinEmail)
		return nil
	},
}

var refreshToken string

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Exchange a refresh token for a fresh ID token",
	RunE: func(cmd *cobra.Command, args []string) error {
		if refreshToken == "" {
			return errors.New("--refresh-token is required")
		}
		client, err := identityClient()
		if err != nil {
			return err
		}
		sess, err := client.Refresh(cmd.Context(), refreshToken)
		if err != nil {
			return errors.New(identity.LocalizedMessage(err))
		}
		return printSession(cmd.OutOrStdout(), sess)
	},
}

func init() {
	configCmd.AddCommand(configInitCmd, configValidateCmd)
	keysCmd.Flags().StringVar(&keysURL, "url", "", "Key document URL (defaults to the configured keys URL)")
	signinCmd.Flags().StringVar(&signinEmail, "email", "", "Account email")
	signinCmd.Flags().StringVar(&signinPassword, "password", "", "Account password")
	signupCmd.Flags().StringVar(&signinEmail, "email", "", "Account email")
	signupCmd.Flags().StringVar(&signinPassword, "password", "", "Account password (at least 6 characters)")
	resetPasswordCmd.Flags().StringVar(&signinEmail, "email", "", "Account email")
	refreshCmd.Flags().StringVar(&refreshToken, "refresh-token", "", "Refresh token from a previous sign-in")
}

func runConfigInit(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	return server.WriteConfig(path, server.DefaultConfig())
}

// runConfigValidate reports whether the key endpoint answers. An unreachable
// endpoint is logged, not fatal: the dev issuer only answers while serving.
func runConfigValidate(ctx context.Context, cfg server.Config, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	logger.Info("validating configuration URLs...")
	url := cfg.KeysURL()
	if cfg.Identity.Discover {
		discovered, err := identity.DiscoverKeysURL(ctx, cfg.IssuerURL(), nil)
		if err != nil {
			logger.Error("issuer discovery failed", "issuer", cfg.IssuerURL(), "error", err)
			return
		}
		url = discovered
	}
	if err := runKeys(ctx, url, nil, io.Discard); err != nil {
		logger.Error("signing keys not reachable", "url", url, "error", err)
	} else {
		logger.Info("signing keys are reachable", "url", url)
	}
	if cfg.Upstream.Target != "" {
		if err := checkURL(ctx, cfg.Upstream.Target); err != nil {
			logger.Error("upstream not reachable", "target", cfg.Upstream.Target, "error", err)
		} else {
			logger.Info("upstream is reachable", "target", cfg.Upstream.Target)
		}
	}
	logger.Info("configuration validation complete")
}

func runKeys(ctx context.Context, url string, client *http.Client, out io.Writer) error {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	cache := idtoken.NewKeyCache(idtoken.KeyCacheConfig{URL: url, HTTPClient: client, Logger: telemetry.Discard()})
	set, err := cache.Keys(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "keys:    %s\n", url)
	fmt.Fprintf(out, "fetched: %s\n", set.FetchedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "expires: %s\n", set.ExpiresAt.Format(time.RFC3339))
	for _, kid := range set.KeyIDs() {
		fmt.Fprintf(out, "kid:     %s\n", kid)
	}
	return nil
}

func runVerify(ctx context.Context, cfg server.Config, token string, client *http.Client, out io.Writer) error {
	durations, err := cfg.Durations()
	if err != nil {
		return err
	}
	if client == nil {
		client = &http.Client{Timeout: durations.FetchTimeout}
	}
	keys := idtoken.NewKeyCache(idtoken.KeyCacheConfig{
		URL:        cfg.KeysURL(),
		DefaultTTL: durations.DefaultKeyTTL,
		HTTPClient: client,
		Logger:     telemetry.Discard(),
	})
	verifier, err := idtoken.NewVerifier(idtoken.Config{
		Issuer:    cfg.IssuerURL(),
		Audience:  cfg.Identity.ProjectID,
		ClockSkew: durations.ClockSkew,
	}, keys)
	if err != nil {
		return err
	}
	claims, err := verifier.Verify(ctx, token)
	if err != nil {
		return fmt.Errorf("token rejected (%s): %w", idtoken.KindOf(err), err)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"uid":            claims.Subject(),
		"email":          claims.Email(),
		"email_verified": claims.EmailVerified(),
		"name":           claims.DisplayName(),
		"provider":       claims.SignInProvider(),
		"issued_at":      claims.IssuedAt().Format(time.RFC3339),
		"expires_at":     claims.ExpiresAt().Format(time.RFC3339),
	})
}

// runSignup creates the account and requests the verification email. A failed
// verification send is reported but the new session is still printed.
func runSignup(ctx context.Context, client *identity.Client, email, password string, out io.Writer) error {
	sess, err := client.SignUp(ctx, email, password)
	if err != nil {
		return errors.New(identity.LocalizedMessage(err))
	}
	if err := client.SendEmailVerification(ctx, sess.IDToken); err != nil {
		fmt.Fprintf(out, "verification email not sent: %s\n", identity.LocalizedMessage(err))
	}
	return printSession(out, sess)
}

func identityClient() (*identity.Client, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return identity.NewClient(identity.Config{
		APIKey:             cfg.Identity.APIKey,
		EmulatorHost:       cfg.Identity.EmulatorHost,
		IdentityToolkitURL: cfg.Identity.IdentityToolkitURL,
		SecureTokenURL:     cfg.Identity.SecureTokenURL,
	})
}

func printSession(out io.Writer, sess *identity.Session) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"uid":          sess.UID,
		"email":        sess.Email,
		"idToken":      sess.IDToken,
		"refreshToken": sess.RefreshToken,
		"expiresIn":    int(sess.ExpiresIn.Seconds()),
	})
}

func checkURL(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := (&http.Client{Timeout: 5 * time.Second}).Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	if resp.StatusCode >= 500 {
		return fmt.Errorf("received status %d", resp.StatusCode)
	}
	return nil
}
