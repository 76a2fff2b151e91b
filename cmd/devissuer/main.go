// Command devissuer runs the development identity issuer on its own, for
// frontends that mint test sessions without a running gate.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"studymate/devissuer"
	"studymate/telemetry"
)

func main() {
	addr := flag.String("addr", envOr("DEVISSUER_ADDR", ":9099"), "Listen address")
	project := flag.String("project", envOr("STUDYMATE_PROJECT_ID", "studymate-dev"), "Project id used as the token audience")
	keysPath := flag.String("keys", "", "Persist signing keys to this file")
	rotate := flag.Duration("rotate", 24*time.Hour, "Key rotation interval")
	origins := flag.String("origins", "http://localhost:3000", "Comma separated CORS origins")
	level := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.Parse()

	logger, closer, err := telemetry.NewLogger(telemetry.LogConfig{Level: *level}, os.Stdout)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer closer.Close()

	iss, err := devissuer.New(devissuer.Config{
		ProjectID:      *project,
		RotateInterval: *rotate,
		StorePath:      *keysPath,
	}, logger)
	if err != nil {
		log.Fatalf("init issuer: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stopRotate := make(chan struct{})
	iss.StartRotation(stopRotate)
	defer close(stopRotate)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           routes(iss, strings.Split(*origins, ","), logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			stop()
		}
	}()
	logger.Info("dev issuer listening", "addr", *addr, "project", *project, "kid", iss.CurrentKeyID())

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func routes(iss *devissuer.Issuer, origins []string, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	}))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug("http_request", "method", r.Method, "path", r.URL.Path)
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/keys", iss.ServeKeys)
	r.Get("/jwks", iss.ServeJWKS)
	r.Post("/token", iss.HandleMint)
	return r
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
