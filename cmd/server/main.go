package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"identity-vault/internal/platform/config"
	"identity-vault/internal/platform/httpserver"
	"identity-vault/internal/platform/logger"
	"identity-vault/internal/platform/metrics"
	"identity-vault/internal/platform/middleware"
	"identity-vault/internal/vault/bootstrap"
	"identity-vault/internal/vault/handler"
)

// main wires the vault from configuration, serves the HTTP API and shuts
// down gracefully on SIGINT or SIGTERM.
func main() {
	cfg, err := config.Load(os.Getenv("VAULT_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "identity-vault: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Server.LogLevel)

	if err := run(cfg, log); err != nil {
		log.Error("identity-vault exited with error", "error", err)
		os.Exit(1)
	}
}

// run returns once the server has stopped; a nil error means a clean shutdown.
func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, log, prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("start identity vault: %w", err)
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Error("failed to close connections", "error", err)
		}
	}()

	opts := []handler.Option{handler.WithTimeout(cfg.Server.RequestTimeout)}
	if cfg.Server.AuthSigningKey != "" {
		opts = append(opts, handler.WithAuth(middleware.NewHS256Validator(cfg.Server.AuthSigningKey)))
	} else {
		log.Warn("AUTH_SIGNING_KEY not set, vault routes are unauthenticated")
	}
	lineage := func() handler.Service { return app.Service.ForSequence("") }
	h := handler.New(lineage, app.Profiles, app.Status, log, metrics.New(nil), opts...)

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := app.Health(req.Context()); err != nil {
			log.WarnContext(req.Context(), "health check failed", "error", err)
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	h.Register(r)

	srv := httpserver.New(cfg.Server.Addr, r)
	errCh := make(chan error, 1)
	go func() {
		log.Info("starting identity-vault", "addr", cfg.Server.Addr, "backend", cfg.Store.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down identity-vault")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}
