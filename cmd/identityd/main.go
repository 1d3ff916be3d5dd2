// Package main is the entry point for the simple-identity session service.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tendant/simple-identity/internal/clock"
	"github.com/tendant/simple-identity/internal/config"
	"github.com/tendant/simple-identity/internal/cookie"
	"github.com/tendant/simple-identity/internal/delegation"
	idhttp "github.com/tendant/simple-identity/internal/http"
	"github.com/tendant/simple-identity/internal/provider"
	"github.com/tendant/simple-identity/internal/sealed"
	"github.com/tendant/simple-identity/internal/session"
	"github.com/tendant/simple-identity/internal/store"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup logger
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	if cfg.CookieKeyGenerated {
		logger.Warn("IDENTITY_COOKIE_KEY not set, using a generated key; sessions will not survive a restart")
	}

	ctx := context.Background()

	// Initialize KV store
	kv, err := store.Open(ctx, cfg.Store(), logger)
	if err != nil {
		return err
	}
	defer kv.Close()
	logger.Info("initialized kv store", "backend", cfg.KVBackend)

	repoOpts := []store.RepositoryOption{store.WithLogger(logger)}
	if cfg.SealIdentity != "" {
		sealer, err := sealed.New(cfg.SealIdentity)
		if err != nil {
			return err
		}
		repoOpts = append(repoOpts, store.WithSealer(sealer))
		logger.Info("sealing stored secrets", "recipient", sealer.Recipient())
	}
	secrets := store.NewSecretRepository(kv, repoOpts...)

	codec, err := cookie.NewCodec(cfg.CookieKeyBytes())
	if err != nil {
		return err
	}
	migrator, err := cookie.NewMigrator(cfg.MigrationKeyBytes())
	if err != nil {
		return err
	}
	jar := cookie.NewJar(codec,
		cookie.WithName(cfg.CookieName),
		cookie.WithSecure(cfg.CookieSecure),
		cookie.WithDomain(cfg.CookieDomain),
	)

	builder := delegation.NewBuilder(
		delegation.WithSessionMaxAge(cfg.SessionDelegationTTL),
		delegation.WithShortLivedMaxAge(cfg.ShortDelegationTTL),
		delegation.WithLogger(logger),
	)

	svcOpts := []session.Option{
		session.WithRefreshTTL(cfg.RefreshMaxAge),
		session.WithTempTokenTTL(cfg.TempTokenTTL),
		session.WithLockout(session.NewLockout(cfg.UpgradeMaxFailures, cfg.UpgradeLockout, clock.Real())),
		session.WithLogger(logger),
	}
	if cfg.ProviderEnabled() {
		keys, err := provider.LoadJWKSFile(cfg.OAuthJWKSFile)
		if err != nil {
			return err
		}
		verifier := provider.NewVerifier(keys, cfg.OAuthIssuer, cfg.OAuthAudience, provider.WithLogger(logger))
		svcOpts = append(svcOpts, session.WithProvider(verifier))
		logger.Info("provider login enabled", "issuer", cfg.OAuthIssuer, "keys", keys.Len())
	}
	svc := session.NewService(jar, migrator, builder, secrets, svcOpts...)

	// Create HTTP server
	serverOpts := []idhttp.Option{idhttp.WithLogger(logger), idhttp.WithKV(kv)}
	if len(cfg.AllowedOrigins) > 0 {
		cors := idhttp.DefaultCORSConfig()
		cors.AllowedOrigins = cfg.AllowedOrigins
		serverOpts = append(serverOpts, idhttp.WithCORS(cors))
	}
	server := idhttp.NewServer(cfg.Addr(), serverOpts...)
	idhttp.NewIdentityHandler(svc,
		idhttp.WithHandlerLogger(logger),
		idhttp.WithRateLimit(cfg.UpgradeRateLimit),
	).Routes(server.Router())

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("server started", "addr", cfg.Addr())

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return err
	}

	logger.Info("shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}

	logger.Info("server stopped")
	return nil
}
