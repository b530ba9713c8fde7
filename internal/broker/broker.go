// Package broker assembles the session broker from its parts: token
// validation, the session registry, the relay fabric, the streaming
// gateway, and the management API.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cellium/mcp-relay/auth"
	"github.com/cellium/mcp-relay/config"
	"github.com/cellium/mcp-relay/internal/httpapi"
	"github.com/cellium/mcp-relay/internal/metrics"
	"github.com/cellium/mcp-relay/relay"
	"github.com/cellium/mcp-relay/relay/memoryfabric"
	"github.com/cellium/mcp-relay/relay/redisfabric"
	"github.com/cellium/mcp-relay/sessions"
	"github.com/cellium/mcp-relay/streaminghttp"
	"github.com/cellium/mcp-relay/tokenstore"
	"github.com/cellium/mcp-relay/tokenstore/memorystore"
	"github.com/cellium/mcp-relay/tokenstore/redisstore"
	"github.com/cellium/mcp-relay/tokenstore/remotevalidator"
)

// Broker is the assembled service. Construct with New, run with Run.
type Broker struct {
	cfg      *config.Config
	log      *slog.Logger
	api      *httpapi.Server
	registry *sessions.Registry
	fabric   relay.Fabric
	store    *tokenstore.Store // nil when validation is delegated
}

// New wires the broker's components according to the configuration.
// Validation is authoritative with a local store unless auth_server_url
// delegates it; session presence is process-local unless a Redis address
// enables the shared fabric.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Broker, error) {
	m := metrics.New()

	var (
		store *tokenstore.Store
		authn auth.Authenticator
	)
	if cfg.Auth.AuthServerURL != "" {
		v, err := remotevalidator.New(cfg.Auth.AuthServerURL, remotevalidator.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("build remote validator: %w", err)
		}
		authn = auth.NewTokenAuthenticator(v)
		logger.Info("token validation delegated", "auth_server_url", cfg.Auth.AuthServerURL)
	} else {
		var backend tokenstore.Backend
		if cfg.UseRedis() {
			b, err := redisstore.New(redisstore.Config{
				RedisAddr: cfg.Redis.Addr,
				KeyPrefix: cfg.Redis.KeyPrefix + "tokens:",
			})
			if err != nil {
				return nil, fmt.Errorf("connect token store: %w", err)
			}
			backend = b
		} else {
			backend = memorystore.New()
		}
		store = tokenstore.New(backend,
			tokenstore.WithLegacyFallback(cfg.Auth.EnableFallback, cfg.FallbackTable()),
			tokenstore.WithDefaultTTL(cfg.Auth.DefaultTokenTTL.Duration),
			tokenstore.WithLogger(logger),
		)
		authn = auth.NewTokenAuthenticator(store)
	}

	if cfg.Auth.EnableFallback {
		logger.Warn("legacy fallback tokens enabled, static credentials are for development only")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}

	var fabric relay.Fabric
	if cfg.UseRedis() {
		f, err := redisfabric.New(redisfabric.Config{
			RedisAddr:   cfg.Redis.Addr,
			KeyPrefix:   cfg.Redis.KeyPrefix + "fabric:",
			PresenceTTL: cfg.Redis.PresenceTTL.Duration,
		})
		if err != nil {
			return nil, fmt.Errorf("connect relay fabric: %w", err)
		}
		fabric = f
	} else {
		fabric = memoryfabric.New()
	}

	registry := sessions.NewRegistry(sessions.WithLogger(logger))
	router := relay.NewRouter(registry, fabric, relay.WithLogger(logger))

	gwOpts := []streaminghttp.Option{
		streaminghttp.WithLogger(logger),
		streaminghttp.WithMetrics(m),
		streaminghttp.WithRealm(cfg.Auth.Realm),
		streaminghttp.WithKeepaliveInterval(cfg.Session.KeepaliveInterval.Duration),
		streaminghttp.WithSendTimeout(cfg.Session.SendTimeout.Duration),
		streaminghttp.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		streaminghttp.WithAllowedOrigins(cfg.Server.AllowedOrigins),
	}
	if cfg.Auth.RequireTokenForMessages {
		gwOpts = append(gwOpts, streaminghttp.WithMessageAuth(cfg.Auth.AdminUsers))
	}
	gateway, err := streaminghttp.New(ctx, authn, registry, router, fabric, gwOpts...)
	if err != nil {
		return nil, fmt.Errorf("build streaming gateway: %w", err)
	}

	api := httpapi.NewServer(cfg, authn, store, gateway, m, logger)

	return &Broker{
		cfg:      cfg,
		log:      logger.With(slog.String("component", "broker")),
		api:      api,
		registry: registry,
		fabric:   fabric,
		store:    store,
	}, nil
}

// Run serves the broker until the context is canceled, then shuts down
// gracefully.
func (b *Broker) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    b.cfg.Server.Addr,
		Handler: b.api.Handler(),
	}

	if d := b.cfg.Session.IdleTimeout.Duration; d > 0 {
		b.registry.StartIdleReaper(ctx, d)
	}
	b.api.StartBackgroundTasks(ctx)

	errCh := make(chan error, 1)
	go func() {
		b.log.Info("broker listening", "addr", b.cfg.Server.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		b.log.Info("shutting down broker")

		// Shutdown waits for in-flight responses, and an open stream is
		// one. End the streams before asking the server to drain.
		b.registry.CloseAll("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			b.log.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		}

		b.close()
		b.log.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		b.registry.CloseAll("shutting down")
		b.close()
		return err
	}
}

func (b *Broker) close() {
	if err := b.fabric.Close(); err != nil {
		b.log.Warn("closing fabric", "error", err)
	}
	if b.store != nil {
		if err := b.store.Close(); err != nil {
			b.log.Warn("closing token store", "error", err)
		}
	}
}
