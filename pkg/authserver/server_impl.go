// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/securecookie"
	"github.com/ory/fosite"

	"github.com/stacklok/authbridge/pkg/auth/identity"
	"github.com/stacklok/authbridge/pkg/authserver/clients"
	"github.com/stacklok/authbridge/pkg/authserver/consent"
	"github.com/stacklok/authbridge/pkg/authserver/grant"
	"github.com/stacklok/authbridge/pkg/authserver/server/handlers"
	"github.com/stacklok/authbridge/pkg/authserver/storage"
	"github.com/stacklok/authbridge/pkg/session"
	"github.com/stacklok/authbridge/pkg/telemetry"
	"github.com/stacklok/authbridge/pkg/telemetry/metrics"
)

// server is the internal implementation of the Server interface.
type server struct {
	handler        http.Handler
	metricsHandler http.Handler
	closers        []func() error
	logger         *slog.Logger
}

func newServer(ctx context.Context, cfg Config, opts ...Option) (_ *server, err error) {
	options := &serverOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(options)
	}
	logger := options.logger

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &server{logger: logger}
	defer func() {
		if err != nil {
			if closeErr := s.Close(); closeErr != nil {
				logger.Warn("failed to release resources after setup error", "error", closeErr)
			}
		}
	}()

	tel, err := telemetry.NewProvider(ctx, cfg.Telemetry, logger.With("component", "telemetry"))
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry provider: %w", err)
	}
	s.closers = append(s.closers, func() error { return tel.Shutdown(context.Background()) })

	m, err := metrics.New(tel.MeterProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	registry, err := clients.NewRegistry(cfg.Clients, logger.With("component", "clients"))
	if err != nil {
		return nil, fmt.Errorf("failed to create client registry: %w", err)
	}
	provider, err := newProvider(cfg, registry)
	if err != nil {
		return nil, err
	}

	logger.Debug("creating authorization request repository", "type", cfg.Storage.Type)
	repo, err := storage.New(ctx, &cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to create repository: %w", err)
	}
	s.closers = append(s.closers, repo.Close)

	store, err := s.newSessionStore(cfg.Session)
	if err != nil {
		return nil, err
	}
	resolver, err := identity.NewResolver(cfg.Identity, store,
		identity.WithLogger(logger.With("component", "identity")),
		identity.WithMetrics(m),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create identity resolver: %w", err)
	}

	cookies, err := newCookies(cfg.Session, logger)
	if err != nil {
		return nil, err
	}

	gate, err := consent.NewGate(repo, cfg.Consent,
		consent.WithLogger(logger.With("component", "consent")),
		consent.WithMetrics(m),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consent gate: %w", err)
	}

	engine, err := grant.NewRedirectEngine(cfg.Grant.ResumeURL, cfg.Grant.AuthStateParam, logger.With("component", "grant"))
	if err != nil {
		return nil, fmt.Errorf("failed to create grant engine: %w", err)
	}

	// RealIP would let clients forge the peer address the trusted proxy check relies on.
	mws := []func(http.Handler) http.Handler{middleware.RequestID}
	if len(cfg.Identity.TrustedProxies) == 0 {
		mws = append(mws, middleware.RealIP)
	}
	mws = append(mws, middleware.Recoverer, tel.Middleware())

	handlerOpts := []handlers.Option{
		handlers.WithLogger(logger.With("component", "handlers")),
		handlers.WithMiddlewares(mws...),
	}
	if promHandler := tel.PrometheusHandler(); promHandler != nil {
		if cfg.MetricsAddress == "" {
			handlerOpts = append(handlerOpts, handlers.WithMetricsHandler(promHandler))
		} else {
			r := chi.NewRouter()
			r.Handle("/metrics", promHandler)
			s.metricsHandler = r
		}
	}

	s.handler = handlers.NewHandler(provider, repo, resolver, cookies, gate, engine, handlerOpts...).Routes()

	logger.Debug("authorization bridge initialized",
		"clients", registry.Len(),
		"storage", cfg.Storage.Type,
		"session_store", cfg.Session.Store,
		"denial_mode", cfg.Consent.DenialMode,
	)
	return s, nil
}

// newProvider creates a fosite provider that only validates authorization
// requests. Codes and tokens are issued by the grant engine.
func newProvider(cfg Config, registry *clients.Registry) (fosite.OAuth2Provider, error) {
	strategy, err := cfg.ScopeStrategy.fosite()
	if err != nil {
		return nil, err
	}
	return fosite.NewOAuth2Provider(registry, &fosite.Config{
		ScopeStrategy:       strategy,
		MinParameterEntropy: cfg.MinParameterEntropy,
	}), nil
}

func (s *server) newSessionStore(cfg SessionConfig) (session.Store, error) {
	if cfg.Store != SessionStoreRedis {
		return session.NewMemoryStore(cfg.Capacity, cfg.TTL), nil
	}
	client, err := storage.NewClient(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to create session redis client: %w", err)
	}
	s.closers = append(s.closers, client.Close)
	return session.NewRedisStore(client, cfg.Redis.KeyPrefix, cfg.TTL), nil
}

func newCookies(cfg SessionConfig, logger *slog.Logger) (*session.Cookies, error) {
	hashKey := []byte(cfg.HashKey)
	if len(hashKey) == 0 {
		logger.Warn("no session hash key configured, generating an ephemeral one; sessions will not survive restarts")
		hashKey = securecookie.GenerateRandomKey(session.MinHashKeyLength)
		if hashKey == nil {
			return nil, errors.New("failed to generate session hash key")
		}
	}
	var blockKey []byte
	if cfg.BlockKey != "" {
		blockKey = []byte(cfg.BlockKey)
	}
	cookies, err := session.NewCookies(session.CookieConfig{
		Name:     cfg.CookieName,
		HashKey:  hashKey,
		BlockKey: blockKey,
		MaxAge:   cfg.TTL,
		Secure:   cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session cookies: %w", err)
	}
	return cookies, nil
}

// Handler returns the HTTP handler serving the OAuth endpoints.
func (s *server) Handler() http.Handler {
	return s.handler
}

// MetricsHandler returns the handler for a separate metrics listener, if any.
func (s *server) MetricsHandler() http.Handler {
	return s.metricsHandler
}

// Close releases resources in reverse order of acquisition.
func (s *server) Close() error {
	s.logger.Debug("closing authorization bridge")
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
