// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package handlers serves the authorization and consent endpoints:
//   - GET /oauth/authorize validates the client request, records it as
//     pending, resolves the user's identity and renders the consent page
//   - POST /oauth/consent applies the user's decision and hands approvals to
//     the grant engine
//   - GET /healthz reports repository health
//   - GET /metrics serves Prometheus metrics when configured
package handlers

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ory/fosite"

	"github.com/stacklok/authbridge/pkg/auth"
	"github.com/stacklok/authbridge/pkg/authserver/consent"
	"github.com/stacklok/authbridge/pkg/authserver/grant"
	"github.com/stacklok/authbridge/pkg/authserver/storage"
	apperrors "github.com/stacklok/authbridge/pkg/errors"
	"github.com/stacklok/authbridge/pkg/session"
)

// Authenticator resolves the principal of a request.
type Authenticator interface {
	CanCommence(r *http.Request) bool
	Authenticate(r *http.Request, sessionID string) (*auth.Principal, error)
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMetricsHandler serves handler at /metrics.
func WithMetricsHandler(handler http.Handler) Option {
	return func(h *Handler) {
		h.metricsHandler = handler
	}
}

// WithMiddlewares installs middlewares on the router, outermost first.
func WithMiddlewares(middlewares ...func(http.Handler) http.Handler) Option {
	return func(h *Handler) {
		h.middlewares = append(h.middlewares, middlewares...)
	}
}

// withAuthStateGenerator replaces the auth state generator in tests.
func withAuthStateGenerator(gen func() string) Option {
	return func(h *Handler) {
		h.newAuthState = gen
	}
}

// Handler provides the HTTP handlers of the bridge.
type Handler struct {
	provider       fosite.OAuth2Provider
	repo           storage.Repository
	authenticator  Authenticator
	cookies        *session.Cookies
	gate           *consent.Gate
	engine         grant.Engine
	metricsHandler http.Handler
	middlewares    []func(http.Handler) http.Handler
	logger         *slog.Logger
	newAuthState   func() string
}

// NewHandler creates a Handler with the given dependencies.
func NewHandler(
	provider fosite.OAuth2Provider,
	repo storage.Repository,
	authenticator Authenticator,
	cookies *session.Cookies,
	gate *consent.Gate,
	engine grant.Engine,
	opts ...Option,
) *Handler {
	h := &Handler{
		provider:      provider,
		repo:          repo,
		authenticator: authenticator,
		cookies:       cookies,
		gate:          gate,
		engine:        engine,
		logger:        slog.Default(),
		newAuthState:  rand.Text,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns a router with all endpoints registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.middlewares...)
	h.OAuthRoutes(r)
	h.OperationalRoutes(r)
	return r
}

// OAuthRoutes registers the authorization and consent endpoints.
func (h *Handler) OAuthRoutes(r chi.Router) {
	r.Get("/oauth/authorize", h.AuthorizeHandler)
	r.Post(consent.DefaultAction, h.ConsentHandler)
}

// OperationalRoutes registers health and metrics endpoints.
func (h *Handler) OperationalRoutes(r chi.Router) {
	r.Get("/healthz", h.HealthHandler)
	if h.metricsHandler != nil {
		r.Handle("/metrics", h.metricsHandler)
	}
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// writeError answers with the status of a typed error and a JSON body.
// Internal details are logged, never returned.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := apperrors.HTTPStatus(err)
	resp := errorResponse{Error: "server_error"}

	var typed *apperrors.Error
	switch {
	case status >= http.StatusInternalServerError:
		h.logger.Error("request failed", "error", err)
	case errors.As(err, &typed):
		h.logger.Debug("request rejected", "error", err)
		resp = errorResponse{Error: typed.Type, ErrorDescription: typed.Message}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
