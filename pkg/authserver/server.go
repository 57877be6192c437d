// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authserver assembles the identity bridge: the client registry, the
// pending authorization repository, the session cache, the identity resolver,
// the consent gate and the grant engine hand-off, behind one HTTP handler.
package authserver

import (
	"context"
	"log/slog"
	"net/http"
)

// Server is the assembled bridge.
type Server interface {
	// Handler serves the OAuth endpoints:
	//   - /oauth/authorize (authorization endpoint, renders consent)
	//   - /oauth/consent (consent decision)
	//   - /healthz
	//   - /metrics, unless a separate metrics address is configured
	Handler() http.Handler

	// MetricsHandler serves /metrics for a separate listener. It is nil when
	// metrics share the main listener or Prometheus is disabled.
	MetricsHandler() http.Handler

	// Close releases the repository, the session cache and telemetry.
	Close() error
}

// New creates a Server from cfg.
func New(ctx context.Context, cfg Config, opts ...Option) (Server, error) {
	return newServer(ctx, cfg, opts...)
}

// Option configures optional Server collaborators.
type Option func(*serverOptions)

type serverOptions struct {
	logger *slog.Logger
}

// WithLogger sets the logger components derive theirs from.
func WithLogger(logger *slog.Logger) Option {
	return func(o *serverOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}
