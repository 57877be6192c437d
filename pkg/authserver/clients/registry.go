// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package clients holds the statically configured OAuth clients and serves
// them to fosite as its ClientManager.
package clients

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/ory/fosite"
)

// ErrNotFound is returned for unknown client IDs.
var ErrNotFound = errors.New("client not found")

// Config describes one registered client.
type Config struct {
	// ID is the client_id.
	ID string `json:"id" yaml:"id" mapstructure:"id"`

	// RedirectURIs are matched exactly, except for loopback URIs whose port may vary.
	RedirectURIs []string `json:"redirect_uris" yaml:"redirect_uris" mapstructure:"redirect_uris"`

	// Scopes the client may request.
	Scopes []string `json:"scopes" yaml:"scopes" mapstructure:"scopes"`

	// Public clients have no secret.
	Public bool `json:"public" yaml:"public" mapstructure:"public"`
}

// Validate checks a client entry.
func (c Config) Validate() error {
	if c.ID == "" {
		return errors.New("client id is required")
	}
	if len(c.RedirectURIs) == 0 {
		return fmt.Errorf("client %q: at least one redirect uri is required", c.ID)
	}
	for _, raw := range c.RedirectURIs {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("client %q: invalid redirect uri %q: %w", c.ID, raw, err)
		}
		if !u.IsAbs() {
			return fmt.Errorf("client %q: redirect uri %q must be absolute", c.ID, raw)
		}
		if u.Fragment != "" {
			return fmt.Errorf("client %q: redirect uri %q must not contain a fragment", c.ID, raw)
		}
	}
	return nil
}

func (c Config) client() *fosite.DefaultClient {
	return &fosite.DefaultClient{
		ID:            c.ID,
		RedirectURIs:  slices.Clone(c.RedirectURIs),
		Scopes:        slices.Clone(c.Scopes),
		GrantTypes:    fosite.Arguments{"authorization_code", "refresh_token"},
		ResponseTypes: fosite.Arguments{"code"},
		Public:        c.Public,
	}
}

// Registry is an in-memory fosite.ClientManager.
type Registry struct {
	mu                  sync.RWMutex
	clients             map[string]fosite.Client
	clientAssertionJWTs map[string]time.Time
	now                 func() time.Time
	logger              *slog.Logger
}

var _ fosite.ClientManager = (*Registry)(nil)

// NewRegistry creates a registry holding the configured clients.
func NewRegistry(configs []Config, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		clients:             make(map[string]fosite.Client, len(configs)),
		clientAssertionJWTs: make(map[string]time.Time),
		now:                 time.Now,
		logger:              logger,
	}
	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.clients[cfg.ID]; dup {
			return nil, fmt.Errorf("client %q is registered twice", cfg.ID)
		}
		r.clients[cfg.ID] = cfg.client()
	}
	return r, nil
}

// Register adds or replaces a client.
func (r *Registry) Register(client fosite.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[client.GetID()] = client
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// GetClient loads the client by its ID.
func (r *Registry) GetClient(_ context.Context, id string) (fosite.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, ok := r.clients[id]
	if !ok {
		r.logger.Debug("client not found", "client_id", id)
		return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Client not found"))
	}
	return client, nil
}

// ClientAssertionJWTValid returns fosite.ErrJTIKnown for a JTI that was
// already used and has not expired yet.
func (r *Registry) ClientAssertionJWTValid(_ context.Context, jti string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if exp, ok := r.clientAssertionJWTs[jti]; ok && r.now().Before(exp) {
		return fosite.ErrJTIKnown
	}
	return nil
}

// SetClientAssertionJWT marks a JTI as used until exp, dropping expired ones first.
func (r *Registry) SetClientAssertionJWT(_ context.Context, jti string, exp time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for k, v := range r.clientAssertionJWTs {
		if now.After(v) {
			delete(r.clientAssertionJWTs, k)
		}
	}
	r.clientAssertionJWTs[jti] = exp
	return nil
}
