// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"errors"
	"fmt"
	"time"

	"github.com/ory/fosite"

	"github.com/stacklok/authbridge/pkg/auth/identity"
	"github.com/stacklok/authbridge/pkg/authserver/clients"
	"github.com/stacklok/authbridge/pkg/authserver/consent"
	"github.com/stacklok/authbridge/pkg/authserver/grant"
	"github.com/stacklok/authbridge/pkg/authserver/storage"
	"github.com/stacklok/authbridge/pkg/session"
	"github.com/stacklok/authbridge/pkg/telemetry"
)

// Default transport settings.
const (
	DefaultAddress      = ":8080"
	DefaultReadTimeout  = 10 * time.Second
	DefaultWriteTimeout = 15 * time.Second
	DefaultIdleTimeout  = 60 * time.Second

	// DefaultMinParameterEntropy is the minimum length of the client's state parameter.
	DefaultMinParameterEntropy = fosite.MinParameterEntropy
)

// ScopeStrategy selects how requested scopes are matched against a client's scopes.
type ScopeStrategy string

const (
	// ScopeStrategyExact requires an exact match.
	ScopeStrategyExact ScopeStrategy = "exact"
	// ScopeStrategyHierarchic lets "foo" cover "foo.bar".
	ScopeStrategyHierarchic ScopeStrategy = "hierarchic"
	// ScopeStrategyWildcard lets "foo.*" cover "foo.bar".
	ScopeStrategyWildcard ScopeStrategy = "wildcard"
)

func (s ScopeStrategy) fosite() (fosite.ScopeStrategy, error) {
	switch s {
	case "", ScopeStrategyExact:
		return fosite.ExactScopeStrategy, nil
	case ScopeStrategyHierarchic:
		return fosite.HierarchicScopeStrategy, nil
	case ScopeStrategyWildcard:
		return fosite.WildcardScopeStrategy, nil
	default:
		return nil, fmt.Errorf("unknown scope strategy %q", s)
	}
}

// SessionStoreType selects where resolved principals are cached.
type SessionStoreType string

const (
	// SessionStoreMemory caches principals in process.
	SessionStoreMemory SessionStoreType = "memory"
	// SessionStoreRedis caches principals in Redis, shared by all replicas.
	SessionStoreRedis SessionStoreType = "redis"
)

// SessionConfig configures the browser session.
type SessionConfig struct {
	Store    SessionStoreType    `json:"store" yaml:"store" mapstructure:"store"`
	Capacity int                 `json:"capacity" yaml:"capacity" mapstructure:"capacity"`
	TTL      time.Duration       `json:"ttl" yaml:"ttl" mapstructure:"ttl"`
	Redis    storage.RedisConfig `json:"redis" yaml:"redis" mapstructure:"redis"`

	CookieName string `json:"cookie_name" yaml:"cookie_name" mapstructure:"cookie_name"`

	// HashKey signs the session cookie. When empty a random key is generated
	// at startup, which invalidates sessions on restart and cannot be shared
	// between replicas.
	HashKey string `json:"hash_key" yaml:"hash_key" mapstructure:"hash_key"`

	// BlockKey optionally encrypts the session cookie.
	BlockKey string `json:"block_key" yaml:"block_key" mapstructure:"block_key"`

	Secure bool `json:"secure" yaml:"secure" mapstructure:"secure"`
}

// Validate checks the session configuration.
func (c *SessionConfig) Validate() error {
	var errs []error
	switch c.Store {
	case "", SessionStoreMemory:
	case SessionStoreRedis:
		redisCfg := storage.Config{Type: storage.TypeRedis, Redis: c.Redis}
		if err := redisCfg.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported session store %q", c.Store))
	}
	if c.TTL < 0 {
		errs = append(errs, errors.New("ttl cannot be negative"))
	}
	if c.HashKey != "" && len(c.HashKey) < session.MinHashKeyLength {
		errs = append(errs, fmt.Errorf("hash_key must be at least %d bytes", session.MinHashKeyLength))
	}
	switch len(c.BlockKey) {
	case 0, 16, 24, 32:
	default:
		errs = append(errs, errors.New("block_key must be 16, 24 or 32 bytes"))
	}
	return errors.Join(errs...)
}

// GrantConfig configures the hand-off to the grant engine.
type GrantConfig struct {
	// ResumeURL is where approved authorization attempts are sent.
	ResumeURL string `json:"resume_url" yaml:"resume_url" mapstructure:"resume_url"`

	// AuthStateParam defaults to grant.DefaultAuthStateParam.
	AuthStateParam string `json:"auth_state_param" yaml:"auth_state_param" mapstructure:"auth_state_param"`
}

// Config is the configuration of the bridge server.
type Config struct {
	// Address is the listen address of the OAuth endpoints.
	Address string `json:"address" yaml:"address" mapstructure:"address"`

	// MetricsAddress optionally serves /metrics on a separate listener.
	// When empty, /metrics is served next to the OAuth endpoints.
	MetricsAddress string `json:"metrics_address" yaml:"metrics_address" mapstructure:"metrics_address"`

	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout" mapstructure:"idle_timeout"`

	ScopeStrategy       ScopeStrategy `json:"scope_strategy" yaml:"scope_strategy" mapstructure:"scope_strategy"`
	MinParameterEntropy int           `json:"min_parameter_entropy" yaml:"min_parameter_entropy" mapstructure:"min_parameter_entropy"`

	Clients   []clients.Config `json:"clients" yaml:"clients" mapstructure:"clients"`
	Identity  identity.Config  `json:"identity" yaml:"identity" mapstructure:"identity"`
	Storage   storage.Config   `json:"storage" yaml:"storage" mapstructure:"storage"`
	Session   SessionConfig    `json:"session" yaml:"session" mapstructure:"session"`
	Consent   consent.Config   `json:"consent" yaml:"consent" mapstructure:"consent"`
	Grant     GrantConfig      `json:"grant" yaml:"grant" mapstructure:"grant"`
	Telemetry telemetry.Config `json:"telemetry" yaml:"telemetry" mapstructure:"telemetry"`
}

// DefaultConfig returns a configuration with every optional field defaulted.
// Clients and the grant resume URL still have to be provided.
func DefaultConfig() Config {
	return Config{
		Address:             DefaultAddress,
		ReadTimeout:         DefaultReadTimeout,
		WriteTimeout:        DefaultWriteTimeout,
		IdleTimeout:         DefaultIdleTimeout,
		ScopeStrategy:       ScopeStrategyExact,
		MinParameterEntropy: DefaultMinParameterEntropy,
		Identity:            identity.Config{AdminPolicy: identity.AdminPolicyLocalOnly},
		Storage:             *storage.DefaultConfig(),
		Session: SessionConfig{
			Store:      SessionStoreMemory,
			Capacity:   session.DefaultMemoryCapacity,
			TTL:        session.DefaultTTL,
			CookieName: session.DefaultCookieName,
			Secure:     true,
		},
		Consent: consent.Config{DenialMode: consent.DenialModeRedirect},
		Grant:   GrantConfig{AuthStateParam: grant.DefaultAuthStateParam},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	if c.Address == "" {
		errs = append(errs, errors.New("address is required"))
	}
	if c.MetricsAddress != "" && c.MetricsAddress == c.Address {
		errs = append(errs, errors.New("metrics_address must differ from address"))
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.IdleTimeout < 0 {
		errs = append(errs, errors.New("timeouts cannot be negative"))
	}
	if _, err := c.ScopeStrategy.fosite(); err != nil {
		errs = append(errs, err)
	}
	if c.MinParameterEntropy < 0 {
		errs = append(errs, errors.New("min_parameter_entropy cannot be negative"))
	}

	if len(c.Clients) == 0 {
		errs = append(errs, errors.New("at least one client is required"))
	}
	seen := make(map[string]struct{}, len(c.Clients))
	for i, client := range c.Clients {
		if err := client.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("clients[%d]: %w", i, err))
		}
		if _, dup := seen[client.ID]; dup {
			errs = append(errs, fmt.Errorf("clients[%d]: duplicate client id %q", i, client.ID))
		}
		seen[client.ID] = struct{}{}
	}

	if err := c.Identity.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("identity: %w", err))
	}
	if err := c.Storage.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("storage: %w", err))
	}
	if err := c.Session.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("session: %w", err))
	}
	if err := c.Consent.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("consent: %w", err))
	}
	if c.Grant.ResumeURL == "" {
		errs = append(errs, errors.New("grant: resume_url is required"))
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}

	return errors.Join(errs...)
}
