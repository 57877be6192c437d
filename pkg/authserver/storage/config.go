// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"errors"
	"fmt"
	"time"
)

// Type defines the type of storage backend.
type Type string

const (
	// TypeMemory uses in-memory storage (default).
	TypeMemory Type = "memory"

	// TypeRedis uses Redis, shared by all replicas.
	TypeRedis Type = "redis"

	// TypeSQLite uses a local SQLite database file.
	TypeSQLite Type = "sqlite"
)

const (
	// DefaultPendingAuthorizationTTL is how long a request may wait for a consent decision.
	DefaultPendingAuthorizationTTL = 10 * time.Minute

	// DefaultCompletedRetention is how long completed requests stay readable
	// so the grant engine can pick up the granted scopes.
	DefaultCompletedRetention = 10 * time.Minute

	// DefaultCleanupInterval is how often the background cleanup runs.
	DefaultCleanupInterval = 5 * time.Minute
)

// Config configures the storage backend.
type Config struct {
	// Type specifies the storage backend type. Defaults to memory.
	Type Type `json:"type" yaml:"type" mapstructure:"type"`

	// PendingTTL overrides DefaultPendingAuthorizationTTL.
	PendingTTL time.Duration `json:"pending_ttl" yaml:"pending_ttl" mapstructure:"pending_ttl"`

	// Redis configures the redis backend.
	Redis RedisConfig `json:"redis" yaml:"redis" mapstructure:"redis"`

	// SQLite configures the sqlite backend.
	SQLite SQLiteConfig `json:"sqlite" yaml:"sqlite" mapstructure:"sqlite"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Type:       TypeMemory,
		PendingTTL: DefaultPendingAuthorizationTTL,
	}
}

// Validate checks the configuration of the selected backend.
func (c *Config) Validate() error {
	if c.PendingTTL < 0 {
		return errors.New("pending TTL cannot be negative")
	}
	switch c.Type {
	case "", TypeMemory:
		return nil
	case TypeRedis:
		return validateRedisConfig(&c.Redis)
	case TypeSQLite:
		if c.SQLite.Path == "" {
			return errors.New("sqlite path is required")
		}
		return nil
	default:
		return fmt.Errorf("unsupported storage type %q", c.Type)
	}
}

func (c *Config) pendingTTL() time.Duration {
	if c.PendingTTL <= 0 {
		return DefaultPendingAuthorizationTTL
	}
	return c.PendingTTL
}
