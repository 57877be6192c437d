// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
)

// New creates the Repository selected by cfg. A nil cfg yields memory storage.
func New(ctx context.Context, cfg *Config) (Repository, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid storage configuration: %w", err)
	}

	switch cfg.Type {
	case "", TypeMemory:
		return NewMemoryStorage(WithPendingTTL(cfg.pendingTTL())), nil
	case TypeRedis:
		return NewRedisStorage(ctx, cfg.Redis, cfg.pendingTTL())
	case TypeSQLite:
		return NewSQLiteStorage(ctx, cfg.SQLite.Path, cfg.pendingTTL())
	default:
		return nil, fmt.Errorf("unsupported storage type %q", cfg.Type)
	}
}
