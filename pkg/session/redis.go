// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stacklok/authbridge/pkg/auth"
)

// RedisStore is a Store shared by all replicas through Redis.
// Entries are JSON encoded and expire after the configured TTL.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// NewRedisStore creates a RedisStore on top of an existing client.
func NewRedisStore(client redis.UniversalClient, keyPrefix string, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}
}

func (s *RedisStore) key(key string) string {
	return s.keyPrefix + "session:" + key
}

// Get returns the principal stored under key.
func (s *RedisStore) Get(ctx context.Context, key string) (*auth.Principal, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session entry: %w", err)
	}

	var principal auth.Principal
	if err := json.Unmarshal(data, &principal); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session entry: %w", err)
	}
	return &principal, nil
}

// Set stores the principal under key and refreshes its expiry.
func (s *RedisStore) Set(ctx context.Context, key string, principal *auth.Principal) error {
	data, err := json.Marshal(principal)
	if err != nil {
		return fmt.Errorf("failed to marshal session entry: %w", err)
	}
	if err := s.client.Set(ctx, s.key(key), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store session entry: %w", err)
	}
	return nil
}

// Delete removes the principal stored under key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete session entry: %w", err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
