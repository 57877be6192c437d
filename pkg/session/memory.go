// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/stacklok/authbridge/pkg/auth"
)

// DefaultMemoryCapacity bounds the number of sessions held by a MemoryStore.
const DefaultMemoryCapacity = 10000

// MemoryStore is a bounded, expiring in-process Store. Suitable for a single
// replica; use RedisStore when several replicas share sessions.
type MemoryStore struct {
	cache *expirable.LRU[string, *auth.Principal]
}

// NewMemoryStore creates a MemoryStore holding at most capacity entries for ttl each.
// Non-positive values fall back to DefaultMemoryCapacity and DefaultTTL.
func NewMemoryStore(capacity int, ttl time.Duration) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		cache: expirable.NewLRU[string, *auth.Principal](capacity, nil, ttl),
	}
}

// Get returns a copy of the principal stored under key.
func (s *MemoryStore) Get(_ context.Context, key string) (*auth.Principal, error) {
	p, ok := s.cache.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

// Set stores a copy of the principal under key.
func (s *MemoryStore) Set(_ context.Context, key string, principal *auth.Principal) error {
	s.cache.Add(key, principal.Clone())
	return nil
}

// Delete removes the principal stored under key.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.cache.Remove(key)
	return nil
}

// Len returns the number of cached sessions.
func (s *MemoryStore) Len() int {
	return s.cache.Len()
}

var _ Store = (*MemoryStore)(nil)
