// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ory/fosite"
)

// MemoryStorage implements Repository with an in-memory map.
// This implementation is thread-safe and suitable for a single replica.
// Use RedisStorage when several replicas serve the same flows.
type MemoryStorage struct {
	mu sync.RWMutex

	// requests maps auth state -> request. Completed requests stay until
	// their retention passes so Get keeps working for the grant engine.
	requests map[string]*AuthorizationRequest

	pendingTTL time.Duration
	retention  time.Duration
	now        func() time.Time

	// cleanupInterval is how often the background cleanup runs
	cleanupInterval time.Duration

	// stopCleanup is used to signal the cleanup goroutine to stop
	stopCleanup chan struct{}

	// cleanupDone is closed when the cleanup goroutine has fully stopped
	cleanupDone chan struct{}

	closeOnce sync.Once
}

// MemoryStorageOption configures a MemoryStorage instance.
type MemoryStorageOption func(*MemoryStorage)

// WithCleanupInterval sets a custom cleanup interval.
func WithCleanupInterval(interval time.Duration) MemoryStorageOption {
	return func(s *MemoryStorage) {
		s.cleanupInterval = interval
	}
}

// WithPendingTTL sets how long requests wait for a decision.
func WithPendingTTL(ttl time.Duration) MemoryStorageOption {
	return func(s *MemoryStorage) {
		if ttl > 0 {
			s.pendingTTL = ttl
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) MemoryStorageOption {
	return func(s *MemoryStorage) {
		s.now = now
	}
}

// NewMemoryStorage creates a new MemoryStorage and starts the background
// cleanup goroutine.
func NewMemoryStorage(opts ...MemoryStorageOption) *MemoryStorage {
	s := &MemoryStorage{
		requests:        make(map[string]*AuthorizationRequest),
		pendingTTL:      DefaultPendingAuthorizationTTL,
		retention:       DefaultCompletedRetention,
		now:             time.Now,
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Health is a no-op for in-memory storage since it is always available.
func (*MemoryStorage) Health(_ context.Context) error {
	return nil
}

// Close stops the background cleanup goroutine and waits for it to finish.
func (s *MemoryStorage) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
		<-s.cleanupDone
	})
	return nil
}

// cleanupLoop runs periodic cleanup of expired entries.
func (s *MemoryStorage) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

// cleanupExpired removes expired pending requests and completed requests
// past their retention. Keys are collected under the read lock and deleted
// under the write lock.
func (s *MemoryStorage) cleanupExpired() {
	now := s.now()

	s.mu.RLock()
	var expired []string
	for k, v := range s.requests {
		if s.evictable(v, now) {
			expired = append(expired, k)
		}
	}
	s.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range expired {
		// Re-check, the entry may have been completed in between.
		if v, ok := s.requests[k]; ok && s.evictable(v, now) {
			delete(s.requests, k)
		}
	}
}

func (s *MemoryStorage) evictable(req *AuthorizationRequest, now time.Time) bool {
	if req.Status.IsTerminal() {
		return now.After(req.CompletedAt.Add(s.retention))
	}
	return req.IsExpired(now)
}

// Create stores a new pending request.
func (s *MemoryStorage) Create(_ context.Context, req *AuthorizationRequest) error {
	stored, err := prepare(req, s.now(), s.pendingTTL)
	if err != nil {
		return fosite.ErrInvalidRequest.WithHint(err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.requests[stored.AuthState]; ok && !s.evictable(existing, s.now()) {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, stored.AuthState)
	}
	s.requests[stored.AuthState] = stored
	return nil
}

// FindByAuthState returns a copy of the pending request for authState.
func (s *MemoryStorage) FindByAuthState(_ context.Context, authState string) (*AuthorizationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, err := s.pendingLocked(authState)
	if err != nil {
		return nil, err
	}
	return req.Clone(), nil
}

// Get returns a copy of the request for authState in any status.
func (s *MemoryStorage) Get(_ context.Context, authState string) (*AuthorizationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[authState]
	if !ok || s.evictable(req, s.now()) {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Authorization request not found"))
	}
	return req.Clone(), nil
}

// Complete moves the pending request to a terminal status under the write lock.
func (s *MemoryStorage) Complete(_ context.Context, authState string, completion Completion) (*AuthorizationRequest, error) {
	if err := completion.validate(); err != nil {
		return nil, fosite.ErrInvalidRequest.WithHint(err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	req, err := s.pendingLocked(authState)
	if err != nil {
		return nil, err
	}

	completed := apply(req, completion, s.now())
	s.requests[authState] = completed
	return completed.Clone(), nil
}

// pendingLocked looks up a pending request. Callers must hold s.mu.
func (s *MemoryStorage) pendingLocked(authState string) (*AuthorizationRequest, error) {
	req, ok := s.requests[authState]
	if !ok || req.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Pending authorization not found"))
	}
	if req.IsExpired(s.now()) {
		return nil, ErrExpired
	}
	return req, nil
}

var _ Repository = (*MemoryStorage)(nil)
