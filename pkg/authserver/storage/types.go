// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage provides the repository of pending authorization requests
// that consent decisions are applied to.
package storage

//go:generate mockgen -destination=mocks/mock_storage.go -package=mocks -source=types.go Repository

import (
	"context"
	"errors"
	"slices"
	"time"
)

var (
	// ErrNotFound is returned when no pending authorization request exists for an auth state.
	// Completed requests are reported as not found by FindByAuthState and Complete.
	ErrNotFound = errors.New("authorization request not found")

	// ErrExpired is returned when an authorization request outlived its TTL.
	ErrExpired = errors.New("authorization request expired")

	// ErrAlreadyExists is returned when creating a request under an auth state that is taken.
	ErrAlreadyExists = errors.New("authorization request already exists")
)

// Status is the lifecycle state of an authorization request.
// Requests start pending and complete exactly once.
type Status string

const (
	// StatusPending waits for a consent decision.
	StatusPending Status = "pending"
	// StatusGranted means the user approved the request for GrantedScopes.
	StatusGranted Status = "granted"
	// StatusDenied means the user refused the request.
	StatusDenied Status = "denied"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusGranted || s == StatusDenied
}

// AuthorizationRequest is an authorization attempt awaiting or having received consent.
type AuthorizationRequest struct {
	// AuthState is the opaque correlation token of the attempt.
	AuthState string

	// ClientID is the OAuth client that started the attempt.
	ClientID string

	// RedirectURI is where the user agent returns to the client.
	RedirectURI string

	// State is the client's own state parameter.
	State string

	// RequestedScopes are the scopes the client asked for, in request order.
	RequestedScopes []string

	// GrantedScopes are the scopes the user approved. Set only when granted.
	GrantedScopes []string

	// Status is the lifecycle state.
	Status Status

	// Subject is the identifier of the principal that decided.
	Subject string

	CreatedAt   time.Time
	ExpiresAt   time.Time
	CompletedAt time.Time
}

// IsExpired reports whether the request expired at now.
func (r *AuthorizationRequest) IsExpired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Clone returns a deep copy.
func (r *AuthorizationRequest) Clone() *AuthorizationRequest {
	if r == nil {
		return nil
	}
	c := *r
	c.RequestedScopes = slices.Clone(r.RequestedScopes)
	c.GrantedScopes = slices.Clone(r.GrantedScopes)
	return &c
}

// Completion is the terminal transition applied by Complete.
type Completion struct {
	// Status must be StatusGranted or StatusDenied.
	Status Status

	// Subject is the identifier of the deciding principal.
	Subject string

	// GrantedScopes are recorded only for StatusGranted.
	GrantedScopes []string
}

func (c Completion) validate() error {
	if !c.Status.IsTerminal() {
		return errors.New("completion status must be granted or denied")
	}
	return nil
}

// Repository stores authorization requests.
//
// Complete is the only state transition and must succeed at most once per
// auth state, also when called concurrently from several replicas.
type Repository interface {
	// Create stores a new pending request. CreatedAt and ExpiresAt are set when zero.
	Create(ctx context.Context, req *AuthorizationRequest) error

	// FindByAuthState returns the pending request for authState.
	// Missing and completed requests yield ErrNotFound, expired ones ErrExpired.
	FindByAuthState(ctx context.Context, authState string) (*AuthorizationRequest, error)

	// Get returns the request for authState in any status, e.g. so the grant
	// engine can read the granted scopes after consent.
	Get(ctx context.Context, authState string) (*AuthorizationRequest, error)

	// Complete atomically moves the pending request for authState to a terminal
	// status and returns the completed request. Requests that are missing or
	// already completed yield ErrNotFound, expired ones ErrExpired.
	Complete(ctx context.Context, authState string, completion Completion) (*AuthorizationRequest, error)

	// Health reports whether the backend is reachable.
	Health(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// prepare validates req and fills its timestamps for creation.
func prepare(req *AuthorizationRequest, now time.Time, ttl time.Duration) (*AuthorizationRequest, error) {
	if req == nil {
		return nil, errors.New("authorization request cannot be nil")
	}
	if req.AuthState == "" {
		return nil, errors.New("auth state cannot be empty")
	}
	c := req.Clone()
	c.Status = StatusPending
	c.GrantedScopes = nil
	c.Subject = ""
	c.CompletedAt = time.Time{}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.ExpiresAt.IsZero() {
		c.ExpiresAt = c.CreatedAt.Add(ttl)
	}
	return c, nil
}

// apply returns the completed copy of a pending request.
func apply(req *AuthorizationRequest, completion Completion, now time.Time) *AuthorizationRequest {
	c := req.Clone()
	c.Status = completion.Status
	c.Subject = completion.Subject
	c.CompletedAt = now
	if completion.Status == StatusGranted {
		c.GrantedScopes = slices.Clone(completion.GrantedScopes)
		if c.GrantedScopes == nil {
			c.GrantedScopes = []string{}
		}
	}
	return c
}
