// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session provides the browser-session scoped principal cache.
//
// A browser session is identified by a signed cookie (see Cookies). Within a
// session the resolved principal lives under a fixed key so repeated requests
// of the same authorization flow skip upstream identity resolution.
package session

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks -source=store.go Store

import (
	"context"
	"errors"
	"time"

	"github.com/stacklok/authbridge/pkg/auth"
)

// principalKey is the fixed per-session key the principal is cached under.
const principalKey = "authbridge.principal"

// DefaultTTL is how long a cached principal survives without being refreshed.
const DefaultTTL = 30 * time.Minute

// ErrNotFound is returned when no principal is cached under a key.
var ErrNotFound = errors.New("session entry not found")

// Store caches principals. Implementations must be safe for concurrent use;
// a single key is only ever written by the user agent that owns the session.
type Store interface {
	// Get returns the principal stored under key or ErrNotFound.
	Get(ctx context.Context, key string) (*auth.Principal, error)

	// Set stores the principal under key, replacing any previous value.
	Set(ctx context.Context, key string, principal *auth.Principal) error

	// Delete removes the principal stored under key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// PrincipalKey returns the store key of the principal cached for a session.
func PrincipalKey(sessionID string) string {
	return sessionID + ":" + principalKey
}
