// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"net/http"
)

// AuthStateFormField is the form field that carries the auth state through
// the consent page.
const AuthStateFormField = "AUTH_STATE"

// PrincipalContextKey is the key used to store a Principal in the request context.
//
// Using an empty struct as the key prevents collisions with other context keys,
// as each empty struct type is distinct even if they have the same name in different packages.
type PrincipalContextKey struct{}

// AuthStateContextKey is the key used to store the auth state of the
// authorization attempt a request belongs to.
type AuthStateContextKey struct{}

// WithPrincipal stores a Principal in the context.
// If principal is nil, the original context is returned unchanged.
//
// Example:
//
//	principal := auth.NewPrincipal("alice")
//	ctx = auth.WithPrincipal(ctx, principal)
func WithPrincipal(ctx context.Context, principal *Principal) context.Context {
	if principal == nil {
		return ctx
	}
	return context.WithValue(ctx, PrincipalContextKey{}, principal)
}

// PrincipalFromContext retrieves a Principal from the context.
// Returns the principal and true if present, nil and false otherwise.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	principal, ok := ctx.Value(PrincipalContextKey{}).(*Principal)
	return principal, ok
}

// WithAuthState stores the auth state correlation token in the context.
// An empty auth state leaves the context unchanged.
func WithAuthState(ctx context.Context, authState string) context.Context {
	if authState == "" {
		return ctx
	}
	return context.WithValue(ctx, AuthStateContextKey{}, authState)
}

// AuthStateFromContext retrieves the auth state from the context.
func AuthStateFromContext(ctx context.Context) (string, bool) {
	authState, ok := ctx.Value(AuthStateContextKey{}).(string)
	return authState, ok && authState != ""
}

// AuthStateFromRequest returns the auth state of the request, preferring the
// value attached to the request context over the submitted form field.
func AuthStateFromRequest(r *http.Request) (string, bool) {
	if authState, ok := AuthStateFromContext(r.Context()); ok {
		return authState, true
	}
	authState := r.FormValue(AuthStateFormField)
	return authState, authState != ""
}
