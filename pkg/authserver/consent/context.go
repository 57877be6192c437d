// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package consent

import (
	"context"
	"slices"
)

// GrantedScopesContextKey is the context key of the scopes granted on the consent page.
type GrantedScopesContextKey struct{}

// WithGrantedScopes stores the granted scopes in the context.
func WithGrantedScopes(ctx context.Context, scopes []string) context.Context {
	return context.WithValue(ctx, GrantedScopesContextKey{}, slices.Clone(scopes))
}

// GrantedScopesFromContext returns the granted scopes stored in the context.
func GrantedScopesFromContext(ctx context.Context) ([]string, bool) {
	scopes, ok := ctx.Value(GrantedScopesContextKey{}).([]string)
	return slices.Clone(scopes), ok
}
