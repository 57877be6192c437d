// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package consent

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/stacklok/authbridge/pkg/auth"
	apperrors "github.com/stacklok/authbridge/pkg/errors"
)

// Form fields of the consent page.
const (
	FieldApproval      = "user_oauth_approval"
	FieldAuthState     = auth.AuthStateFormField
	FieldGrantedScopes = "GRANTED_SCOPES"
)

// Decision is the user's answer on the consent page.
type Decision struct {
	// Approved is true only for an explicit approval.
	Approved bool

	// AuthState is the auth state of the authorization attempt decided on.
	AuthState string

	// GrantedScopes are the checked scopes in submission order.
	GrantedScopes []string
}

// DecisionFromValues builds a Decision from submitted form values.
// An approval value that does not parse as true counts as a denial.
func DecisionFromValues(values url.Values) Decision {
	approved, err := strconv.ParseBool(strings.TrimSpace(values.Get(FieldApproval)))
	d := Decision{
		Approved:  err == nil && approved,
		AuthState: strings.TrimSpace(values.Get(FieldAuthState)),
	}
	for _, scope := range values[FieldGrantedScopes] {
		if scope = strings.TrimSpace(scope); scope != "" {
			d.GrantedScopes = append(d.GrantedScopes, scope)
		}
	}
	return d
}

// ParseDecision reads the decision from a submitted consent form.
func ParseDecision(r *http.Request) (*Decision, error) {
	if err := r.ParseForm(); err != nil {
		return nil, apperrors.NewInvalidArgumentError("malformed consent form", err)
	}
	d := DecisionFromValues(r.PostForm)
	if d.AuthState == "" {
		return nil, apperrors.NewUnknownAuthStateError("consent form carries no auth state", nil)
	}
	return &d, nil
}
