// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package grant hands an approved authorization request over to the engine
// that issues the authorization code.
package grant

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/stacklok/authbridge/pkg/auth"
	"github.com/stacklok/authbridge/pkg/authserver/storage"
)

//go:generate mockgen -destination=mocks/mock_engine.go -package=mocks -source=engine.go Engine

// DefaultAuthStateParam is the query parameter carrying the auth state to the engine.
const DefaultAuthStateParam = "auth_state"

// Engine continues an approved authorization request. The granted scopes and
// the subject are on the completed request in the shared repository.
type Engine interface {
	Resume(w http.ResponseWriter, r *http.Request, req *storage.AuthorizationRequest, principal *auth.Principal) error
}

// RedirectEngine sends the user agent to an external grant engine's resume
// endpoint with the auth state attached.
type RedirectEngine struct {
	resumeURL *url.URL
	param     string
	logger    *slog.Logger
}

// NewRedirectEngine creates a RedirectEngine for resumeURL. An empty param
// selects DefaultAuthStateParam.
func NewRedirectEngine(resumeURL, param string, logger *slog.Logger) (*RedirectEngine, error) {
	if resumeURL == "" {
		return nil, errors.New("grant engine resume url is required")
	}
	u, err := url.Parse(resumeURL)
	if err != nil {
		return nil, fmt.Errorf("invalid grant engine resume url: %w", err)
	}
	if u.Scheme == "" && u.Path == "" {
		return nil, fmt.Errorf("invalid grant engine resume url %q", resumeURL)
	}
	if param == "" {
		param = DefaultAuthStateParam
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedirectEngine{resumeURL: u, param: param, logger: logger}, nil
}

// Resume redirects with 303 See Other so the browser follows with a GET.
func (e *RedirectEngine) Resume(w http.ResponseWriter, r *http.Request, req *storage.AuthorizationRequest, principal *auth.Principal) error {
	if req == nil || req.AuthState == "" {
		return errors.New("authorization request without auth state cannot be resumed")
	}
	if req.Status != storage.StatusGranted {
		return fmt.Errorf("authorization request is %s, not granted", req.Status)
	}

	target := *e.resumeURL
	q := target.Query()
	q.Set(e.param, req.AuthState)
	target.RawQuery = q.Encode()

	e.logger.Debug("resuming authorization at grant engine",
		"client_id", req.ClientID, "principal", principal.String())
	http.Redirect(w, r, target.String(), http.StatusSeeOther)
	return nil
}
