// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"

	"github.com/ory/fosite"

	"github.com/stacklok/authbridge/pkg/auth"
	"github.com/stacklok/authbridge/pkg/authserver/storage"
	apperrors "github.com/stacklok/authbridge/pkg/errors"
)

// AuthorizeHandler handles GET /oauth/authorize.
// It validates the client's request, stores it as pending under a fresh auth
// state, resolves the user's identity and renders the consent page.
func (h *Handler) AuthorizeHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	// fosite validates client_id, redirect_uri, response_type, scopes and state entropy
	ar, err := h.provider.NewAuthorizeRequest(ctx, req)
	if err != nil {
		h.logger.Debug("rejected authorization request", "error", err)
		h.provider.WriteAuthorizeError(ctx, w, ar, err)
		return
	}

	pending := &storage.AuthorizationRequest{
		AuthState:       h.newAuthState(),
		ClientID:        ar.GetClient().GetID(),
		RedirectURI:     ar.GetRedirectURI().String(),
		State:           ar.GetState(),
		RequestedScopes: []string(ar.GetRequestedScopes()),
	}
	if err := h.repo.Create(ctx, pending); err != nil {
		h.logger.Error("failed to store pending authorization", "error", err)
		h.provider.WriteAuthorizeError(ctx, w, ar, fosite.ErrServerError.WithHint("failed to store authorization request"))
		return
	}

	sessionID, err := h.cookies.Ensure(w, req)
	if err != nil {
		h.writeError(w, apperrors.NewInternalError("failed to establish session", err))
		return
	}

	req = req.WithContext(auth.WithAuthState(ctx, pending.AuthState))
	if !h.authenticator.CanCommence(req) {
		h.writeError(w, apperrors.NewInternalError("authorization attempt carries no auth state", nil))
		return
	}

	principal, err := h.authenticator.Authenticate(req, sessionID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.logger.Debug("presenting consent",
		"client_id", pending.ClientID, "principal", principal.String(), "scope_count", len(pending.RequestedScopes))
	req = req.WithContext(auth.WithPrincipal(req.Context(), principal))
	if err := h.gate.PresentForm(w, req, pending, principal); err != nil {
		h.writeError(w, apperrors.NewInternalError("failed to render consent page", err))
	}
}
