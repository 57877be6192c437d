// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"net/http"

	"github.com/stacklok/authbridge/pkg/auth"
	apperrors "github.com/stacklok/authbridge/pkg/errors"
	"github.com/stacklok/authbridge/pkg/session"
)

// ConsentHandler handles POST /oauth/consent.
// The user is re-authenticated through the session cache before the decision
// is applied; approvals continue at the grant engine.
func (h *Handler) ConsentHandler(w http.ResponseWriter, req *http.Request) {
	sessionID, err := h.cookies.Require(req)
	if err != nil {
		if errors.Is(err, session.ErrNoSession) {
			h.writeError(w, apperrors.NewAuthenticationRequiredError("consent requires an established session", err))
			return
		}
		h.writeError(w, err)
		return
	}

	if !h.authenticator.CanCommence(req) {
		h.writeError(w, apperrors.NewUnknownAuthStateError("consent form carries no auth state", nil))
		return
	}

	principal, err := h.authenticator.Authenticate(req, sessionID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	req = req.WithContext(auth.WithPrincipal(req.Context(), principal))
	next, proceed, err := h.gate.ProcessForm(w, req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !proceed {
		return
	}

	authState, _ := auth.AuthStateFromContext(next.Context())
	granted, err := h.repo.Get(next.Context(), authState)
	if err != nil {
		h.writeError(w, apperrors.NewInternalError("failed to load granted authorization", err))
		return
	}

	if err := h.engine.Resume(w, next, granted, principal); err != nil {
		h.writeError(w, apperrors.NewInternalError("failed to resume authorization", err))
	}
}
