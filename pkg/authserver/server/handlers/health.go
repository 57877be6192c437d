// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"net/http"
)

type healthResponse struct {
	Status string `json:"status"`
}

// HealthHandler handles GET /healthz.
func (h *Handler) HealthHandler(w http.ResponseWriter, req *http.Request) {
	status, body := http.StatusOK, healthResponse{Status: "ok"}
	if err := h.repo.Health(req.Context()); err != nil {
		h.logger.Warn("health check failed", "error", err)
		status, body = http.StatusServiceUnavailable, healthResponse{Status: "unavailable"}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
