// SPDX-FileCopyrightText: Copyright 2026 AgentCanvas Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"net/http"

	"github.com/agentcanvas/agentcanvas/pkg/logger"
)

// Reason codes surfaced to the login page. The set is stable so the
// front-end can render specific messaging without parsing free text.
const (
	ReasonMissingCode    = "missing_code"
	ReasonInvalidState   = "invalid_state"
	ReasonAuthFailed     = "auth_failed"
	ReasonNoOrganization = "no_organization"
	ReasonConfigError    = "config_error"
)

// envelope is the standard JSON response shape for API endpoints.
type envelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Errorw("failed to encode response",
			"error", err.Error(),
		)
	}
}

// writeError sends a generic JSON error. Internal detail stays in the
// server log; the client only sees the envelope.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{Success: false, Error: message})
}

// failLogin redirects a browser flow to the login page with a
// machine-readable reason, clearing the consumed state cookie when one
// was presented.
func (s *Server) failLogin(w http.ResponseWriter, r *http.Request, reason string) {
	if s.jar.State(r) != "" {
		s.jar.ClearState(w)
	}
	s.metrics.callbacks.WithLabelValues(reason).Inc()
	http.Redirect(w, r, s.appOrigin+"/login?error="+reason, http.StatusFound)
}
