// SPDX-FileCopyrightText: Copyright 2026 AgentCanvas Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/agentcanvas/agentcanvas/pkg/allowlist"
	"github.com/agentcanvas/agentcanvas/pkg/logger"
)

// requireAdmin admits only sessions whose email is in the static
// allowlist. Dynamic allowlist membership is not enough to administer
// the allowlist itself.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data := s.sessionFromRequest(r)
		if data == nil {
			writeError(w, http.StatusUnauthorized, "not authenticated")
			return
		}
		if !s.gate.IsStatic(data.User.Email) {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type allowlistResponse struct {
	Success bool              `json:"success"`
	Entries []allowlist.Entry `json:"entries"`
}

func (s *Server) listAllowlistHandler(w http.ResponseWriter, r *http.Request) {
	entries, err := s.gate.List(r.Context())
	if err != nil {
		logger.Errorw("failed to list allowlist", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, allowlistResponse{Success: true, Entries: entries})
}

type allowlistMutation struct {
	Email string `json:"email"`
}

type addResponse struct {
	Success bool `json:"success"`
	Added   bool `json:"added"`
}

func (s *Server) addAllowlistHandler(w http.ResponseWriter, r *http.Request) {
	var req allowlistMutation
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	email := allowlist.Normalize(req.Email)
	if email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	admin := s.sessionFromRequest(r)
	added, err := s.gate.Add(r.Context(), email, admin.User.Email)
	if err != nil {
		logger.Errorw("failed to add allowlist entry", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, addResponse{Success: true, Added: added})
}

func (s *Server) removeAllowlistHandler(w http.ResponseWriter, r *http.Request) {
	var req allowlistMutation
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	email := allowlist.Normalize(req.Email)
	if email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	err := s.gate.Remove(r.Context(), email)
	switch {
	case errors.Is(err, allowlist.ErrStaticEntry):
		writeError(w, http.StatusForbidden,
			"Cannot remove an email configured in the environment variable allowlist")
		return
	case errors.Is(err, allowlist.ErrNotFound):
		writeJSON(w, http.StatusOK, envelope{Success: false, Error: "not found"})
		return
	case err != nil:
		logger.Errorw("failed to remove allowlist entry", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, envelope{Success: true})
}
