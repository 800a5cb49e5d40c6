// Package api implements the HTTP surface of the bus tracking service.
package api

import (
	"net/http"
	"strings"
)

type Principal struct {
	UserID string
	Role   string // student, driver, admin
}

// getPrincipal extracts the caller identity from a JWT or dev headers.
// - If Authorization: Bearer is present, uses the configured verifier.
// - Else falls back to X-User-Id / X-Role headers for dev.
func (s *Server) getPrincipal(r *http.Request) Principal {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") && s.Auth != nil {
		tok := strings.TrimSpace(authz[len("Bearer "):])
		if cl, err := s.Auth.Verify(tok); err == nil {
			return Principal{UserID: cl.UserID, Role: cl.Role}
		}
	}
	userID := r.Header.Get("X-User-Id")
	role := r.Header.Get("X-Role")
	if role == "" {
		role = "student"
	}
	return Principal{UserID: userID, Role: strings.ToLower(role)}
}

// IsAdmin reports whether the principal has the admin role.
func (p Principal) IsAdmin() bool { return p.Role == "admin" }
