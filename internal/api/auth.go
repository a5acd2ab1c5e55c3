package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/etlmon/backend/internal/core"
)

type contextKey string

const principalKey contextKey = "principal"

// principalMiddleware resolves the caller's identity from the headers the
// authenticating proxy sets. Requests without an identity are rejected
// before they reach a handler.
func (s *Server) principalMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		username := r.Header.Get("X-User")
		if username == "" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{
				Code: core.CodeAuth, Message: "missing X-User header",
			})
			return
		}

		var roles []string
		for _, role := range strings.Split(r.Header.Get("X-Roles"), ",") {
			if role = strings.TrimSpace(role); role != "" {
				roles = append(roles, strings.ToUpper(role))
			}
		}

		p := core.Principal{Username: username, Roles: roles}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, p)))
	})
}

// principal returns the resolved caller identity.
func principal(r *http.Request) core.Principal {
	p, _ := r.Context().Value(principalKey).(core.Principal)
	return p
}

// requireAdmin gates write endpoints. Returns false after writing the
// error response.
func requireAdmin(w http.ResponseWriter, r *http.Request) (core.Principal, bool) {
	p := principal(r)
	if !p.HasRole(core.RoleAdmin) {
		writeError(w, core.Errf(core.CodeAuth, "operation requires the %s role", core.RoleAdmin))
		return p, false
	}
	return p, true
}
