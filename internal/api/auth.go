package api

import (
	"context"
	"net/http"
	"strings"

	"orderhub/internal/auth"
)

type ctxKeyPrincipal struct{}

// requirePrincipal verifies the bearer token and stores the principal on the context.
func (s *Server) requirePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := r.Header.Get("Authorization")
		if !strings.HasPrefix(strings.ToLower(authz), "bearer ") || s.Auth == nil {
			writeProblem(w, http.StatusUnauthorized, "Unauthorized", "bearer token required", r.URL.Path)
			return
		}
		pr, err := s.Auth.Verify(strings.TrimSpace(authz[len("Bearer "):]))
		if err != nil { writeProblem(w, http.StatusUnauthorized, "Unauthorized", err.Error(), r.URL.Path); return }
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyPrincipal{}, pr)))
	})
}

func principal(r *http.Request) auth.Principal {
	pr, _ := r.Context().Value(ctxKeyPrincipal{}).(auth.Principal)
	return pr
}

func isAdmin(p auth.Principal) bool { return p.Role == "admin" }

// canActFor reports whether the caller may act for the business.
func canActFor(p auth.Principal, businessID int64) bool {
	return isAdmin(p) || (p.BusinessID != 0 && p.BusinessID == businessID)
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isAdmin(principal(r)) { writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path); return }
		next.ServeHTTP(w, r)
	})
}
