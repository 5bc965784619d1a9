package server

import (
	"context"
	"net/http"
	"strings"
)

// Identity headers injected by the fronting gateway.
const (
	HeaderUserID      = "X-User-ID"
	HeaderWorkspaceID = "X-Workspace-ID"
	HeaderAdmin       = "X-Admin"
)

// identity is the caller as asserted by the gateway.
type identity struct {
	UserID      string
	WorkspaceID string
	Admin       bool
}

// runUser is the user id passed to ownership checks. Admins check as
// the empty user, which the run manager treats as a bypass.
func (id identity) runUser() string {
	if id.Admin {
		return ""
	}
	return id.UserID
}

type identityKey struct{}

// identityMiddleware parses the identity headers into the request
// context. Absent headers yield the anonymous identity.
func identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := identity{
			UserID:      r.Header.Get(HeaderUserID),
			WorkspaceID: r.Header.Get(HeaderWorkspaceID),
			Admin:       strings.EqualFold(r.Header.Get(HeaderAdmin), "true"),
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}

func callerFrom(r *http.Request) identity {
	id, _ := r.Context().Value(identityKey{}).(identity)
	return id
}

// requireAdmin guards the admin subtree.
func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !callerFrom(r).Admin {
			writeError(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
