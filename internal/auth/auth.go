package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/oriys/parallax/internal/domain"
)

// contextKey is used for storing Identity in context
type contextKey struct{}

// identityKey is the context key for Identity
var identityKey = contextKey{}

// WithIdentity adds an Identity to the context
func WithIdentity(ctx context.Context, id *domain.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// GetIdentity retrieves the Identity from context
func GetIdentity(ctx context.Context) *domain.Identity {
	if id, ok := ctx.Value(identityKey).(*domain.Identity); ok {
		return id
	}
	return nil
}

// Authenticator is the interface for authentication providers
type Authenticator interface {
	// Authenticate attempts to authenticate the request
	// Returns an Identity if successful, nil otherwise
	Authenticate(r *http.Request) *domain.Identity
}

// Middleware creates an HTTP middleware that requires authentication
func Middleware(authenticators []Authenticator, publicPaths []string) func(http.Handler) http.Handler {
	// Build a set of public paths for fast lookup
	publicSet := make(map[string]bool, len(publicPaths))
	for _, p := range publicPaths {
		publicSet[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Check if path is public
			if isPublicPath(r.URL.Path, publicSet) {
				next.ServeHTTP(w, r)
				return
			}

			// Try each authenticator in order
			for _, auth := range authenticators {
				if id := auth.Authenticate(r); id != nil {
					// Authentication successful
					ctx := WithIdentity(r.Context(), id)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}

			// No authenticator succeeded
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="parallax"`)
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprintf(w, `{"error":{"code":%q,"message":"valid authentication required","timestamp":%d}}`,
				domain.CodeAuthFailed, time.Now().UnixMilli())
		})
	}
}

// isPublicPath checks if the given path should skip authentication
func isPublicPath(path string, publicSet map[string]bool) bool {
	// Exact match
	if publicSet[path] {
		return true
	}

	// Check for prefix matches (paths ending with /*)
	for p := range publicSet {
		if strings.HasSuffix(p, "/*") {
			prefix := strings.TrimSuffix(p, "*")
			if strings.HasPrefix(path, prefix) {
				return true
			}
		}
	}

	return false
}

// BearerAuthenticator validates Authorization: Bearer tokens against the
// token manager. WebSocket admission calls the manager directly because
// tokens may also arrive in the query string there.
type BearerAuthenticator struct {
	manager *Manager
}

// NewBearerAuthenticator wraps a token manager as an Authenticator.
func NewBearerAuthenticator(m *Manager) *BearerAuthenticator {
	return &BearerAuthenticator{manager: m}
}

// Authenticate implements Authenticator
func (a *BearerAuthenticator) Authenticate(r *http.Request) *domain.Identity {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")

	id, err := a.manager.Parse(r.Context(), token)
	if err != nil {
		return nil
	}
	return id
}
