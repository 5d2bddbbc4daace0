package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// AuthConfig holds the accepted credentials. Hash is a bcrypt hash of the
// API key; when both are set, either one authenticates.
type AuthConfig struct {
	Key  string
	Hash string
	// Exempt paths skip authentication entirely.
	Exempt []string
}

func (c AuthConfig) enabled() bool { return c.Key != "" || c.Hash != "" }

func (c AuthConfig) exempt(path string) bool {
	for _, p := range c.Exempt {
		if path == p {
			return true
		}
	}
	return false
}

func (c AuthConfig) accepts(token string) bool {
	if c.Key != "" && subtle.ConstantTimeCompare([]byte(token), []byte(c.Key)) == 1 {
		return true
	}
	if c.Hash != "" && bcrypt.CompareHashAndPassword([]byte(c.Hash), []byte(token)) == nil {
		return true
	}
	return false
}

// Auth returns middleware that validates API requests using either a Bearer
// token in the Authorization header or the X-API-Key header. With no key
// configured every request passes.
func Auth(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.enabled() || cfg.exempt(r.URL.Path) || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			token := extractToken(r)
			if token == "" {
				writeUnauthorized(w, "missing authentication token")
				return
			}
			if !cfg.accepts(token) {
				writeUnauthorized(w, "invalid authentication token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractToken reads Authorization: Bearer <token>, then X-API-Key.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, token, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
