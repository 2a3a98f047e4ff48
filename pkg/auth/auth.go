package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// TokenQueryParam is the query parameter carrying the token on SNS
// subscription URLs, where no Authorization header can be set
const TokenQueryParam = "token"

// SecureCompare performs constant-time comparison
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header. It returns "" when the header is absent or uses another scheme.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// QueryToken extracts the token from the request's query string
func QueryToken(r *http.Request) string {
	return r.URL.Query().Get(TokenQueryParam)
}

// Middleware rejects requests whose token, as returned by extract, does not
// match token. An empty token disables the check.
func Middleware(token string, extract func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := extract(r)
			if got == "" {
				http.Error(w, "Missing API token", http.StatusUnauthorized)
				return
			}
			if !SecureCompare(got, token) {
				http.Error(w, "Invalid API token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
