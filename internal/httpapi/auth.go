package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// APIKeyHeader carries the shared secret on every protected request.
const APIKeyHeader = "X-API-Key"

// openPath reports whether path skips the API-key check.
func openPath(path string) bool {
	switch path {
	case "/health", "/openapi.json", "/metrics":
		return true
	}
	return path == "/docs" || strings.HasPrefix(path, "/docs/")
}

// RequireAPIKey rejects requests to protected paths whose X-API-Key header
// does not equal key. An empty key rejects every protected request.
func RequireAPIKey(key string) func(http.Handler) http.Handler {
	want := []byte(key)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if openPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			got := []byte(r.Header.Get(APIKeyHeader))
			if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
				authRejectedTotal.Inc()
				writeJSONError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
