package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
)

// APIKeyMiddleware requires one of keys as a bearer token. Keys are compared
// by digest in constant time.
func APIKeyMiddleware(keys []string) func(http.Handler) http.Handler {
	digests := make([][32]byte, 0, len(keys))
	for _, k := range keys {
		digests = append(digests, sha256.Sum256([]byte(k)))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				writeError(w, http.StatusUnauthorized, "missing Authorization header")
				return
			}
			token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))

			sum := sha256.Sum256([]byte(token))
			match := 0
			for i := range digests {
				match |= subtle.ConstantTimeCompare(sum[:], digests[i][:])
			}
			if match != 1 {
				writeError(w, http.StatusUnauthorized, "invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
