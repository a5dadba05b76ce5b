// Package authmw guards the ingestion endpoints with static bearer tokens.
package authmw

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const bearerPrefix = "Bearer "

// BearerToken returns middleware that accepts a request when its
// Authorization header carries any of tokens. Several tokens allow a key to
// be rotated without downtime. Empty entries are ignored, and with no tokens
// at all the middleware lets every request through.
func BearerToken(tokens ...string) func(http.Handler) http.Handler {
	var accepted [][]byte
	for _, t := range tokens {
		if t != "" {
			accepted = append(accepted, []byte(t))
		}
	}

	return func(next http.Handler) http.Handler {
		if len(accepted) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, bearerPrefix) {
				reject(w, "missing or malformed authorization header")
				return
			}

			if !matchAny([]byte(auth[len(bearerPrefix):]), accepted) {
				reject(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// matchAny compares got against every candidate in constant time per
// candidate, without stopping at the first hit.
func matchAny(got []byte, candidates [][]byte) bool {
	ok := 0
	for _, c := range candidates {
		ok |= subtle.ConstantTimeCompare(got, c)
	}
	return ok == 1
}

func reject(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="sentinel"`)
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"detail":"` + msg + `"}`))
}
