// Package api implements the image studio HTTP API using chi.
package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// queryTokenParam carries the token for GET requests from clients that
// cannot set headers, such as a browser EventSource on /events.
const queryTokenParam = "access_token"

// requestToken extracts the presented credential, if any.
func requestToken(r *http.Request) (string, bool) {
	if tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return tok, true
	}
	if r.Method == http.MethodGet {
		if tok := r.URL.Query().Get(queryTokenParam); tok != "" {
			return tok, true
		}
	}
	return "", false
}

// AuthMiddleware rejects requests without the configured token when enabled
// is true. The token is read from "Authorization: Bearer <token>" or, on
// GET requests only, from the access_token query parameter.
func AuthMiddleware(enabled bool, token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := requestToken(r)
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
