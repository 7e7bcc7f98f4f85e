package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// BasicAuth gates a route group behind HTTP basic authentication. Streaming
// and lineup endpoints stay open; only the admin/catalog surfaces use this.
func BasicAuth(username, password string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok ||
				subtle.ConstantTimeCompare([]byte(user), []byte(username)) != 1 ||
				subtle.ConstantTimeCompare([]byte(pass), []byte(password)) != 1 {
				w.Header().Set("WWW-Authenticate", `Basic realm="macrelay"`)
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// PrefixBasicAuth applies BasicAuth only to requests whose path starts with
// the given prefix. Everything else passes through untouched.
func PrefixBasicAuth(prefix, username, password string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		gated := BasicAuth(username, password)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, prefix) {
				gated.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
