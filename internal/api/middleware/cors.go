// Package middleware provides HTTP middleware components for the RevLens admin API.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// CORSConfig is the CORS policy surface the middleware needs. The server
// config in internal/api satisfies it, keeping the dependency pointing in
// one direction.
type CORSConfig interface {
	GetAllowedOrigins() []string
	GetAllowedMethods() []string
	GetAllowedHeaders() []string
	GetMaxAge() int
}

// CORS answers cross-origin requests under the configured policy. The header
// values never change per request, so they are joined once here; only the
// origin check runs per request. Preflights are answered with 204 without
// reaching the handler.
func CORS(config CORSConfig) func(http.Handler) http.Handler {
	var (
		origins  = config.GetAllowedOrigins()
		wildcard = len(origins) == 1 && origins[0] == "*"
		methods  = strings.Join(config.GetAllowedMethods(), ", ")
		headers  = strings.Join(config.GetAllowedHeaders(), ", ")
		maxAge   = ""
	)

	allowed := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		allowed[origin] = struct{}{}
	}

	if age := config.GetMaxAge(); age > 0 {
		maxAge = strconv.Itoa(age)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch {
			case wildcard:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case len(origins) > 0:
				// Echoing the matched origin makes the response cacheable per
				// origin, so caches must be told the answer varies.
				w.Header().Add("Vary", "Origin")

				if origin := r.Header.Get("Origin"); origin != "" {
					if _, ok := allowed[origin]; ok {
						w.Header().Set("Access-Control-Allow-Origin", origin)
					}
				}
			}

			if methods != "" {
				w.Header().Set("Access-Control-Allow-Methods", methods)
			}

			if headers != "" {
				w.Header().Set("Access-Control-Allow-Headers", headers)
			}

			if maxAge != "" {
				w.Header().Set("Access-Control-Max-Age", maxAge)
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
