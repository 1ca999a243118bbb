package middleware

import (
	"net/http"

	"github.com/rs/cors"
)

// CORS builds the CORS handler for the admin dashboard. An empty origin
// list allows any origin, which suits local development; production
// deployments list the dashboard origin explicitly.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	options := cors.Options{
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut,
			http.MethodPatch, http.MethodDelete, http.MethodOptions,
		},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type",
			"X-Admin-Key", "X-Request-ID",
		},
		ExposedHeaders: []string{
			"Content-Length", "X-Request-ID", "X-APK-SHA256",
			"X-Cache-Hit", "X-RateLimit-Remaining",
		},
		MaxAge: 3600,
	}
	if len(allowedOrigins) == 0 {
		options.AllowedOrigins = []string{"*"}
	} else {
		options.AllowedOrigins = allowedOrigins
		options.AllowCredentials = true
	}
	return cors.New(options).Handler
}

// SecurityHeaders sets the defensive headers appropriate for a JSON API.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}
