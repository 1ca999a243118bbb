package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"mdmd.sh/internal/metrics"
)

// Metrics records request counts and latency. The endpoint label uses the
// mux route template so path parameters never explode cardinality.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := NewResponseWriter(w)

		next.ServeHTTP(wrapped, r)

		endpoint := routeTemplate(r)
		metrics.RecordHTTPRequest(r.Method, endpoint,
			strconv.Itoa(wrapped.StatusCode()), time.Since(start).Seconds())
	})
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if template, err := route.GetPathTemplate(); err == nil {
			return template
		}
	}
	return cleanPath(r.URL.Path)
}

// cleanPath collapses dynamic segments of unrouted paths.
func cleanPath(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if len(part) == 36 && strings.Count(part, "-") == 4 {
			parts[i] = "{id}"
			continue
		}
		if _, err := strconv.Atoi(part); err == nil && part != "" {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}
