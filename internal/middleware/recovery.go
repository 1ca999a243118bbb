package middleware

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"mdmd.sh/internal/merrors"
	"mdmd.sh/internal/observability"
)

// Recovery converts handler panics into 500 responses instead of torn
// connections.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if recovered := recover(); recovered != nil {
				observability.ContextLogger(r.Context()).Error("handler panic",
					zap.Any("recovered", recovered),
					zap.String("path", r.URL.Path),
					zap.String("stack", string(debug.Stack())),
				)
				WriteError(w, r, merrors.Newf(merrors.ErrCodeInternal, "panic: %v", recovered))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
