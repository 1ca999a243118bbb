package middleware

import (
	"fmt"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
)

// Tracing instruments every request with an OpenTelemetry span named
// after the method and normalized path.
func Tracing(next http.Handler) http.Handler {
	return otelhttp.NewHandler(next, "mdmd",
		otelhttp.WithTracerProvider(otel.GetTracerProvider()),
		otelhttp.WithPropagators(otel.GetTextMapPropagator()),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("%s %s", r.Method, cleanPath(r.URL.Path))
		}),
	)
}
