package observe

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// trackedWriter wraps [http.ResponseWriter] to capture the status code
// written by the downstream handler. Unwrap keeps [http.ResponseController]
// working through the wrapper, which the WebSocket upgrade on /ws relies on
// to hijack the connection.
type trackedWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *trackedWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *trackedWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// routeLabel collapses path parameters on the call API so metric and span
// cardinality stays bounded: every user, turn, and session would otherwise
// mint its own time series.
func routeLabel(path string) string {
	switch {
	case strings.HasPrefix(path, "/history/"):
		return "/history/{user_id}"
	case strings.HasPrefix(path, "/call/"):
		return "/call/{turn_id}"
	case strings.HasPrefix(path, "/interrupt/"):
		return "/interrupt/{session_id}"
	default:
		return path
	}
}

// quietPath reports whether the request is a health check or metrics scrape,
// which are logged at debug so steady-state logs stay about calls.
func quietPath(path string) bool {
	switch path {
	case "/health", "/healthz", "/readyz", "/metrics":
		return true
	}
	return false
}

// Middleware instruments the hub's HTTP surface: it extracts W3C trace
// context (or starts a new trace), opens a server span named after the
// normalised route, echoes the trace ID as X-Correlation-ID, records the
// request duration histogram, and logs completion.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			route := routeLabel(r.URL.Path)

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			rec := &trackedWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			duration := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, duration.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("path", route),
				),
			)
			span.SetAttributes(semconv.HTTPResponseStatusCode(rec.statusCode))

			level := slog.LevelInfo
			if quietPath(r.URL.Path) {
				level = slog.LevelDebug
			}
			slog.LogAttrs(ctx, level, "request completed",
				slog.String("trace_id", cid),
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.Int("status", rec.statusCode),
				slog.Duration("duration", duration),
			)
		})
	}
}
