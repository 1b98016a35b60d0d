package observe

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// TraceIDHeader carries the request's trace ID back to the browser so a
// reported problem can be matched to its server logs.
const TraceIDHeader = "X-Trace-ID"

// TraceHTTP wraps next with a server span, the request duration histogram
// and one completion log line per request. An incoming traceparent header is
// continued.
//
// Requests are labelled by the ServeMux pattern that served them, so
// "/records/rec-1" and "/records/rec-2" share one series. A WebSocket
// upgrade completes when its handler returns; its duration is the length of
// the voice connection.
func TraceHTTP(next http.Handler, m *Metrics, log *slog.Logger) http.Handler {
	prop := propagation.TraceContext{}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := StartSpan(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		tid := TraceID(ctx)
		if tid != "" {
			w.Header().Set(TraceIDHeader, tid)
		}
		prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

		cw := &captureWriter{ResponseWriter: w, status: http.StatusOK}
		r = r.WithContext(ctx)
		next.ServeHTTP(cw, r)

		// ServeMux records the matched pattern on the request it was given.
		route := routeOf(r)
		span.SetName(route)
		span.SetAttributes(
			semconv.HTTPRoute(route),
			semconv.HTTPResponseStatusCode(cw.status),
		)

		elapsed := time.Since(start)
		m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("route", route),
		))

		level := slog.LevelInfo
		if cw.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		log.LogAttrs(ctx, level, "http: request done",
			slog.String("trace_id", tid),
			slog.String("route", route),
			slog.String("path", r.URL.Path),
			slog.Int("status", cw.status),
			slog.Bool("websocket", cw.upgraded),
			slog.Duration("elapsed", elapsed),
		)
	})
}

// routeOf returns the matched pattern, or method and path for requests no
// pattern served.
func routeOf(r *http.Request) string {
	if r.Pattern != "" {
		return r.Pattern
	}
	return r.Method + " " + r.URL.Path
}

// captureWriter remembers the response status and whether the connection
// was taken over for a WebSocket.
type captureWriter struct {
	http.ResponseWriter
	status   int
	upgraded bool
}

func (w *captureWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *captureWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("observe: connection cannot be upgraded")
	}
	w.upgraded = true
	w.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// Unwrap lets [http.ResponseController] reach the underlying writer.
func (w *captureWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
