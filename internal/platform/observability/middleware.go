package observability

import (
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hanko-field/orders/internal/platform/httpx"
	"github.com/hanko-field/orders/internal/platform/requestctx"
)

// InjectLoggerMiddleware makes logger the request-scoped logger.
func InjectLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(requestctx.WithLogger(r.Context(), logger)))
		})
	}
}

// RequestLoggerMiddleware writes one completion line per request and tags the server
// span with the route, status and the order the request touched. Route params are read
// after the handler ran, since chi resolves them further down the chain.
func RequestLoggerMiddleware(projectID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			info, _ := requestctx.Trace(ctx)
			logger := requestctx.Logger(ctx).With(
				zap.String("request_id", middleware.GetReqID(ctx)),
				zap.String("method", SanitizeMethod(r.Method)),
				zap.String("trace_id", info.TraceID),
			)
			if projectID != "" && info.TraceID != "" {
				logger = logger.With(zap.String("logging.googleapis.com/trace", fmt.Sprintf("projects/%s/traces/%s", projectID, info.TraceID)))
			}
			if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
				logger = logger.With(zap.String("remote_ip", sanitizeString(host, 64)))
			}
			r = r.WithContext(requestctx.WithLogger(ctx, logger))

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			panicked := true
			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				if panicked && status < http.StatusInternalServerError {
					status = http.StatusInternalServerError
				}
				route := SanitizeRoute(routePattern(r))
				orderID := SanitizeOrderID(chi.URLParam(r, "orderID"))

				span := trace.SpanFromContext(ctx)
				span.SetAttributes(semconv.HTTPResponseStatusCode(status), semconv.HTTPRoute(route))
				if orderID != "" {
					span.SetAttributes(attribute.String("orders.order_id", orderID))
				}
				if status >= http.StatusInternalServerError {
					span.SetStatus(codes.Error, http.StatusText(status))
				}

				fields := []zap.Field{
					zap.String("route", route),
					zap.Int("status", status),
					zap.Duration("latency", time.Since(start)),
					zap.Int("bytes", ww.BytesWritten()),
				}
				if orderID != "" {
					fields = append(fields, zap.String("order_id", orderID))
				}
				switch {
				case status >= http.StatusInternalServerError:
					logger.Error("request completed", fields...)
				case status >= http.StatusBadRequest:
					logger.Warn("request completed", fields...)
				default:
					logger.Info("request completed", fields...)
				}
			}()

			next.ServeHTTP(ww, r)
			panicked = false
		})
	}
}

// RecoveryMiddleware turns a handler panic into a logged stack trace and a JSON 500.
func RecoveryMiddleware(fallback *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger := requestctx.LoggerOr(r.Context(), fallback)
				logger.Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("order_id", SanitizeOrderID(chi.URLParam(r, "orderID"))),
					zap.ByteString("stack", debug.Stack()),
				)
				httpx.WriteError(r.Context(), w, httpx.NewError("internal_server_error", "internal server error", http.StatusInternalServerError))
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := rc.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
