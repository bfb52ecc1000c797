package observability

import (
	"encoding/binary"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hanko-field/orders/internal/platform/requestctx"
)

// cloudTraceHeader is set by the Cloud Run front end as TRACE_ID/SPAN_ID;o=OPTIONS,
// with a hex trace id and a decimal span id.
const cloudTraceHeader = "X-Cloud-Trace-Context"

var tracer = otel.Tracer("github.com/hanko-field/orders/internal/platform/observability")

// TraceMiddleware starts the server span for each request, parented on the Cloud Run
// trace when present, and records the ids on the context for logs and error envelopes.
func TraceMiddleware(projectID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if remote, ok := parseCloudTraceContext(r.Header.Get(cloudTraceHeader)); ok {
				ctx = trace.ContextWithRemoteSpanContext(ctx, remote)
			}

			ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("url.path", r.URL.Path),
				),
			)
			defer span.End()

			sc := span.SpanContext()
			ctx = requestctx.WithTrace(ctx, requestctx.TraceInfo{
				TraceID:   sc.TraceID().String(),
				SpanID:    sc.SpanID().String(),
				Sampled:   sc.IsSampled(),
				ProjectID: projectID,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func parseCloudTraceContext(header string) (trace.SpanContext, bool) {
	traceHex, rest, ok := strings.Cut(strings.TrimSpace(header), "/")
	if !ok {
		return trace.SpanContext{}, false
	}
	traceID, err := trace.TraceIDFromHex(traceHex)
	if err != nil {
		return trace.SpanContext{}, false
	}
	spanDec, options, _ := strings.Cut(rest, ";")
	spanNum, err := strconv.ParseUint(strings.TrimSpace(spanDec), 10, 64)
	if err != nil || spanNum == 0 {
		return trace.SpanContext{}, false
	}
	var spanID trace.SpanID
	binary.BigEndian.PutUint64(spanID[:], spanNum)

	var flags trace.TraceFlags
	if strings.TrimSpace(options) == "o=1" {
		flags = trace.FlagsSampled
	}
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: flags,
		Remote:     true,
	}), true
}
