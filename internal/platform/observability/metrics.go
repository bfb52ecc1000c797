package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/hanko-field/orders/internal/platform/observability"

// VerificationMetrics records webhook signature and OIDC verification outcomes.
type VerificationMetrics struct {
	count    metric.Int64Counter
	duration metric.Float64Histogram
}

// NewVerificationMetrics registers the instruments on the supplied meter, or on the global
// meter provider when meter is nil.
func NewVerificationMetrics(meter metric.Meter) (*VerificationMetrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	count, err := meter.Int64Counter("orders.auth.verifications",
		metric.WithDescription("Signature and token verification attempts"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("orders.auth.verification_duration",
		metric.WithDescription("Verification latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	return &VerificationMetrics{count: count, duration: duration}, nil
}

// RecordVerification implements auth.MetricsRecorder.
func (m *VerificationMetrics) RecordVerification(ctx context.Context, kind string, success bool, reason string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("success", success),
		attribute.String("reason", reason),
	)
	m.count.Add(ctx, 1, attrs)
	m.duration.Record(ctx, float64(d)/float64(time.Millisecond), attrs)
}
