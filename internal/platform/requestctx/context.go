// Package requestctx carries per-request values between the middleware, handlers and
// services without those layers importing each other.
package requestctx

import (
	"context"

	"go.uber.org/zap"
)

type (
	loggerKey struct{}
	traceKey  struct{}
	orderKey  struct{}
)

var nop = zap.NewNop()

// TraceInfo is the Cloud Trace context of the current request.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// Logger returns the request logger, or a no-op logger outside a request.
func Logger(ctx context.Context) *zap.Logger {
	return LoggerOr(ctx, nop)
}

// LoggerOr returns the request logger, or fallback when ctx carries none.
func LoggerOr(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok {
		return logger
	}
	if fallback == nil {
		return nop
	}
	return fallback
}

func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	return context.WithValue(ctx, traceKey{}, info)
}

func Trace(ctx context.Context) (TraceInfo, bool) {
	info, ok := ctx.Value(traceKey{}).(TraceInfo)
	return info, ok
}

func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}

// WithOrderID records the order a request acts on. The request logger, if any, is
// rebound so every later line logged through Logger(ctx) carries order_id.
func WithOrderID(ctx context.Context, orderID string) context.Context {
	if orderID == "" || OrderID(ctx) == orderID {
		return ctx
	}
	ctx = context.WithValue(ctx, orderKey{}, orderID)
	if logger, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok {
		ctx = context.WithValue(ctx, loggerKey{}, logger.With(zap.String("order_id", orderID)))
	}
	return ctx
}

func OrderID(ctx context.Context) string {
	id, _ := ctx.Value(orderKey{}).(string)
	return id
}
