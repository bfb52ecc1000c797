package observability

import (
	"context"
	"maps"
	"slices"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hanko-field/orders/internal/platform/requestctx"
)

// NewLogger builds the JSON logger Cloud Logging ingests: "severity" carries the
// upper-case level and "message" the text. An empty or unknown level means info.
func NewLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Sampling = nil
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.LevelKey = "severity"
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	return cfg.Build()
}

// WithLogger makes logger the fallback for code running outside a request.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return requestctx.WithLogger(ctx, logger)
}

// Printf bridges zap to the auth package's Printf logger.
type Printf struct{ sugar *zap.SugaredLogger }

func NewPrintf(logger *zap.Logger) Printf {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Printf{sugar: logger.Sugar()}
}

func (p Printf) Printf(format string, args ...any) { p.sugar.Infof(format, args...) }

// EventLogger converts the services' event hook into zap entries. The request-scoped logger is
// preferred so entries carry request and trace ids; fallback is used outside a request. Events
// ending in ".failed", ".conflict" or ".error" are logged at warn level.
func EventLogger(fallback *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := requestctx.LoggerOr(ctx, fallback)

		keys := slices.Sorted(maps.Keys(fields))
		zapFields := make([]zap.Field, 0, len(keys)+1)
		zapFields = append(zapFields, zap.String("event", event))
		// A request logger already carries order_id once the handler has bound it.
		if _, ok := fields["order_id"]; !ok && logger == fallback {
			if orderID := requestctx.OrderID(ctx); orderID != "" {
				zapFields = append(zapFields, zap.String("order_id", orderID))
			}
		}
		for _, key := range keys {
			zapFields = append(zapFields, zap.Any(key, fields[key]))
		}

		if isWarnEvent(event) {
			logger.Warn(event, zapFields...)
			return
		}
		logger.Info(event, zapFields...)
	}
}

func isWarnEvent(event string) bool {
	for _, suffix := range []string{".failed", ".conflict", ".error"} {
		if strings.HasSuffix(event, suffix) {
			return true
		}
	}
	return false
}
