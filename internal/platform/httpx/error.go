package httpx

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/hanko-field/orders/internal/platform/requestctx"
)

// Error is the JSON error envelope of the orders API:
//
//	{"error": code, "message": ..., "status": ..., "request_id": ..., "trace_id": ..., "order_id": ...}
//
// Details are merged into the top level, so a failed payment attempt can carry the
// current order alongside the error.
type Error struct {
	Code       string
	Message    string
	Status     int
	RetryAfter time.Duration
	Details    map[string]any
}

func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    sanitize(code, 80),
		Message: sanitize(message, 512),
		Status:  status,
	}
}

// WithRetryAfter asks the client to back off; it is sent as whole seconds, at least one.
func (e Error) WithRetryAfter(d time.Duration) Error {
	e.RetryAfter = d
	return e
}

// WithDetails attaches additional JSON-serialisable fields.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	e.Details = make(map[string]any, len(details))
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// WriteError writes err with the request, trace and order identifiers found on ctx.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	status := err.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}

	payload := map[string]any{
		"error":   err.Code,
		"message": err.Message,
		"status":  status,
	}
	ids := map[string]string{
		"request_id": sanitize(middleware.GetReqID(ctx), 80),
		"trace_id":   sanitize(requestctx.TraceID(ctx), 64),
		"order_id":   sanitize(requestctx.OrderID(ctx), 80),
	}
	for key, id := range ids {
		if id != "" {
			payload[key] = id
		}
	}
	for k, v := range err.Details {
		payload[k] = v
	}

	if err.RetryAfter > 0 {
		w.Header().Set("Retry-After", RetryAfterSeconds(err.RetryAfter))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// RetryAfterSeconds renders d for a Retry-After header, rounded up to whole seconds.
func RetryAfterSeconds(d time.Duration) string {
	return strconv.Itoa(int(math.Max(1, math.Ceil(d.Seconds()))))
}

func sanitize(value string, limit int) string {
	value = strings.TrimSpace(strings.NewReplacer("\n", " ", "\r", " ").Replace(value))
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
