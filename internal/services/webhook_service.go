package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/platform/idempotency"
)

var (
	// ErrWebhookInFlight means another delivery of the same event is still being processed. The
	// gateway should redeliver later.
	ErrWebhookInFlight = errors.New("webhook: event is being processed")
	// ErrWebhookUnavailable means the event could not be recorded or applied because of an
	// infrastructure failure. The gateway should redeliver.
	ErrWebhookUnavailable = errors.New("webhook: unavailable")
)

// WebhookServiceDeps bundles collaborators required by the webhook pipeline.
type WebhookServiceDeps struct {
	Orders   OrderService
	Ledger   *idempotency.Ledger
	Archiver WebhookArchiver
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type webhookService struct {
	orders   OrderService
	ledger   *idempotency.Ledger
	archiver WebhookArchiver
	clock    func() time.Time
	logger   func(context.Context, string, map[string]any)
}

// NewWebhookService constructs the dedup and dispatch stage of the webhook pipeline. Parsing and
// authentication happen before Ingest is called.
func NewWebhookService(deps WebhookServiceDeps) (WebhookService, error) {
	if deps.Orders == nil {
		return nil, errors.New("webhook service: order service is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("webhook service: ledger is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &webhookService{
		orders:   deps.Orders,
		ledger:   deps.Ledger,
		archiver: deps.Archiver,
		clock:    clock,
		logger:   logger,
	}, nil
}

func (s *webhookService) Ingest(ctx context.Context, event domain.GatewayEvent) (WebhookResult, error) {
	result := WebhookResult{EventID: event.EventID, OrderID: event.OrderID}
	fields := map[string]any{
		"provider":   event.Provider,
		"event_id":   event.EventID,
		"event_kind": string(event.Kind),
		"order_id":   event.OrderID,
	}

	entry, state, err := s.ledger.Begin(ctx, event.Provider, event.EventID, eventFingerprint(event))
	switch {
	case errors.Is(err, idempotency.ErrFingerprintMismatch):
		fields["reason"] = "event id reused with different content"
		s.logger(ctx, "webhook.reconciliation.conflict", fields)
		result.Disposition = WebhookRejected
		return result, nil
	case err != nil:
		fields["error"] = err.Error()
		s.logger(ctx, "webhook.ledger.failed", fields)
		return WebhookResult{}, fmt.Errorf("%w: %v", ErrWebhookUnavailable, err)
	}

	switch state {
	case idempotency.LedgerStateProcessed:
		s.logger(ctx, "webhook.duplicate", fields)
		result.Disposition = WebhookDuplicate
		result.Outcome = entry.Outcome
		return result, nil
	case idempotency.LedgerStateInFlight:
		s.logger(ctx, "webhook.in_flight", fields)
		return WebhookResult{}, ErrWebhookInFlight
	}

	s.archive(ctx, event)

	applied, err := s.orders.ApplyGatewayEvent(ctx, event)
	if err != nil && !isBusinessConflict(err) {
		fields["error"] = err.Error()
		s.logger(ctx, "webhook.dispatch.failed", fields)
		// Release before the gateway retries; a failed release only delays redelivery until the lock expires.
		if abandonErr := s.ledger.Abandon(context.WithoutCancel(ctx), entry); abandonErr != nil {
			s.logger(ctx, "webhook.ledger.release_failed", map[string]any{
				"event_id": event.EventID,
				"error":    abandonErr.Error(),
			})
		}
		return WebhookResult{}, fmt.Errorf("%w: %w", ErrWebhookUnavailable, err)
	}

	result.Disposition = WebhookProcessed
	result.Outcome = string(applied.Outcome)
	if err != nil {
		fields["error"] = err.Error()
		s.logger(ctx, "webhook.reconciliation.conflict", fields)
		result.Disposition = WebhookRejected
		result.Outcome = "conflict"
	}

	if completeErr := s.ledger.Complete(context.WithoutCancel(ctx), entry, result.Outcome); completeErr != nil {
		// The event took effect; a redelivery is absorbed by ApplyGatewayEvent.
		s.logger(ctx, "webhook.ledger.complete_failed", map[string]any{
			"event_id": event.EventID,
			"error":    completeErr.Error(),
		})
	}

	fields["outcome"] = result.Outcome
	s.logger(ctx, "webhook."+string(result.Disposition), fields)
	return result, nil
}

func (s *webhookService) CleanupLedger(ctx context.Context, limit int) (int, error) {
	removed, err := s.ledger.Cleanup(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrWebhookUnavailable, err)
	}
	if removed > 0 {
		s.logger(ctx, "webhook.ledger.cleanup", map[string]any{"removed": removed})
	}
	return removed, nil
}

func (s *webhookService) archive(ctx context.Context, event domain.GatewayEvent) {
	if s.archiver == nil || len(event.RawPayload) == 0 {
		return
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = s.clock().UTC()
	}
	if err := s.archiver.ArchiveWebhook(ctx, event); err != nil {
		s.logger(ctx, "webhook.archive.failed", map[string]any{
			"event_id": event.EventID,
			"error":    err.Error(),
		})
	}
}

// isBusinessConflict reports errors that redelivery cannot fix.
func isBusinessConflict(err error) bool {
	return errors.Is(err, ErrReconciliationConflict) ||
		errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrOrderInvalidTransition)
}

func eventFingerprint(event domain.GatewayEvent) string {
	parts := []string{
		strings.TrimSpace(event.EventID),
		string(event.Kind),
		strings.TrimSpace(event.OrderID),
		strings.TrimSpace(event.PaymentID),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
