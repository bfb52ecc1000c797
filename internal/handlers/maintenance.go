package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/orders/internal/platform/auth"
	"github.com/hanko-field/orders/internal/platform/httpx"
	"github.com/hanko-field/orders/internal/platform/storage"
	"github.com/hanko-field/orders/internal/services"
)

const (
	defaultLedgerCleanupBatch = 200
	maxLedgerCleanupBatch     = 1000
	archiveDateLayout         = "2006-01-02"
)

// MaintenanceHandlers serves scheduler-triggered housekeeping endpoints under /internal.
type MaintenanceHandlers struct {
	webhooks  services.WebhookService
	batchSize int
}

// NewMaintenanceHandlers constructs maintenance handlers.
func NewMaintenanceHandlers(webhooks services.WebhookService, batchSize int) *MaintenanceHandlers {
	if batchSize <= 0 {
		batchSize = defaultLedgerCleanupBatch
	}
	return &MaintenanceHandlers{webhooks: webhooks, batchSize: batchSize}
}

// Routes registers the maintenance endpoints.
func (h *MaintenanceHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/maintenance/ledger-cleanup", h.cleanupLedger)
}

func (h *MaintenanceHandlers) cleanupLedger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.webhooks == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "webhook service unavailable", http.StatusServiceUnavailable))
		return
	}
	limit := h.batchSize
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxLedgerCleanupBatch {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit must be between 1 and 1000", http.StatusBadRequest))
			return
		}
		limit = parsed
	}

	removed, err := h.webhooks.CleanupLedger(ctx, limit)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("cleanup_failed", "ledger cleanup failed", http.StatusServiceUnavailable))
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]int{"removed": removed})
}

// ArchiveURLSigner issues time-limited read URLs for archived webhook payloads.
type ArchiveURLSigner interface {
	SignedDownloadURL(ctx context.Context, bucket, object string, opts storage.DownloadOptions) (storage.SignedURLResult, error)
}

// ArchiveHandlers lets staff fetch archived gateway payloads when reviewing reconciliation conflicts.
type ArchiveHandlers struct {
	authn  *auth.Authenticator
	signer ArchiveURLSigner
	bucket string
	expiry time.Duration
}

// NewArchiveHandlers constructs archive handlers.
func NewArchiveHandlers(authn *auth.Authenticator, signer ArchiveURLSigner, bucket string, expiry time.Duration) *ArchiveHandlers {
	return &ArchiveHandlers{
		authn:  authn,
		signer: signer,
		bucket: strings.TrimSpace(bucket),
		expiry: expiry,
	}
}

// Routes registers the /admin endpoints.
func (h *ArchiveHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleStaff))
	}
	r.Get("/webhooks/{provider}/{eventID}:archive-url", h.archiveURL)
}

func (h *ArchiveHandlers) archiveURL(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.signer == nil || h.bucket == "" {
		httpx.WriteError(ctx, w, httpx.NewError("archive_unavailable", "webhook archive not configured", http.StatusServiceUnavailable))
		return
	}
	identity, _ := auth.IdentityFromContext(ctx)

	day, err := time.Parse(archiveDateLayout, strings.TrimSpace(r.URL.Query().Get("date")))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "date must be YYYY-MM-DD", http.StatusBadRequest))
		return
	}
	object, err := storage.BuildObjectPath(storage.PurposeWebhookPayload, storage.PathParams{
		Provider:   chi.URLParam(r, "provider"),
		EventID:    chi.URLParam(r, "eventID"),
		ReceivedAt: day,
	})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	signed, err := h.signer.SignedDownloadURL(ctx, h.bucket, object, storage.DownloadOptions{
		ExpiresIn:    h.expiry,
		ResponseType: "application/json",
		Identity:     identity,
	})
	if err != nil {
		if errors.Is(err, storage.ErrPermissionDenied) {
			httpx.WriteError(ctx, w, httpx.NewError("forbidden", "staff role required", http.StatusForbidden))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("archive_error", "failed to sign archive url", http.StatusInternalServerError))
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{
		"url":       signed.URL,
		"method":    signed.Method,
		"object":    object,
		"expiresAt": formatTime(signed.ExpiresAt),
	})
}
