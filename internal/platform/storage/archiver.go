package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/hanko-field/orders/internal/domain"
)

const webhookContentType = "application/json"

// objectWriter opens a writer for a new object. Writers must fail when the object already exists.
type objectWriter func(ctx context.Context, bucket, object string, attrs objectAttrs) io.WriteCloser

type objectAttrs struct {
	ContentType string
	Metadata    map[string]string
}

// WebhookArchiver stores raw gateway payloads in Cloud Storage. Each event is written once; a
// redelivered event leaves the first copy in place.
type WebhookArchiver struct {
	bucket    string
	newWriter objectWriter
	now       func() time.Time
}

// NewWebhookArchiver constructs an archiver writing to bucket.
func NewWebhookArchiver(client *gcs.Client, bucket string) (*WebhookArchiver, error) {
	if client == nil {
		return nil, errors.New("storage archiver: client is required")
	}
	return newWebhookArchiver(bucket, func(ctx context.Context, bucket, object string, attrs objectAttrs) io.WriteCloser {
		w := client.Bucket(bucket).Object(object).If(gcs.Conditions{DoesNotExist: true}).NewWriter(ctx)
		w.ContentType = attrs.ContentType
		w.Metadata = attrs.Metadata
		return w
	})
}

func newWebhookArchiver(bucket string, writer objectWriter) (*WebhookArchiver, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errInvalidBucket
	}
	return &WebhookArchiver{bucket: bucket, newWriter: writer, now: time.Now}, nil
}

// Bucket returns the archive bucket name.
func (a *WebhookArchiver) Bucket() string {
	return a.bucket
}

// ArchiveWebhook writes the raw payload of event.
func (a *WebhookArchiver) ArchiveWebhook(ctx context.Context, event domain.GatewayEvent) error {
	if a == nil || a.newWriter == nil {
		return errors.New("storage archiver: not initialised")
	}
	if len(event.RawPayload) == 0 {
		return nil
	}
	receivedAt := event.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = a.now()
	}
	object, err := BuildObjectPath(PurposeWebhookPayload, PathParams{
		Provider:   event.Provider,
		EventID:    event.EventID,
		ReceivedAt: receivedAt,
	})
	if err != nil {
		return err
	}

	metadata := map[string]string{"eventKind": string(event.Kind)}
	if event.OrderID != "" {
		metadata["orderId"] = event.OrderID
	}
	w := a.newWriter(ctx, a.bucket, object, objectAttrs{ContentType: webhookContentType, Metadata: metadata})
	if _, err := w.Write(event.RawPayload); err != nil {
		_ = w.Close()
		return fmt.Errorf("storage archiver: write %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			return nil
		}
		return fmt.Errorf("storage archiver: close %s: %w", object, err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
