package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"google.golang.org/api/googleapi"

	"github.com/hanko-field/orders/internal/domain"
)

type memoryObject struct {
	bucket string
	name   string
	attrs  objectAttrs
	buf    bytes.Buffer
}

type memoryBucket struct {
	objects  map[string]*memoryObject
	closeErr error
}

type memoryWriter struct {
	bucket *memoryBucket
	object *memoryObject
}

func (w *memoryWriter) Write(p []byte) (int, error) { return w.object.buf.Write(p) }

func (w *memoryWriter) Close() error {
	if w.bucket.closeErr != nil {
		return w.bucket.closeErr
	}
	if _, exists := w.bucket.objects[w.object.name]; exists {
		return &googleapi.Error{Code: http.StatusPreconditionFailed}
	}
	w.bucket.objects[w.object.name] = w.object
	return nil
}

func newMemoryArchiver(t *testing.T) (*WebhookArchiver, *memoryBucket) {
	t.Helper()
	store := &memoryBucket{objects: make(map[string]*memoryObject)}
	archiver, err := newWebhookArchiver("audit-bucket", func(_ context.Context, bucket, object string, attrs objectAttrs) io.WriteCloser {
		return &memoryWriter{bucket: store, object: &memoryObject{bucket: bucket, name: object, attrs: attrs}}
	})
	if err != nil {
		t.Fatalf("newWebhookArchiver: %v", err)
	}
	return archiver, store
}

func TestWebhookArchiverWritesPayload(t *testing.T) {
	archiver, store := newMemoryArchiver(t)
	event := domain.GatewayEvent{
		EventID:    "evt_1",
		Kind:       domain.GatewayEventPaymentSucceeded,
		OrderID:    "ord_1",
		Provider:   "gateway",
		RawPayload: []byte(`{"event":"payment.succeeded"}`),
		ReceivedAt: time.Date(2025, 5, 2, 10, 0, 0, 0, time.UTC),
	}

	if err := archiver.ArchiveWebhook(context.Background(), event); err != nil {
		t.Fatalf("ArchiveWebhook: %v", err)
	}
	obj, ok := store.objects["webhooks/gateway/2025/05/02/evt_1.json"]
	if !ok {
		t.Fatalf("expected archived object, got %v", store.objects)
	}
	if obj.bucket != "audit-bucket" || obj.buf.String() != `{"event":"payment.succeeded"}` {
		t.Fatalf("unexpected object %+v", obj)
	}
	if obj.attrs.ContentType != webhookContentType || obj.attrs.Metadata["orderId"] != "ord_1" {
		t.Fatalf("unexpected attrs %+v", obj.attrs)
	}

	// Redelivery keeps the first copy.
	event.RawPayload = []byte(`{"event":"payment.succeeded","retry":true}`)
	if err := archiver.ArchiveWebhook(context.Background(), event); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if store.objects["webhooks/gateway/2025/05/02/evt_1.json"].buf.String() != `{"event":"payment.succeeded"}` {
		t.Fatal("expected original payload to be kept")
	}
}

func TestWebhookArchiverPropagatesErrors(t *testing.T) {
	archiver, store := newMemoryArchiver(t)
	store.closeErr = errors.New("bucket not found")
	err := archiver.ArchiveWebhook(context.Background(), domain.GatewayEvent{
		EventID:    "evt_2",
		Provider:   "stripe",
		RawPayload: []byte(`{}`),
		ReceivedAt: time.Now(),
	})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestNewWebhookArchiverRequiresBucket(t *testing.T) {
	if _, err := newWebhookArchiver(" ", nil); !errors.Is(err, errInvalidBucket) {
		t.Fatalf("expected errInvalidBucket, got %v", err)
	}
	if _, err := NewWebhookArchiver(nil, "bucket"); err == nil {
		t.Fatal("expected error without client")
	}
}
