// Package idempotency reserves keys so a mutation runs once. Order creation uses it
// through the Idempotency-Key middleware; the webhook pipeline uses it as the ledger
// of processed gateway events.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"
)

// DefaultTTL is how long a completed key keeps replaying its response.
const DefaultTTL = 24 * time.Hour

// Status is the persisted state of a key.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// ReservationState tells the caller of Reserve what to do next.
type ReservationState int

const (
	// ReservationStateNew: the caller owns the key and must either save a response or release it.
	ReservationStateNew ReservationState = iota
	// ReservationStateCompleted: replay Record.
	ReservationStateCompleted
	// ReservationStatePending: another caller owns the key.
	ReservationStatePending
)

type Reservation struct {
	State  ReservationState
	Record Record
}

// Record is the stored form of a key. ResponseHeaders only carries replayable headers.
// The Firestore store persists it as is.
type Record struct {
	Key             string              `firestore:"key"`
	Fingerprint     string              `firestore:"fingerprint"`
	Status          Status              `firestore:"status"`
	ResponseStatus  int                 `firestore:"response_status"`
	ResponseHeaders map[string][]string `firestore:"response_headers"`
	ResponseBody    []byte              `firestore:"response_body"`
	CreatedAt       time.Time           `firestore:"created_at"`
	UpdatedAt       time.Time           `firestore:"updated_at"`
	ExpiresAt       time.Time           `firestore:"expires_at"`
}

func pendingRecord(key, fingerprint string, now time.Time, ttl time.Duration) Record {
	return Record{
		Key:         key,
		Fingerprint: fingerprint,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(ttlOrDefault(ttl)),
	}
}

// expired records count as absent everywhere, even before CleanupExpired runs.
func (r Record) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// completedWith returns r settled with resp and kept for ttl from now.
func (r Record) completedWith(resp Response, now time.Time, ttl time.Duration) Record {
	r.Status = StatusCompleted
	r.ResponseStatus = resp.Status
	r.ResponseHeaders = sanitizeHeaders(resp.Headers)
	r.ResponseBody = slices.Clone(resp.Body)
	r.UpdatedAt = now
	r.ExpiresAt = now.Add(ttlOrDefault(ttl))
	return r
}

// joinExisting is what a second caller gets for a live record it did not create.
func joinExisting(r Record, fingerprint string) (Reservation, error) {
	switch {
	case r.Fingerprint != fingerprint:
		return Reservation{}, ErrFingerprintMismatch
	case r.Status == StatusCompleted:
		return Reservation{State: ReservationStateCompleted, Record: r}, nil
	default:
		return Reservation{State: ReservationStatePending, Record: r}, nil
	}
}

func ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}

// Response is what SaveResponse persists for replay.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Store is implemented by the memory, Firestore and Postgres backends. Reserve is atomic
// per key: among concurrent callers exactly one sees ReservationStateNew. An expired
// record counts as absent. Release only drops a pending record with a matching
// fingerprint, so a late release cannot erase a completed response.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error)
	SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key, fingerprint string) error
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// ErrFingerprintMismatch means the key was already used for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key reserved for different request fingerprint")

// replayableHeaders are the response headers worth returning on replay. Hop-by-hop
// headers, Date and Retry-After describe the original exchange only.
var replayableHeaders = []string{"Cache-Control", "Content-Language", "Content-Type", "Location", "Vary"}

// compositeKey is the storage id of a key; hashing keeps arbitrary client keys
// within document id and column limits.
func compositeKey(key string) string {
	return sha256Hex([]byte(strings.TrimSpace(key)))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func sanitizeHeaders(header http.Header) map[string][]string {
	var kept map[string][]string
	for name, values := range header {
		name = http.CanonicalHeaderKey(name)
		if len(values) == 0 || !slices.Contains(replayableHeaders, name) {
			continue
		}
		if kept == nil {
			kept = make(map[string][]string, len(replayableHeaders))
		}
		kept[name] = slices.Clone(values)
	}
	return kept
}

func headersFromRecord(values map[string][]string) http.Header {
	header := make(http.Header, len(values))
	for name, vals := range values {
		header[name] = slices.Clone(vals)
	}
	return header
}
