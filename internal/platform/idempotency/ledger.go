package idempotency

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultLedgerLockTTL bounds how long an unfinished delivery blocks redeliveries of the same event.
	DefaultLedgerLockTTL = 5 * time.Minute
	// DefaultLedgerRetention covers the gateway redelivery window.
	DefaultLedgerRetention = 7 * 24 * time.Hour

	ledgerKeyPrefix = "webhook:"
)

// LedgerState reports what Begin found for an event id.
type LedgerState int

const (
	// LedgerStateNew means the caller owns the event and must Complete or Abandon it.
	LedgerStateNew LedgerState = iota
	// LedgerStateProcessed means the event was already applied.
	LedgerStateProcessed
	// LedgerStateInFlight means another delivery of the event is being processed right now.
	LedgerStateInFlight
)

// LedgerEntry identifies a reserved event. The zero value is not usable.
type LedgerEntry struct {
	Key         string
	Fingerprint string
	// Outcome is the recorded outcome for processed events.
	Outcome string
}

// Ledger records processed gateway events on top of a Store so each event id is applied once.
type Ledger struct {
	store     Store
	lockTTL   time.Duration
	retention time.Duration
	now       func() time.Time
}

// LedgerOption customises the ledger.
type LedgerOption func(*Ledger)

// WithLedgerLockTTL sets how long a reservation stays pending before another delivery may take it.
func WithLedgerLockTTL(ttl time.Duration) LedgerOption {
	return func(l *Ledger) {
		if ttl > 0 {
			l.lockTTL = ttl
		}
	}
}

// WithLedgerRetention sets how long processed events are remembered.
func WithLedgerRetention(ttl time.Duration) LedgerOption {
	return func(l *Ledger) {
		if ttl > 0 {
			l.retention = ttl
		}
	}
}

// WithLedgerClock overrides the time source.
func WithLedgerClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLedger wraps store as a processed-event ledger.
func NewLedger(store Store, opts ...LedgerOption) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("idempotency: ledger store is required")
	}
	ledger := &Ledger{
		store:     store,
		lockTTL:   DefaultLedgerLockTTL,
		retention: DefaultLedgerRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ledger)
		}
	}
	return ledger, nil
}

// LedgerKey builds the ledger key for a provider event id.
func LedgerKey(provider, eventID string) string {
	return ledgerKeyPrefix + strings.ToLower(strings.TrimSpace(provider)) + ":" + strings.TrimSpace(eventID)
}

// Begin reserves the event. ErrFingerprintMismatch is returned when the event id was seen with
// different content.
func (l *Ledger) Begin(ctx context.Context, provider, eventID, fingerprint string) (LedgerEntry, LedgerState, error) {
	entry := LedgerEntry{Key: LedgerKey(provider, eventID), Fingerprint: fingerprint}
	if strings.TrimSpace(eventID) == "" {
		return LedgerEntry{}, LedgerStateNew, errors.New("idempotency: event id is required")
	}

	reservation, err := l.store.Reserve(ctx, entry.Key, fingerprint, l.now(), l.lockTTL)
	if err != nil {
		return LedgerEntry{}, LedgerStateNew, err
	}
	switch reservation.State {
	case ReservationStateCompleted:
		entry.Outcome = string(reservation.Record.ResponseBody)
		return entry, LedgerStateProcessed, nil
	case ReservationStatePending:
		return entry, LedgerStateInFlight, nil
	default:
		return entry, LedgerStateNew, nil
	}
}

// Complete marks the event processed with the given outcome and keeps it for the retention window.
func (l *Ledger) Complete(ctx context.Context, entry LedgerEntry, outcome string) error {
	resp := Response{Status: http.StatusOK, Body: []byte(outcome)}
	return l.store.SaveResponse(ctx, entry.Key, entry.Fingerprint, resp, l.now(), l.retention)
}

// Abandon drops the reservation so the gateway's redelivery is processed again.
func (l *Ledger) Abandon(ctx context.Context, entry LedgerEntry) error {
	return l.store.Release(ctx, entry.Key, entry.Fingerprint)
}

// Cleanup removes expired entries, including Idempotency-Key records sharing the store.
func (l *Ledger) Cleanup(ctx context.Context, limit int) (int, error) {
	return l.store.CleanupExpired(ctx, l.now(), limit)
}
