package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore backs ORDERS_STORE_DRIVER=memory and the tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	id := compositeKey(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[id]; ok && !existing.expired(now) {
		return joinExisting(existing, fingerprint)
	}
	fresh := pendingRecord(key, fingerprint, now, ttl)
	s.records[id] = fresh
	return Reservation{State: ReservationStateNew, Record: fresh}, nil
}

func (s *MemoryStore) SaveResponse(_ context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	id := compositeKey(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	base, ok := s.records[id]
	switch {
	case !ok || base.expired(now):
		base = Record{Key: key, Fingerprint: fingerprint, CreatedAt: now}
	case base.Fingerprint != fingerprint:
		return ErrFingerprintMismatch
	}
	s.records[id] = base.completedWith(resp, now, ttl)
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key, fingerprint string) error {
	id := compositeKey(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.records[id]; ok && r.Fingerprint == fingerprint && r.Status == StatusPending {
		delete(s.records, id)
	}
	return nil
}

// CleanupExpired deletes up to limit expired records; a non-positive limit removes all of them.
func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, r := range s.records {
		if limit > 0 && removed == limit {
			break
		}
		if r.expired(now) {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}
