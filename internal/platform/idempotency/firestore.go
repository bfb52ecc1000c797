package idempotency

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/hanko-field/orders/internal/platform/firestore"
)

const (
	firestoreTxAttempts = 5
	defaultCleanupLimit = 100
)

// FirestoreStore keeps one document per key, named by the key's sha256, so every
// operation is a single-document transaction.
type FirestoreStore struct {
	provider   *pfirestore.Provider
	collection string
}

var _ Store = (*FirestoreStore)(nil)

// NewFirestoreStore stores keys in collection using the repositories' client.
func NewFirestoreStore(provider *pfirestore.Provider, collection string) (*FirestoreStore, error) {
	switch {
	case provider == nil:
		return nil, errors.New("idempotency: firestore provider is required")
	case collection == "":
		return nil, errors.New("idempotency: firestore collection is required")
	}
	return &FirestoreStore{provider: provider, collection: collection}, nil
}

// update runs fn against the live record under key inside a transaction. current is
// nil when the document is missing or expired.
func (s *FirestoreStore) update(ctx context.Context, key string, now time.Time, fn func(tx *firestore.Transaction, ref *firestore.DocumentRef, current *Record) error) error {
	coll, err := s.provider.Collection(ctx, s.collection)
	if err != nil {
		return err
	}
	ref := coll.Doc(compositeKey(key))
	return s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil && !pfirestore.IsNotFoundCode(err) {
			return err
		}
		if err != nil {
			return fn(tx, ref, nil)
		}
		var current Record
		if err := snap.DataTo(&current); err != nil {
			return err
		}
		if current.expired(now) {
			return fn(tx, ref, nil)
		}
		return fn(tx, ref, &current)
	}, pfirestore.WithTxAttempts(firestoreTxAttempts))
}

func (s *FirestoreStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	var out Reservation
	err := s.update(ctx, key, now, func(tx *firestore.Transaction, ref *firestore.DocumentRef, current *Record) error {
		if current != nil {
			res, err := joinExisting(*current, fingerprint)
			out = res
			return err
		}
		fresh := pendingRecord(key, fingerprint, now, ttl)
		out = Reservation{State: ReservationStateNew, Record: fresh}
		return tx.Set(ref, fresh)
	})
	if err != nil {
		return Reservation{}, err
	}
	return out, nil
}

func (s *FirestoreStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	return s.update(ctx, key, now, func(tx *firestore.Transaction, ref *firestore.DocumentRef, current *Record) error {
		base := Record{Key: key, Fingerprint: fingerprint, CreatedAt: now}
		if current != nil {
			if current.Fingerprint != fingerprint {
				return ErrFingerprintMismatch
			}
			base = *current
		}
		return tx.Set(ref, base.completedWith(resp, now, ttl))
	})
}

// Release deletes the key only while it is still pending under fingerprint.
func (s *FirestoreStore) Release(ctx context.Context, key, fingerprint string) error {
	return s.update(ctx, key, time.Now().UTC(), func(tx *firestore.Transaction, ref *firestore.DocumentRef, current *Record) error {
		if current == nil || current.Fingerprint != fingerprint || current.Status != StatusPending {
			return nil
		}
		return tx.Delete(ref)
	})
}

// CleanupExpired deletes up to limit documents whose expires_at has passed.
func (s *FirestoreStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultCleanupLimit
	}
	coll, err := s.provider.Collection(ctx, s.collection)
	if err != nil {
		return 0, err
	}
	docs, err := coll.Where("expires_at", "<=", now.UTC()).Limit(limit).Documents(ctx).GetAll()
	if err != nil || len(docs) == 0 {
		return 0, pfirestore.WrapError("idempotency.cleanup", err)
	}

	client, err := s.provider.Client(ctx)
	if err != nil {
		return 0, err
	}
	bw := client.BulkWriter(ctx)
	defer bw.End()
	for _, doc := range docs {
		if _, err := bw.Delete(doc.Ref); err != nil {
			return 0, pfirestore.WrapError("idempotency.cleanup", err)
		}
	}
	return len(docs), nil
}
