package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultTable = "processed_events"

// PostgresStore implements Store on a PostgreSQL table through GORM. Reserve uses
// INSERT ... ON CONFLICT DO NOTHING so the primary key decides the single winner.
type PostgresStore struct {
	db    *gorm.DB
	table string
}

var _ Store = (*PostgresStore)(nil)

type postgresRecord struct {
	ID              string    `gorm:"primaryKey;column:id;size:64"`
	Key             string    `gorm:"column:key"`
	Fingerprint     string    `gorm:"column:fingerprint;size:64"`
	Status          string    `gorm:"column:status;size:16"`
	ResponseStatus  int       `gorm:"column:response_status"`
	ResponseHeaders []byte    `gorm:"column:response_headers"`
	ResponseBody    []byte    `gorm:"column:response_body"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime:false"`
	UpdatedAt       time.Time `gorm:"column:updated_at;autoUpdateTime:false"`
	ExpiresAt       time.Time `gorm:"column:expires_at;index"`
}

// NewPostgresStore migrates the reservation table and returns the store.
func NewPostgresStore(db *gorm.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("idempotency: postgres connection is required")
	}
	store := &PostgresStore{db: db, table: defaultTable}
	if err := db.Table(store.table).AutoMigrate(&postgresRecord{}); err != nil {
		return nil, fmt.Errorf("idempotency: migrate %s: %w", store.table, err)
	}
	return store, nil
}

// Reserve implements Store.
func (s *PostgresStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	id := compositeKey(key)
	pending := pendingRecord(key, fingerprint, now, ttl)
	fresh := postgresRecord{
		ID:          id,
		Key:         key,
		Fingerprint: fingerprint,
		Status:      string(pending.Status),
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   pending.ExpiresAt,
	}

	var result Reservation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Expired rows are reclaimed so a crashed holder does not block the key forever.
		if err := tx.Table(s.table).Where("id = ? AND expires_at <= ?", id, now).Delete(&postgresRecord{}).Error; err != nil {
			return err
		}
		insert := tx.Table(s.table).Clauses(clause.OnConflict{DoNothing: true}).Create(&fresh)
		if insert.Error != nil {
			return insert.Error
		}
		if insert.RowsAffected == 1 {
			result = Reservation{State: ReservationStateNew, Record: pending}
			return nil
		}

		var existing postgresRecord
		if err := tx.Table(s.table).Where("id = ?", id).Take(&existing).Error; err != nil {
			return err
		}
		var err error
		result, err = joinExisting(existing.toRecord(), fingerprint)
		return err
	})
	if err != nil {
		return Reservation{}, wrapPostgres("reserve", err)
	}
	return result, nil
}

// SaveResponse implements Store.
func (s *PostgresStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	ttl = ttlOrDefault(ttl)
	var headers []byte
	if sanitized := sanitizeHeaders(resp.Headers); sanitized != nil {
		encoded, err := json.Marshal(sanitized)
		if err != nil {
			return fmt.Errorf("idempotency: encode headers: %w", err)
		}
		headers = encoded
	}

	record := postgresRecord{
		ID:              compositeKey(key),
		Key:             key,
		Fingerprint:     fingerprint,
		Status:          string(StatusCompleted),
		ResponseStatus:  resp.Status,
		ResponseHeaders: headers,
		ResponseBody:    resp.Body,
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       now.Add(ttl),
	}
	result := s.db.WithContext(ctx).Table(s.table).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "response_status", "response_headers", "response_body", "updated_at", "expires_at",
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Eq{Column: clause.Column{Table: s.table, Name: "fingerprint"}, Value: fingerprint},
		}},
	}).Create(&record)
	if result.Error != nil {
		return wrapPostgres("save", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrFingerprintMismatch
	}
	return nil
}

// Release implements Store. Only a pending reservation held under fingerprint is removed.
func (s *PostgresStore) Release(ctx context.Context, key, fingerprint string) error {
	err := s.db.WithContext(ctx).Table(s.table).
		Where("id = ? AND fingerprint = ? AND status = ?", compositeKey(key), fingerprint, string(StatusPending)).
		Delete(&postgresRecord{}).Error
	return wrapPostgres("release", err)
}

// CleanupExpired implements Store.
func (s *PostgresStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultCleanupLimit
	}
	expired := s.db.Table(s.table).Select("id").Where("expires_at <= ?", now.UTC()).Limit(limit)
	result := s.db.WithContext(ctx).Table(s.table).Where("id IN (?)", expired).Delete(&postgresRecord{})
	if result.Error != nil {
		return 0, wrapPostgres("cleanup", result.Error)
	}
	return int(result.RowsAffected), nil
}

func (r postgresRecord) toRecord() Record {
	record := Record{
		Key:            r.Key,
		Fingerprint:    r.Fingerprint,
		Status:         Status(r.Status),
		ResponseStatus: r.ResponseStatus,
		ResponseBody:   r.ResponseBody,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
		ExpiresAt:      r.ExpiresAt.UTC(),
	}
	if len(r.ResponseHeaders) > 0 {
		var headers map[string][]string
		if err := json.Unmarshal(r.ResponseHeaders, &headers); err == nil {
			record.ResponseHeaders = headers
		}
	}
	return record
}

func wrapPostgres(op string, err error) error {
	if err == nil || errors.Is(err, ErrFingerprintMismatch) {
		return err
	}
	return fmt.Errorf("idempotency: postgres %s: %w", op, err)
}
