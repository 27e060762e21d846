package datastore

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tphakala/callsync/internal/datastore/entities"
	"github.com/tphakala/callsync/internal/logger"
	"github.com/tphakala/callsync/internal/syncstatus"
)

// Store is the record store. It is safe for concurrent use; every status
// change is a single-row compare-and-set.
type Store struct {
	db      *gorm.DB
	manager Manager
	log     logger.Logger
	now     func() time.Time
}

// New creates a store on an opened manager.
func New(manager Manager, log logger.Logger) *Store {
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	return &Store{
		db:      manager.DB(),
		manager: manager,
		log:     log.Module("datastore"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// DB returns the underlying GORM database.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Manager returns the manager the store was built on.
func (s *Store) Manager() Manager {
	return s.manager
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.manager.Close()
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return storageError("ping", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return storageError("ping", err)
	}
	return nil
}

// UpsertResult reports what UpsertCall did.
type UpsertResult int

const (
	// UpsertInserted means a new record (and aggregate update) was written.
	UpsertInserted UpsertResult = iota
	// UpsertUpdated means an existing record was refreshed.
	UpsertUpdated
	// UpsertUnchanged means the existing record already matched.
	UpsertUnchanged
)

func (r UpsertResult) String() string {
	switch r {
	case UpsertInserted:
		return "inserted"
	case UpsertUpdated:
		return "updated"
	default:
		return "unchanged"
	}
}

// PendingKind selects which axis ListPending looks at.
type PendingKind string

const (
	PendingMetadata  PendingKind = "metadata"
	PendingRecording PendingKind = "recording"
	PendingAny       PendingKind = "any"
)

// ParsePendingKind parses a kind name; empty means PendingAny.
func ParsePendingKind(s string) (PendingKind, error) {
	switch PendingKind(s) {
	case "", PendingAny:
		return PendingAny, nil
	case PendingMetadata, PendingRecording:
		return PendingKind(s), nil
	}
	return "", validationError("kind", "must be metadata, recording or any")
}

// StatusCounts is the number of records per status on each axis.
type StatusCounts struct {
	Metadata  map[syncstatus.MetadataStatus]int64  `json:"metadata"`
	Recording map[syncstatus.RecordingStatus]int64 `json:"recording"`
}

// visibleCalls scopes a query to call records of persons that are not
// excluded. Exclusion is enforced here and nowhere else.
func (s *Store) visibleCalls(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).
		Model(&entities.CallRecord{}).
		Select("call_records.*").
		Joins("LEFT JOIN person_aggregates pa ON pa.normalized_number = call_records.normalized_number").
		Where("(pa.is_excluded IS NULL OR pa.is_excluded = ?)", false)
}

func pendingCondition(db *gorm.DB, kind PendingKind) *gorm.DB {
	metadata := []syncstatus.MetadataStatus{syncstatus.MetadataPending, syncstatus.MetadataUpdatePending}
	recording := []syncstatus.RecordingStatus{
		syncstatus.RecordingPending, syncstatus.RecordingCompressing, syncstatus.RecordingUploading,
	}
	switch kind {
	case PendingMetadata:
		return db.Where("call_records.metadata_sync_status IN ?", metadata)
	case PendingRecording:
		return db.Where("call_records.recording_sync_status IN ?", recording)
	default:
		return db.Where("(call_records.metadata_sync_status IN ? OR call_records.recording_sync_status IN ?)", metadata, recording)
	}
}

// ListPending returns records with outstanding work on the selected axis,
// newest call first. Records of excluded persons are omitted.
func (s *Store) ListPending(ctx context.Context, kind PendingKind) ([]entities.CallRecord, error) {
	var records []entities.CallRecord
	err := pendingCondition(s.visibleCalls(ctx), kind).
		Order("call_records.call_date DESC, call_records.composite_id").
		Find(&records).Error
	if err != nil {
		return nil, storageError("list_pending", err, "kind", string(kind))
	}
	return records, nil
}

// NextMetadataBatch returns up to limit records whose metadata needs a push,
// oldest call first.
func (s *Store) NextMetadataBatch(ctx context.Context, limit int) ([]entities.CallRecord, error) {
	var records []entities.CallRecord
	err := pendingCondition(s.visibleCalls(ctx), PendingMetadata).
		Order("call_records.call_date ASC, call_records.composite_id").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, storageError("next_metadata_batch", err)
	}
	return records, nil
}

// NextRecordingBatch returns up to limit records whose recording is PENDING,
// oldest call first.
func (s *Store) NextRecordingBatch(ctx context.Context, limit int) ([]entities.CallRecord, error) {
	var records []entities.CallRecord
	err := s.visibleCalls(ctx).
		Where("call_records.recording_sync_status = ?", syncstatus.RecordingPending).
		Order("call_records.call_date ASC, call_records.composite_id").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, storageError("next_recording_batch", err)
	}
	return records, nil
}

// GetUnsynced returns records whose metadata is not SYNCED, newest first.
// Records of excluded persons are omitted.
func (s *Store) GetUnsynced(ctx context.Context) ([]entities.CallRecord, error) {
	var records []entities.CallRecord
	err := s.visibleCalls(ctx).
		Where("call_records.metadata_sync_status <> ?", syncstatus.MetadataSynced).
		Order("call_records.call_date DESC, call_records.composite_id").
		Find(&records).Error
	if err != nil {
		return nil, storageError("get_unsynced", err)
	}
	return records, nil
}

// ListFailed returns records with a FAILED axis, most recent failure first.
// A limit of 0 or less returns all of them.
func (s *Store) ListFailed(ctx context.Context, limit int) ([]entities.CallRecord, error) {
	var records []entities.CallRecord
	q := s.visibleCalls(ctx).
		Where("(call_records.metadata_sync_status = ? OR call_records.recording_sync_status = ?)",
			syncstatus.MetadataFailed, syncstatus.RecordingFailed).
		Order("call_records.updated_at DESC, call_records.composite_id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, storageError("list_failed", err)
	}
	return records, nil
}

// CountByStatus counts every record per status on both axes, excluded
// persons included.
func (s *Store) CountByStatus(ctx context.Context) (*StatusCounts, error) {
	type row struct {
		Status string
		N      int64
	}

	counts := &StatusCounts{
		Metadata:  make(map[syncstatus.MetadataStatus]int64),
		Recording: make(map[syncstatus.RecordingStatus]int64),
	}

	var meta []row
	err := s.db.WithContext(ctx).Model(&entities.CallRecord{}).
		Select("metadata_sync_status AS status, COUNT(*) AS n").
		Group("metadata_sync_status").
		Scan(&meta).Error
	if err != nil {
		return nil, storageError("count_by_status", err)
	}
	for _, r := range meta {
		counts.Metadata[syncstatus.MetadataStatus(r.Status)] = r.N
	}

	var rec []row
	err = s.db.WithContext(ctx).Model(&entities.CallRecord{}).
		Select("recording_sync_status AS status, COUNT(*) AS n").
		Group("recording_sync_status").
		Scan(&rec).Error
	if err != nil {
		return nil, storageError("count_by_status", err)
	}
	for _, r := range rec {
		counts.Recording[syncstatus.RecordingStatus(r.Status)] = r.N
	}
	return counts, nil
}

func (s *Store) nowMillis() (time.Time, int64) {
	now := s.now()
	return now, now.UnixMilli()
}
