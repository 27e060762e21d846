package datastore

import (
	"context"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tphakala/callsync/internal/datastore/entities"
	"github.com/tphakala/callsync/internal/errors"
	"github.com/tphakala/callsync/internal/logger"
	"github.com/tphakala/callsync/internal/syncstatus"
)

// UpsertCall inserts a call record or refreshes an existing one with the
// same composite id.
//
// A new record starts with metadata PENDING and recording PENDING or
// NOT_APPLICABLE depending on LocalRecordingPath, and the person aggregate
// is updated in the same transaction.
//
// For an existing record only the call metadata (number, type, date,
// duration and a non-nil contact name) is refreshed. Note and recording
// path are only touched when rec carries a non-nil value; sync status
// fields are never taken from rec. A changed value on a SYNCED record moves
// its metadata to UPDATE_PENDING.
//
// On success rec holds the stored row.
func (s *Store) UpsertCall(ctx context.Context, rec *entities.CallRecord) (UpsertResult, error) {
	if err := s.prepareCall(rec); err != nil {
		return UpsertUnchanged, err
	}

	result := UpsertUnchanged
	var orphan *entities.CallRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := s.insertCall(tx, rec)
		if err != nil {
			return err
		}
		if inserted {
			result = UpsertInserted
			return nil
		}

		changed, stale, err := s.refreshCall(tx, rec)
		if err != nil {
			return err
		}
		orphan = stale
		if changed {
			result = UpsertUpdated
		}
		return tx.Where("composite_id = ?", rec.CompositeID).First(rec).Error
	})
	if err != nil {
		return UpsertUnchanged, wrapTxError("upsert_call", err, rec.CompositeID)
	}
	s.dropArtifact(orphan)

	s.log.Debug("call upserted",
		logger.String("composite_id", rec.CompositeID),
		logger.String("result", result.String()))
	return result, nil
}

// prepareCall validates caller input and fills derived fields.
func (s *Store) prepareCall(rec *entities.CallRecord) error {
	if rec == nil {
		return validationError("record", "is nil")
	}
	rec.Source = strings.TrimSpace(rec.Source)
	if rec.Source == "" {
		return validationError("source", "is required")
	}
	if strings.Contains(rec.Source, ":") {
		return validationError("source", "must not contain ':'")
	}
	if rec.CompositeID == "" {
		rec.CompositeID = entities.CompositeID(rec.Source, rec.SystemID)
	}
	if !rec.CallType.Valid() {
		return validationError("callType", "unknown call type "+string(rec.CallType))
	}
	if rec.CallDate < 0 {
		return validationError("callDate", "must not be negative")
	}
	if rec.DurationSeconds < 0 {
		return validationError("durationSeconds", "must not be negative")
	}
	rec.NormalizedNumber = NormalizeNumber(rec.PhoneNumber)
	rec.CallNote = normalizeOptional(rec.CallNote)
	rec.LocalRecordingPath = normalizeOptional(rec.LocalRecordingPath)
	return nil
}

// insertCall inserts rec with initial sync state. It reports false when a
// record with the same id already exists.
func (s *Store) insertCall(tx *gorm.DB, rec *entities.CallRecord) (bool, error) {
	_, nowMs := s.nowMillis()

	row := entities.CallRecord{
		CompositeID:         rec.CompositeID,
		SystemID:            rec.SystemID,
		Source:              rec.Source,
		PhoneNumber:         rec.PhoneNumber,
		NormalizedNumber:    rec.NormalizedNumber,
		ContactName:         rec.ContactName,
		CallType:            rec.CallType,
		CallDate:            rec.CallDate,
		DurationSeconds:     rec.DurationSeconds,
		CallNote:            rec.CallNote,
		MetadataSyncStatus:  syncstatus.MetadataPending,
		MetadataVersion:     1,
		MetadataStatusAt:    nowMs,
		RecordingSyncStatus: syncstatus.InitialRecording(rec.HasRecording()),
		RecordingStatusAt:   nowMs,
	}
	if rec.HasRecording() {
		row.LocalRecordingPath = rec.LocalRecordingPath
	}

	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		if isDuplicateKey(res.Error) {
			return false, conflictError("insert_call", rec.CompositeID, "duplicate key")
		}
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	if err := applyInsertToAggregate(tx, &row, s.now()); err != nil {
		return false, err
	}
	*rec = row
	return true, nil
}

// refreshCall applies the metadata refresh rules to an existing record.
// orphan is set when the change drops a compressed artifact file.
func (s *Store) refreshCall(tx *gorm.DB, rec *entities.CallRecord) (changed bool, orphan *entities.CallRecord, err error) {
	var existing entities.CallRecord
	if err := tx.Where("composite_id = ?", rec.CompositeID).First(&existing).Error; err != nil {
		return false, nil, err
	}

	updates := map[string]any{}
	metadataChanged := false
	aggregateChanged := false

	if rec.PhoneNumber != existing.PhoneNumber {
		updates["phone_number"] = rec.PhoneNumber
		updates["normalized_number"] = rec.NormalizedNumber
		metadataChanged, aggregateChanged = true, true
	}
	if rec.ContactName != nil && !equalOptional(rec.ContactName, existing.ContactName) {
		updates["contact_name"] = *rec.ContactName
		metadataChanged, aggregateChanged = true, true
	}
	if rec.CallType != existing.CallType {
		updates["call_type"] = rec.CallType
		metadataChanged, aggregateChanged = true, true
	}
	if rec.CallDate != existing.CallDate {
		updates["call_date"] = rec.CallDate
		metadataChanged, aggregateChanged = true, true
	}
	if rec.DurationSeconds != existing.DurationSeconds {
		updates["duration_seconds"] = rec.DurationSeconds
		metadataChanged, aggregateChanged = true, true
	}
	if rec.CallNote != nil && !equalOptional(rec.CallNote, existing.CallNote) {
		updates["call_note"] = *rec.CallNote
		metadataChanged = true
	}
	if rec.LocalRecordingPath != nil {
		pathUpdates, stale, err := s.recordingPathUpdates(&existing, *rec.LocalRecordingPath)
		if err != nil {
			return false, nil, err
		}
		orphan = stale
		if len(pathUpdates) > 0 {
			for k, v := range pathUpdates {
				updates[k] = v
			}
			aggregateChanged = true
		}
	}

	if len(updates) == 0 {
		return false, nil, nil
	}

	now, nowMs := s.nowMillis()
	if metadataChanged {
		updates["metadata_version"] = gorm.Expr("metadata_version + ?", 1)
		if next := syncstatus.MetadataAfterEdit(existing.MetadataSyncStatus); next != existing.MetadataSyncStatus {
			updates["metadata_sync_status"] = next
			updates["metadata_status_at"] = nowMs
		}
	}
	updates["updated_at"] = now

	res := tx.Model(&entities.CallRecord{}).
		Where("composite_id = ? AND metadata_sync_status = ? AND recording_sync_status = ?",
			existing.CompositeID, existing.MetadataSyncStatus, existing.RecordingSyncStatus).
		Updates(updates)
	if res.Error != nil {
		return false, nil, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil, conflictError("refresh_call", existing.CompositeID, existing.MetadataSyncStatus)
	}

	if aggregateChanged {
		if err := recomputeAggregate(tx, existing.NormalizedNumber, now); err != nil {
			return false, nil, err
		}
		if rec.NormalizedNumber != existing.NormalizedNumber {
			if err := recomputeAggregate(tx, rec.NormalizedNumber, now); err != nil {
				return false, nil, err
			}
		}
	}
	return true, orphan, nil
}

// GetCall returns one call record.
func (s *Store) GetCall(ctx context.Context, id string) (*entities.CallRecord, error) {
	var rec entities.CallRecord
	err := s.db.WithContext(ctx).Where("composite_id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCallNotFound
	}
	if err != nil {
		return nil, storageError("get_call", err, "composite_id", id)
	}
	return &rec, nil
}

// DeleteCall removes a call record and recomputes its aggregate in the same
// transaction. A compressed artifact owned by the record is removed; the
// recording itself is left alone. Records whose recording is being
// compressed or uploaded are rejected with ErrRecordingLocked.
func (s *Store) DeleteCall(ctx context.Context, id string) (*entities.CallRecord, error) {
	var deleted entities.CallRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("composite_id = ?", id).First(&deleted).Error; err != nil {
			return err
		}
		if deleted.RecordingSyncStatus.IsInFlight() {
			return errors.New(ErrRecordingLocked).
				Component("datastore").
				Category(errors.CategoryState).
				Context("composite_id", id).
				Context("recording_status", string(deleted.RecordingSyncStatus)).
				Build()
		}
		res := tx.Where("composite_id = ? AND recording_sync_status = ?", id, deleted.RecordingSyncStatus).
			Delete(&entities.CallRecord{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return conflictError("delete_call", id, deleted.RecordingSyncStatus)
		}
		return recomputeAggregate(tx, deleted.NormalizedNumber, s.now())
	})
	if err != nil {
		return nil, wrapTxError("delete_call", err, id)
	}

	s.dropArtifact(&deleted)
	s.log.Info("call deleted", logger.String("composite_id", id))
	return &deleted, nil
}

// UpdateNote sets or clears (nil or blank) the call note. The edit moves a
// SYNCED record to UPDATE_PENDING.
func (s *Store) UpdateNote(ctx context.Context, id string, note *string) error {
	note = normalizeOptional(note)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing entities.CallRecord
		if err := tx.Where("composite_id = ?", id).First(&existing).Error; err != nil {
			return err
		}
		if equalOptional(note, existing.CallNote) {
			return nil
		}

		now, nowMs := s.nowMillis()
		updates := map[string]any{
			"call_note":        note,
			"metadata_version": gorm.Expr("metadata_version + ?", 1),
			"updated_at":       now,
		}
		if next := syncstatus.MetadataAfterEdit(existing.MetadataSyncStatus); next != existing.MetadataSyncStatus {
			updates["metadata_sync_status"] = next
			updates["metadata_status_at"] = nowMs
		}

		res := tx.Model(&entities.CallRecord{}).
			Where("composite_id = ? AND metadata_sync_status = ?", id, existing.MetadataSyncStatus).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return conflictError("update_note", id, existing.MetadataSyncStatus)
		}
		return nil
	})
	return wrapTxError("update_note", err, id)
}

// UpdateRecordingPath attaches or replaces the local recording.
//
// Attaching a path to a NOT_APPLICABLE record moves its recording to
// PENDING. The path of a PENDING or FAILED recording may be replaced.
// Clearing the path of a record that has one is rejected with
// ErrRecordingRequired, and changing it while COMPRESSING, UPLOADING or
// COMPLETED is rejected with ErrRecordingLocked.
func (s *Store) UpdateRecordingPath(ctx context.Context, id, path string) error {
	var orphan *entities.CallRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing entities.CallRecord
		if err := tx.Where("composite_id = ?", id).First(&existing).Error; err != nil {
			return err
		}

		updates, stale, err := s.recordingPathUpdates(&existing, path)
		if err != nil || len(updates) == 0 {
			return err
		}
		orphan = stale
		now, _ := s.nowMillis()
		updates["updated_at"] = now

		res := tx.Model(&entities.CallRecord{}).
			Where("composite_id = ? AND recording_sync_status = ?", id, existing.RecordingSyncStatus).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return conflictError("update_recording_path", id, existing.RecordingSyncStatus)
		}

		// keep the last-call summary pointing at the current recording
		return tx.Model(&entities.PersonAggregate{}).
			Where("normalized_number = ? AND last_call_id = ?", existing.NormalizedNumber, id).
			Updates(map[string]any{"last_recording_path": path, "updated_at": now}).Error
	})
	if err != nil {
		return wrapTxError("update_recording_path", err, id)
	}
	s.dropArtifact(orphan)
	return nil
}

// recordingPathUpdates returns the column updates for setting the
// recording path of existing to path, or an error if the change is not
// allowed in the current recording state. A compressed artifact of the old
// recording is dropped from the row; orphan is non-nil when its file must
// be removed once the change is committed.
func (s *Store) recordingPathUpdates(existing *entities.CallRecord, path string) (updates map[string]any, orphan *entities.CallRecord, err error) {
	path = strings.TrimSpace(path)
	current := ""
	if existing.LocalRecordingPath != nil {
		current = *existing.LocalRecordingPath
	}

	switch {
	case path == current:
		return nil, nil, nil
	case path == "":
		return nil, nil, errors.New(ErrRecordingRequired).
			Component("datastore").
			Category(errors.CategoryValidation).
			Context("composite_id", existing.CompositeID).
			Build()
	}

	_, nowMs := s.nowMillis()
	switch existing.RecordingSyncStatus {
	case syncstatus.RecordingNotApplicable:
		if err := syncstatus.ValidateRecordingTransition(existing.RecordingSyncStatus, syncstatus.RecordingPending); err != nil {
			return nil, nil, err
		}
		updates = map[string]any{
			"local_recording_path":  path,
			"recording_sync_status": syncstatus.RecordingPending,
			"recording_status_at":   nowMs,
			"sync_error":            nil,
			"recording_error_kind":  syncstatus.KindNone,
		}
	case syncstatus.RecordingPending, syncstatus.RecordingFailed:
		updates = map[string]any{"local_recording_path": path}
	default:
		return nil, nil, errors.New(ErrRecordingLocked).
			Component("datastore").
			Category(errors.CategoryState).
			Context("composite_id", existing.CompositeID).
			Context("recording_status", string(existing.RecordingSyncStatus)).
			Build()
	}

	// The artifact was made from the old recording.
	if existing.CompressedPath != nil {
		updates["compressed_path"] = nil
		if owned := existing.OwnedArtifact(); owned != "" && owned != path {
			stale := *existing
			orphan = &stale
		}
	}
	return updates, orphan, nil
}

// wrapTxError maps errors returned from a transaction body: sentinel and
// validation errors pass through, not-found becomes ErrCallNotFound and the
// rest become StorageError.
func wrapTxError(op string, err error, id string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrCallNotFound
	case errors.Is(err, ErrConflict),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrRecordingLocked),
		errors.Is(err, ErrRecordingRequired),
		errors.Is(err, syncstatus.ErrInvalidTransition),
		errors.Is(err, syncstatus.ErrNotRetryable):
		return err
	default:
		return storageError(op, err, "composite_id", id)
	}
}

// normalizeOptional maps blank strings to nil.
func normalizeOptional(v *string) *string {
	if v == nil {
		return nil
	}
	t := strings.TrimSpace(*v)
	if t == "" {
		return nil
	}
	return &t
}

func equalOptional(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
