package datastore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tphakala/callsync/internal/datastore/entities"
	"github.com/tphakala/callsync/internal/errors"
	"github.com/tphakala/callsync/internal/logger"
	"github.com/tphakala/callsync/internal/syncstatus"
)

// MetadataTransition describes one compare-and-set move on the metadata axis.
type MetadataTransition struct {
	From syncstatus.MetadataStatus
	To   syncstatus.MetadataStatus
	// Version is the metadata_version observed when the push started. A
	// move to SYNCED only applies if no edit bumped it since.
	Version int64
	Kind    syncstatus.ErrorKind // FAILED only
	Reason  string               // FAILED only
	At      time.Time
}

// RecordingTransition describes one compare-and-set move on the recording axis.
type RecordingTransition struct {
	From syncstatus.RecordingStatus
	To   syncstatus.RecordingStatus
	// Claim, when set, must match the claim taken by ClaimRecording.
	Claim  string
	Kind   syncstatus.ErrorKind // FAILED only
	Reason string               // FAILED only
	// CompressedPath, when non-nil, replaces the stored artifact path; an
	// empty string clears it.
	CompressedPath *string
	At             time.Time
}

// TransitionMetadata applies t if the record is still in t.From (and, for
// SYNCED, still at t.Version). A record that moved on returns ErrConflict.
func (s *Store) TransitionMetadata(ctx context.Context, id string, t MetadataTransition) error {
	if err := syncstatus.ValidateMetadataTransition(t.From, t.To); err != nil {
		return err
	}
	at := s.stamp(t.At)

	updates := map[string]any{
		"metadata_sync_status": t.To,
		"metadata_status_at":   at.UnixMilli(),
		"updated_at":           at,
	}
	switch t.To {
	case syncstatus.MetadataSynced:
		updates["metadata_sync_error"] = nil
		updates["metadata_error_kind"] = syncstatus.KindNone
		updates["metadata_attempts"] = 0
		updates["server_updated_at"] = at
	case syncstatus.MetadataFailed:
		updates["metadata_sync_error"] = syncstatus.Reason(t.Kind, t.Reason)
		updates["metadata_error_kind"] = t.Kind
		updates["metadata_attempts"] = gorm.Expr("metadata_attempts + ?", 1)
	}

	q := s.db.WithContext(ctx).Model(&entities.CallRecord{}).
		Where("composite_id = ? AND metadata_sync_status = ?", id, t.From)
	if t.To == syncstatus.MetadataSynced {
		q = q.Where("metadata_version = ?", t.Version)
	}

	res := q.Updates(updates)
	if res.Error != nil {
		return storageError("transition_metadata", res.Error, "composite_id", id)
	}
	if res.RowsAffected == 0 {
		return s.missedCAS(ctx, "transition_metadata", id)
	}

	s.log.Debug("metadata status changed",
		logger.String("composite_id", id),
		logger.String("from", t.From.String()),
		logger.String("to", t.To.String()))
	return nil
}

// TransitionRecording applies t if the record is still in t.From and, when
// t.Claim is set, still held by that claim.
func (s *Store) TransitionRecording(ctx context.Context, id string, t RecordingTransition) error {
	if err := syncstatus.ValidateRecordingTransition(t.From, t.To); err != nil {
		return err
	}
	at := s.stamp(t.At)

	updates := map[string]any{
		"recording_sync_status": t.To,
		"recording_status_at":   at.UnixMilli(),
		"updated_at":            at,
	}
	switch t.To {
	case syncstatus.RecordingCompleted:
		updates["sync_error"] = nil
		updates["recording_error_kind"] = syncstatus.KindNone
		updates["recording_attempts"] = 0
		updates["recording_claim"] = nil
		updates["server_updated_at"] = at
	case syncstatus.RecordingFailed:
		updates["sync_error"] = syncstatus.Reason(t.Kind, t.Reason)
		updates["recording_error_kind"] = t.Kind
		updates["recording_attempts"] = gorm.Expr("recording_attempts + ?", 1)
		updates["recording_claim"] = nil
	}
	if t.CompressedPath != nil {
		updates["compressed_path"] = normalizeOptional(t.CompressedPath)
	}

	q := s.db.WithContext(ctx).Model(&entities.CallRecord{}).
		Where("composite_id = ? AND recording_sync_status = ?", id, t.From)
	if t.Claim != "" {
		q = q.Where("recording_claim = ?", t.Claim)
	}

	res := q.Updates(updates)
	if res.Error != nil {
		return storageError("transition_recording", res.Error, "composite_id", id)
	}
	if res.RowsAffected == 0 {
		return s.missedCAS(ctx, "transition_recording", id)
	}

	s.log.Debug("recording status changed",
		logger.String("composite_id", id),
		logger.String("from", t.From.String()),
		logger.String("to", t.To.String()))
	return nil
}

// ClaimRecording moves a PENDING recording to COMPRESSING and returns a
// claim token. Every later transition of this attempt must carry it, so a
// worker whose record was recovered as stale cannot complete it.
func (s *Store) ClaimRecording(ctx context.Context, id string, at time.Time) (string, error) {
	if err := syncstatus.ValidateRecordingTransition(syncstatus.RecordingPending, syncstatus.RecordingCompressing); err != nil {
		return "", err
	}
	at = s.stamp(at)
	claim := uuid.New().String()

	res := s.db.WithContext(ctx).Model(&entities.CallRecord{}).
		Where("composite_id = ? AND recording_sync_status = ? AND local_recording_path IS NOT NULL",
			id, syncstatus.RecordingPending).
		Updates(map[string]any{
			"recording_sync_status": syncstatus.RecordingCompressing,
			"recording_status_at":   at.UnixMilli(),
			"recording_claim":       claim,
			"sync_error":            nil,
			"recording_error_kind":  syncstatus.KindNone,
			"updated_at":            at,
		})
	if res.Error != nil {
		return "", storageError("claim_recording", res.Error, "composite_id", id)
	}
	if res.RowsAffected == 0 {
		return "", s.missedCAS(ctx, "claim_recording", id)
	}
	return claim, nil
}

// UpdateMetadataStatus moves the metadata axis to the given status from
// whatever it currently is, if the status model allows that move.
func (s *Store) UpdateMetadataStatus(ctx context.Context, id string, to syncstatus.MetadataStatus, at time.Time) error {
	rec, err := s.GetCall(ctx, id)
	if err != nil {
		return err
	}
	return s.TransitionMetadata(ctx, id, MetadataTransition{
		From:    rec.MetadataSyncStatus,
		To:      to,
		Version: rec.MetadataVersion,
		At:      at,
	})
}

// UpdateRecordingStatus moves the recording axis to the given status from
// whatever it currently is, if the status model allows that move. A record
// without a recording only ever stays NOT_APPLICABLE.
func (s *Store) UpdateRecordingStatus(ctx context.Context, id string, to syncstatus.RecordingStatus, at time.Time) error {
	rec, err := s.GetCall(ctx, id)
	if err != nil {
		return err
	}
	if !rec.HasRecording() {
		return errors.New(fmt.Errorf("%w: recording %s -> %s without a recording path",
			syncstatus.ErrInvalidTransition, rec.RecordingSyncStatus, to)).
			Component("datastore").
			Category(errors.CategoryState).
			Context("composite_id", id).
			Build()
	}
	claim := ""
	if rec.RecordingClaim != nil {
		claim = *rec.RecordingClaim
	}
	return s.TransitionRecording(ctx, id, RecordingTransition{
		From:  rec.RecordingSyncStatus,
		To:    to,
		Claim: claim,
		At:    at,
	})
}

// RetryMetadata resets a FAILED metadata axis to PENDING.
func (s *Store) RetryMetadata(ctx context.Context, id string) error {
	rec, err := s.GetCall(ctx, id)
	if err != nil {
		return err
	}
	next, err := syncstatus.MetadataRetry(rec.MetadataSyncStatus)
	if err != nil {
		return err
	}
	at := s.now()

	res := s.db.WithContext(ctx).Model(&entities.CallRecord{}).
		Where("composite_id = ? AND metadata_sync_status = ?", id, rec.MetadataSyncStatus).
		Updates(map[string]any{
			"metadata_sync_status": next,
			"metadata_status_at":   at.UnixMilli(),
			"metadata_sync_error":  nil,
			"metadata_error_kind":  syncstatus.KindNone,
			"updated_at":           at,
		})
	if res.Error != nil {
		return storageError("retry_metadata", res.Error, "composite_id", id)
	}
	if res.RowsAffected == 0 {
		return s.missedCAS(ctx, "retry_metadata", id)
	}
	return nil
}

// RetryRecording resets a FAILED recording axis to PENDING. The pipeline
// restarts from compression; a still-valid compressed artifact is reused by
// the caller if present.
func (s *Store) RetryRecording(ctx context.Context, id string) error {
	rec, err := s.GetCall(ctx, id)
	if err != nil {
		return err
	}
	next, err := syncstatus.RecordingRetry(rec.RecordingSyncStatus)
	if err != nil {
		return err
	}
	at := s.now()

	res := s.db.WithContext(ctx).Model(&entities.CallRecord{}).
		Where("composite_id = ? AND recording_sync_status = ?", id, rec.RecordingSyncStatus).
		Updates(map[string]any{
			"recording_sync_status": next,
			"recording_status_at":   at.UnixMilli(),
			"recording_claim":       nil,
			"sync_error":            nil,
			"recording_error_kind":  syncstatus.KindNone,
			"updated_at":            at,
		})
	if res.Error != nil {
		return storageError("retry_recording", res.Error, "composite_id", id)
	}
	if res.RowsAffected == 0 {
		return s.missedCAS(ctx, "retry_recording", id)
	}
	return nil
}

// RecoverStale returns COMPRESSING and UPLOADING recordings whose status is
// older than cutoff to PENDING, dropping their claims. It returns the ids
// that were recovered.
func (s *Store) RecoverStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	var recovered []string
	at := s.now()

	for _, status := range []syncstatus.RecordingStatus{syncstatus.RecordingCompressing, syncstatus.RecordingUploading} {
		if err := syncstatus.ValidateRecovery(status); err != nil {
			return recovered, err
		}

		var ids []string
		err := s.db.WithContext(ctx).Model(&entities.CallRecord{}).
			Where("recording_sync_status = ? AND recording_status_at < ?", status, cutoff.UnixMilli()).
			Pluck("composite_id", &ids).Error
		if err != nil {
			return recovered, storageError("recover_stale", err)
		}

		for _, id := range ids {
			res := s.db.WithContext(ctx).Model(&entities.CallRecord{}).
				Where("composite_id = ? AND recording_sync_status = ? AND recording_status_at < ?",
					id, status, cutoff.UnixMilli()).
				Updates(map[string]any{
					"recording_sync_status": syncstatus.RecordingPending,
					"recording_status_at":   at.UnixMilli(),
					"recording_claim":       nil,
					"sync_error":            syncstatus.Reason(syncstatus.KindStale, "abandoned while "+status.String()),
					"recording_error_kind":  syncstatus.KindStale,
					"updated_at":            at,
				})
			if res.Error != nil {
				return recovered, storageError("recover_stale", res.Error, "composite_id", id)
			}
			if res.RowsAffected == 1 {
				recovered = append(recovered, id)
			}
		}
	}

	if len(recovered) > 0 {
		s.log.Warn("recovered stale recordings", logger.Int("count", len(recovered)))
	}
	return recovered, nil
}

// RetryQuery selects FAILED axes eligible for an automatic retry.
type RetryQuery struct {
	Kinds        []syncstatus.ErrorKind
	FailedBefore time.Time
	// MaxAttempts skips records that already failed this many times in a
	// row; 0 means no limit.
	MaxAttempts int
	Limit       int
}

// AutoRetryCandidates returns records with a FAILED axis matching q.
// Records of excluded persons are omitted.
func (s *Store) AutoRetryCandidates(ctx context.Context, q RetryQuery) ([]entities.CallRecord, error) {
	if len(q.Kinds) == 0 {
		return nil, nil
	}
	before := q.FailedBefore.UnixMilli()

	metaSQL := "call_records.metadata_sync_status = ? AND call_records.metadata_error_kind IN ? AND call_records.metadata_status_at < ?"
	metaArgs := []any{syncstatus.MetadataFailed, q.Kinds, before}
	recSQL := "call_records.recording_sync_status = ? AND call_records.recording_error_kind IN ? AND call_records.recording_status_at < ?"
	recArgs := []any{syncstatus.RecordingFailed, q.Kinds, before}
	if q.MaxAttempts > 0 {
		metaSQL += " AND call_records.metadata_attempts < ?"
		metaArgs = append(metaArgs, q.MaxAttempts)
		recSQL += " AND call_records.recording_attempts < ?"
		recArgs = append(recArgs, q.MaxAttempts)
	}

	var records []entities.CallRecord
	query := s.visibleCalls(ctx).
		Where("(("+metaSQL+") OR ("+recSQL+"))", append(metaArgs, recArgs...)...).
		Order("call_records.call_date ASC, call_records.composite_id")
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}
	if err := query.Find(&records).Error; err != nil {
		return nil, storageError("auto_retry_candidates", err)
	}
	return records, nil
}

// missedCAS explains why a compare-and-set updated nothing.
func (s *Store) missedCAS(ctx context.Context, op, id string) error {
	rec, err := s.GetCall(ctx, id)
	if err != nil {
		return err
	}
	s.log.Debug("compare-and-set missed",
		logger.String("operation", op),
		logger.String("composite_id", id),
		logger.String("metadata_status", rec.MetadataSyncStatus.String()),
		logger.String("recording_status", rec.RecordingSyncStatus.String()))
	return conflictError(op, id, struct {
		Metadata  syncstatus.MetadataStatus
		Recording syncstatus.RecordingStatus
	}{rec.MetadataSyncStatus, rec.RecordingSyncStatus})
}

func (s *Store) stamp(at time.Time) time.Time {
	if at.IsZero() {
		return s.now()
	}
	return at.UTC()
}

// IsConflict reports whether err is a compare-and-set miss.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
