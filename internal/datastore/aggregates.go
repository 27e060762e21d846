package datastore

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tphakala/callsync/internal/datastore/entities"
	"github.com/tphakala/callsync/internal/errors"
	"github.com/tphakala/callsync/internal/logger"
)

// ensureAggregate creates the aggregate row for number if it is missing.
func ensureAggregate(tx *gorm.DB, number string) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&entities.PersonAggregate{NormalizedNumber: number}).Error
}

// applyInsertToAggregate folds one newly inserted call into its aggregate.
// It must run in the transaction that inserted the call.
func applyInsertToAggregate(tx *gorm.DB, rec *entities.CallRecord, now time.Time) error {
	if err := ensureAggregate(tx, rec.NormalizedNumber); err != nil {
		return err
	}

	typeColumn := entities.TypeCountColumn(rec.CallType)
	err := tx.Model(&entities.PersonAggregate{}).
		Where("normalized_number = ?", rec.NormalizedNumber).
		Updates(map[string]any{
			"total_calls":    gorm.Expr("total_calls + ?", 1),
			typeColumn:       gorm.Expr(typeColumn+" + ?", 1),
			"total_duration": gorm.Expr("total_duration + ?", rec.DurationSeconds),
			"updated_at":     now,
		}).Error
	if err != nil {
		return err
	}

	// Only a call at least as recent as the current last call replaces it.
	last := map[string]any{
		"last_call_id":        rec.CompositeID,
		"last_call_type":      rec.CallType,
		"last_call_duration":  rec.DurationSeconds,
		"last_call_date":      rec.CallDate,
		"last_recording_path": rec.LocalRecordingPath,
	}
	if rec.ContactName != nil && *rec.ContactName != "" {
		last["contact_name"] = *rec.ContactName
	}
	err = tx.Model(&entities.PersonAggregate{}).
		Where("normalized_number = ? AND (last_call_date IS NULL OR last_call_date <= ?)", rec.NormalizedNumber, rec.CallDate).
		Updates(last).Error
	if err != nil {
		return err
	}

	if rec.ContactName != nil && *rec.ContactName != "" {
		return tx.Model(&entities.PersonAggregate{}).
			Where("normalized_number = ? AND (contact_name IS NULL OR contact_name = '')", rec.NormalizedNumber).
			Update("contact_name", *rec.ContactName).Error
	}
	return nil
}

// recomputeAggregate rebuilds the totals and last-call summary of number
// from the call records. Person data (note, override, exclusion) is kept.
func recomputeAggregate(tx *gorm.DB, number string, now time.Time) error {
	type totals struct {
		Calls    int64
		Incoming int64
		Outgoing int64
		Missed   int64
		Rejected int64
		Duration int64
	}

	var t totals
	err := tx.Model(&entities.CallRecord{}).
		Select(`COUNT(*) AS calls,
			COALESCE(SUM(CASE WHEN call_type = ? THEN 1 ELSE 0 END), 0) AS incoming,
			COALESCE(SUM(CASE WHEN call_type = ? THEN 1 ELSE 0 END), 0) AS outgoing,
			COALESCE(SUM(CASE WHEN call_type = ? THEN 1 ELSE 0 END), 0) AS missed,
			COALESCE(SUM(CASE WHEN call_type = ? THEN 1 ELSE 0 END), 0) AS rejected,
			COALESCE(SUM(duration_seconds), 0) AS duration`,
			entities.CallIncoming, entities.CallOutgoing, entities.CallMissed, entities.CallRejected).
		Where("normalized_number = ?", number).
		Scan(&t).Error
	if err != nil {
		return err
	}

	if err := ensureAggregate(tx, number); err != nil {
		return err
	}

	updates := map[string]any{
		"total_calls":    t.Calls,
		"total_incoming": t.Incoming,
		"total_outgoing": t.Outgoing,
		"total_missed":   t.Missed,
		"total_rejected": t.Rejected,
		"total_duration": t.Duration,
		"updated_at":     now,
	}

	var last []entities.CallRecord
	err = tx.Where("normalized_number = ?", number).
		Order("call_date DESC, composite_id DESC").
		Limit(1).
		Find(&last).Error
	if err != nil {
		return err
	}

	if len(last) == 0 {
		updates["last_call_id"] = nil
		updates["last_call_type"] = nil
		updates["last_call_duration"] = 0
		updates["last_call_date"] = nil
		updates["last_recording_path"] = nil
	} else {
		l := last[0]
		updates["last_call_id"] = l.CompositeID
		updates["last_call_type"] = l.CallType
		updates["last_call_duration"] = l.DurationSeconds
		updates["last_call_date"] = l.CallDate
		updates["last_recording_path"] = l.LocalRecordingPath
		if l.ContactName != nil && *l.ContactName != "" {
			updates["contact_name"] = *l.ContactName
		}
	}

	return tx.Model(&entities.PersonAggregate{}).
		Where("normalized_number = ?", number).
		Updates(updates).Error
}

// RecomputeAggregate rebuilds one aggregate from its call records.
func (s *Store) RecomputeAggregate(ctx context.Context, number string) error {
	number = NormalizeNumber(number)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return recomputeAggregate(tx, number, s.now())
	})
	if err != nil {
		return storageError("recompute_aggregate", err, "number", number)
	}
	return nil
}

// GetPerson returns the aggregate for a phone number in any format.
func (s *Store) GetPerson(ctx context.Context, number string) (*entities.PersonAggregate, error) {
	var p entities.PersonAggregate
	err := s.db.WithContext(ctx).Where("normalized_number = ?", NormalizeNumber(number)).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPersonNotFound
	}
	if err != nil {
		return nil, storageError("get_person", err)
	}
	return &p, nil
}

// ListPersons returns aggregates ordered by most recent call. Excluded
// persons are only included when includeExcluded is set.
func (s *Store) ListPersons(ctx context.Context, includeExcluded bool) ([]entities.PersonAggregate, error) {
	var persons []entities.PersonAggregate
	q := s.db.WithContext(ctx).Order("last_call_date DESC, normalized_number")
	if !includeExcluded {
		q = q.Where("is_excluded = ?", false)
	}
	if err := q.Find(&persons).Error; err != nil {
		return nil, storageError("list_persons", err)
	}
	return persons, nil
}

// SetExcluded hides or shows a person and their calls in every default
// view. No call data is deleted. The aggregate is created if the number has
// not been seen yet.
func (s *Store) SetExcluded(ctx context.Context, number string, excluded bool) error {
	return s.updatePerson(ctx, "set_excluded", number, map[string]any{"is_excluded": excluded})
}

// SetPersonNote sets or clears the note attached to a person.
func (s *Store) SetPersonNote(ctx context.Context, number string, note *string) error {
	return s.updatePerson(ctx, "set_person_note", number, map[string]any{"note": normalizeOptional(note)})
}

// SetNameOverride sets or clears the display name override of a person.
func (s *Store) SetNameOverride(ctx context.Context, number string, name *string) error {
	return s.updatePerson(ctx, "set_name_override", number, map[string]any{"name_override": normalizeOptional(name)})
}

func (s *Store) updatePerson(ctx context.Context, op, number string, updates map[string]any) error {
	number = NormalizeNumber(number)
	updates["updated_at"] = s.now()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureAggregate(tx, number); err != nil {
			return err
		}
		return tx.Model(&entities.PersonAggregate{}).
			Where("normalized_number = ?", number).
			Updates(updates).Error
	})
	if err != nil {
		return storageError(op, err, "number", number)
	}

	s.log.Debug("person updated", logger.String("operation", op), logger.String("number", number))
	return nil
}
