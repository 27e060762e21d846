package datastore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tphakala/callsync/internal/datastore/entities"
	"github.com/tphakala/callsync/internal/errors"
	"github.com/tphakala/callsync/internal/logger"
	"github.com/tphakala/callsync/internal/syncstatus"
)

// Migration is one versioned schema step. Up must be idempotent: it may run
// against a database where the step was partially applied before a crash.
type Migration struct {
	Version int
	Name    string
	Up      func(tx *gorm.DB) error
}

// migrations is the ordered schema history.
var migrations = []Migration{
	{Version: 1, Name: "legacy_call_records", Up: migrateLegacySchema},
	{Version: 2, Name: "split_sync_status", Up: migrateSplitStatus},
	{Version: 3, Name: "current_schema", Up: migrateCurrentSchema},
	{Version: 4, Name: "backfill_normalized_numbers", Up: migrateBackfillNumbers},
}

const (
	tableCallRecords      = "call_records"
	tablePersonAggregates = "person_aggregates"
	backfillBatchSize     = 500
	legacySource          = "legacy"
)

// Migrations returns a copy of the registered migrations in version order.
func Migrations() []Migration {
	out := make([]Migration, len(migrations))
	copy(out, migrations)
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

// Migrate applies every migration not yet recorded in schema_versions.
// Each step runs in its own transaction together with its version row.
func Migrate(ctx context.Context, db *gorm.DB, log logger.Logger) error {
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	db = db.WithContext(ctx)

	if err := db.AutoMigrate(&entities.SchemaVersion{}); err != nil {
		return migrationError(0, "schema_versions", err)
	}

	applied, err := AppliedVersions(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range Migrations() {
		if applied[m.Version] {
			continue
		}
		start := time.Now()
		err := db.Transaction(func(tx *gorm.DB) error {
			if err := m.Up(tx); err != nil {
				return err
			}
			return tx.Create(&entities.SchemaVersion{
				Version:   m.Version,
				Name:      m.Name,
				AppliedAt: time.Now().UTC(),
			}).Error
		})
		if err != nil {
			return migrationError(m.Version, m.Name, err)
		}
		log.Info("schema migration applied",
			logger.Int("version", m.Version),
			logger.String("name", m.Name),
			logger.Duration("duration", time.Since(start)))
	}
	return nil
}

// AppliedVersions returns the set of applied migration versions.
func AppliedVersions(ctx context.Context, db *gorm.DB) (map[int]bool, error) {
	var rows []entities.SchemaVersion
	if err := db.WithContext(ctx).Order("version").Find(&rows).Error; err != nil {
		return nil, storageError("applied_versions", err)
	}
	applied := make(map[int]bool, len(rows))
	for _, r := range rows {
		applied[r.Version] = true
	}
	return applied, nil
}

// SchemaVersion returns the highest applied migration version, 0 when none.
func SchemaVersion(ctx context.Context, db *gorm.DB) (int, error) {
	applied, err := AppliedVersions(ctx, db)
	if err != nil {
		return 0, err
	}
	latest := 0
	for v := range applied {
		if v > latest {
			latest = v
		}
	}
	return latest, nil
}

// LatestVersion returns the newest registered migration version.
func LatestVersion() int {
	all := Migrations()
	return all[len(all)-1].Version
}

func migrationError(version int, name string, err error) error {
	return &StorageError{
		Op: "migrate",
		Err: errors.New(err).
			Component("datastore").
			Category(errors.CategoryMigration).
			Priority(errors.PriorityHigh).
			Context("version", version).
			Context("name", name).
			Build(),
	}
}

// legacyCallRecord is the call_records layout before the sync status was
// split into two axes.
type legacyCallRecord struct {
	CompositeID        string  `gorm:"primaryKey;type:varchar(191)"`
	SystemID           int64   `gorm:"not null"`
	PhoneNumber        string  `gorm:"type:varchar(64);not null"`
	ContactName        *string `gorm:"type:varchar(255)"`
	CallType           string  `gorm:"type:varchar(16);not null"`
	CallDate           int64   `gorm:"not null"`
	DurationSeconds    int64   `gorm:"not null;default:0"`
	CallNote           *string `gorm:"type:text"`
	LocalRecordingPath *string `gorm:"type:varchar(1024)"`
	SyncStatus         *string `gorm:"column:sync_status;type:varchar(20)"`
	SyncError          *string `gorm:"type:text"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
	ServerUpdatedAt    *time.Time
}

func (legacyCallRecord) TableName() string { return tableCallRecords }

// migrateLegacySchema creates the original single-status table on a fresh
// database so every later step starts from the same layout.
func migrateLegacySchema(tx *gorm.DB) error {
	if tx.Migrator().HasTable(tableCallRecords) {
		return nil
	}
	return tx.Migrator().CreateTable(&legacyCallRecord{})
}

// migrateSplitStatus adds the metadata and recording axes and maps each
// legacy status onto them once. Mapped rows have sync_status cleared, so a
// re-run only touches rows that were not mapped yet.
func migrateSplitStatus(tx *gorm.DB) error {
	m := tx.Migrator()
	if !m.HasColumn(tableCallRecords, "metadata_sync_status") {
		if err := tx.Exec(fmt.Sprintf(
			"ALTER TABLE %s ADD COLUMN metadata_sync_status varchar(20) NOT NULL DEFAULT '%s'",
			tableCallRecords, syncstatus.MetadataPending)).Error; err != nil {
			return err
		}
	}
	if !m.HasColumn(tableCallRecords, "recording_sync_status") {
		if err := tx.Exec(fmt.Sprintf(
			"ALTER TABLE %s ADD COLUMN recording_sync_status varchar(20) NOT NULL DEFAULT '%s'",
			tableCallRecords, syncstatus.RecordingNotApplicable)).Error; err != nil {
			return err
		}
	}
	if !m.HasColumn(tableCallRecords, "metadata_sync_error") {
		if err := tx.Exec(fmt.Sprintf(
			"ALTER TABLE %s ADD COLUMN metadata_sync_error text", tableCallRecords)).Error; err != nil {
			return err
		}
	}
	if !m.HasColumn(tableCallRecords, "sync_status") {
		return nil
	}

	type legacyRow struct {
		CompositeID        string
		SyncStatus         *string
		SyncError          *string
		LocalRecordingPath *string
	}

	for {
		var rows []legacyRow
		err := tx.Table(tableCallRecords).
			Select("composite_id, sync_status, sync_error, local_recording_path").
			Where("sync_status IS NOT NULL").
			Limit(backfillBatchSize).
			Find(&rows).Error
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		for _, r := range rows {
			hasRecording := r.LocalRecordingPath != nil && *r.LocalRecordingPath != ""
			meta, rec := syncstatus.FromLegacy(*r.SyncStatus, hasRecording)
			updates := map[string]any{
				"metadata_sync_status":  meta,
				"recording_sync_status": rec,
				"sync_status":           nil,
			}
			if hasRecording && rec != syncstatus.RecordingFailed {
				// legacy errors only describe failed uploads
				updates["sync_error"] = nil
			}
			if meta == syncstatus.MetadataFailed {
				updates["metadata_sync_error"] = legacyFailureReason(r.SyncError)
				if !hasRecording {
					updates["sync_error"] = nil
				}
			}
			if !hasRecording {
				updates["local_recording_path"] = nil
			}
			err := tx.Table(tableCallRecords).
				Where("composite_id = ? AND sync_status IS NOT NULL", r.CompositeID).
				Updates(updates).Error
			if err != nil {
				return err
			}
		}
	}
}

// legacyFailureReason keeps the recorded error of a pre-split failure, or
// marks the row so the UI still has something to show.
func legacyFailureReason(syncErr *string) string {
	if syncErr != nil && strings.TrimSpace(*syncErr) != "" {
		return strings.TrimSpace(*syncErr)
	}
	return "failed before upgrade"
}

// migrateCurrentSchema brings both tables to the current entity layout.
func migrateCurrentSchema(tx *gorm.DB) error {
	return tx.AutoMigrate(&entities.CallRecord{}, &entities.PersonAggregate{})
}

// migrateBackfillNumbers fills normalized_number and source on rows that
// predate them and rebuilds the aggregates those rows belong to.
func migrateBackfillNumbers(tx *gorm.DB) error {
	type row struct {
		CompositeID string
		PhoneNumber string
		Source      string
	}

	touched := make(map[string]struct{})
	for {
		var rows []row
		err := tx.Table(tableCallRecords).
			Select("composite_id, phone_number, source").
			Where("normalized_number = '' OR normalized_number IS NULL").
			Limit(backfillBatchSize).
			Find(&rows).Error
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			break
		}

		for _, r := range rows {
			number := NormalizeNumber(r.PhoneNumber)
			updates := map[string]any{"normalized_number": number}
			if r.Source == "" {
				updates["source"] = legacySource
			}
			if err := tx.Table(tableCallRecords).Where("composite_id = ?", r.CompositeID).Updates(updates).Error; err != nil {
				return err
			}
			touched[number] = struct{}{}
		}
	}

	// legacy rows never had status timestamps
	now := time.Now().UnixMilli()
	if err := tx.Table(tableCallRecords).Where("metadata_status_at = 0").Update("metadata_status_at", now).Error; err != nil {
		return err
	}
	if err := tx.Table(tableCallRecords).Where("recording_status_at = 0").Update("recording_status_at", now).Error; err != nil {
		return err
	}

	numbers := make([]string, 0, len(touched))
	for n := range touched {
		numbers = append(numbers, n)
	}
	sort.Strings(numbers)
	for _, n := range numbers {
		if err := recomputeAggregate(tx, n, time.Now().UTC()); err != nil {
			return err
		}
	}
	return nil
}
