package datastore

import (
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"

	"github.com/tphakala/callsync/internal/errors"
)

// Sentinel errors for store operations.
var (
	// ErrCallNotFound indicates the requested call record does not exist.
	ErrCallNotFound = errors.NewStd("call record not found")

	// ErrPersonNotFound indicates no aggregate exists for the number.
	ErrPersonNotFound = errors.NewStd("person not found")

	// ErrConflict indicates a compare-and-set update observed a state that
	// changed underneath it.
	ErrConflict = errors.NewStd("concurrent update conflict")

	// ErrInvalidInput indicates invalid input parameters.
	ErrInvalidInput = errors.NewStd("invalid input")

	// ErrRecordingLocked indicates the recording path cannot change while
	// the recording is in flight or already uploaded.
	ErrRecordingLocked = errors.NewStd("recording path is locked in its current state")

	// ErrRecordingRequired indicates an attempt to detach a recording.
	ErrRecordingRequired = errors.NewStd("recording cannot be removed from a call record")
)

// StorageError is returned for every failure of the underlying database.
// The store never retries; callers decide.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the failure was lock contention that may
// succeed if the caller tries again later.
func (e *StorageError) Temporary() bool {
	return isBusyError(e.Err)
}

// storageError wraps a database error with operation context.
func storageError(op string, err error, kv ...any) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}

	priority := errors.PriorityMedium
	if isBusyError(err) {
		priority = errors.PriorityLow
	}

	builder := errors.New(err).
		Component("datastore").
		Category(errors.CategoryDatabase).
		Priority(priority).
		Context("operation", op)

	for i := 0; i < len(kv)-1; i += 2 {
		if key, ok := kv[i].(string); ok {
			builder = builder.Context(key, kv[i+1])
		}
	}

	return &StorageError{Op: op, Err: builder.Build()}
}

// validationError creates a validation error for bad caller input.
func validationError(field, message string) error {
	return errors.New(fmt.Errorf("%w: %s: %s", ErrInvalidInput, field, message)).
		Component("datastore").
		Category(errors.CategoryValidation).
		Context("field", field).
		Build()
}

// conflictError reports a CAS miss with the observed state.
func conflictError(op, id string, observed any) error {
	return errors.New(fmt.Errorf("%w: %s %s (observed %v)", ErrConflict, op, id, observed)).
		Component("datastore").
		Category(errors.CategoryConflict).
		Priority(errors.PriorityLow).
		Context("operation", op).
		Build()
}

// isBusyError detects lock contention for both supported drivers.
func isBusyError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		// 1205 lock wait timeout, 1213 deadlock
		return mysqlErr.Number == 1205 || mysqlErr.Number == 1213
	}
	return false
}

// isDuplicateKey detects unique constraint violations for both drivers.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}
