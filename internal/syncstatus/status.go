// Package syncstatus defines the two independent sync axes of a call record
// and the transitions allowed on each.
//
// The metadata axis tracks pushes of the non-audio call fields. The
// recording axis tracks the compress-then-upload pipeline of the call's
// audio artifact. Neither axis waits on the other.
package syncstatus

import (
	"fmt"
	"time"

	"github.com/tphakala/callsync/internal/errors"
)

// MetadataStatus is the sync state of a record's metadata fields.
type MetadataStatus string

const (
	MetadataPending       MetadataStatus = "PENDING"
	MetadataUpdatePending MetadataStatus = "UPDATE_PENDING"
	MetadataSynced        MetadataStatus = "SYNCED"
	MetadataFailed        MetadataStatus = "FAILED"
)

// RecordingStatus is the sync state of a record's audio artifact.
type RecordingStatus string

const (
	RecordingNotApplicable RecordingStatus = "NOT_APPLICABLE"
	RecordingPending       RecordingStatus = "PENDING"
	RecordingCompressing   RecordingStatus = "COMPRESSING"
	RecordingUploading     RecordingStatus = "UPLOADING"
	RecordingCompleted     RecordingStatus = "COMPLETED"
	RecordingFailed        RecordingStatus = "FAILED"
)

// ErrInvalidTransition is wrapped by every rejected transition.
var ErrInvalidTransition = errors.NewStd("invalid sync status transition")

// ErrNotRetryable is returned when retry is requested for a non-FAILED state.
var ErrNotRetryable = errors.NewStd("sync status is not retryable")

var metadataTransitions = map[MetadataStatus][]MetadataStatus{
	MetadataPending:       {MetadataSynced, MetadataFailed},
	MetadataUpdatePending: {MetadataSynced, MetadataFailed},
	MetadataSynced:        {MetadataUpdatePending},
	MetadataFailed:        {MetadataPending},
}

// NOT_APPLICABLE -> PENDING happens only when a recording is first attached
// to a record that was created without one.
var recordingTransitions = map[RecordingStatus][]RecordingStatus{
	RecordingNotApplicable: {RecordingPending},
	RecordingPending:       {RecordingCompressing, RecordingFailed},
	RecordingCompressing:   {RecordingUploading, RecordingFailed},
	RecordingUploading:     {RecordingCompleted, RecordingFailed},
	RecordingFailed:        {RecordingPending},
}

// String returns the stored representation.
func (s MetadataStatus) String() string { return string(s) }

// Valid reports whether s is a known metadata status.
func (s MetadataStatus) Valid() bool {
	_, ok := metadataTransitions[s]
	return ok
}

// IsOutstanding reports whether the metadata still needs a push.
func (s MetadataStatus) IsOutstanding() bool {
	return s == MetadataPending || s == MetadataUpdatePending
}

// CanTransition reports whether s may move to next.
func (s MetadataStatus) CanTransition(next MetadataStatus) bool {
	for _, allowed := range metadataTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// String returns the stored representation.
func (s RecordingStatus) String() string { return string(s) }

// Valid reports whether s is a known recording status.
func (s RecordingStatus) Valid() bool {
	if s == RecordingCompleted {
		return true
	}
	_, ok := recordingTransitions[s]
	return ok
}

// IsOutstanding reports whether the recording still needs work.
func (s RecordingStatus) IsOutstanding() bool {
	return s == RecordingPending || s.IsInFlight()
}

// IsInFlight reports whether a pass is currently working on the recording.
func (s RecordingStatus) IsInFlight() bool {
	return s == RecordingCompressing || s == RecordingUploading
}

// CanTransition reports whether s may move to next.
func (s RecordingStatus) CanTransition(next RecordingStatus) bool {
	for _, allowed := range recordingTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ValidateMetadataTransition returns an error wrapping ErrInvalidTransition
// when from may not move to to.
func ValidateMetadataTransition(from, to MetadataStatus) error {
	if from.CanTransition(to) {
		return nil
	}
	return transitionError("metadata", string(from), string(to))
}

// ValidateRecordingTransition returns an error wrapping ErrInvalidTransition
// when from may not move to to.
func ValidateRecordingTransition(from, to RecordingStatus) error {
	if from.CanTransition(to) {
		return nil
	}
	return transitionError("recording", string(from), string(to))
}

// ValidateRecovery checks that a stale in-flight recording may be returned
// to PENDING. This edge is outside the normal graph and is only taken by
// the stale sweep.
func ValidateRecovery(from RecordingStatus) error {
	if from.IsInFlight() {
		return nil
	}
	return transitionError("recording", string(from), string(RecordingPending))
}

// MetadataRetry returns the state a retry moves a metadata axis to.
func MetadataRetry(from MetadataStatus) (MetadataStatus, error) {
	if from != MetadataFailed {
		return from, fmt.Errorf("%w: metadata is %s", ErrNotRetryable, from)
	}
	return MetadataPending, nil
}

// RecordingRetry returns the state a retry moves a recording axis to.
// Retries always restart the pipeline from PENDING.
func RecordingRetry(from RecordingStatus) (RecordingStatus, error) {
	if from != RecordingFailed {
		return from, fmt.Errorf("%w: recording is %s", ErrNotRetryable, from)
	}
	return RecordingPending, nil
}

// InitialRecording returns the recording status of a newly created record.
func InitialRecording(hasRecording bool) RecordingStatus {
	if hasRecording {
		return RecordingPending
	}
	return RecordingNotApplicable
}

// MetadataAfterEdit returns the metadata status after a local edit.
// Only SYNCED changes; pending states will push the new values anyway and
// FAILED keeps its reason until retried.
func MetadataAfterEdit(current MetadataStatus) MetadataStatus {
	if current == MetadataSynced {
		return MetadataUpdatePending
	}
	return current
}

// IsStale reports whether an in-flight recording status set at since has
// outlived window at now.
func IsStale(status RecordingStatus, since, now time.Time, window time.Duration) bool {
	if !status.IsInFlight() || window <= 0 {
		return false
	}
	return now.Sub(since) > window
}

func transitionError(axis, from, to string) error {
	return errors.New(fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, axis, from, to)).
		Component("syncstatus").
		Category(errors.CategoryState).
		Context("axis", axis).
		Context("from", from).
		Context("to", to).
		Build()
}
