package syncstatus

import "strings"

// Legacy single-axis status values found in databases created before the
// metadata and recording axes were split.
const (
	LegacyPending     = "PENDING"
	LegacyCompressing = "COMPRESSING"
	LegacyUploading   = "UPLOADING"
	LegacySynced      = "SYNCED"
	LegacyCompleted   = "COMPLETED"
	LegacyFailed      = "FAILED"
)

// FromLegacy maps a legacy status onto the two axes. It is only used by the
// one-time schema migration.
//
// Any in-progress or unknown legacy value restarts both axes: the metadata
// is pushed again and an existing recording re-enters the pipeline at
// PENDING. A record without a recording is always NOT_APPLICABLE.
func FromLegacy(legacy string, hasRecording bool) (MetadataStatus, RecordingStatus) {
	recording := InitialRecording(hasRecording)

	switch strings.ToUpper(strings.TrimSpace(legacy)) {
	case LegacySynced, LegacyCompleted:
		if hasRecording {
			recording = RecordingCompleted
		}
		return MetadataSynced, recording
	case LegacyFailed:
		if hasRecording {
			recording = RecordingFailed
		}
		return MetadataFailed, recording
	default:
		// PENDING, COMPRESSING, UPLOADING and unrecognised values
		return MetadataPending, recording
	}
}
