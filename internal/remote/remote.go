// Package remote holds the collaborators that push call metadata and
// recording artifacts to the remote system.
//
// Every failure returned by this package is, or wraps, an *Error whose Kind
// says whether the next pass may simply try again (network) or the remote
// refused the request (rejected). Uploads always restart from the first
// byte; no target resumes a partial transfer.
package remote

import (
	"context"

	"github.com/tphakala/callsync/internal/datastore/entities"
)

// MetadataPusher sends the metadata fields of one call.
type MetadataPusher interface {
	PushMetadata(ctx context.Context, rec *entities.CallRecord) error
}

// RecordingUploader transfers one recording artifact, addressed by the
// call's composite id.
type RecordingUploader interface {
	Name() string
	UploadRecording(ctx context.Context, compositeID, artifactPath string) error
}

// Closer is implemented by uploaders holding long-lived clients.
type Closer interface {
	Close() error
}

// MetadataPayload is the wire form of a metadata push.
type MetadataPayload struct {
	CompositeID      string  `json:"compositeId"`
	SystemID         int64   `json:"systemId"`
	Source           string  `json:"source"`
	PhoneNumber      string  `json:"phoneNumber"`
	NormalizedNumber string  `json:"normalizedNumber"`
	ContactName      *string `json:"contactName,omitempty"`
	CallType         string  `json:"callType"`
	CallDate         int64   `json:"callDate"`
	DurationSeconds  int64   `json:"durationSeconds"`
	CallNote         *string `json:"callNote,omitempty"`
	HasRecording     bool    `json:"hasRecording"`
	MetadataVersion  int64   `json:"metadataVersion"`
}

// NewMetadataPayload copies the pushed fields out of rec.
func NewMetadataPayload(rec *entities.CallRecord) MetadataPayload {
	return MetadataPayload{
		CompositeID:      rec.CompositeID,
		SystemID:         rec.SystemID,
		Source:           rec.Source,
		PhoneNumber:      rec.PhoneNumber,
		NormalizedNumber: rec.NormalizedNumber,
		ContactName:      rec.ContactName,
		CallType:         string(rec.CallType),
		CallDate:         rec.CallDate,
		DurationSeconds:  rec.DurationSeconds,
		CallNote:         rec.CallNote,
		HasRecording:     rec.HasRecording(),
		MetadataVersion:  rec.MetadataVersion,
	}
}
