package entities

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tphakala/callsync/internal/syncstatus"
)

// CallType is the direction/outcome of a call.
type CallType string

const (
	CallIncoming CallType = "INCOMING"
	CallOutgoing CallType = "OUTGOING"
	CallMissed   CallType = "MISSED"
	CallRejected CallType = "REJECTED"
)

// Valid reports whether t is a known call type.
func (t CallType) Valid() bool {
	switch t {
	case CallIncoming, CallOutgoing, CallMissed, CallRejected:
		return true
	}
	return false
}

// ParseCallType accepts the stored names (case-insensitive) as well as the
// numeric codes used by device call-log exports (1 incoming, 2 outgoing,
// 3 missed, 5 rejected).
func ParseCallType(s string) (CallType, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		switch n {
		case 1:
			return CallIncoming, nil
		case 2:
			return CallOutgoing, nil
		case 3:
			return CallMissed, nil
		case 5:
			return CallRejected, nil
		}
		return "", fmt.Errorf("unknown call type code %d", n)
	}

	t := CallType(strings.ToUpper(s))
	if !t.Valid() {
		return "", fmt.Errorf("unknown call type %q", s)
	}
	return t, nil
}

// CompositeID builds the primary key of a call record.
func CompositeID(source string, systemID int64) string {
	return fmt.Sprintf("%s:%d", source, systemID)
}

// CallRecord is one observed call and the sync state of its two axes.
type CallRecord struct {
	CompositeID string `gorm:"primaryKey;type:varchar(191)" json:"compositeId"`

	// Origin (device call-log row id + discriminator)
	SystemID int64  `gorm:"not null;index:idx_call_source_system,priority:2" json:"systemId"`
	Source   string `gorm:"type:varchar(100);not null;default:'';index:idx_call_source_system,priority:1" json:"source"`

	// Call metadata
	PhoneNumber      string   `gorm:"type:varchar(64);not null" json:"phoneNumber"`
	NormalizedNumber string   `gorm:"type:varchar(64);not null;default:'';index:idx_call_number_date" json:"normalizedNumber"`
	ContactName      *string  `gorm:"type:varchar(255)" json:"contactName,omitempty"`
	CallType         CallType `gorm:"type:varchar(16);not null" json:"callType"`
	CallDate         int64    `gorm:"not null;index;index:idx_call_number_date" json:"callDate"` // epoch millis
	DurationSeconds  int64    `gorm:"not null;default:0" json:"durationSeconds"`

	// User data
	CallNote           *string `gorm:"type:text" json:"callNote,omitempty"`
	LocalRecordingPath *string `gorm:"type:varchar(1024)" json:"localRecordingPath,omitempty"`

	// Metadata axis
	MetadataSyncStatus syncstatus.MetadataStatus `gorm:"type:varchar(20);not null;default:'PENDING';index" json:"metadataSyncStatus"`
	MetadataVersion    int64                     `gorm:"not null;default:0" json:"metadataVersion"`
	MetadataSyncError  *string                   `gorm:"type:text" json:"metadataSyncError,omitempty"`
	MetadataErrorKind  syncstatus.ErrorKind      `gorm:"type:varchar(20);not null;default:''" json:"metadataErrorKind,omitempty"`
	MetadataStatusAt   int64                     `gorm:"not null;default:0" json:"metadataStatusAt"` // epoch millis
	MetadataAttempts   int                       `gorm:"not null;default:0" json:"metadataAttempts"`

	// Recording axis
	RecordingSyncStatus syncstatus.RecordingStatus `gorm:"type:varchar(20);not null;default:'NOT_APPLICABLE';index" json:"recordingSyncStatus"`
	SyncError           *string                    `gorm:"type:text" json:"syncError,omitempty"`
	RecordingErrorKind  syncstatus.ErrorKind       `gorm:"type:varchar(20);not null;default:''" json:"recordingErrorKind,omitempty"`
	RecordingStatusAt   int64                      `gorm:"not null;default:0;index" json:"recordingStatusAt"` // epoch millis
	RecordingClaim      *string                    `gorm:"type:varchar(36)" json:"-"`
	RecordingAttempts   int                        `gorm:"not null;default:0" json:"recordingAttempts"`
	CompressedPath      *string                    `gorm:"type:varchar(1024)" json:"-"`

	// Pre-split status column, read once by the schema migration
	LegacySyncStatus *string `gorm:"column:sync_status;type:varchar(20)" json:"-"`

	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`
	ServerUpdatedAt *time.Time `json:"serverUpdatedAt,omitempty"`
}

// TableName returns the table name for GORM.
func (CallRecord) TableName() string {
	return "call_records"
}

// HasRecording reports whether a local recording is attached.
func (c *CallRecord) HasRecording() bool {
	return c.LocalRecordingPath != nil && *c.LocalRecordingPath != ""
}

// CallTime returns CallDate as a time.
func (c *CallRecord) CallTime() time.Time {
	return time.UnixMilli(c.CallDate)
}

// OwnedArtifact returns the compressed artifact path when it is a separate
// file from the recording, or "".
func (c *CallRecord) OwnedArtifact() string {
	if c.CompressedPath == nil || *c.CompressedPath == "" {
		return ""
	}
	if c.LocalRecordingPath != nil && *c.LocalRecordingPath == *c.CompressedPath {
		return ""
	}
	return *c.CompressedPath
}
