package entities

import "time"

// PersonAggregate is the rollup of every call with the same normalized number.
type PersonAggregate struct {
	NormalizedNumber string `gorm:"primaryKey;type:varchar(64)" json:"normalizedNumber"`

	// Identity
	ContactName  *string `gorm:"type:varchar(255)" json:"contactName,omitempty"` // from the call log
	NameOverride *string `gorm:"type:varchar(255)" json:"nameOverride,omitempty"`
	Note         *string `gorm:"type:text" json:"note,omitempty"`

	// Last call summary
	LastCallID        *string   `gorm:"type:varchar(191)" json:"lastCallId,omitempty"`
	LastCallType      *CallType `gorm:"type:varchar(16)" json:"lastCallType,omitempty"`
	LastCallDuration  int64     `gorm:"not null;default:0" json:"lastCallDuration"`
	LastCallDate      *int64    `json:"lastCallDate,omitempty"` // epoch millis
	LastRecordingPath *string   `gorm:"type:varchar(1024)" json:"lastRecordingPath,omitempty"`

	// Totals
	TotalCalls    int64 `gorm:"not null;default:0" json:"totalCalls"`
	TotalIncoming int64 `gorm:"not null;default:0" json:"totalIncoming"`
	TotalOutgoing int64 `gorm:"not null;default:0" json:"totalOutgoing"`
	TotalMissed   int64 `gorm:"not null;default:0" json:"totalMissed"`
	TotalRejected int64 `gorm:"not null;default:0" json:"totalRejected"`
	TotalDuration int64 `gorm:"not null;default:0" json:"totalDuration"` // seconds

	IsExcluded bool `gorm:"not null;default:false;index" json:"isExcluded"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName returns the table name for GORM.
func (PersonAggregate) TableName() string {
	return "person_aggregates"
}

// DisplayName returns the override when set, otherwise the call-log name.
func (p *PersonAggregate) DisplayName() string {
	if p.NameOverride != nil && *p.NameOverride != "" {
		return *p.NameOverride
	}
	if p.ContactName != nil {
		return *p.ContactName
	}
	return ""
}

// TypeCountColumn returns the per-type total column incremented for t.
func TypeCountColumn(t CallType) string {
	switch t {
	case CallIncoming:
		return "total_incoming"
	case CallOutgoing:
		return "total_outgoing"
	case CallMissed:
		return "total_missed"
	default:
		return "total_rejected"
	}
}
