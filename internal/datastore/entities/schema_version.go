package entities

import "time"

// SchemaVersion records one applied schema migration.
type SchemaVersion struct {
	Version   int       `gorm:"primaryKey;autoIncrement:false"`
	Name      string    `gorm:"type:varchar(100);not null"`
	AppliedAt time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM.
func (SchemaVersion) TableName() string {
	return "schema_versions"
}
