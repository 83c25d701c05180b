package models

import (
	"time"

	"gorm.io/datatypes"
)

// StageBackup is the one-shot recoverable snapshot written when a stage is
// administratively deleted.
type StageBackup struct {
	ID                  string         `gorm:"primaryKey;size:36" json:"id"`
	CaseID              uint           `gorm:"not null;index" json:"case_id"`
	Stage               string         `gorm:"size:16;not null;index" json:"stage"`
	SnapshotData        datatypes.JSON `gorm:"type:json" json:"snapshot_data"`
	SchemaVersion       int            `gorm:"not null;default:1" json:"schema_version"`
	PreviousState       string         `gorm:"size:16;not null" json:"previous_state"`
	DeletedAt           time.Time      `gorm:"not null;index" json:"deleted_at"`
	DeletedBy           string         `gorm:"size:64;not null" json:"deleted_by"`
	DeletionReason      string         `gorm:"type:text" json:"deletion_reason"`
	Recreated           bool           `gorm:"not null;default:false;index" json:"recreated"`
	RecreatedAt         *time.Time     `json:"recreated_at,omitempty"`
	RecreatedBy         string         `gorm:"size:64" json:"recreated_by,omitempty"`
	RestoredReferenceID *string        `gorm:"size:36" json:"restored_reference_id,omitempty"`

	Case *CaseRecord `gorm:"foreignKey:CaseID" json:"case,omitempty"`
}
