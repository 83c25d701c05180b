package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// StageRecord is the stage-specific document a collaborator (estimation,
// quotation, sales order, ...) persists before advancing a case. The engine
// treats Payload as opaque business content.
type StageRecord struct {
	ID             string         `gorm:"primaryKey;size:36" json:"id"`
	CaseID         uint           `gorm:"not null;index:idx_case_stage" json:"case_id"`
	Stage          string         `gorm:"size:16;not null;index:idx_case_stage" json:"stage"`
	DocumentNumber string         `gorm:"size:48;index" json:"document_number"`
	Payload        datatypes.JSON `gorm:"type:json" json:"payload"`
	CreatedBy      string         `gorm:"size:64" json:"created_by"`
	CreatedAt      time.Time      `json:"created_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}
