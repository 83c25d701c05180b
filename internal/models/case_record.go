package models

import "time"

// CaseRecord is a tracked business opportunity. It is created by the first
// transition and mutated only through the workflow engine.
type CaseRecord struct {
	ID           uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	CaseNumber   string     `gorm:"size:48;not null;uniqueIndex" json:"case_number"`
	ClientRef    string     `gorm:"size:128;index" json:"client_ref"`
	ProjectName  string     `gorm:"size:256" json:"project_name,omitempty"`
	CurrentState string     `gorm:"size:16;not null;index" json:"current_state"`
	Assignee     string     `gorm:"size:64;index" json:"assignee,omitempty"`
	Version      int        `gorm:"not null;default:1" json:"version"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`

	Transitions []Transition `gorm:"foreignKey:CaseID" json:"transitions,omitempty"`
}
