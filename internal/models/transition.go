package models

import "time"

// Transition kinds.
const (
	KindCreate  = "create"
	KindAdvance = "advance"
	KindReject  = "reject"
	KindClose   = "close"
	KindRevert  = "revert"
	KindRestore = "restore"
)

// Transition is one row of the append-only case ledger. Rows are never
// updated or deleted; reverting a stage is itself a new row.
type Transition struct {
	ID              string    `gorm:"primaryKey;size:36" json:"id"`
	CaseID          uint      `gorm:"not null;uniqueIndex:idx_case_seq" json:"case_id"`
	Seq             int       `gorm:"not null;uniqueIndex:idx_case_seq" json:"seq"`
	FromState       *string   `gorm:"size:16" json:"from_state"`
	ToState         string    `gorm:"size:16;not null;index" json:"to_state"`
	Kind            string    `gorm:"size:16;not null" json:"kind"`
	TransitionedBy  string    `gorm:"size:64;not null;index" json:"transitioned_by"`
	TransitionDate  time.Time `gorm:"not null;index" json:"transition_date"`
	DurationInState int64     `json:"duration_in_state_ms"` // milliseconds spent in FromState
	Notes           string    `gorm:"type:text" json:"notes,omitempty"`
	ReferenceID     *string   `gorm:"size:36" json:"reference_id,omitempty"`
	StageVersion    string    `gorm:"size:16" json:"stage_version"`
}

// Duration returns DurationInState as a time.Duration.
func (t Transition) Duration() time.Duration {
	return time.Duration(t.DurationInState) * time.Millisecond
}

// From returns FromState, or "" for the opening transition.
func (t Transition) From() string {
	if t.FromState == nil {
		return ""
	}
	return *t.FromState
}
