package models

// DocSequence is the per-(document type, fiscal year) counter behind
// human-readable case and document numbers.
type DocSequence struct {
	DocType    string `gorm:"primaryKey;size:8" json:"doc_type"`
	FiscalYear string `gorm:"primaryKey;size:4" json:"fiscal_year"`
	Last       int    `gorm:"not null;default:0" json:"last"`
}
