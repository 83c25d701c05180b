// Package docid issues human-readable document numbers of the form
// PREFIX/DOCTYPE/FY/SEQ, e.g. VESPL/EQ/2526/001.
package docid

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vespl/caseflow/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// seqDigits is the minimum zero-padded width of SEQ.
const seqDigits = 3

// Number is a parsed document number.
type Number struct {
	Prefix     string
	DocType    string
	FiscalYear string
	Seq        int
}

func (n Number) String() string {
	return fmt.Sprintf("%s/%s/%s/%0*d", n.Prefix, n.DocType, n.FiscalYear, seqDigits, n.Seq)
}

// Generator hands out monotonic sequence numbers per (doc type, fiscal year).
type Generator struct {
	Prefix string
}

// New returns a Generator for the given company prefix.
func New(prefix string) *Generator {
	return &Generator{Prefix: strings.ToUpper(strings.TrimSpace(prefix))}
}

// FiscalYear returns the April-start fiscal year containing t as a
// two-digit/two-digit pair, e.g. "2526" for April 2025 through March 2026.
func FiscalYear(t time.Time) string {
	start := t.Year()
	if t.Month() < time.April {
		start--
	}
	return fmt.Sprintf("%02d%02d", start%100, (start+1)%100)
}

// Next reserves the next number for docType in the fiscal year of at. It
// runs inside db's transaction when db is one, so a rolled-back caller
// releases nothing but also consumes nothing.
func (g *Generator) Next(db *gorm.DB, docType string, at time.Time) (string, error) {
	if g.Prefix == "" {
		return "", fmt.Errorf("docid: prefix is required")
	}
	if docType == "" {
		return "", fmt.Errorf("docid: doc type is required")
	}
	fy := FiscalYear(at)

	var seq models.DocSequence
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&models.DocSequence{DocType: docType, FiscalYear: fy}).Error; err != nil {
			return fmt.Errorf("docid: init sequence %s/%s: %w", docType, fy, err)
		}
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("doc_type = ? AND fiscal_year = ?", docType, fy).
			First(&seq).Error; err != nil {
			return fmt.Errorf("docid: lock sequence %s/%s: %w", docType, fy, err)
		}
		seq.Last++
		if err := tx.Model(&models.DocSequence{}).
			Where("doc_type = ? AND fiscal_year = ?", docType, fy).
			Update("last", seq.Last).Error; err != nil {
			return fmt.Errorf("docid: advance sequence %s/%s: %w", docType, fy, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	return Number{Prefix: g.Prefix, DocType: docType, FiscalYear: fy, Seq: seq.Last}.String(), nil
}

// Parse splits a document number into its parts.
func Parse(s string) (Number, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 4 {
		return Number{}, fmt.Errorf("docid: %q is not PREFIX/DOCTYPE/FY/SEQ", s)
	}
	for i, p := range parts {
		if p == "" {
			return Number{}, fmt.Errorf("docid: %q has an empty segment %d", s, i+1)
		}
	}
	if len(parts[2]) != 4 {
		return Number{}, fmt.Errorf("docid: %q has fiscal year %q, want 4 digits", s, parts[2])
	}
	if _, err := strconv.Atoi(parts[2]); err != nil {
		return Number{}, fmt.Errorf("docid: %q has non-numeric fiscal year", s)
	}
	seq, err := strconv.Atoi(parts[3])
	if err != nil || seq <= 0 {
		return Number{}, fmt.Errorf("docid: %q has invalid sequence %q", s, parts[3])
	}
	return Number{Prefix: parts[0], DocType: parts[1], FiscalYear: parts[2], Seq: seq}, nil
}
