package analytics

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/vespl/caseflow/internal/models"
	"github.com/vespl/caseflow/internal/stage"
)

// Aggregator loads transitions and cases and computes reports. It takes no
// locks; a report may miss transitions committed while it loads.
type Aggregator struct {
	db   *gorm.DB
	sla  SLA
	def  *stage.Definition
	topN int
	now  func() time.Time
}

// AggregatorOpts configures an Aggregator.
type AggregatorOpts struct {
	SLA        SLA
	Definition *stage.Definition
	TopN       int
	Clock      func() time.Time
}

// NewAggregator returns an Aggregator reading from db.
func NewAggregator(db *gorm.DB, opts AggregatorOpts) *Aggregator {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Definition == nil {
		opts.Definition = stage.Default
	}
	return &Aggregator{db: db, sla: opts.SLA, def: opts.Definition, topN: opts.TopN, now: opts.Clock}
}

// Run computes a report over transitions dated inside w. Cases are those
// created inside w.
func (a *Aggregator) Run(ctx context.Context, w Window) (*Report, error) {
	db := a.db.WithContext(ctx)

	tq := db.Model(&models.Transition{})
	if !w.Since.IsZero() {
		tq = tq.Where("transition_date >= ?", w.Since)
	}
	if !w.Until.IsZero() {
		tq = tq.Where("transition_date < ?", w.Until)
	}
	var transitions []models.Transition
	if err := tq.Order("case_id ASC, seq ASC").Find(&transitions).Error; err != nil {
		return nil, fmt.Errorf("analytics: load transitions: %w", err)
	}

	cq := db.Model(&models.CaseRecord{})
	if !w.Since.IsZero() {
		cq = cq.Where("created_at >= ?", w.Since)
	}
	if !w.Until.IsZero() {
		cq = cq.Where("created_at < ?", w.Until)
	}
	var cases []models.CaseRecord
	if err := cq.Find(&cases).Error; err != nil {
		return nil, fmt.Errorf("analytics: load cases: %w", err)
	}

	r := Compute(Input{
		Cases:       cases,
		Transitions: transitions,
		SLA:         a.sla,
		Definition:  a.def,
		Window:      w,
		Now:         a.now(),
		TopN:        a.topN,
	})
	return &r, nil
}
