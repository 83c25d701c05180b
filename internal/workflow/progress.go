package workflow

import (
	"context"
	"fmt"

	"github.com/vespl/caseflow/internal/models"
	"github.com/vespl/caseflow/internal/progress"
	"github.com/vespl/caseflow/internal/stage"
)

// GetWorkflowProgress computes a case's progress from its transition log and
// the live stage records that log references. A record saved ahead of its
// transition does not count until a transition points at it. Nothing is
// cached.
func (e *Engine) GetWorkflowProgress(ctx context.Context, caseNumber string) (*progress.Report, error) {
	c, err := e.GetCase(ctx, caseNumber)
	if err != nil {
		return nil, err
	}
	db := e.db.WithContext(ctx)
	history, err := e.history(db, c.ID)
	if err != nil {
		return nil, err
	}

	var recs []models.StageRecord
	if err := db.Where("case_id = ?", c.ID).Order("created_at ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("workflow: live records of %s: %w", caseNumber, err)
	}
	referenced := make(map[string]bool, len(history))
	for _, t := range history {
		if t.ReferenceID != nil {
			referenced[*t.ReferenceID] = true
		}
	}
	refs := make(map[stage.Stage]string, len(recs))
	for _, r := range recs {
		if referenced[r.ID] {
			refs[stage.Stage(r.Stage)] = r.ID
		}
	}

	report := progress.Calculate(progress.Input{
		CaseNumber: c.CaseNumber,
		Current:    stage.Stage(c.CurrentState),
		History:    history,
		LiveRefs:   refs,
		Definition: e.def,
	})
	return &report, nil
}

// VerifyChain replays a case's transition log and checks that it is
// contiguous and ends in the case's current state. A failure means the
// case was mutated outside the engine.
func (e *Engine) VerifyChain(ctx context.Context, caseNumber string) error {
	c, err := e.GetCase(ctx, caseNumber)
	if err != nil {
		return err
	}
	history, err := e.history(e.db.WithContext(ctx), c.ID)
	if err != nil {
		return err
	}
	end, err := progress.Replay(history)
	if err != nil {
		return fmt.Errorf("workflow: verify %s: %w", caseNumber, err)
	}
	if string(end) != c.CurrentState {
		return fmt.Errorf("workflow: verify %s: %w", caseNumber, &progress.ChainError{
			Index:  len(history) - 1,
			Reason: fmt.Sprintf("log ends in %s but case is %s", end, c.CurrentState),
		})
	}
	return nil
}
