package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vespl/caseflow/internal/models"
	"github.com/vespl/caseflow/internal/stage"
)

// DeleteStageOpts holds parameters for administratively deleting a stage.
type DeleteStageOpts struct {
	Stage           stage.Stage
	Actor           string
	Reason          string
	ExpectedVersion *int
}

// StageResult is the outcome of DeleteStage or RecreateStage.
type StageResult struct {
	Case       models.CaseRecord    `json:"case"`
	Transition *models.Transition   `json:"transition"`
	Backup     models.StageBackup   `json:"backup"`
	Records    []models.StageRecord `json:"records,omitempty"` // recreated records, primary first
}

// DeletedStageFilter selects backups. Recreated backups are skipped unless
// IncludeRecreated is set.
type DeletedStageFilter struct {
	Stage            stage.Stage
	CaseNumber       string
	IncludeRecreated bool
}

// DeleteStage reverts a case out of its current stage. The stage's live
// records are captured into a StageBackup and soft-deleted, and a revert
// transition moves the case to the stage's predecessor.
func (e *Engine) DeleteStage(ctx context.Context, caseNumber string, opts DeleteStageOpts) (*StageResult, error) {
	if opts.Actor == "" {
		return nil, newError(CodeInvalidInput, "actor is required")
	}
	if opts.Reason == "" {
		return nil, newError(CodeInvalidInput, "deletion reason is required")
	}
	if !e.def.Known(opts.Stage) {
		return nil, newError(CodeInvalidInput, "unknown stage %q", opts.Stage)
	}

	var res StageResult
	err := e.mutate(ctx, "delete_stage", caseNumber, func(tx *gorm.DB, c *models.CaseRecord, now time.Time) error {
		current := stage.Stage(c.CurrentState)
		if e.def.IsTerminal(current) {
			return newError(CodeCaseClosed, "case %s is %s", c.CaseNumber, current)
		}
		if opts.Stage != current {
			return newError(CodeStageNotDeletable, "case %s is in %s; only the current stage can be deleted, not %s",
				c.CaseNumber, current, opts.Stage)
		}
		pred, ok := e.def.PredecessorOf(current)
		if !ok {
			return newError(CodeStageNotDeletable, "stage %s has no predecessor to revert to", current)
		}
		if err := checkVersion(c, opts.ExpectedVersion); err != nil {
			return err
		}

		recs, err := e.stageRecords(tx, c, current)
		if err != nil {
			return err
		}
		data, err := encodeSnapshot(snapshotOf(c.CaseNumber, current, recs))
		if err != nil {
			return err
		}
		if len(recs) > 0 {
			ids := make([]string, 0, len(recs))
			for _, r := range recs {
				ids = append(ids, r.ID)
			}
			if err := tx.Where("id IN ?", ids).Delete(&models.StageRecord{}).Error; err != nil {
				return fmt.Errorf("workflow: soft-delete %s records of %s: %w", current, c.CaseNumber, err)
			}
		}

		tr, err := e.appendTransition(tx, c, pred, models.KindRevert, opts.Actor, opts.Reason, nil, now)
		if err != nil {
			return err
		}
		res.Transition = tr

		res.Backup = models.StageBackup{
			ID:             uuid.NewString(),
			CaseID:         c.ID,
			Stage:          string(current),
			SnapshotData:   datatypes.JSON(data),
			SchemaVersion:  SnapshotSchemaVersion,
			PreviousState:  string(current),
			DeletedAt:      now,
			DeletedBy:      opts.Actor,
			DeletionReason: opts.Reason,
		}
		if err := tx.Omit("Case").Create(&res.Backup).Error; err != nil {
			return fmt.Errorf("workflow: create backup for %s: %w", c.CaseNumber, err)
		}

		if err := e.setState(tx, c, pred, now); err != nil {
			return err
		}
		res.Case = *c
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("stage deleted", "case_number", caseNumber, "op", "delete_stage",
		"from", res.Transition.From(), "to", res.Transition.ToState, "actor", opts.Actor, "backup_id", res.Backup.ID)
	e.publish(ctx, &res.Case, res.Transition, res.Backup.ID)
	return &res, nil
}

// RecreateStage restores a backup. Its records come back under new IDs with
// the same business content, the case moves forward to the backup's
// previous state, and the backup is marked recreated. A backup can be
// consumed once. expectedVersion is the case version the caller read.
func (e *Engine) RecreateStage(ctx context.Context, backupID, actor string, expectedVersion *int) (*StageResult, error) {
	if actor == "" {
		return nil, newError(CodeInvalidInput, "actor is required")
	}
	backup, err := e.GetBackup(ctx, backupID)
	if err != nil {
		return nil, err
	}
	owner, err := e.GetCaseByID(ctx, backup.CaseID)
	if err != nil {
		return nil, err
	}

	var res StageResult
	err = e.mutate(ctx, "recreate_stage", owner.CaseNumber, func(tx *gorm.DB, c *models.CaseRecord, now time.Time) error {
		var b models.StageBackup
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", backupID).First(&b).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return newError(CodeBackupNotFound, "backup not found: %s", backupID)
			}
			return fmt.Errorf("workflow: lock backup %s: %w", backupID, err)
		}
		if b.Recreated {
			return newError(CodeAlreadyRecreated, "backup %s was already recreated", backupID)
		}
		current := stage.Stage(c.CurrentState)
		if e.def.IsTerminal(current) {
			return newError(CodeCaseClosed, "case %s is %s", c.CaseNumber, current)
		}
		s := stage.Stage(b.Stage)
		target := stage.Stage(b.PreviousState)
		if pred, ok := e.def.PredecessorOf(s); !ok || pred != current {
			return newError(CodeInvalidTransition, "case %s is in %s; backup of %s can only be recreated from %s",
				c.CaseNumber, current, s, pred)
		}
		if err := checkVersion(c, expectedVersion); err != nil {
			return err
		}

		snap, err := DecodeSnapshot(b.SnapshotData, s)
		if err != nil {
			return err
		}
		for _, r := range snap.Records {
			rec, err := e.insertRecord(tx, c, s, actor, RecordInput{DocumentNumber: r.DocumentNumber, Payload: r.Payload}, now)
			if err != nil {
				return err
			}
			res.Records = append(res.Records, *rec)
		}
		var ref *string
		if len(res.Records) > 0 {
			ref = &res.Records[0].ID
		}

		tr, err := e.appendTransition(tx, c, target, models.KindRestore, actor, "restored from backup "+b.ID, ref, now)
		if err != nil {
			return err
		}
		res.Transition = tr

		result := tx.Model(&models.StageBackup{}).
			Where("id = ? AND recreated = ?", b.ID, false).
			Updates(map[string]interface{}{
				"recreated":             true,
				"recreated_at":          now,
				"recreated_by":          actor,
				"restored_reference_id": ref,
			})
		if result.Error != nil {
			return fmt.Errorf("workflow: mark backup %s recreated: %w", b.ID, result.Error)
		}
		if result.RowsAffected == 0 {
			return newError(CodeAlreadyRecreated, "backup %s was already recreated", b.ID)
		}
		b.Recreated = true
		b.RecreatedAt = &now
		b.RecreatedBy = actor
		b.RestoredReferenceID = ref
		res.Backup = b

		if err := e.setState(tx, c, target, now); err != nil {
			return err
		}
		res.Case = *c
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("stage recreated", "case_number", owner.CaseNumber, "op", "recreate_stage",
		"from", res.Transition.From(), "to", res.Transition.ToState, "actor", actor, "backup_id", backupID)
	e.publish(ctx, &res.Case, res.Transition, backupID)
	return &res, nil
}

// GetBackup retrieves a backup by ID.
func (e *Engine) GetBackup(ctx context.Context, id string) (*models.StageBackup, error) {
	var b models.StageBackup
	if err := e.db.WithContext(ctx).Where("id = ?", id).First(&b).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newError(CodeBackupNotFound, "backup not found: %s", id)
		}
		return nil, fmt.Errorf("workflow: get backup %s: %w", id, err)
	}
	return &b, nil
}

// GetDeletedStages lists backups matching filter, newest first, with their
// case preloaded.
func (e *Engine) GetDeletedStages(ctx context.Context, filter DeletedStageFilter) ([]models.StageBackup, error) {
	q := e.db.WithContext(ctx).Model(&models.StageBackup{}).Preload("Case")
	if filter.Stage != "" {
		if !e.def.Known(filter.Stage) {
			return nil, newError(CodeInvalidInput, "unknown stage %q", filter.Stage)
		}
		q = q.Where("stage = ?", string(filter.Stage))
	}
	if filter.CaseNumber != "" {
		c, err := e.GetCase(ctx, filter.CaseNumber)
		if err != nil {
			return nil, err
		}
		q = q.Where("case_id = ?", c.ID)
	}
	if !filter.IncludeRecreated {
		q = q.Where("recreated = ?", false)
	}
	var out []models.StageBackup
	if err := q.Order("deleted_at DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("workflow: list deleted stages: %w", err)
	}
	return out, nil
}

// stageRecords returns the live records of stage s on c. The record the
// entering transition referenced comes first.
func (e *Engine) stageRecords(tx *gorm.DB, c *models.CaseRecord, s stage.Stage) ([]models.StageRecord, error) {
	var recs []models.StageRecord
	if err := tx.Where("case_id = ? AND stage = ?", c.ID, string(s)).
		Order("created_at ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("workflow: load %s records of %s: %w", s, c.CaseNumber, err)
	}

	var last models.Transition
	if err := tx.Where("case_id = ?", c.ID).Order("seq DESC").Limit(1).Find(&last).Error; err != nil {
		return nil, fmt.Errorf("workflow: read last transition of %s: %w", c.CaseNumber, err)
	}
	if last.ReferenceID == nil {
		return recs, nil
	}
	for i, r := range recs {
		if r.ID == *last.ReferenceID && i > 0 {
			recs[0], recs[i] = recs[i], recs[0]
			break
		}
	}
	return recs, nil
}
