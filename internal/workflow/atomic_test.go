package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/vespl/caseflow/internal/models"
	"github.com/vespl/caseflow/internal/stage"
)

var errStorage = errors.New("storage write failed")

// failCreatesOf makes every insert of a T fail after the row is written, so
// the enclosing transaction has to undo it and everything before it.
func failCreatesOf[T any](t *testing.T, gdb *gorm.DB) {
	t.Helper()
	name := fmt.Sprintf("caseflow:fail_create_%T", *new(T))
	err := gdb.Callback().Create().After("gorm:create").Register(name, func(tx *gorm.DB) {
		if _, ok := tx.Statement.Dest.(*T); ok {
			tx.AddError(errStorage)
		}
	})
	require.NoError(t, err)
}

type caseSnapshot struct {
	state       string
	version     int
	history     int
	liveRecords []string
	allRecords  int64
	backups     int64
}

func (h *harness) snapshot(t *testing.T, number string) caseSnapshot {
	t.Helper()
	ctx := context.Background()
	c, err := h.eng.GetCase(ctx, number)
	require.NoError(t, err)
	history, err := h.eng.GetHistory(ctx, number)
	require.NoError(t, err)

	snap := caseSnapshot{state: c.CurrentState, version: c.Version, history: len(history)}
	require.NoError(t, h.db.Model(&models.StageRecord{}).Where("case_id = ?", c.ID).
		Order("id").Pluck("id", &snap.liveRecords).Error)
	require.NoError(t, h.db.Unscoped().Model(&models.StageRecord{}).Where("case_id = ?", c.ID).
		Count(&snap.allRecords).Error)
	require.NoError(t, h.db.Model(&models.StageBackup{}).Where("case_id = ?", c.ID).
		Count(&snap.backups).Error)
	return snap
}

func TestTransition_FailedAppendRollsBackRecord(t *testing.T) {
	h := newHarness(t)
	c := h.create(t)
	before := h.snapshot(t, c.CaseNumber)

	failCreatesOf[models.Transition](t, h.db)
	_, err := h.eng.Transition(context.Background(), c.CaseNumber, TransitionOpts{
		To:     stage.Estimation,
		Actor:  "ravi",
		Record: &RecordInput{Payload: json.RawMessage(`{"total":1200}`)},
	})
	require.ErrorIs(t, err, errStorage)
	assert.Empty(t, CodeOf(err))

	after := h.snapshot(t, c.CaseNumber)
	assert.Equal(t, before, after)
	assert.Equal(t, string(stage.Enquiry), after.state)
	assert.Equal(t, 1, after.version)
	assert.Len(t, h.rec.Events(), 1, "only the create event is published")
}

func TestTransition_RolledBackNumberIsReused(t *testing.T) {
	h := newHarness(t)
	c := h.create(t)

	failCreatesOf[models.Transition](t, h.db)
	_, err := h.eng.Transition(context.Background(), c.CaseNumber, TransitionOpts{
		To:     stage.Estimation,
		Actor:  "ravi",
		Record: &RecordInput{},
	})
	require.Error(t, err)
	require.NoError(t, h.db.Callback().Create().Remove("caseflow:fail_create_models.Transition"))

	res := h.advance(t, c.CaseNumber, stage.Estimation, `{}`)
	assert.Equal(t, "VESPL/ES/2526/001", res.Record.DocumentNumber)
}

func TestDeleteStage_FailedBackupRestoresRecords(t *testing.T) {
	h := newHarness(t)
	c := h.create(t)
	h.advance(t, c.CaseNumber, stage.Estimation, `{}`)
	h.advance(t, c.CaseNumber, stage.Quotation, `{"price":1500}`)
	before := h.snapshot(t, c.CaseNumber)

	failCreatesOf[models.StageBackup](t, h.db)
	_, err := h.eng.DeleteStage(context.Background(), c.CaseNumber, DeleteStageOpts{
		Stage:  stage.Quotation,
		Actor:  "meera",
		Reason: "wrong pricing",
	})
	require.ErrorIs(t, err, errStorage)

	after := h.snapshot(t, c.CaseNumber)
	assert.Equal(t, before, after)
	assert.Equal(t, string(stage.Quotation), after.state)
	assert.Len(t, after.liveRecords, 3, "soft-deleted quotation record is live again")
	assert.Zero(t, after.backups)
	require.NoError(t, h.eng.VerifyChain(context.Background(), c.CaseNumber))
}

func TestRecreateStage_FailedAppendKeepsBackupUnused(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.create(t)
	h.advance(t, c.CaseNumber, stage.Estimation, `{}`)
	del, err := h.eng.DeleteStage(ctx, c.CaseNumber, DeleteStageOpts{Stage: stage.Estimation, Actor: "ravi", Reason: "redo"})
	require.NoError(t, err)
	before := h.snapshot(t, c.CaseNumber)

	failCreatesOf[models.Transition](t, h.db)
	_, err = h.eng.RecreateStage(ctx, del.Backup.ID, "ravi", intp(del.Case.Version))
	require.ErrorIs(t, err, errStorage)

	assert.Equal(t, before, h.snapshot(t, c.CaseNumber))
	b, err := h.eng.GetBackup(ctx, del.Backup.ID)
	require.NoError(t, err)
	assert.False(t, b.Recreated)
	assert.Nil(t, b.RestoredReferenceID)
}
