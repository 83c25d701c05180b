package workflow

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/vespl/caseflow/internal/models"
	"github.com/vespl/caseflow/internal/stage"
)

func TestDeleteAndRecreate_Scenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c1 := h.create(t)
	e1 := h.advance(t, c1.CaseNumber, stage.Estimation, `{"total":1200}`)
	q1 := h.advance(t, c1.CaseNumber, stage.Quotation, `{"price":1500,"valid_days":30}`)

	del, err := h.eng.DeleteStage(ctx, c1.CaseNumber, DeleteStageOpts{
		Stage:  stage.Quotation,
		Actor:  "meera",
		Reason: "wrong pricing",
	})
	require.NoError(t, err)
	assert.Equal(t, string(stage.Estimation), del.Case.CurrentState)
	assert.Equal(t, models.KindRevert, del.Transition.Kind)
	assert.Equal(t, "wrong pricing", del.Transition.Notes)
	assert.Nil(t, del.Transition.ReferenceID)

	backups, err := h.eng.GetDeletedStages(ctx, DeletedStageFilter{Stage: stage.Quotation})
	require.NoError(t, err)
	require.Len(t, backups, 1)
	b := backups[0]
	assert.Equal(t, string(stage.Quotation), b.PreviousState)
	assert.Equal(t, "wrong pricing", b.DeletionReason)
	assert.Equal(t, "meera", b.DeletedBy)
	assert.False(t, b.Recreated)
	assert.Equal(t, c1.CaseNumber, b.Case.CaseNumber)
	assert.Equal(t, SnapshotSchemaVersion, b.SchemaVersion)

	snap, err := DecodeSnapshot(b.SnapshotData, stage.Quotation)
	require.NoError(t, err)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, q1.Record.ID, snap.Records[0].ID)

	// The quotation record is soft-deleted; the estimation record is not.
	var live []models.StageRecord
	require.NoError(t, h.db.Where("case_id = ?", c1.ID).Find(&live).Error)
	ids := make([]string, 0, len(live))
	for _, r := range live {
		ids = append(ids, r.ID)
	}
	assert.Contains(t, ids, e1.Record.ID)
	assert.NotContains(t, ids, q1.Record.ID)

	rec, err := h.eng.RecreateStage(ctx, b.ID, "meera", nil)
	require.NoError(t, err)
	assert.Equal(t, string(stage.Quotation), rec.Case.CurrentState)
	assert.Equal(t, models.KindRestore, rec.Transition.Kind)
	assert.True(t, rec.Backup.Recreated)
	require.Len(t, rec.Records, 1)

	restored := rec.Records[0]
	assert.NotEqual(t, q1.Record.ID, restored.ID)
	assert.Equal(t, q1.Record.DocumentNumber, restored.DocumentNumber)
	assert.JSONEq(t, string(q1.Record.Payload), string(restored.Payload))
	require.NotNil(t, rec.Transition.ReferenceID)
	assert.Equal(t, restored.ID, *rec.Transition.ReferenceID)

	stored, err := h.eng.GetBackup(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, stored.Recreated)
	require.NotNil(t, stored.RestoredReferenceID)
	assert.Equal(t, restored.ID, *stored.RestoredReferenceID)
	assert.Equal(t, "meera", stored.RecreatedBy)

	got, err := h.eng.GetCase(ctx, c1.CaseNumber)
	require.NoError(t, err)
	assert.Equal(t, c1.CaseNumber, got.CaseNumber)
	assert.Equal(t, string(stage.Quotation), got.CurrentState)
	require.NoError(t, h.eng.VerifyChain(ctx, c1.CaseNumber))

	pending, err := h.eng.GetDeletedStages(ctx, DeletedStageFilter{})
	require.NoError(t, err)
	assert.Empty(t, pending)
	all, err := h.eng.GetDeletedStages(ctx, DeletedStageFilter{IncludeRecreated: true, CaseNumber: c1.CaseNumber})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	kinds := make([]string, 0)
	for _, e := range h.rec.Events() {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []string{
		models.KindCreate, models.KindAdvance, models.KindAdvance, models.KindRevert, models.KindRestore,
	}, kinds)
}

func TestRecreateStage_Twice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.create(t)
	h.advance(t, c.CaseNumber, stage.Estimation, `{}`)

	del, err := h.eng.DeleteStage(ctx, c.CaseNumber, DeleteStageOpts{Stage: stage.Estimation, Actor: "ravi", Reason: "duplicate"})
	require.NoError(t, err)

	_, err = h.eng.RecreateStage(ctx, del.Backup.ID, "ravi", nil)
	require.NoError(t, err)
	before, err := h.eng.GetHistory(ctx, c.CaseNumber)
	require.NoError(t, err)

	_, err = h.eng.RecreateStage(ctx, del.Backup.ID, "ravi", nil)
	require.ErrorIs(t, err, ErrAlreadyRecreated)

	after, err := h.eng.GetHistory(ctx, c.CaseNumber)
	require.NoError(t, err)
	assert.Len(t, after, len(before))
}

func TestRecreateStage_Errors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.eng.RecreateStage(ctx, "no-such-backup", "ravi", nil)
	assert.ErrorIs(t, err, ErrBackupNotFound)
	_, err = h.eng.RecreateStage(ctx, "x", "", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	c := h.create(t)
	h.advance(t, c.CaseNumber, stage.Estimation, `{}`)
	h.advance(t, c.CaseNumber, stage.Quotation, `{}`)
	del, err := h.eng.DeleteStage(ctx, c.CaseNumber, DeleteStageOpts{Stage: stage.Quotation, Actor: "ravi", Reason: "redo"})
	require.NoError(t, err)
	require.Equal(t, 4, del.Case.Version)

	_, err = h.eng.RecreateStage(ctx, del.Backup.ID, "ravi", intp(3))
	assert.ErrorIs(t, err, ErrConcurrentModification)

	// The case moved on again; the backup no longer fits.
	h.advance(t, c.CaseNumber, stage.Quotation, `{}`)
	_, err = h.eng.RecreateStage(ctx, del.Backup.ID, "ravi", nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = h.eng.Reject(ctx, c.CaseNumber, "ravi", "lost", nil)
	require.NoError(t, err)
	_, err = h.eng.RecreateStage(ctx, del.Backup.ID, "ravi", nil)
	assert.ErrorIs(t, err, ErrCaseClosed)

	got, err := h.eng.GetBackup(ctx, del.Backup.ID)
	require.NoError(t, err)
	assert.False(t, got.Recreated)
}

func TestDeleteStage_Rules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.create(t)
	h.advance(t, c.CaseNumber, stage.Estimation, `{}`)
	h.advance(t, c.CaseNumber, stage.Quotation, `{}`)

	tests := []struct {
		name string
		opts DeleteStageOpts
		want error
	}{
		{"earlier stage", DeleteStageOpts{Stage: stage.Estimation, Actor: "ravi", Reason: "x"}, ErrStageNotDeletable},
		{"later stage", DeleteStageOpts{Stage: stage.Order, Actor: "ravi", Reason: "x"}, ErrStageNotDeletable},
		{"missing reason", DeleteStageOpts{Stage: stage.Quotation, Actor: "ravi"}, ErrInvalidInput},
		{"missing actor", DeleteStageOpts{Stage: stage.Quotation, Reason: "x"}, ErrInvalidInput},
		{"unknown stage", DeleteStageOpts{Stage: "invoice", Actor: "ravi", Reason: "x"}, ErrInvalidInput},
		{"stale version", DeleteStageOpts{Stage: stage.Quotation, Actor: "ravi", Reason: "x", ExpectedVersion: intp(1)}, ErrConcurrentModification},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.eng.DeleteStage(ctx, c.CaseNumber, tt.opts)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	got, err := h.eng.GetCase(ctx, c.CaseNumber)
	require.NoError(t, err)
	assert.Equal(t, string(stage.Quotation), got.CurrentState)

	backups, err := h.eng.GetDeletedStages(ctx, DeletedStageFilter{IncludeRecreated: true})
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestDeleteStage_EnquiryAndTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.create(t)

	_, err := h.eng.DeleteStage(ctx, c.CaseNumber, DeleteStageOpts{Stage: stage.Enquiry, Actor: "ravi", Reason: "x"})
	assert.ErrorIs(t, err, ErrStageNotDeletable)

	_, err = h.eng.Reject(ctx, c.CaseNumber, "ravi", "spam", nil)
	require.NoError(t, err)
	_, err = h.eng.DeleteStage(ctx, c.CaseNumber, DeleteStageOpts{Stage: stage.Rejected, Actor: "ravi", Reason: "x"})
	assert.ErrorIs(t, err, ErrCaseClosed)
}

func TestDeleteStage_WithoutRecordRecreatesWithoutReference(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.create(t)
	_, err := h.eng.Transition(ctx, c.CaseNumber, TransitionOpts{To: stage.Estimation, Actor: "ravi"})
	require.NoError(t, err)

	del, err := h.eng.DeleteStage(ctx, c.CaseNumber, DeleteStageOpts{Stage: stage.Estimation, Actor: "ravi", Reason: "opened by mistake"})
	require.NoError(t, err)

	rec, err := h.eng.RecreateStage(ctx, del.Backup.ID, "ravi", nil)
	require.NoError(t, err)
	assert.Empty(t, rec.Records)
	assert.Nil(t, rec.Transition.ReferenceID)
	assert.Equal(t, string(stage.Estimation), rec.Case.CurrentState)
}

func TestRecreateStage_LegacySnapshot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.create(t)
	h.advance(t, c.CaseNumber, stage.Estimation, `{}`)
	del, err := h.eng.DeleteStage(ctx, c.CaseNumber, DeleteStageOpts{Stage: stage.Estimation, Actor: "ravi", Reason: "x"})
	require.NoError(t, err)

	// Backups written before snapshots were typed hold the bare record.
	legacy := datatypes.JSON(`{"total":990,"currency":"INR"}`)
	require.NoError(t, h.db.Model(&models.StageBackup{}).Where("id = ?", del.Backup.ID).
		Updates(map[string]interface{}{"snapshot_data": legacy, "schema_version": 0}).Error)

	rec, err := h.eng.RecreateStage(ctx, del.Backup.ID, "ravi", nil)
	require.NoError(t, err)
	require.Len(t, rec.Records, 1)
	assert.JSONEq(t, string(legacy), string(rec.Records[0].Payload))
	assert.Equal(t, "VESPL/ES/2526/002", rec.Records[0].DocumentNumber)
}

func TestDecodeSnapshot(t *testing.T) {
	v1, err := encodeSnapshot(Snapshot{
		SchemaVersion: SnapshotSchemaVersion,
		Kind:          stage.Quotation,
		CaseNumber:    "VESPL/EQ/2526/001",
		Records:       []RecordSnapshot{{ID: "q1", DocumentNumber: "VESPL/QT/2526/004", Payload: json.RawMessage(`{"a":1}`)}},
	})
	require.NoError(t, err)

	tests := []struct {
		name    string
		data    string
		stage   stage.Stage
		records int
		wantErr bool
	}{
		{"v1", string(v1), stage.Quotation, 1, false},
		{"v1 wrong kind", string(v1), stage.Order, 0, true},
		{"legacy object", `{"price":10}`, stage.Quotation, 1, false},
		{"legacy array", `[1,2,3]`, stage.Quotation, 1, false},
		{"empty", ``, stage.Quotation, 0, false},
		{"null", `null`, stage.Quotation, 0, false},
		{"future schema", `{"schema_version":2,"kind":"quotation"}`, stage.Quotation, 0, true},
		{"garbage", `{nope`, stage.Quotation, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := DecodeSnapshot([]byte(tt.data), tt.stage)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, SnapshotSchemaVersion, snap.SchemaVersion)
			assert.Equal(t, tt.stage, snap.Kind)
			assert.Len(t, snap.Records, tt.records)
		})
	}
}
