package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"

	"github.com/vespl/caseflow/internal/config"
	"github.com/vespl/caseflow/internal/db"
	"github.com/vespl/caseflow/internal/docid"
	"github.com/vespl/caseflow/internal/events"
	"github.com/vespl/caseflow/internal/logger"
	"github.com/vespl/caseflow/internal/models"
	"github.com/vespl/caseflow/internal/progress"
	"github.com/vespl/caseflow/internal/stage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	db    *gorm.DB
	eng   *Engine
	clock *fakeClock
	rec   *events.Recorder
	logs  *observer.ObservedLogs
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gdb, err := db.Connect(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "workflow.db"),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(gdb))

	core, logs := observer.New(zap.DebugLevel)
	h := &harness{
		db:    gdb,
		clock: &fakeClock{now: time.Date(2025, time.June, 2, 9, 0, 0, 0, time.UTC)},
		rec:   &events.Recorder{},
		logs:  logs,
	}
	h.eng, err = New(gdb, Options{
		DocIDs:    docid.New("VESPL"),
		Publisher: h.rec,
		Logger:    logger.NewWithCore(core),
		Clock:     h.clock.Now,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) create(t *testing.T) *models.CaseRecord {
	t.Helper()
	res, err := h.eng.CreateCase(context.Background(), CreateCaseOpts{
		Client:  "ACME",
		Project: "Boiler retrofit",
		Actor:   "asha",
	})
	require.NoError(t, err)
	return &res.Case
}

func (h *harness) advance(t *testing.T, number string, to stage.Stage, payload string) *Result {
	t.Helper()
	h.clock.Advance(time.Hour)
	res, err := h.eng.Transition(context.Background(), number, TransitionOpts{
		To:     to,
		Actor:  "ravi",
		Record: &RecordInput{Payload: json.RawMessage(payload)},
	})
	require.NoError(t, err)
	return res
}

func intp(v int) *int { return &v }

func TestNew_RequiresDocIDs(t *testing.T) {
	_, err := New(&gorm.DB{}, Options{})
	require.Error(t, err)

	_, err = New(nil, Options{DocIDs: docid.New("X")})
	require.Error(t, err)
}

func TestCreateCase(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.eng.CreateCase(ctx, CreateCaseOpts{Client: "ACME", Project: "Boiler retrofit", Actor: "asha", Notes: "walk-in"})
	require.NoError(t, err)

	assert.Equal(t, "VESPL/EQ/2526/001", res.Case.CaseNumber)
	assert.Equal(t, string(stage.Enquiry), res.Case.CurrentState)
	assert.Equal(t, 1, res.Case.Version)
	assert.Nil(t, res.Transition.FromState)
	assert.Equal(t, string(stage.Enquiry), res.Transition.ToState)
	assert.Equal(t, models.KindCreate, res.Transition.Kind)
	assert.Equal(t, 1, res.Transition.Seq)
	assert.Zero(t, res.Transition.DurationInState)
	require.NotNil(t, res.Transition.ReferenceID)
	assert.Equal(t, res.Record.ID, *res.Transition.ReferenceID)
	assert.Equal(t, stage.Version, res.Transition.StageVersion)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(res.Record.Payload, &payload))
	assert.Equal(t, "ACME", payload["client"])

	second, err := h.eng.CreateCase(ctx, CreateCaseOpts{Client: "Globex", Actor: "asha"})
	require.NoError(t, err)
	assert.Equal(t, "VESPL/EQ/2526/002", second.Case.CaseNumber)

	evts := h.rec.Events()
	require.Len(t, evts, 2)
	assert.Equal(t, models.KindCreate, evts[0].Kind)
	assert.Equal(t, res.Case.CaseNumber, evts[0].CaseNumber)
}

func TestCreateCase_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.eng.CreateCase(ctx, CreateCaseOpts{Client: "ACME"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = h.eng.CreateCase(ctx, CreateCaseOpts{Actor: "asha"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = h.eng.CreateCase(ctx, CreateCaseOpts{Client: "ACME", Actor: "asha", Payload: json.RawMessage("{bad")})
	assert.ErrorIs(t, err, ErrInvalidInput)

	cases, err := h.eng.ListCases(ctx, CaseFilter{})
	require.NoError(t, err)
	assert.Empty(t, cases)
}

func TestTransition_HappyPathToClosed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.create(t)

	for _, s := range []stage.Stage{stage.Estimation, stage.Quotation, stage.Order, stage.Production, stage.Delivery} {
		res := h.advance(t, c.CaseNumber, s, `{"k":"v"}`)
		assert.Equal(t, string(s), res.Case.CurrentState)
		assert.Equal(t, models.KindAdvance, res.Transition.Kind)
		assert.Nil(t, res.Case.ClosedAt)
	}

	h.clock.Advance(time.Hour)
	closed, err := h.eng.Close(ctx, c.CaseNumber, "ravi", nil)
	require.NoError(t, err)
	assert.Equal(t, string(stage.Closed), closed.Case.CurrentState)
	assert.Equal(t, models.KindClose, closed.Transition.Kind)
	require.NotNil(t, closed.Case.ClosedAt)
	assert.Equal(t, 7, closed.Case.Version)

	_, err = h.eng.Transition(ctx, c.CaseNumber, TransitionOpts{To: stage.Rejected, Actor: "ravi"})
	assert.ErrorIs(t, err, ErrCaseClosed)

	stored, err := h.eng.GetCase(ctx, c.CaseNumber)
	require.NoError(t, err)
	require.NotNil(t, stored.ClosedAt)
	assert.True(t, stored.ClosedAt.Equal(h.clock.Now()))
}

func TestTransition_InvalidEdgeLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.create(t)

	_, err := h.eng.Transition(ctx, c.CaseNumber, TransitionOpts{To: stage.Production, Actor: "ravi"})
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, CodeInvalidTransition, CodeOf(err))

	stored, err := h.eng.GetCase(ctx, c.CaseNumber)
	require.NoError(t, err)
	assert.Equal(t, string(stage.Enquiry), stored.CurrentState)
	assert.Equal(t, 1, stored.Version)

	history, err := h.eng.GetHistory(ctx, c.CaseNumber)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestTransition_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.create(t)

	tests := []struct {
		name string
		opts TransitionOpts
		want error
	}{
		{"missing actor", TransitionOpts{To: stage.Estimation}, ErrInvalidInput},
		{"unknown stage", TransitionOpts{To: "invoice", Actor: "ravi"}, ErrInvalidInput},
		{"reference and record", TransitionOpts{To: stage.Estimation, Actor: "ravi", ReferenceID: "x", Record: &RecordInput{}}, ErrInvalidInput},
		{"bad payload", TransitionOpts{To: stage.Estimation, Actor: "ravi", Record: &RecordInput{Payload: json.RawMessage("{")}}, ErrInvalidInput},
		{"dangling reference", TransitionOpts{To: stage.Estimation, Actor: "ravi", ReferenceID: "missing"}, ErrInvalidInput},
		{"backwards", TransitionOpts{To: stage.Enquiry, Actor: "ravi"}, ErrInvalidTransition},
		{"stale version", TransitionOpts{To: stage.Estimation, Actor: "ravi", ExpectedVersion: intp(5)}, ErrConcurrentModification},
		{"record on rejection", TransitionOpts{To: stage.Rejected, Actor: "ravi", Record: &RecordInput{Payload: json.RawMessage(`{"why":"lost"}`)}}, ErrInvalidInput},
		{"record on close", TransitionOpts{To: stage.Closed, Actor: "ravi", Record: &RecordInput{}}, ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.eng.Transition(ctx, c.CaseNumber, tt.opts)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, CodeOf(tt.want), CodeOf(err))
		})
	}

	stored, err := h.eng.GetCase(ctx, c.CaseNumber)
	require.NoError(t, err)
	assert.Equal(t, string(stage.Enquiry), stored.CurrentState)

	_, err = h.eng.Transition(ctx, "VESPL/EQ/2526/999", TransitionOpts{To: stage.Estimation, Actor: "ravi"})
	assert.ErrorIs(t, err, ErrCaseNotFound)
}

func TestTransition_ReferenceToSavedRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.create(t)

	_, err := h.eng.SaveStageRecord(ctx, c.CaseNumber, stage.Quotation, "ravi", RecordInput{})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = h.eng.SaveStageRecord(ctx, c.CaseNumber, stage.Rejected, "ravi", RecordInput{})
	assert.ErrorIs(t, err, ErrInvalidInput)

	rec, err := h.eng.SaveStageRecord(ctx, c.CaseNumber, stage.Estimation, "ravi", RecordInput{Payload: json.RawMessage(`{"total":1200}`)})
	require.NoError(t, err)
	assert.Equal(t, "VESPL/ES/2526/001", rec.DocumentNumber)

	res, err := h.eng.Transition(ctx, c.CaseNumber, TransitionOpts{To: stage.Estimation, Actor: "ravi", ReferenceID: rec.ID})
	require.NoError(t, err)
	require.NotNil(t, res.Transition.ReferenceID)
	assert.Equal(t, rec.ID, *res.Transition.ReferenceID)

	// A record of one stage cannot back a transition into another.
	_, err = h.eng.Transition(ctx, c.CaseNumber, TransitionOpts{To: stage.Quotation, Actor: "ravi", ReferenceID: rec.ID})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestTransition_DurationInState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	start := h.clock.Now()
	c := h.create(t)

	h.clock.Advance(90 * time.Minute)
	_, err := h.eng.Transition(ctx, c.CaseNumber, TransitionOpts{To: stage.Estimation, Actor: "ravi"})
	require.NoError(t, err)
	h.clock.Advance(30 * time.Hour)
	_, err = h.eng.Transition(ctx, c.CaseNumber, TransitionOpts{To: stage.Quotation, Actor: "ravi"})
	require.NoError(t, err)
	h.clock.Advance(15 * time.Minute)
	_, err = h.eng.Reject(ctx, c.CaseNumber, "meera", "client went elsewhere", nil)
	require.NoError(t, err)

	history, err := h.eng.GetHistory(ctx, c.CaseNumber)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, time.Duration(0), history[0].Duration())
	assert.Equal(t, 90*time.Minute, history[1].Duration())
	assert.Equal(t, 30*time.Hour, history[2].Duration())
	assert.Equal(t, 15*time.Minute, history[3].Duration())
	assert.Equal(t, "client went elsewhere", history[3].Notes)
	assert.Equal(t, models.KindReject, history[3].Kind)

	stored, err := h.eng.GetCase(ctx, c.CaseNumber)
	require.NoError(t, err)
	require.NotNil(t, stored.ClosedAt)
	assert.Equal(t, stored.ClosedAt.Sub(start).Milliseconds(), progress.TotalDuration(history))
	assert.True(t, stored.CreatedAt.Equal(start))
}

func TestTransition_ChainReplaysToCurrentState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.create(t)
	h.advance(t, c.CaseNumber, stage.Estimation, `{}`)
	h.advance(t, c.CaseNumber, stage.Quotation, `{}`)
	_, err := h.eng.DeleteStage(ctx, c.CaseNumber, DeleteStageOpts{Stage: stage.Quotation, Actor: "ravi", Reason: "typo"})
	require.NoError(t, err)
	h.advance(t, c.CaseNumber, stage.Quotation, `{}`)
	h.advance(t, c.CaseNumber, stage.Order, `{}`)

	history, err := h.eng.GetHistory(ctx, c.CaseNumber)
	require.NoError(t, err)
	for i := 1; i < len(history); i++ {
		assert.Equal(t, history[i-1].ToState, history[i].From(), "row %d", i)
		assert.Equal(t, history[i-1].Seq+1, history[i].Seq)
	}
	end, err := progress.Replay(history)
	require.NoError(t, err)
	assert.Equal(t, stage.Order, end)
	require.NoError(t, h.eng.VerifyChain(ctx, c.CaseNumber))
}

func TestVerifyChain_DetectsOutOfBandUpdate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.create(t)
	h.advance(t, c.CaseNumber, stage.Estimation, `{}`)

	require.NoError(t, h.db.Model(&models.CaseRecord{}).Where("id = ?", c.ID).
		Update("current_state", string(stage.Order)).Error)

	err := h.eng.VerifyChain(ctx, c.CaseNumber)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log ends in estimation")

	// The engine refuses to extend a chain that no longer matches.
	_, err = h.eng.Transition(ctx, c.CaseNumber, TransitionOpts{To: stage.Production, Actor: "ravi"})
	require.Error(t, err)
	assert.Empty(t, CodeOf(err))
	assert.Equal(t, 1, h.logs.FilterMessage("mutation failed").Len())
}

func TestTransition_ConcurrentStaleVersion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.create(t)

	read, err := h.eng.GetCase(ctx, c.CaseNumber)
	require.NoError(t, err)
	stale := read.Version

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.eng.Transition(ctx, c.CaseNumber, TransitionOpts{
				To:              stage.Estimation,
				Actor:           "ravi",
				ExpectedVersion: intp(stale),
			})
		}(i)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrConcurrentModification):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)

	history, err := h.eng.GetHistory(ctx, c.CaseNumber)
	require.NoError(t, err)
	assert.Len(t, history, 2)
	assert.Zero(t, h.eng.locks.size())
}

func TestTransition_DifferentCasesConcurrently(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t)
	b := h.create(t)

	var wg sync.WaitGroup
	for _, number := range []string{a.CaseNumber, b.CaseNumber} {
		wg.Add(1)
		go func(number string) {
			defer wg.Done()
			_, err := h.eng.Transition(ctx, number, TransitionOpts{To: stage.Estimation, Actor: "ravi"})
			assert.NoError(t, err)
		}(number)
	}
	wg.Wait()

	for _, number := range []string{a.CaseNumber, b.CaseNumber} {
		got, err := h.eng.GetCase(ctx, number)
		require.NoError(t, err)
		assert.Equal(t, string(stage.Estimation), got.CurrentState)
	}
}

func TestAssign(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.create(t)

	got, err := h.eng.Assign(ctx, c.CaseNumber, "ravi", intp(1))
	require.NoError(t, err)
	assert.Equal(t, "ravi", got.Assignee)
	assert.Equal(t, 2, got.Version)

	// Re-assigning the owner is a no-op even with a stale read.
	again, err := h.eng.Assign(ctx, c.CaseNumber, "ravi", intp(1))
	require.NoError(t, err)
	assert.Equal(t, 2, again.Version)

	_, err = h.eng.Assign(ctx, c.CaseNumber, "meera", intp(1))
	assert.ErrorIs(t, err, ErrConcurrentModification)

	_, err = h.eng.Assign(ctx, c.CaseNumber, "", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = h.eng.Reject(ctx, c.CaseNumber, "ravi", "duplicate", nil)
	require.NoError(t, err)
	_, err = h.eng.Assign(ctx, c.CaseNumber, "meera", nil)
	assert.ErrorIs(t, err, ErrCaseClosed)

	history, err := h.eng.GetHistory(ctx, c.CaseNumber)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestListCases(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t)
	h.clock.Advance(time.Minute)
	b := h.create(t)
	h.advance(t, b.CaseNumber, stage.Estimation, `{}`)
	_, err := h.eng.Assign(ctx, a.CaseNumber, "meera", nil)
	require.NoError(t, err)

	all, err := h.eng.ListCases(ctx, CaseFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, b.CaseNumber, all[0].CaseNumber)

	est, err := h.eng.ListCases(ctx, CaseFilter{State: string(stage.Estimation)})
	require.NoError(t, err)
	require.Len(t, est, 1)
	assert.Equal(t, b.CaseNumber, est[0].CaseNumber)

	mine, err := h.eng.ListCases(ctx, CaseFilter{Assignee: "meera"})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, a.CaseNumber, mine[0].CaseNumber)

	byID, err := h.eng.GetCaseByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.CaseNumber, byID.CaseNumber)
	_, err = h.eng.GetCaseByID(ctx, 9999)
	assert.ErrorIs(t, err, ErrCaseNotFound)
}

func TestGetWorkflowProgress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.create(t)
	h.advance(t, c.CaseNumber, stage.Estimation, `{}`)
	h.advance(t, c.CaseNumber, stage.Quotation, `{}`)

	first, err := h.eng.GetWorkflowProgress(ctx, c.CaseNumber)
	require.NoError(t, err)
	assert.Equal(t, 3, first.CompletedCount)
	assert.Equal(t, 7, first.TotalStages)
	assert.InDelta(t, 42.86, first.Percentage, 0.001)

	second, err := h.eng.GetWorkflowProgress(ctx, c.CaseNumber)
	require.NoError(t, err)
	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.JSONEq(t, string(a), string(b))

	_, err = h.eng.DeleteStage(ctx, c.CaseNumber, DeleteStageOpts{Stage: stage.Quotation, Actor: "ravi", Reason: "wrong pricing"})
	require.NoError(t, err)
	after, err := h.eng.GetWorkflowProgress(ctx, c.CaseNumber)
	require.NoError(t, err)
	assert.Equal(t, 2, after.CompletedCount)
	assert.False(t, after.Stages[2].Completed)
}

func TestGetWorkflowProgress_UnreferencedRecordDoesNotCount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.create(t)
	h.advance(t, c.CaseNumber, stage.Estimation, `{}`)

	quote, err := h.eng.SaveStageRecord(ctx, c.CaseNumber, stage.Quotation, "ravi", RecordInput{Payload: json.RawMessage(`{"price":1500}`)})
	require.NoError(t, err)

	rep, err := h.eng.GetWorkflowProgress(ctx, c.CaseNumber)
	require.NoError(t, err)
	assert.Equal(t, stage.Estimation, rep.CurrentState)
	assert.Equal(t, 2, rep.CompletedCount)
	assert.InDelta(t, 28.57, rep.Percentage, 0.001)
	assert.False(t, rep.Stages[2].Completed)
	assert.Empty(t, rep.Stages[2].ReferenceID)

	_, err = h.eng.Transition(ctx, c.CaseNumber, TransitionOpts{To: stage.Quotation, Actor: "ravi", ReferenceID: quote.ID})
	require.NoError(t, err)
	rep, err = h.eng.GetWorkflowProgress(ctx, c.CaseNumber)
	require.NoError(t, err)
	assert.True(t, rep.Stages[2].Completed)
	assert.Equal(t, quote.ID, rep.Stages[2].ReferenceID)
	assert.Equal(t, 3, rep.CompletedCount)
}
