// Package workflow is the case-lifecycle engine. Every mutation of a case
// (creation, transition, assignment, stage deletion and recreation) goes
// through an Engine, which validates it against the stage definition and
// commits the stage record, the transition log row and the case state as
// one database transaction.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vespl/caseflow/internal/docid"
	"github.com/vespl/caseflow/internal/events"
	"github.com/vespl/caseflow/internal/logger"
	"github.com/vespl/caseflow/internal/models"
	"github.com/vespl/caseflow/internal/stage"
)

// Options configures an Engine. DocIDs is required.
type Options struct {
	DocIDs     *docid.Generator
	Definition *stage.Definition
	Publisher  events.Publisher
	Logger     *logger.Logger
	Clock      func() time.Time
}

// Engine owns all case mutations.
type Engine struct {
	db    *gorm.DB
	def   *stage.Definition
	ids   *docid.Generator
	pub   events.Publisher
	log   *logger.Logger
	now   func() time.Time
	locks *caseLocks
}

// New builds an Engine over db.
func New(db *gorm.DB, opts Options) (*Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("workflow: db is required")
	}
	if opts.DocIDs == nil {
		return nil, fmt.Errorf("workflow: document ID generator is required")
	}
	if opts.Definition == nil {
		opts.Definition = stage.Default
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Engine{
		db:    db,
		def:   opts.Definition,
		ids:   opts.DocIDs,
		pub:   opts.Publisher,
		log:   opts.Logger.With("service", "workflow"),
		now:   opts.Clock,
		locks: newCaseLocks(),
	}, nil
}

// Definition returns the stage definition the engine validates against.
func (e *Engine) Definition() *stage.Definition { return e.def }

// CreateCaseOpts holds parameters for opening a new case.
type CreateCaseOpts struct {
	Client  string
	Project string
	Actor   string
	Notes   string
	Payload json.RawMessage // enquiry content; defaults to client and project
}

// RecordInput is the business content of a stage record. An empty
// DocumentNumber is assigned from the stage's document type.
type RecordInput struct {
	DocumentNumber string
	Payload        json.RawMessage
}

// TransitionOpts holds parameters for moving a case to a new stage.
// ReferenceID links an already persisted stage record; Record persists one
// in the same transaction. At most one may be set.
type TransitionOpts struct {
	To              stage.Stage
	Actor           string
	Notes           string
	ReferenceID     string
	Record          *RecordInput
	ExpectedVersion *int
}

// Result is the outcome of a mutation.
type Result struct {
	Case       models.CaseRecord
	Transition *models.Transition
	Record     *models.StageRecord
}

// CaseFilter holds optional filters for listing cases.
type CaseFilter struct {
	State    string
	Assignee string
	Client   string
}

// CreateCase opens a case in enquiry. It assigns the case number, writes the
// enquiry record and the opening transition atomically.
func (e *Engine) CreateCase(ctx context.Context, opts CreateCaseOpts) (*Result, error) {
	if opts.Actor == "" {
		return nil, newError(CodeInvalidInput, "actor is required")
	}
	if opts.Client == "" {
		return nil, newError(CodeInvalidInput, "client is required")
	}
	payload := opts.Payload
	if len(payload) == 0 {
		raw, err := json.Marshal(map[string]string{"client": opts.Client, "project": opts.Project})
		if err != nil {
			return nil, fmt.Errorf("workflow: encode enquiry: %w", err)
		}
		payload = raw
	} else if !json.Valid(payload) {
		return nil, newError(CodeInvalidInput, "enquiry payload is not valid JSON")
	}

	now := e.now()
	var res Result
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		number, err := e.ids.Next(tx, e.def.DocType(stage.Enquiry), now)
		if err != nil {
			return err
		}
		res.Case = models.CaseRecord{
			CaseNumber:   number,
			ClientRef:    opts.Client,
			ProjectName:  opts.Project,
			CurrentState: string(stage.Enquiry),
			Version:      1,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := tx.Create(&res.Case).Error; err != nil {
			return fmt.Errorf("workflow: create case %s: %w", number, err)
		}
		rec, err := e.insertRecord(tx, &res.Case, stage.Enquiry, opts.Actor, RecordInput{DocumentNumber: number, Payload: payload}, now)
		if err != nil {
			return err
		}
		res.Record = rec
		tr, err := e.appendTransition(tx, &res.Case, stage.Enquiry, models.KindCreate, opts.Actor, opts.Notes, &rec.ID, now)
		if err != nil {
			return err
		}
		res.Transition = tr
		return nil
	})
	if err != nil {
		e.logFailure("create_case", "", err)
		return nil, err
	}

	e.log.Info("case created", "case_number", res.Case.CaseNumber, "op", "create_case", "actor", opts.Actor)
	e.publish(ctx, &res.Case, res.Transition, "")
	return &res, nil
}

// Transition moves a case along an ordinary edge of the stage definition.
// Terminal targets also set closed_at.
func (e *Engine) Transition(ctx context.Context, caseNumber string, opts TransitionOpts) (*Result, error) {
	if opts.Actor == "" {
		return nil, newError(CodeInvalidInput, "actor is required")
	}
	if !e.def.Known(opts.To) {
		return nil, newError(CodeInvalidInput, "unknown stage %q", opts.To)
	}
	if opts.ReferenceID != "" && opts.Record != nil {
		return nil, newError(CodeInvalidInput, "reference_id and record are mutually exclusive")
	}
	if opts.Record != nil && len(opts.Record.Payload) > 0 && !json.Valid(opts.Record.Payload) {
		return nil, newError(CodeInvalidInput, "record payload is not valid JSON")
	}
	if opts.Record != nil && !e.takesRecord(opts.To) {
		return nil, newError(CodeInvalidInput, "stage %s does not take a record", opts.To)
	}

	var res Result
	err := e.mutate(ctx, "transition", caseNumber, func(tx *gorm.DB, c *models.CaseRecord, now time.Time) error {
		from := stage.Stage(c.CurrentState)
		if e.def.IsTerminal(from) {
			return newError(CodeCaseClosed, "case %s is %s", c.CaseNumber, from)
		}
		if err := checkVersion(c, opts.ExpectedVersion); err != nil {
			return err
		}
		if !e.def.ValidTransition(from, opts.To) {
			return newError(CodeInvalidTransition, "cannot move case %s from %s to %s; valid targets: %v",
				c.CaseNumber, from, opts.To, e.def.ValidTargets(from))
		}

		var ref *string
		switch {
		case opts.Record != nil:
			rec, err := e.insertRecord(tx, c, opts.To, opts.Actor, *opts.Record, now)
			if err != nil {
				return err
			}
			res.Record = rec
			ref = &rec.ID
		case opts.ReferenceID != "":
			rec, err := e.liveRecord(tx, c, opts.ReferenceID)
			if err != nil {
				return err
			}
			if rec.Stage != string(opts.To) {
				return newError(CodeInvalidInput, "record %s belongs to stage %s, not %s", rec.ID, rec.Stage, opts.To)
			}
			res.Record = rec
			ref = &rec.ID
		}

		tr, err := e.appendTransition(tx, c, opts.To, kindFor(opts.To), opts.Actor, opts.Notes, ref, now)
		if err != nil {
			return err
		}
		res.Transition = tr
		if err := e.setState(tx, c, opts.To, now); err != nil {
			return err
		}
		res.Case = *c
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("case transitioned", "case_number", caseNumber, "op", "transition",
		"from", res.Transition.From(), "to", res.Transition.ToState, "actor", opts.Actor)
	e.publish(ctx, &res.Case, res.Transition, "")
	return &res, nil
}

// Close moves a case from delivery to closed.
func (e *Engine) Close(ctx context.Context, caseNumber, actor string, expectedVersion *int) (*Result, error) {
	return e.Transition(ctx, caseNumber, TransitionOpts{
		To:              stage.Closed,
		Actor:           actor,
		ExpectedVersion: expectedVersion,
	})
}

// Reject moves a non-terminal case to rejected.
func (e *Engine) Reject(ctx context.Context, caseNumber, actor, reason string, expectedVersion *int) (*Result, error) {
	return e.Transition(ctx, caseNumber, TransitionOpts{
		To:              stage.Rejected,
		Actor:           actor,
		Notes:           reason,
		ExpectedVersion: expectedVersion,
	})
}

// Assign makes actor the case owner. Assigning the current owner again is a
// no-op and does not bump the version.
func (e *Engine) Assign(ctx context.Context, caseNumber, actor string, expectedVersion *int) (*models.CaseRecord, error) {
	if actor == "" {
		return nil, newError(CodeInvalidInput, "actor is required")
	}

	var out models.CaseRecord
	changed := false
	err := e.mutate(ctx, "assign", caseNumber, func(tx *gorm.DB, c *models.CaseRecord, now time.Time) error {
		if c.Assignee == actor {
			out = *c
			return nil
		}
		if e.def.IsTerminal(stage.Stage(c.CurrentState)) {
			return newError(CodeCaseClosed, "case %s is %s", c.CaseNumber, c.CurrentState)
		}
		if err := checkVersion(c, expectedVersion); err != nil {
			return err
		}
		if err := e.bumpVersion(tx, c, map[string]interface{}{"assignee": actor}, now); err != nil {
			return err
		}
		c.Assignee = actor
		out = *c
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		e.log.Info("case assigned", "case_number", caseNumber, "op", "assign", "actor", actor)
	}
	return &out, nil
}

// SaveStageRecord persists a stage record ahead of the transition that will
// reference it. The record must be for the stage the case can move to next.
func (e *Engine) SaveStageRecord(ctx context.Context, caseNumber string, s stage.Stage, actor string, in RecordInput) (*models.StageRecord, error) {
	if actor == "" {
		return nil, newError(CodeInvalidInput, "actor is required")
	}
	if len(in.Payload) > 0 && !json.Valid(in.Payload) {
		return nil, newError(CodeInvalidInput, "record payload is not valid JSON")
	}
	if e.def.Known(s) && !e.takesRecord(s) {
		return nil, newError(CodeInvalidInput, "stage %s does not take a record", s)
	}
	c, err := e.GetCase(ctx, caseNumber)
	if err != nil {
		return nil, err
	}
	if e.def.IsTerminal(stage.Stage(c.CurrentState)) {
		return nil, newError(CodeCaseClosed, "case %s is %s", c.CaseNumber, c.CurrentState)
	}
	if !e.def.ValidTransition(stage.Stage(c.CurrentState), s) {
		return nil, newError(CodeInvalidTransition, "case %s in %s cannot take a %s record", c.CaseNumber, c.CurrentState, s)
	}

	var rec *models.StageRecord
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		rec, err = e.insertRecord(tx, c, s, actor, in, e.now())
		return err
	})
	if err != nil {
		e.logFailure("save_stage_record", caseNumber, err)
		return nil, err
	}
	return rec, nil
}

// GetCase retrieves a case by case number.
func (e *Engine) GetCase(ctx context.Context, caseNumber string) (*models.CaseRecord, error) {
	var c models.CaseRecord
	if err := e.db.WithContext(ctx).Where("case_number = ?", caseNumber).First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newError(CodeCaseNotFound, "case not found: %s", caseNumber)
		}
		return nil, fmt.Errorf("workflow: get case %s: %w", caseNumber, err)
	}
	return &c, nil
}

// GetCaseByID retrieves a case by its numeric ID.
func (e *Engine) GetCaseByID(ctx context.Context, id uint) (*models.CaseRecord, error) {
	var c models.CaseRecord
	if err := e.db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newError(CodeCaseNotFound, "case not found: #%d", id)
		}
		return nil, fmt.Errorf("workflow: get case #%d: %w", id, err)
	}
	return &c, nil
}

// ListCases returns cases matching the filters, newest first.
func (e *Engine) ListCases(ctx context.Context, filter CaseFilter) ([]models.CaseRecord, error) {
	q := e.db.WithContext(ctx).Model(&models.CaseRecord{})
	if filter.State != "" {
		q = q.Where("current_state = ?", filter.State)
	}
	if filter.Assignee != "" {
		q = q.Where("assignee = ?", filter.Assignee)
	}
	if filter.Client != "" {
		q = q.Where("client_ref = ?", filter.Client)
	}
	var cases []models.CaseRecord
	if err := q.Order("created_at DESC, id DESC").Find(&cases).Error; err != nil {
		return nil, fmt.Errorf("workflow: list cases: %w", err)
	}
	return cases, nil
}

// GetHistory returns the transition log of a case in order.
func (e *Engine) GetHistory(ctx context.Context, caseNumber string) ([]models.Transition, error) {
	c, err := e.GetCase(ctx, caseNumber)
	if err != nil {
		return nil, err
	}
	return e.history(e.db.WithContext(ctx), c.ID)
}

func (e *Engine) history(db *gorm.DB, caseID uint) ([]models.Transition, error) {
	var out []models.Transition
	if err := db.Where("case_id = ?", caseID).Order("seq ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("workflow: history of case #%d: %w", caseID, err)
	}
	return out, nil
}

// mutateFunc runs inside the case's transaction with the row locked.
type mutateFunc func(tx *gorm.DB, c *models.CaseRecord, now time.Time) error

// mutate serializes fn per case: an in-process lock keyed by case number,
// then a transaction holding the case row FOR UPDATE. Any error rolls the
// whole unit back.
func (e *Engine) mutate(ctx context.Context, op, caseNumber string, fn mutateFunc) error {
	unlock := e.locks.lock(caseNumber)
	defer unlock()

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c models.CaseRecord
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("case_number = ?", caseNumber).
			First(&c).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return newError(CodeCaseNotFound, "case not found: %s", caseNumber)
			}
			return fmt.Errorf("workflow: lock case %s: %w", caseNumber, err)
		}
		return fn(tx, &c, e.now())
	})
	if err != nil {
		e.logFailure(op, caseNumber, err)
	}
	return err
}

// checkVersion enforces the caller's optimistic read. A nil expected
// version skips the check; the HTTP and CLI surfaces always supply one.
func checkVersion(c *models.CaseRecord, expected *int) error {
	if expected != nil && *expected != c.Version {
		return newError(CodeConcurrentModification, "case %s is at version %d, caller read %d",
			c.CaseNumber, c.Version, *expected)
	}
	return nil
}

// appendTransition writes the next ledger row for c. DurationInState is the
// time since the previous row, i.e. the time spent in the from state.
func (e *Engine) appendTransition(tx *gorm.DB, c *models.CaseRecord, to stage.Stage, kind, actor, notes string, ref *string, now time.Time) (*models.Transition, error) {
	tr := models.Transition{
		ID:             uuid.NewString(),
		CaseID:         c.ID,
		Seq:            1,
		ToState:        string(to),
		Kind:           kind,
		TransitionedBy: actor,
		TransitionDate: now,
		Notes:          notes,
		ReferenceID:    ref,
		StageVersion:   e.def.Version(),
	}

	var last models.Transition
	err := tx.Where("case_id = ?", c.ID).Order("seq DESC").Limit(1).Find(&last).Error
	if err != nil {
		return nil, fmt.Errorf("workflow: read last transition of %s: %w", c.CaseNumber, err)
	}
	if last.ID != "" {
		if last.ToState != c.CurrentState {
			return nil, fmt.Errorf("workflow: case %s chain broken: state %s but last transition enters %s",
				c.CaseNumber, c.CurrentState, last.ToState)
		}
		from := last.ToState
		tr.FromState = &from
		tr.Seq = last.Seq + 1
		if d := now.Sub(last.TransitionDate); d > 0 {
			tr.DurationInState = d.Milliseconds()
		}
	}

	if err := tx.Create(&tr).Error; err != nil {
		return nil, fmt.Errorf("workflow: append transition to %s: %w", c.CaseNumber, err)
	}
	return &tr, nil
}

// setState moves c to s under the version guard.
func (e *Engine) setState(tx *gorm.DB, c *models.CaseRecord, s stage.Stage, now time.Time) error {
	updates := map[string]interface{}{"current_state": string(s)}
	if e.def.IsTerminal(s) {
		updates["closed_at"] = now
	}
	if err := e.bumpVersion(tx, c, updates, now); err != nil {
		return err
	}
	c.CurrentState = string(s)
	if e.def.IsTerminal(s) {
		c.ClosedAt = &now
	}
	return nil
}

// bumpVersion applies updates only if the row still holds c.Version.
func (e *Engine) bumpVersion(tx *gorm.DB, c *models.CaseRecord, updates map[string]interface{}, now time.Time) error {
	updates["version"] = c.Version + 1
	updates["updated_at"] = now
	result := tx.Model(&models.CaseRecord{}).
		Where("id = ? AND version = ?", c.ID, c.Version).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("workflow: update case %s: %w", c.CaseNumber, result.Error)
	}
	if result.RowsAffected == 0 {
		return newError(CodeConcurrentModification, "case %s changed underneath version %d", c.CaseNumber, c.Version)
	}
	c.Version++
	c.UpdatedAt = now
	return nil
}

func (e *Engine) insertRecord(tx *gorm.DB, c *models.CaseRecord, s stage.Stage, actor string, in RecordInput, now time.Time) (*models.StageRecord, error) {
	number := in.DocumentNumber
	if number == "" {
		var err error
		number, err = e.ids.Next(tx, e.def.DocType(s), now)
		if err != nil {
			return nil, err
		}
	}
	payload := in.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	rec := models.StageRecord{
		ID:             uuid.NewString(),
		CaseID:         c.ID,
		Stage:          string(s),
		DocumentNumber: number,
		Payload:        datatypes.JSON(payload),
		CreatedBy:      actor,
		CreatedAt:      now,
	}
	if err := tx.Create(&rec).Error; err != nil {
		return nil, fmt.Errorf("workflow: create %s record for %s: %w", s, c.CaseNumber, err)
	}
	return &rec, nil
}

// liveRecord loads a non-deleted stage record belonging to c.
func (e *Engine) liveRecord(tx *gorm.DB, c *models.CaseRecord, id string) (*models.StageRecord, error) {
	var rec models.StageRecord
	if err := tx.Where("id = ? AND case_id = ?", id, c.ID).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newError(CodeInvalidInput, "no live stage record %s on case %s", id, c.CaseNumber)
		}
		return nil, fmt.Errorf("workflow: load record %s: %w", id, err)
	}
	return &rec, nil
}

// takesRecord reports whether s is backed by a numbered stage record.
// Terminal stages are not.
func (e *Engine) takesRecord(s stage.Stage) bool {
	return !e.def.IsTerminal(s) && e.def.DocType(s) != ""
}

func kindFor(to stage.Stage) string {
	switch to {
	case stage.Closed:
		return models.KindClose
	case stage.Rejected:
		return models.KindReject
	default:
		return models.KindAdvance
	}
}

// logFailure logs persistence failures at error level. Business-rule
// rejections are expected traffic and only reach debug.
func (e *Engine) logFailure(op, caseNumber string, err error) {
	if code := CodeOf(err); code != "" {
		e.log.Debug("mutation rejected", "case_number", caseNumber, "op", op, "code", string(code), "error", err)
		return
	}
	e.log.Error("mutation failed", "case_number", caseNumber, "op", op, "error", err)
}

// publish emits the committed transition. Delivery is best-effort; the
// transaction has already committed.
func (e *Engine) publish(ctx context.Context, c *models.CaseRecord, tr *models.Transition, backupID string) {
	evt := events.Event{
		CaseNumber:   c.CaseNumber,
		TransitionID: tr.ID,
		Kind:         tr.Kind,
		From:         tr.From(),
		To:           tr.ToState,
		Actor:        tr.TransitionedBy,
		BackupID:     backupID,
		Version:      c.Version,
		At:           tr.TransitionDate,
	}
	if tr.ReferenceID != nil {
		evt.ReferenceID = *tr.ReferenceID
	}
	if err := e.pub.Publish(ctx, evt); err != nil {
		e.log.Warn("publish transition event", "case_number", c.CaseNumber, "transition_id", tr.ID, "error", err)
	}
}
