package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/vespl/caseflow/internal/models"
	"github.com/vespl/caseflow/internal/progress"
	"github.com/vespl/caseflow/internal/stage"
	"github.com/vespl/caseflow/internal/workflow"
)

type recordBody struct {
	DocumentNumber string          `json:"document_number"`
	Payload        json.RawMessage `json:"payload"`
}

func (r *recordBody) input() *workflow.RecordInput {
	if r == nil {
		return nil
	}
	return &workflow.RecordInput{DocumentNumber: r.DocumentNumber, Payload: r.Payload}
}

type createCaseBody struct {
	Client  string          `json:"client"`
	Project string          `json:"project"`
	Actor   string          `json:"actor"`
	Notes   string          `json:"notes"`
	Payload json.RawMessage `json:"payload"`
}

type transitionBody struct {
	To              string      `json:"to"`
	Actor           string      `json:"actor"`
	Notes           string      `json:"notes"`
	ReferenceID     string      `json:"reference_id"`
	Record          *recordBody `json:"record"`
	ExpectedVersion *int        `json:"expected_version"`
}

type actorBody struct {
	Actor           string `json:"actor"`
	Reason          string `json:"reason"`
	ExpectedVersion *int   `json:"expected_version"`
}

type saveRecordBody struct {
	Stage  string `json:"stage"`
	Actor  string `json:"actor"`
	recordBody
}

type resultResponse struct {
	Case       models.CaseRecord   `json:"case"`
	Transition *models.Transition  `json:"transition,omitempty"`
	Record     *models.StageRecord `json:"record,omitempty"`
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "definition_version": h.eng.Definition().Version()})
}

// bind decodes an optional JSON body. An empty body leaves dst untouched.
func bind(c *gin.Context, dst interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// requireVersion rejects a mutation that does not state the case version
// the caller read.
func requireVersion(c *gin.Context, v *int) bool {
	if v == nil {
		badRequest(c, "expected_version is required")
		return false
	}
	return true
}

// loadCase resolves the :id path parameter to a case.
func (h *handlers) loadCase(c *gin.Context) (*models.CaseRecord, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		badRequest(c, "case id must be a positive integer")
		return nil, false
	}
	rec, err := h.eng.GetCaseByID(c.Request.Context(), uint(id))
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return rec, true
}

func (h *handlers) createCase(c *gin.Context) {
	var body createCaseBody
	if !bind(c, &body) {
		return
	}
	res, err := h.eng.CreateCase(c.Request.Context(), workflow.CreateCaseOpts{
		Client:  body.Client,
		Project: body.Project,
		Actor:   body.Actor,
		Notes:   body.Notes,
		Payload: body.Payload,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toResponse(res))
}

func (h *handlers) listCases(c *gin.Context) {
	if n := strings.TrimSpace(c.Query("number")); n != "" {
		rec, err := h.eng.GetCase(c.Request.Context(), n)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"cases": []models.CaseRecord{*rec}})
		return
	}
	list, err := h.eng.ListCases(c.Request.Context(), workflow.CaseFilter{
		State:    c.Query("state"),
		Assignee: c.Query("assignee"),
		Client:   c.Query("client"),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	if list == nil {
		list = []models.CaseRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"cases": list})
}

func (h *handlers) getCase(c *gin.Context) {
	rec, ok := h.loadCase(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"case":          rec,
		"valid_targets": h.eng.Definition().ValidTargets(stage.Stage(rec.CurrentState)),
	})
}

func (h *handlers) transition(c *gin.Context) {
	rec, ok := h.loadCase(c)
	if !ok {
		return
	}
	var body transitionBody
	if !bind(c, &body) {
		return
	}
	if !requireVersion(c, body.ExpectedVersion) {
		return
	}
	res, err := h.eng.Transition(c.Request.Context(), rec.CaseNumber, workflow.TransitionOpts{
		To:              stage.Stage(strings.ToLower(body.To)),
		Actor:           body.Actor,
		Notes:           body.Notes,
		ReferenceID:     body.ReferenceID,
		Record:          body.Record.input(),
		ExpectedVersion: body.ExpectedVersion,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(res))
}

func (h *handlers) closeCase(c *gin.Context) {
	rec, ok := h.loadCase(c)
	if !ok {
		return
	}
	var body actorBody
	if !bind(c, &body) {
		return
	}
	if !requireVersion(c, body.ExpectedVersion) {
		return
	}
	res, err := h.eng.Close(c.Request.Context(), rec.CaseNumber, body.Actor, body.ExpectedVersion)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(res))
}

func (h *handlers) rejectCase(c *gin.Context) {
	rec, ok := h.loadCase(c)
	if !ok {
		return
	}
	var body actorBody
	if !bind(c, &body) {
		return
	}
	if !requireVersion(c, body.ExpectedVersion) {
		return
	}
	res, err := h.eng.Reject(c.Request.Context(), rec.CaseNumber, body.Actor, body.Reason, body.ExpectedVersion)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(res))
}

func (h *handlers) assign(c *gin.Context) {
	rec, ok := h.loadCase(c)
	if !ok {
		return
	}
	var body actorBody
	if !bind(c, &body) {
		return
	}
	if !requireVersion(c, body.ExpectedVersion) {
		return
	}
	updated, err := h.eng.Assign(c.Request.Context(), rec.CaseNumber, body.Actor, body.ExpectedVersion)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"case": updated})
}

func (h *handlers) saveRecord(c *gin.Context) {
	rec, ok := h.loadCase(c)
	if !ok {
		return
	}
	var body saveRecordBody
	if !bind(c, &body) {
		return
	}
	saved, err := h.eng.SaveStageRecord(c.Request.Context(), rec.CaseNumber,
		stage.Stage(strings.ToLower(body.Stage)), body.Actor, *body.recordBody.input())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"record": saved})
}

func (h *handlers) deleteStage(c *gin.Context) {
	rec, ok := h.loadCase(c)
	if !ok {
		return
	}
	var body actorBody
	if !bind(c, &body) {
		return
	}
	if !requireVersion(c, body.ExpectedVersion) {
		return
	}
	res, err := h.eng.DeleteStage(c.Request.Context(), rec.CaseNumber, workflow.DeleteStageOpts{
		Stage:           stage.Stage(strings.ToLower(c.Param("stage"))),
		Actor:           body.Actor,
		Reason:          body.Reason,
		ExpectedVersion: body.ExpectedVersion,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handlers) history(c *gin.Context) {
	rec, ok := h.loadCase(c)
	if !ok {
		return
	}
	list, err := h.eng.GetHistory(c.Request.Context(), rec.CaseNumber)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"case_number": rec.CaseNumber, "transitions": list})
}

func (h *handlers) workflowProgress(c *gin.Context) {
	rec, ok := h.loadCase(c)
	if !ok {
		return
	}
	rep, err := h.eng.GetWorkflowProgress(c.Request.Context(), rec.CaseNumber)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (h *handlers) verify(c *gin.Context) {
	rec, ok := h.loadCase(c)
	if !ok {
		return
	}
	if err := h.eng.VerifyChain(c.Request.Context(), rec.CaseNumber); err != nil {
		var chainErr *progress.ChainError
		if !errors.As(err, &chainErr) {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"case_number": rec.CaseNumber, "consistent": false, "problem": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"case_number": rec.CaseNumber, "consistent": true})
}

func toResponse(res *workflow.Result) resultResponse {
	return resultResponse{Case: res.Case, Transition: res.Transition, Record: res.Record}
}
