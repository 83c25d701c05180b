package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/vespl/caseflow/internal/models"
	"github.com/vespl/caseflow/internal/stage"
	"github.com/vespl/caseflow/internal/workflow"
)

type recreateBody struct {
	Actor           string `json:"actor"`
	ExpectedVersion *int   `json:"expected_version"`
}

func (h *handlers) listBackups(c *gin.Context) {
	filter := workflow.DeletedStageFilter{
		CaseNumber:       strings.TrimSpace(c.Query("case")),
		IncludeRecreated: c.Query("all") == "1" || c.Query("all") == "true",
	}
	if s := c.Query("stage"); s != "" {
		filter.Stage = stage.Stage(strings.ToLower(s))
	}
	list, err := h.eng.GetDeletedStages(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	if list == nil {
		list = []models.StageBackup{}
	}
	c.JSON(http.StatusOK, gin.H{"backups": list})
}

func (h *handlers) getBackup(c *gin.Context) {
	b, err := h.eng.GetBackup(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	snap, err := workflow.DecodeSnapshot(b.SnapshotData, stage.Stage(b.Stage))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"backup": b, "snapshot": snap})
}

func (h *handlers) recreate(c *gin.Context) {
	var body recreateBody
	if !bind(c, &body) || !requireVersion(c, body.ExpectedVersion) {
		return
	}
	res, err := h.eng.RecreateStage(c.Request.Context(), c.Param("id"), body.Actor, body.ExpectedVersion)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
