package server

import (
	"github.com/gin-gonic/gin"

	"github.com/vespl/caseflow/internal/analytics"
	"github.com/vespl/caseflow/internal/events"
	"github.com/vespl/caseflow/internal/logger"
	"github.com/vespl/caseflow/internal/workflow"
)

type handlers struct {
	eng       *workflow.Engine
	agg       *analytics.Aggregator
	analytics *analytics.Refresher
	hub       *events.Hub
	log       *logger.Logger
}

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, h *handlers) {
	router.GET("/healthz", h.health)

	api := router.Group("/api")

	cases := api.Group("/cases")
	cases.POST("", h.createCase)
	cases.GET("", h.listCases)
	cases.GET("/:id", h.getCase)
	cases.POST("/:id/transitions", h.transition)
	cases.POST("/:id/close", h.closeCase)
	cases.POST("/:id/reject", h.rejectCase)
	cases.POST("/:id/assign", h.assign)
	cases.POST("/:id/records", h.saveRecord)
	cases.DELETE("/:id/stages/:stage", h.deleteStage)
	cases.GET("/:id/history", h.history)
	cases.GET("/:id/progress", h.workflowProgress)
	cases.GET("/:id/verify", h.verify)

	backups := api.Group("/backups")
	backups.GET("", h.listBackups)
	backups.GET("/:id", h.getBackup)
	backups.POST("/:id/recreate", h.recreate)

	api.GET("/analytics", h.analyticsReport)
	api.GET("/analytics/export", h.analyticsExport)

	api.GET("/events", h.stream)
}
