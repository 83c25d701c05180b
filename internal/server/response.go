package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vespl/caseflow/internal/workflow"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

// codeInternal is reported for anything that is not a business-rule error.
const codeInternal = "internal"

// StatusFor maps a workflow error code to an HTTP status.
func StatusFor(code workflow.Code) int {
	switch code {
	case workflow.CodeInvalidInput:
		return http.StatusBadRequest
	case workflow.CodeCaseNotFound, workflow.CodeBackupNotFound:
		return http.StatusNotFound
	case workflow.CodeConcurrentModification, workflow.CodeAlreadyRecreated:
		return http.StatusConflict
	case workflow.CodeInvalidTransition, workflow.CodeCaseClosed, workflow.CodeStageNotDeletable:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	code := workflow.CodeOf(err)
	status := StatusFor(code)
	msg := err.Error()
	label := string(code)
	if code == "" {
		label = codeInternal
		msg = "internal error"
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, errorEnvelope{Error: apiError{Code: label, Message: msg}})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorEnvelope{
		Error: apiError{Code: string(workflow.CodeInvalidInput), Message: msg},
	})
}
