package workflow

import (
	"errors"
	"fmt"
)

// Code is the machine-readable identifier of a business-rule failure.
type Code string

const (
	CodeInvalidInput           Code = "invalid_input"
	CodeInvalidTransition      Code = "invalid_transition"
	CodeCaseClosed             Code = "case_closed"
	CodeCaseNotFound           Code = "case_not_found"
	CodeStageNotDeletable      Code = "stage_not_deletable"
	CodeAlreadyRecreated       Code = "already_recreated"
	CodeBackupNotFound         Code = "backup_not_found"
	CodeConcurrentModification Code = "concurrent_modification"
)

// Error is a business-rule violation. Two Errors match under errors.Is when
// their codes are equal, so callers compare against the sentinels below.
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string {
	return "workflow: " + e.Msg
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrInvalidInput           = &Error{Code: CodeInvalidInput, Msg: "invalid input"}
	ErrInvalidTransition      = &Error{Code: CodeInvalidTransition, Msg: "invalid transition"}
	ErrCaseClosed             = &Error{Code: CodeCaseClosed, Msg: "case is closed"}
	ErrCaseNotFound           = &Error{Code: CodeCaseNotFound, Msg: "case not found"}
	ErrStageNotDeletable      = &Error{Code: CodeStageNotDeletable, Msg: "stage not deletable"}
	ErrAlreadyRecreated       = &Error{Code: CodeAlreadyRecreated, Msg: "stage already recreated"}
	ErrBackupNotFound         = &Error{Code: CodeBackupNotFound, Msg: "backup not found"}
	ErrConcurrentModification = &Error{Code: CodeConcurrentModification, Msg: "concurrent modification"}
)

func newError(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf returns the business code carried by err, or "" for anything else
// (persistence failures, context cancellation).
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
