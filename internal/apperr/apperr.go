// Package apperr defines the error taxonomy shared by the engine, the file
// store and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation      Kind = "validation"
	KindAuthorization   Kind = "authorization"
	KindUnauthenticated Kind = "unauthenticated"
	KindNotFound        Kind = "not_found"
	KindStateConflict   Kind = "state_conflict"
	KindStorage         Kind = "storage"
	KindPathViolation   Kind = "path_violation"
)

// Machine readable codes.
const (
	CodeBadRequest         = "bad_request"
	CodeMissingSpecFile    = "missing_spec_file"
	CodeNoSuitableAssignee = "no_suitable_assignee"
	CodeDuplicateTaskID    = "duplicate_task_id"
	CodeDuplicatePerson    = "duplicate_person"
	CodeInvalidTransition  = "invalid_transition"
	CodeUnauthorized       = "unauthorized"
	CodeMissingAttachment  = "missing_attachment"
	CodeInvalidArchive     = "invalid_archive"
	CodeArchiveTooLarge    = "archive_too_large"
	CodeNoFile             = "no_file"
	CodeNoSubmission       = "no_submission"
	CodeTaskNotFound       = "task_not_found"
	CodePersonNotFound     = "person_not_found"
	CodeUnknownProjectType = "unknown_project_type"
	CodeStorageFailure     = "storage_failure"
	CodePathViolation      = "path_violation"
)

// Error carries a Kind for mapping and a stable Code for clients.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// With returns a copy of e with an extra detail attached.
func (e *Error) With(key string, value any) *Error {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// Wrapping sets the underlying cause.
func (e *Error) Wrapping(err error) *Error {
	cp := *e
	cp.Err = err
	return &cp
}

func New(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Validation(code, format string, args ...any) *Error {
	return New(KindValidation, code, format, args...)
}

func Unauthorized(format string, args ...any) *Error {
	return New(KindAuthorization, CodeUnauthorized, format, args...)
}

func NotFound(code, format string, args ...any) *Error {
	return New(KindNotFound, code, format, args...)
}

func Conflict(code, format string, args ...any) *Error {
	return New(KindStateConflict, code, format, args...)
}

func Storage(err error, format string, args ...any) *Error {
	e := New(KindStorage, CodeStorageFailure, format, args...)
	e.Err = err
	return e
}

func PathViolation(path string) *Error {
	return &Error{
		Kind:    KindPathViolation,
		Code:    CodePathViolation,
		Message: fmt.Sprintf("path %q escapes the upload root", path),
	}
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// CodeOf returns the Code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
