package models

import (
	"context"
	"errors"
	"fmt"
)

type ErrorCategory string

const (
	ErrorCategoryExternal   ErrorCategory = "external"
	ErrorCategoryInternal   ErrorCategory = "internal"
	ErrorCategoryValidation ErrorCategory = "validation"
	ErrorCategoryTimeout    ErrorCategory = "timeout"
	ErrorCategoryNotFound   ErrorCategory = "not_found"
)

// AppError is the error shape used across service boundaries. It carries a
// stable code for callers, a category for propagation policy, and an
// optional cause chain.
type AppError struct {
	Code     string                 `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Cause    error                  `json:"-"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithCause returns a copy carrying the underlying error, so shared
// sentinels stay immutable.
func (e *AppError) WithCause(cause error) *AppError {
	clone := *e
	clone.Cause = cause
	return &clone
}

// WithMetadata returns a copy with an extra metadata entry attached.
func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	clone := *e
	clone.Metadata = make(map[string]interface{}, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		clone.Metadata[k] = v
	}
	clone.Metadata[key] = value
	return &clone
}

func NewExternalError(code, message string) *AppError {
	return &AppError{Code: code, Category: ErrorCategoryExternal, Message: message}
}

func NewInternalError(code, message string) *AppError {
	return &AppError{Code: code, Category: ErrorCategoryInternal, Message: message}
}

func NewValidationError(code, message string) *AppError {
	return &AppError{Code: code, Category: ErrorCategoryValidation, Message: message}
}

func NewTimeoutError(code, message string) *AppError {
	return &AppError{Code: code, Category: ErrorCategoryTimeout, Message: message}
}

func NewNotFoundError(code, message string) *AppError {
	return &AppError{Code: code, Category: ErrorCategoryNotFound, Message: message}
}

func WrapExternalError(service string, err error) *AppError {
	return NewExternalError(service+"_ERROR", "External service call failed").WithCause(err)
}

var (
	ErrFacilityNotFound = NewNotFoundError("FACILITY_NOT_FOUND", "Facility not found")
	ErrPipelineNotFound = NewNotFoundError("PIPELINE_NOT_FOUND", "Pipeline not found or not active")
	ErrEmptyPlan        = NewValidationError("CLASSIFICATION_EMPTY_PLAN", "Classifier produced no usable capabilities")

	// ErrTotalPipelineFailure is the only per-query error surfaced to the
	// caller: every planned agent failed and there is nothing to synthesize.
	ErrTotalPipelineFailure = NewInternalError("TOTAL_PIPELINE_FAILURE", "Every planned agent failed")
)

const (
	CodeClassificationFailed = "CLASSIFICATION_FAILED"
	CodeRetrievalUnavailable = "RETRIEVAL_UNAVAILABLE"
	CodeAgentExecution       = "AGENT_EXECUTION_FAILED"
)

// ErrorKind classifies per-agent failures recorded on pipeline state.
type ErrorKind string

const (
	ErrorKindClassification       ErrorKind = "classification"
	ErrorKindAgentExecution       ErrorKind = "agent_execution"
	ErrorKindRetrievalUnavailable ErrorKind = "retrieval_unavailable"
	ErrorKindTimeout              ErrorKind = "timeout"
	ErrorKindCancelled            ErrorKind = "cancelled"
)

// KindForError maps an agent failure onto the recorded ErrorKind. Timeouts
// are deliberately not special-cased into a terminal path: they are recorded
// and the pipeline moves on like any other agent failure.
func KindForError(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrorKindCancelled
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case CodeRetrievalUnavailable:
			return ErrorKindRetrievalUnavailable
		case CodeClassificationFailed, ErrEmptyPlan.Code:
			return ErrorKindClassification
		}
		if appErr.Category == ErrorCategoryTimeout {
			return ErrorKindTimeout
		}
	}
	return ErrorKindAgentExecution
}
