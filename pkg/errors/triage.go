package errors

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents a classified triage workflow error.
type ErrorCode string

const (
	ErrCodeTimeout                   ErrorCode = "timeout"
	ErrCodeContextCancelled          ErrorCode = "context_cancelled"
	ErrCodeClassificationUnavailable ErrorCode = "classification_unavailable"
	ErrCodeContentUnreachable        ErrorCode = "content_unreachable"
	ErrCodeCheckpointWriteFailed     ErrorCode = "checkpoint_write_failed"
	ErrCodeDeliveryFailed            ErrorCode = "delivery_failed"
	ErrCodeDecisionConflict          ErrorCode = "decision_conflict"
	ErrCodeUnauthorizedDecision      ErrorCode = "unauthorized_decision"
	ErrCodeProcessingError           ErrorCode = "processing_error"
)

// TriageError is a structured error for workflow failures.
type TriageError struct {
	Code     ErrorCode
	Step     string
	Message  string
	Duration time.Duration
	Cause    error
}

func (e *TriageError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Step, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *TriageError) Unwrap() error {
	return e.Cause
}

// NewTriageError builds a TriageError for the given code and step.
func NewTriageError(code ErrorCode, step, message string, cause error) *TriageError {
	return &TriageError{Code: code, Step: step, Message: message, Cause: cause}
}

// WithDuration records how long the failing operation ran.
func (e *TriageError) WithDuration(d time.Duration) *TriageError {
	e.Duration = d
	return e
}

// ClassifyError inspects an error and returns a *TriageError with the
// appropriate code. If the error doesn't match any known pattern, it returns
// a TriageError with ErrCodeProcessingError.
func ClassifyError(err error, step string) *TriageError {
	if err == nil {
		return nil
	}

	pe := &TriageError{
		Step:  step,
		Cause: err,
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		pe.Code = ErrCodeTimeout
		pe.Message = "operation timed out"
	case errors.Is(err, context.Canceled):
		pe.Code = ErrCodeContextCancelled
		pe.Message = "operation cancelled"
	case errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrForbidden):
		pe.Code = ErrCodeUnauthorizedDecision
		pe.Message = "caller is not the instance owner"
	case errors.Is(err, ErrConflict) || errors.Is(err, ErrAlreadyResumed):
		pe.Code = ErrCodeDecisionConflict
		pe.Message = "instance was resumed concurrently"
	default:
		pe.Code = ErrCodeProcessingError
		pe.Message = err.Error()
	}

	return pe
}

// ErrorCodeInfo contains metadata about an error code.
type ErrorCodeInfo struct {
	Code            ErrorCode
	Retryable       bool
	Description     string
	SuggestedAction string
}

// ErrorCodeRegistry maps error codes to their metadata.
var ErrorCodeRegistry = map[ErrorCode]ErrorCodeInfo{
	ErrCodeTimeout: {
		Code:            ErrCodeTimeout,
		Retryable:       true,
		Description:     "Operation exceeded time limit",
		SuggestedAction: "Check timeout configuration: penf-triage config show",
	},
	ErrCodeContextCancelled: {
		Code:            ErrCodeContextCancelled,
		Retryable:       false,
		Description:     "Operation cancelled by caller or shutdown",
		SuggestedAction: "Check if cancellation was intentional, or investigate upstream cancellation",
	},
	ErrCodeClassificationUnavailable: {
		Code:            ErrCodeClassificationUnavailable,
		Retryable:       false,
		Description:     "Classification gateway failed; fallback category applied",
		SuggestedAction: "Check classifier health; the instance continued with the Unclassified category",
	},
	ErrCodeContentUnreachable: {
		Code:            ErrCodeContentUnreachable,
		Retryable:       false,
		Description:     "Item content could not be fetched; instance failed",
		SuggestedAction: "Verify the content source and restart the workflow: penf-triage workflow start",
	},
	ErrCodeCheckpointWriteFailed: {
		Code:            ErrCodeCheckpointWriteFailed,
		Retryable:       true,
		Description:     "Durable checkpoint write failed after bounded retries",
		SuggestedAction: "Check database health; the instance remains at its last durable step",
	},
	ErrCodeDeliveryFailed: {
		Code:            ErrCodeDeliveryFailed,
		Retryable:       true,
		Description:     "Notification delivery failed for one entry",
		SuggestedAction: "Check delivery-bot health; the entry is retried on the next batch cycle",
	},
	ErrCodeDecisionConflict: {
		Code:            ErrCodeDecisionConflict,
		Retryable:       false,
		Description:     "Instance was already resumed by an earlier decision",
		SuggestedAction: "This is expected for duplicate callbacks; no action needed",
	},
	ErrCodeUnauthorizedDecision: {
		Code:            ErrCodeUnauthorizedDecision,
		Retryable:       false,
		Description:     "Decision submitted by an identity that does not own the instance",
		SuggestedAction: "Verify the callback identity mapping in configuration",
	},
	ErrCodeProcessingError: {
		Code:            ErrCodeProcessingError,
		Retryable:       false,
		Description:     "Unclassified workflow error",
		SuggestedAction: "Check logs: penf-triage workflow status <instance-id>",
	},
}

// IsRetryable returns true if the given error code represents a transient, retryable error.
func IsRetryable(code ErrorCode) bool {
	if info, ok := ErrorCodeRegistry[code]; ok {
		return info.Retryable
	}
	return false
}

// GetSuggestedAction returns the suggested action for the given error code.
func GetSuggestedAction(code ErrorCode) string {
	if info, ok := ErrorCodeRegistry[code]; ok {
		return info.SuggestedAction
	}
	return "Check service logs for more details"
}

// GetDescription returns the human-readable description for the given error code.
func GetDescription(code ErrorCode) string {
	if info, ok := ErrorCodeRegistry[code]; ok {
		return info.Description
	}
	return "Unknown error"
}
