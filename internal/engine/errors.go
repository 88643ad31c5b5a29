package engine

import (
	"errors"
	"fmt"
)

// RunError represents an error detected while accepting or controlling
// a run.
//
// Run errors include:
//   - Pair busy: a live run already exists for the (user, service) pair
//   - Invalid request: the submission failed validation
//   - Engine stopped: submission after shutdown began
//   - Steps exceeded: a run's transition quota ran out
//
// RunError includes structured fields for diagnostics and API responses.
type RunError struct {
	// Code identifies the error category.
	Code RunErrorCode

	// Message is a human-readable description.
	Message string

	// RunID identifies the affected run, when one exists.
	RunID string

	// Details contains additional context, e.g. the live run id blocking
	// a duplicate submission.
	Details map[string]string
}

// RunErrorCode categorizes run errors.
type RunErrorCode string

const (
	// ErrCodePairBusy indicates a live run already exists for the pair.
	ErrCodePairBusy RunErrorCode = "PAIR_BUSY"

	// ErrCodeInvalidRequest indicates the submission failed validation.
	ErrCodeInvalidRequest RunErrorCode = "INVALID_REQUEST"

	// ErrCodeEngineStopped indicates the engine is shutting down.
	ErrCodeEngineStopped RunErrorCode = "ENGINE_STOPPED"

	// ErrCodeStepsExceeded indicates the run hit its transition quota.
	ErrCodeStepsExceeded RunErrorCode = "STEPS_EXCEEDED"
)

// Error implements the error interface.
func (e *RunError) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("%s: %s (run=%s)", e.Code, e.Message, e.RunID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// LiveRunID returns the id of the run blocking a duplicate submission.
// Empty for non-PAIR_BUSY errors.
func (e *RunError) LiveRunID() string {
	if e.Code != ErrCodePairBusy {
		return ""
	}
	return e.Details["live_run_id"]
}

// IsPairBusy returns true if the error is a duplicate-pair rejection.
// Uses errors.As to handle wrapped errors.
func IsPairBusy(err error) bool {
	var re *RunError
	if errors.As(err, &re) {
		return re.Code == ErrCodePairBusy
	}
	return false
}

// NewPairBusyError creates a RunError for a duplicate-pair submission.
// The live run's id rides along so callers can surface it.
func NewPairBusyError(userID, service, liveRunID string) *RunError {
	return &RunError{
		Code:    ErrCodePairBusy,
		Message: fmt.Sprintf("a live cancellation run already exists for %s/%s", userID, service),
		Details: map[string]string{"live_run_id": liveRunID},
	}
}
