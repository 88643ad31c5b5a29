package engine

import (
	"errors"
	"fmt"
)

// DefaultMaxSteps is the default transition quota per run. A healthy run
// finishes in well under twenty transitions even with the full retention
// chain; the quota is the termination backstop, not a tuning knob.
const DefaultMaxSteps = 50

// StepQuota tracks the number of transitions appended for one run and
// enforces a maximum.
//
// Each run has its own StepQuota instance, checked before every append.
//
// This is distinct from the retention-loop ceiling: the ceiling bounds
// one specific adversarial pattern (offer chains), while the quota bounds
// the whole machine, including pathologies no classifier anticipated.
// Together they guarantee termination.
type StepQuota struct {
	maxSteps int
	current  int
}

// NewStepQuota creates a quota with the given limit.
func NewStepQuota(maxSteps int) *StepQuota {
	return &StepQuota{maxSteps: maxSteps}
}

// Check increments the step counter and validates against the limit.
// Returns StepsExceededError if the quota is exceeded.
func (q *StepQuota) Check(runID string) error {
	q.current++
	if q.current > q.maxSteps {
		return &StepsExceededError{
			RunID: runID,
			Steps: q.current,
			Limit: q.maxSteps,
		}
	}
	return nil
}

// Current returns the current step count.
func (q *StepQuota) Current() int {
	return q.current
}

// MaxSteps returns the maximum steps limit.
func (q *StepQuota) MaxSteps() int {
	return q.maxSteps
}

// StepsExceededError is returned when a run exceeds its transition quota.
// The run terminates as FAILED with reason NEEDS_HUMAN_REVIEW.
type StepsExceededError struct {
	RunID string
	Steps int
	Limit int
}

// Error implements the error interface.
func (e *StepsExceededError) Error() string {
	return fmt.Sprintf("run %s exceeded max steps quota: %d steps > %d limit",
		e.RunID, e.Steps, e.Limit)
}

// IsStepsExceededError returns true if the error is a StepsExceededError.
// Uses errors.As to handle wrapped errors.
func IsStepsExceededError(err error) bool {
	var se *StepsExceededError
	return errors.As(err, &se)
}
