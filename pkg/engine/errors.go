// Package engine sequences provisioning steps through the correlation
// channel, consulting persisted markers for resumability and a per-step
// positive-verification predicate for success.
package engine

import (
	"errors"
	"fmt"
)

// StepError indicates a step failed. It is user-retryable: the step
// transitions to failed and can re-enter execution via Retry.
type StepError struct {
	StepID string
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("step %s failed: %s: %v", e.StepID, e.Reason, e.Err)
	}
	return fmt.Sprintf("step %s failed: %s", e.StepID, e.Reason)
}

// Unwrap returns the underlying error.
func (e *StepError) Unwrap() error {
	return e.Err
}

// ManualActionError indicates a step requires external confirmation before
// the sequence can continue. The instructions are user-facing.
type ManualActionError struct {
	StepID       string
	Instructions string
}

// Error implements the error interface.
func (e *ManualActionError) Error() string {
	return fmt.Sprintf("step %s requires manual action: %s", e.StepID, e.Instructions)
}

// IsManualAction reports whether err is a manual-action condition.
func IsManualAction(err error) bool {
	var mae *ManualActionError
	return errors.As(err, &mae)
}
