package engine

import (
	"fmt"
	"time"
)

// StepPhase represents the lifecycle phase of a provisioning step.
type StepPhase string

const (
	// StepPending indicates the step has not started.
	StepPending StepPhase = "pending"

	// StepInProgress indicates the step is currently executing.
	StepInProgress StepPhase = "in_progress"

	// StepCompleted indicates the step finished and passed verification.
	// Completed is terminal: a completed step is never re-executed.
	StepCompleted StepPhase = "completed"

	// StepFailed indicates the step failed. Recoverable via explicit retry.
	StepFailed StepPhase = "failed"

	// StepManualAction indicates the step needs external confirmation before
	// the sequence can continue. Recoverable via explicit retry.
	StepManualAction StepPhase = "manual_action_required"
)

// IsTerminal returns true if the phase ends the step's current execution.
func (p StepPhase) IsTerminal() bool {
	return p == StepCompleted || p == StepFailed || p == StepManualAction
}

// IsRecoverable returns true if the phase can re-enter InProgress via retry.
func (p StepPhase) IsRecoverable() bool {
	return p == StepFailed || p == StepManualAction
}

// Validate checks if the phase is valid.
func (p StepPhase) Validate() error {
	switch p {
	case StepPending, StepInProgress, StepCompleted, StepFailed, StepManualAction:
		return nil
	default:
		return fmt.Errorf("invalid step phase: %s", p)
	}
}

// StepState is the current state of one step in the sequence.
type StepState struct {
	// StepID identifies the step.
	StepID string `json:"step_id"`

	// Phase is the current lifecycle phase.
	Phase StepPhase `json:"phase"`

	// Reason is the failure reason when Phase is failed.
	Reason string `json:"reason,omitempty"`

	// Instructions describe the required external action when Phase is
	// manual_action_required.
	Instructions string `json:"instructions,omitempty"`

	// Reconciled is true when the step was marked completed from a persisted
	// marker without executing.
	Reconciled bool `json:"reconciled,omitempty"`

	// StartedAt is when the step last entered in_progress.
	StartedAt time.Time `json:"started_at,omitzero"`

	// CompletedAt is when the step last reached a terminal phase.
	CompletedAt time.Time `json:"completed_at,omitzero"`
}
