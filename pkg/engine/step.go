package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/padstrap/padstrap/pkg/channel"
)

// MarkerSchemaVersion tags every written marker. Markers carrying an older
// version come from a previous step catalog and are ignored during
// reconciliation rather than trusted.
const MarkerSchemaVersion = 2

// VerifyFunc is a step's positive-verification predicate. A nil return means
// the step succeeded regardless of the raw exit code; the execution sandbox
// can report a non-zero code on operations that actually succeeded. Returning
// a *ManualActionError halts the sequence pending external confirmation; any
// other error is the failure reason.
type VerifyFunc func(res *channel.Result) error

// ProbeFunc checks whether a step's effect is already present, allowing the
// runner to skip execution entirely. Optional.
type ProbeFunc func(ctx context.Context) (done bool, err error)

// Step defines one provisioning step: its command contract, timeout, and
// verification predicate. Steps execute strictly in catalog order.
type Step struct {
	// ID uniquely identifies the step; it keys the persisted marker.
	ID string

	// Description is a short human-readable summary.
	Description string

	// Request is the command to submit through the channel.
	Request *channel.Request

	// Timeout bounds the channel submission. Provisioning steps run on a
	// minutes scale, verification steps on tens of seconds.
	Timeout time.Duration

	// Verify is the positive-verification predicate. Required.
	Verify VerifyFunc

	// Probe, when set, is consulted before execution; if it reports done the
	// step is completed without submitting its command.
	Probe ProbeFunc
}

// Validate checks the step definition.
func (s *Step) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("step id is required")
	}
	if s.Request == nil || s.Request.Command == "" {
		return fmt.Errorf("step %s: command is required", s.ID)
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("step %s: timeout must be positive", s.ID)
	}
	if s.Verify == nil {
		return fmt.Errorf("step %s: verify predicate is required", s.ID)
	}
	return nil
}
