package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/padstrap/padstrap/pkg/channel"
	"github.com/padstrap/padstrap/pkg/stores"
	"github.com/padstrap/padstrap/pkg/telemetry"
)

// Submitter is the slice of the correlation broker the runner needs.
type Submitter interface {
	Submit(ctx context.Context, req *channel.Request, timeout time.Duration) (*channel.Result, error)
}

// Runner executes a step catalog strictly sequentially: step N+1 never starts
// before step N reaches a terminal phase, because later steps depend on
// filesystem and environment state created by earlier ones.
type Runner struct {
	broker  Submitter
	markers stores.MarkerStore
	log     zerolog.Logger
	tracer  *telemetry.Tracer
	metrics *telemetry.Metrics
	steps   []Step

	mu     sync.Mutex
	states map[string]*StepState
}

// RunnerConfig contains runner dependencies.
type RunnerConfig struct {
	Broker  Submitter
	Markers stores.MarkerStore
	Steps   []Step
	Logger  zerolog.Logger
	Tracer  *telemetry.Tracer
	Metrics *telemetry.Metrics
}

// NewRunner creates a runner over the given step catalog.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Broker == nil {
		return nil, fmt.Errorf("broker is required")
	}
	if cfg.Markers == nil {
		return nil, fmt.Errorf("marker store is required")
	}
	if len(cfg.Steps) == 0 {
		return nil, fmt.Errorf("at least one step is required")
	}

	states := make(map[string]*StepState, len(cfg.Steps))
	for i := range cfg.Steps {
		step := &cfg.Steps[i]
		if err := step.Validate(); err != nil {
			return nil, err
		}
		if _, dup := states[step.ID]; dup {
			return nil, fmt.Errorf("duplicate step id: %s", step.ID)
		}
		states[step.ID] = &StepState{StepID: step.ID, Phase: StepPending}
	}

	return &Runner{
		broker:  cfg.Broker,
		markers: cfg.Markers,
		log:     cfg.Logger,
		tracer:  cfg.Tracer,
		metrics: cfg.Metrics,
		steps:   cfg.Steps,
		states:  states,
	}, nil
}

// Reconcile marks every step with a current-version marker as completed
// without executing it. Markers written by an older step catalog are ignored
// and logged; they are never silently trusted. Execution will resume at the
// first step lacking a valid marker.
func (r *Runner) Reconcile(ctx context.Context) error {
	persisted, err := r.markers.ListMarkers(ctx)
	if err != nil {
		return fmt.Errorf("failed to load markers: %w", err)
	}

	byID := make(map[string]*stores.Marker, len(persisted))
	for _, m := range persisted {
		byID[m.StepID] = m
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.steps {
		step := &r.steps[i]
		m, ok := byID[step.ID]
		if !ok {
			continue
		}
		if m.SchemaVersion != MarkerSchemaVersion {
			r.log.Warn().
				Str("step", step.ID).
				Int("marker_version", m.SchemaVersion).
				Int("current_version", MarkerSchemaVersion).
				Msg("Ignoring stale marker from a previous catalog version")
			continue
		}
		st := r.states[step.ID]
		st.Phase = StepCompleted
		st.Reconciled = true
		st.CompletedAt = m.CompletedAt
		r.log.Debug().Str("step", step.ID).Msg("Reconciled step from marker")
	}

	return nil
}

// Run executes the sequence from the first step that is not completed. It
// stops at the first step that does not reach completed and returns that
// step's error; a fully completed sequence returns nil. Cancellation
// propagates immediately and is never converted to a step failure.
func (r *Runner) Run(ctx context.Context) error {
	for i := range r.steps {
		step := &r.steps[i]
		if r.phase(step.ID) == StepCompleted {
			continue
		}
		if err := r.executeStep(ctx, step); err != nil {
			return err
		}
	}
	return nil
}

// Retry re-enters a failed or manual-action step and, when it completes,
// continues the remainder of the sequence.
func (r *Runner) Retry(ctx context.Context, stepID string) error {
	r.mu.Lock()
	st, ok := r.states[stepID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown step: %s", stepID)
	}
	if !st.Phase.IsRecoverable() {
		phase := st.Phase
		r.mu.Unlock()
		return fmt.Errorf("step %s is %s, not retryable", stepID, phase)
	}
	st.Phase = StepPending
	st.Reason = ""
	st.Instructions = ""
	r.mu.Unlock()

	return r.Run(ctx)
}

// States returns a snapshot of all step states in catalog order.
func (r *Runner) States() []StepState {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]StepState, 0, len(r.steps))
	for i := range r.steps {
		out = append(out, *r.states[r.steps[i].ID])
	}
	return out
}

// executeStep runs a single step to a terminal phase. The verification
// predicate, not the exit code, decides success: the execution sandbox can
// return non-zero on operations that actually succeeded. The marker is
// written only after the predicate passes.
func (r *Runner) executeStep(ctx context.Context, step *Step) error {
	ctx, span := r.tracer.StartSpan(ctx, "engine.step",
		attribute.String("step.id", step.ID))

	start := time.Now()
	r.setPhase(step.ID, StepInProgress, "", "")

	err := r.runStep(ctx, step)
	outcome, err := r.settle(ctx, step, err)
	r.metrics.StepExecuted(step.ID, outcome, time.Since(start))
	telemetry.EndSpan(span, err)
	return err
}

// runStep performs the probe, submission, and verification for one step.
func (r *Runner) runStep(ctx context.Context, step *Step) error {
	if step.Probe != nil {
		done, err := step.Probe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &StepError{StepID: step.ID, Reason: "probe failed", Err: err}
		}
		if done {
			r.log.Info().Str("step", step.ID).Msg("Step effect already present, skipping execution")
			return nil
		}
	}

	res, err := r.broker.Submit(ctx, step.Request, step.Timeout)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			// Cancellation propagates, never absorbed into a step failure.
			return ctx.Err()
		case channel.IsTimeout(err):
			return &StepError{StepID: step.ID, Reason: "timed out waiting for result", Err: err}
		default:
			return &StepError{StepID: step.ID, Reason: "dispatch failed", Err: err}
		}
	}

	if verr := step.Verify(res); verr != nil {
		var mae *ManualActionError
		if errors.As(verr, &mae) {
			mae.StepID = step.ID
			return mae
		}
		return &StepError{StepID: step.ID, Reason: verr.Error()}
	}

	if res.ExitCode != 0 {
		r.log.Warn().
			Str("step", step.ID).
			Int("exit_code", res.ExitCode).
			Msg("Verification passed despite non-zero exit code")
	}

	return nil
}

// settle converts the execution result into a state transition and, on
// success, persists the marker. It returns the metrics outcome label and the
// final error Run should see.
func (r *Runner) settle(ctx context.Context, step *Step, err error) (string, error) {
	switch {
	case err == nil:
		marker := &stores.Marker{
			StepID:        step.ID,
			SchemaVersion: MarkerSchemaVersion,
			CompletedAt:   time.Now().UTC(),
		}
		if merr := r.markers.PutMarker(ctx, marker); merr != nil {
			// The step succeeded but the proof did not persist; surface as a
			// failure so a retry re-verifies rather than silently skipping.
			serr := &StepError{StepID: step.ID, Reason: "failed to persist marker", Err: merr}
			r.setPhase(step.ID, StepFailed, serr.Error(), "")
			return "marker_error", serr
		}
		r.setPhase(step.ID, StepCompleted, "", "")
		r.log.Info().Str("step", step.ID).Msg("Step completed")
		return "completed", nil

	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// Leave the step pending; an aborted run resumes from markers.
		r.setPhase(step.ID, StepPending, "", "")
		return "cancelled", err

	case IsManualAction(err):
		var mae *ManualActionError
		errors.As(err, &mae)
		r.setPhase(step.ID, StepManualAction, "", mae.Instructions)
		r.log.Warn().Str("step", step.ID).Str("instructions", mae.Instructions).
			Msg("Step requires manual action")
		return "manual_action", err

	default:
		r.setPhase(step.ID, StepFailed, err.Error(), "")
		r.log.Error().Err(err).Str("step", step.ID).Msg("Step failed")
		return "failed", err
	}
}

func (r *Runner) phase(stepID string) StepPhase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[stepID].Phase
}

func (r *Runner) setPhase(stepID string, phase StepPhase, reason, instructions string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.states[stepID]
	st.Phase = phase
	st.Reason = reason
	st.Instructions = instructions
	switch phase {
	case StepInProgress:
		st.StartedAt = time.Now().UTC()
	case StepCompleted, StepFailed, StepManualAction:
		st.CompletedAt = time.Now().UTC()
	}
}
