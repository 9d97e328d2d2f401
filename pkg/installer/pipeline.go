package installer

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/padstrap/padstrap/pkg/stores"
	"github.com/padstrap/padstrap/pkg/telemetry"
)

// DefaultStatusTimeout bounds the wait for a committed session's status.
// Session confirmation can legitimately be slow on constrained hardware.
const DefaultStatusTimeout = 120 * time.Second

const copyChunkSize = 256 * 1024

// Pipeline installs packages through the session protocol. It owns the
// pending-status table: one entry per committed session id, completed by
// DeliverStatus and removed on completion, timeout, or cancellation.
type Pipeline struct {
	svc     Service
	journal stores.SessionJournal
	log     zerolog.Logger
	metrics *telemetry.Metrics

	statusTimeout time.Duration

	// pending maps session id -> status slot (buffered, capacity 1).
	pending sync.Map
}

// PipelineConfig contains pipeline dependencies.
type PipelineConfig struct {
	Service       Service
	Journal       stores.SessionJournal
	Logger        zerolog.Logger
	Metrics       *telemetry.Metrics
	StatusTimeout time.Duration
}

// NewPipeline creates a new install pipeline.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Service == nil {
		return nil, fmt.Errorf("session service is required")
	}
	if cfg.Journal == nil {
		return nil, fmt.Errorf("session journal is required")
	}
	if cfg.StatusTimeout == 0 {
		cfg.StatusTimeout = DefaultStatusTimeout
	}
	return &Pipeline{
		svc:           cfg.Service,
		journal:       cfg.Journal,
		log:           cfg.Logger,
		metrics:       cfg.Metrics,
		statusTimeout: cfg.StatusTimeout,
	}, nil
}

// AbandonStale abandons every session left open by a prior run. It must be
// called before the first Install; sessions accumulate across crashes and
// unresolved confirmations, and the platform's session pool is finite.
func (p *Pipeline) AbandonStale(ctx context.Context) error {
	stale, err := p.journal.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list journaled sessions: %w", err)
	}

	for _, sess := range stale {
		if err := p.svc.Abandon(ctx, sess.ID); err != nil {
			// The platform may have already discarded it; clearing the
			// journal row is still correct.
			p.log.Warn().Err(err).Str("session", sess.ID).
				Msg("Failed to abandon stale session")
		}
		if err := p.journal.ClearSession(ctx, sess.ID); err != nil {
			return fmt.Errorf("failed to clear journaled session: %w", err)
		}
		p.log.Info().
			Str("session", sess.ID).
			Str("package", sess.PackageName).
			Msg("Abandoned stale install session")
	}

	return nil
}

// Install streams pkg into a new session and drives it to a terminal
// outcome. The declared identity must match expected before any byte is
// written. A needs-confirmation status is surfaced as an outcome, not a
// failure; any other non-success status or a status timeout returns an
// error, never a dangling session.
func (p *Pipeline) Install(ctx context.Context, pkg io.Reader, declared, expected Identity) (*Outcome, error) {
	sess, err := p.svc.Open(ctx, declared)
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}
	sessionID := sess.ID()

	if err := p.journal.JournalSession(ctx, &stores.InstallSession{
		ID:          sessionID,
		PackageName: declared.Name,
	}); err != nil {
		_ = p.svc.Abandon(ctx, sessionID)
		return nil, fmt.Errorf("failed to journal session: %w", err)
	}

	// Identity gate: reject before the first byte.
	if !sess.Declared().Equal(expected) {
		p.metrics.InstallOutcome("identity_mismatch")
		p.discard(ctx, sessionID)
		return nil, &IdentityError{Declared: sess.Declared(), Expected: expected}
	}

	// Single correlation entry per session id.
	slot := make(chan *Status, 1)
	if _, loaded := p.pending.LoadOrStore(sessionID, slot); loaded {
		p.discard(ctx, sessionID)
		return nil, fmt.Errorf("session %s already has a pending status entry", sessionID)
	}

	outcome, err := p.run(ctx, sess, pkg, slot)
	if err != nil {
		p.pending.Delete(sessionID)
		p.discard(ctx, sessionID)
		return nil, err
	}
	return outcome, nil
}

// run writes, syncs, commits, and awaits the status for an open session.
func (p *Pipeline) run(ctx context.Context, sess Session, pkg io.Reader, slot chan *Status) (*Outcome, error) {
	sessionID := sess.ID()

	buf := make([]byte, copyChunkSize)
	for {
		n, rerr := pkg.Read(buf)
		if n > 0 {
			if _, werr := sess.Write(ctx, buf[:n]); werr != nil {
				return nil, fmt.Errorf("failed to write to session: %w", werr)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, fmt.Errorf("failed to read package: %w", rerr)
		}
	}

	// Durability sync before commit: a crash between commit and on-disk
	// completion corrupts the installed artifact otherwise.
	if err := sess.Sync(ctx); err != nil {
		return nil, fmt.Errorf("failed to sync session: %w", err)
	}

	if err := sess.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit session: %w", err)
	}

	timer := time.NewTimer(p.statusTimeout)
	defer timer.Stop()

	select {
	case status := <-slot:
		p.pending.Delete(sessionID)
		return p.mapStatus(ctx, sessionID, status)

	case <-timer.C:
		p.metrics.InstallOutcome("timeout")
		p.log.Warn().Str("session", sessionID).Msg("Timed out waiting for session status")
		return nil, ErrStatusTimeout

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// mapStatus converts a delivered status into the pipeline outcome.
func (p *Pipeline) mapStatus(ctx context.Context, sessionID string, status *Status) (*Outcome, error) {
	switch status.Code {
	case StatusSuccess:
		p.metrics.InstallOutcome("success")
		if err := p.journal.ClearSession(ctx, sessionID); err != nil {
			return nil, fmt.Errorf("failed to clear journaled session: %w", err)
		}
		return &Outcome{Code: StatusSuccess, Message: status.Message}, nil

	case StatusNeedsConfirmation:
		// Not a failure. The session stays journaled: if the confirmation is
		// never resolved, the next run abandons it with the other strays.
		p.metrics.InstallOutcome("needs_confirmation")
		return &Outcome{
			Code:    StatusNeedsConfirmation,
			Message: status.Message,
			Confirm: status.Confirm,
		}, nil

	default:
		p.metrics.InstallOutcome("failure")
		if err := p.journal.ClearSession(ctx, sessionID); err != nil {
			p.log.Warn().Err(err).Str("session", sessionID).Msg("Failed to clear journaled session")
		}
		return nil, &InstallError{Code: status.Code, Message: status.Message}
	}
}

// DeliverStatus completes the pending entry for sessionID. Unknown ids
// (already resolved, timed out, or duplicates) are logged and discarded;
// delivery never fails.
func (p *Pipeline) DeliverStatus(sessionID string, status *Status) {
	v, ok := p.pending.LoadAndDelete(sessionID)
	if !ok {
		p.log.Debug().Str("session", sessionID).
			Msg("Discarding status for unknown or resolved session")
		return
	}
	v.(chan *Status) <- status
}

// discard abandons a session and clears its journal row, logging rather than
// failing on either step.
func (p *Pipeline) discard(ctx context.Context, sessionID string) {
	if err := p.svc.Abandon(ctx, sessionID); err != nil {
		p.log.Warn().Err(err).Str("session", sessionID).Msg("Failed to abandon session")
	}
	if err := p.journal.ClearSession(ctx, sessionID); err != nil {
		p.log.Warn().Err(err).Str("session", sessionID).Msg("Failed to clear journaled session")
	}
}
