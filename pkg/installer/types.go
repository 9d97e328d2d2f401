// Package installer drives the session-based package install protocol:
// open a session, verify the declared identity, stream bytes, force a
// durability sync, commit, and await the asynchronous status correlated by
// session id.
package installer

import (
	"context"
	"fmt"
)

// Identity is a package's declared identity. A session is never written to
// before the declared identity matches the expected identity.
type Identity struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// String returns the canonical name@version form.
func (id Identity) String() string {
	return fmt.Sprintf("%s@%s", id.Name, id.Version)
}

// Equal reports whether two identities match exactly.
func (id Identity) Equal(other Identity) bool {
	return id.Name == other.Name && id.Version == other.Version
}

// StatusCode is the terminal status reported for a committed session.
type StatusCode string

const (
	// StatusSuccess indicates the package installed.
	StatusSuccess StatusCode = "success"

	// StatusNeedsConfirmation indicates the platform requires an external
	// confirmation before finishing. Not a failure.
	StatusNeedsConfirmation StatusCode = "needs_confirmation"

	// StatusFailure indicates the install failed.
	StatusFailure StatusCode = "failure"
)

// Validate checks if the status code is valid.
func (c StatusCode) Validate() error {
	switch c {
	case StatusSuccess, StatusNeedsConfirmation, StatusFailure:
		return nil
	default:
		return fmt.Errorf("invalid status code: %s", c)
	}
}

// Status is the asynchronous result delivered for a committed session.
type Status struct {
	Code    StatusCode `json:"code"`
	Message string     `json:"message,omitempty"`

	// Confirm carries the confirmation sub-request when Code is
	// needs_confirmation.
	Confirm *ConfirmationRequest `json:"confirm,omitempty"`
}

// ConfirmationRequest describes the external confirmation the caller must
// surface to finish the install.
type ConfirmationRequest struct {
	Instructions string `json:"instructions"`
}

// Outcome is the pipeline's result for one install.
type Outcome struct {
	Code    StatusCode
	Message string
	Confirm *ConfirmationRequest
}

// Session is one open install session.
type Session interface {
	// ID returns the session id used to correlate the async status.
	ID() string

	// Declared returns the identity the package claims.
	Declared() Identity

	// Write appends bytes to the session.
	Write(ctx context.Context, p []byte) (int, error)

	// Sync forces written bytes to durable storage. Without it, a crash
	// between commit and on-disk completion can corrupt the artifact.
	Sync(ctx context.Context) error

	// Commit finalizes the session; the status arrives asynchronously.
	Commit(ctx context.Context) error
}

// Service is the platform's session install surface.
type Service interface {
	// Open creates a session for a package declaring the given identity.
	Open(ctx context.Context, declared Identity) (Session, error)

	// Abandon discards an unfinished session.
	Abandon(ctx context.Context, sessionID string) error
}
