package auth

import (
	"errors"
	"fmt"
)

// ErrStateMismatch indicates the captured redirect's state parameter did not
// match the one generated for the session. This is a security failure: the
// code is never exchanged and the session is never auto-retried.
var ErrStateMismatch = errors.New("auth: redirect state mismatch")

// ErrLoginTimeout indicates no redirect arrived within the login window.
var ErrLoginTimeout = errors.New("auth: timed out waiting for redirect")

// ErrLoginCancelled indicates the user returned from the browser surface
// without completing the flow.
var ErrLoginCancelled = errors.New("auth: login cancelled")

// ErrLoginRequired indicates no usable credential exists; the caller must
// route back to the login entry point.
var ErrLoginRequired = errors.New("auth: login required")

// ExchangeError indicates the token endpoint rejected the exchange. Reason
// is already sanitized; the raw response body can contain sensitive values
// and is never retained.
type ExchangeError struct {
	Reason string
}

// Error implements the error interface.
func (e *ExchangeError) Error() string {
	return fmt.Sprintf("auth: token exchange failed: %s", e.Reason)
}
