package channel

import (
	"errors"
	"fmt"
)

// ErrTimeout is returned by Submit when no result arrives within the
// submission's timeout. It is a distinguished, expected outcome: the slot is
// removed before Submit returns, so a result arriving later finds nothing to
// complete and is discarded.
var ErrTimeout = errors.New("channel: submission timed out")

// ErrClosed is returned by Submit after the broker has been shut down.
var ErrClosed = errors.New("channel: broker is closed")

// DispatchError indicates the request never reached the helper. It is
// terminal for that submission; retry policy belongs to the caller.
type DispatchError struct {
	Err error
}

// Error implements the error interface.
func (e *DispatchError) Error() string {
	return fmt.Sprintf("channel: dispatch failed: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *DispatchError) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether err is a channel timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsDispatch reports whether err is a dispatch failure.
func IsDispatch(err error) bool {
	var de *DispatchError
	return errors.As(err, &de)
}
