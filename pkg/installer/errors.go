package installer

import (
	"errors"
	"fmt"
)

// ErrStatusTimeout is returned when no status arrives for a committed
// session within the pipeline's wait window. The session is abandoned before
// this is returned; a timeout never leaves a dangling session.
var ErrStatusTimeout = errors.New("installer: timed out waiting for session status")

// IdentityError indicates the package's declared identity did not match the
// expected identity. Raised before any byte is written to the session.
type IdentityError struct {
	Declared Identity
	Expected Identity
}

// Error implements the error interface.
func (e *IdentityError) Error() string {
	return fmt.Sprintf("installer: identity mismatch: declared %s, expected %s",
		e.Declared, e.Expected)
}

// InstallError indicates the install reached a terminal failure status.
type InstallError struct {
	Code    StatusCode
	Message string
}

// Error implements the error interface.
func (e *InstallError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("installer: install failed (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("installer: install failed (%s)", e.Code)
}
