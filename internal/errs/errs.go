// Package errs defines the error kinds shared by the synchronizers and the
// platform clients.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated is returned when an operation needs an identity and none is present.
	ErrUnauthenticated = errors.New("user not authenticated")
	// ErrValidation marks input rejected locally, before any network call.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned when an expected row is absent.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks an operation refused because of the current local state.
	ErrConflict = errors.New("conflict")

	ErrPayloadTooLarge = fmt.Errorf("%w: payload too large", ErrValidation)
	ErrEmptyMessage    = fmt.Errorf("%w: message has neither text nor image", ErrValidation)
)

// RemoteError reports a failure returned by the hosted platform, including
// transport failures (Status 0).
type RemoteError struct {
	Op      string
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *RemoteError) Error() string {
	switch {
	case e.Status == 0 && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Code != "":
		return fmt.Sprintf("%s: status %d (%s): %s", e.Op, e.Status, e.Code, e.Message)
	default:
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Message)
	}
}

func (e *RemoteError) Unwrap() error { return e.Err }

// IsRemote reports whether err carries a RemoteError.
func IsRemote(err error) bool {
	var remote *RemoteError
	return errors.As(err, &remote)
}
