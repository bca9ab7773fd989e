package venue

import (
	"errors"
	"fmt"
)

// ErrTargetNotFound reports that an identifier did not resolve to any pool or
// market. Callers treat it as retryable: the target may appear later.
var ErrTargetNotFound = errors.New("target not found")

// RemoteError wraps a transport-level failure against a venue. Every
// RemoteError is considered transient.
type RemoteError struct {
	Venue  string
	Op     string // "resolve", "estimate", "submit", "balance"
	Status int    // HTTP status when applicable, 0 otherwise
	Err    error
}

func (e *RemoteError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("venue[%s] %s: status %d: %v", e.Venue, e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("venue[%s] %s: %v", e.Venue, e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

func NewRemoteError(venue, op string, status int, err error) *RemoteError {
	return &RemoteError{Venue: venue, Op: op, Status: status, Err: err}
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrTargetNotFound)
}

func IsRemote(err error) bool {
	var remoteErr *RemoteError
	return errors.As(err, &remoteErr)
}
