package session

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateUser is returned when a user id is already joining or
	// joined in the call.
	ErrDuplicateUser = errors.New("user already in call")
	// ErrNoDriver is returned by NewManager without a driver.
	ErrNoDriver = errors.New("browser driver is required")
)

// AddUserError reports a failed AddUser. The partial browser resources have
// already been released when it is returned.
type AddUserError struct {
	User   User
	Config CallConfig
	Err    error
}

func (e *AddUserError) Error() string {
	return fmt.Sprintf("failed to add user %s to %s: %v", e.User, e.Config, e.Err)
}

func (e *AddUserError) Unwrap() error { return e.Err }

// ReleaseError reports a failure while tearing a session down.
type ReleaseError struct {
	User User
	Err  error
}

func (e *ReleaseError) Error() string {
	return fmt.Sprintf("failed to release %s: %v", e.User, e.Err)
}

func (e *ReleaseError) Unwrap() error { return e.Err }
