package fleetconn

import (
	"errors"
	"fmt"

	"github.com/oriax-io/fleetconn/cmdtracker"
)

// Sentinel errors for comparison using errors.Is(). These cover the five
// error kinds named by the taxonomy: InvalidTransition, CommandTimeout,
// CommandFailed, RetryExhausted, and LifecycleError.
var (
	// ErrInvalidTransition names an (state, event) pair that is not in the
	// allowed-transition table. The attempted transition is logged at WARN
	// and treated as a no-op, never as silent corruption; the coordinator
	// reports it as a false result rather than returning this error.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrCommandTimeout names a send_and_wait that exceeded its timeout
	// with no matching acknowledgment. The command tracker reports this
	// case as a ResultTimedOut result rather than as this error.
	ErrCommandTimeout = errors.New("command timed out waiting for acknowledgment")

	// ErrCommandFailed names an in-flight command for which the child
	// reported an error. The command tracker reports this case as a
	// ResultFailed result rather than as this error.
	ErrCommandFailed = errors.New("command failed")

	// ErrRetryExhausted names the case in which every retry attempt
	// failed. The coordinator reports it by moving the instance to Failed
	// with the last attempt's error message, not by returning this error.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrLifecycleError wraps a failure raised by a host-supplied Start
	// callback; StartInstance treats it as a crash and records the wrapped
	// error's text as the instance's error message. Errors from Stop are
	// logged and are not wrapped in it.
	ErrLifecycleError = errors.New("lifecycle callback failed")

	// ErrInstanceNotFound names an unknown instance ID. The coordinator's
	// lookups report an unknown instance with a false ok value rather than
	// this error.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrTrackerStopped re-exports the command tracker's own stopped
	// sentinel so host code can errors.Is against it without importing
	// cmdtracker directly.
	ErrTrackerStopped = cmdtracker.ErrStopped

	// ErrCoordinatorStopped names a public operation invoked after Stop()
	// has been called. No coordinator operation returns it.
	ErrCoordinatorStopped = errors.New("coordinator stopped")
)

// CoordinatorError provides structured error context with support for
// errors.Is/As via Unwrap, grounded on the teacher's FrameworkError.
type CoordinatorError struct {
	Op         string // operation that failed, e.g. "connect_device"
	InstanceID string // instance the error pertains to, if any
	Err        error  // underlying sentinel error
}

func (e *CoordinatorError) Error() string {
	if e.InstanceID != "" {
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.InstanceID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CoordinatorError) Unwrap() error {
	return e.Err
}

// newError builds a CoordinatorError bound to an instance.
func newError(op string, id InstanceID, err error) *CoordinatorError {
	return &CoordinatorError{Op: op, InstanceID: id.Key(), Err: err}
}

// IsRetryable reports whether an error is typically transient and worth
// retrying at a higher level (e.g. by host-level supervision).
func IsRetryable(err error) bool {
	return errors.Is(err, ErrCommandTimeout) || errors.Is(err, ErrCommandFailed)
}
