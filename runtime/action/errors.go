package action

import (
	"context"
	"errors"
	"fmt"
)

// Validation and lifecycle sentinels. All are rejected synchronously at the
// call site; none are silently accepted.
var (
	// ErrUnknownTemplate reports a propose call naming an unregistered
	// template id.
	ErrUnknownTemplate = errors.New("unknown action template")
	// ErrInvalidParams reports parameters that fail the template's schema.
	ErrInvalidParams = errors.New("action parameters do not satisfy template schema")
	// ErrActionPending reports a second proposal while a proposed or
	// executing instance already exists for the session.
	ErrActionPending = errors.New("an action is already pending for this session")
	// ErrUnknownInstance reports an operation on an instance id that is not
	// in the live registry.
	ErrUnknownInstance = errors.New("unknown action instance")
	// ErrNotProposed reports an execute call on an instance that is not in
	// the proposed state.
	ErrNotProposed = errors.New("action instance is not proposed")
	// ErrNotErrored reports a retry call on an instance that is not in the
	// errored state.
	ErrNotErrored = errors.New("action instance is not errored")
	// ErrExecFailed reports a terminal execution failure after the automatic
	// retry was exhausted. The instance remains in the registry for manual
	// retry.
	ErrExecFailed = errors.New("action execution failed")
)

// ExecError is a structured execution failure raised by executors. Transient
// failures (timeouts, transport errors) are eligible for the manager's single
// automatic retry; permanent failures are not.
type ExecError struct {
	// Message is the human-readable failure summary.
	Message string
	// Transient reports whether retrying without changing the request may
	// succeed.
	Transient bool
	// Cause is the underlying error, if any.
	Cause error
}

// NewExecError constructs a permanent execution error wrapping cause.
func NewExecError(message string, cause error) *ExecError {
	return &ExecError{Message: message, Cause: cause}
}

// NewTransientExecError constructs a retryable execution error wrapping cause.
func NewTransientExecError(message string, cause error) *ExecError {
	return &ExecError{Message: message, Transient: true, Cause: cause}
}

// Error implements the error interface.
func (e *ExecError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error to support errors.Is/As.
func (e *ExecError) Unwrap() error { return e.Cause }

// IsTransient classifies an execution failure for the retry policy. Timeouts
// and errors explicitly marked transient qualify; everything else, including
// cancellation, is terminal.
func IsTransient(err error) bool {
	var ee *ExecError
	if errors.As(err, &ee) {
		return ee.Transient
	}
	return errors.Is(err, context.DeadlineExceeded)
}
