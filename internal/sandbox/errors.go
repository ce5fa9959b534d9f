package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrTimeout        = errors.New("execution timed out")
	ErrValidation     = errors.New("code rejected by policy")
	ErrRuntime        = errors.New("candidate code raised an error")
	ErrInvalidRequest = errors.New("invalid execution request")
	ErrEmptyTable     = errors.New("no usable table")
	ErrCapacity       = errors.New("no execution slot available")
)

// ExecutionError wraps errors with execution context.
type ExecutionError struct {
	ExecID string
	Op     string // The operation that failed
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsTimeout returns true if the error is a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsValidation returns true if the error is a policy rejection.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsRuntime returns true if the error came from candidate code.
func IsRuntime(err error) bool {
	return errors.Is(err, ErrRuntime)
}
