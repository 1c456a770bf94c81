package commands

import (
	"errors"
	"fmt"
)

var (
	ErrSignalingError = errors.New("signaling server error")
	ErrJoinDenied     = errors.New("the host denied the request")
	ErrRelayNeedsTURN = errors.New("cannot force relay mode without TURN server configured")
	ErrNoName         = errors.New("display name cannot be empty")
)

// CallError wraps a failure with the operation that hit it.
type CallError struct {
	Op      string
	Err     error
	Details string
}

func (e *CallError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

func NewError(op string, err error) *CallError {
	return &CallError{Op: op, Err: err}
}

func WrapError(op string, err error, details string) *CallError {
	return &CallError{Op: op, Err: err, Details: details}
}
