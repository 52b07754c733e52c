package types

import (
	"errors"
	"fmt"
)

var (
	ErrRejected       = errors.New("order rejected")
	ErrRateLimited    = errors.New("rate limited")
	ErrDisconnected   = errors.New("venue disconnected")
	ErrNotFound       = errors.New("order not found")
	ErrAlreadyFilled  = errors.New("order already filled")
	ErrInvalidRequest = errors.New("invalid order request")
)

// PortError is returned by every ExecutionPort method. Kind is one of the
// sentinel errors above so callers can match with errors.Is.
type PortError struct {
	Op     string
	Kind   error
	Detail string
	Err    error
}

func (e *PortError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PortError) Is(target error) bool {
	return e.Kind == target
}

func (e *PortError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the engine may retry the call
func (e *PortError) Retryable() bool {
	return e.Kind == ErrRejected || e.Kind == ErrRateLimited || e.Kind == ErrDisconnected
}

// NewPortError builds a PortError
func NewPortError(op string, kind error, detail string) *PortError {
	return &PortError{Op: op, Kind: kind, Detail: detail}
}

// WrapPortError builds a PortError around an underlying cause
func WrapPortError(op string, kind error, err error) *PortError {
	return &PortError{Op: op, Kind: kind, Err: err}
}

// IsRetryable reports whether err is a retryable port error
func IsRetryable(err error) bool {
	var pe *PortError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}
