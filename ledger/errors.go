package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientFunds available (unreserved) balance cannot cover the order
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvalidFill the fill carries a non-positive quantity or price
	ErrInvalidFill = errors.New("invalid fill")
)

// UnknownOrderError a fill referenced an order the ledger never tracked.
// Expected with late or duplicate delivery from live feeds; log and ignore.
type UnknownOrderError struct {
	OrderID string
}

func (e *UnknownOrderError) Error() string {
	return fmt.Sprintf("unknown order %s", e.OrderID)
}

// StateError an operation is not allowed from the order's current state
type StateError struct {
	OrderID string
	Op      string
	State   State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s order %s in state %s", e.Op, e.OrderID, e.State)
}

// LedgerConsistencyError the balance no longer reconciles with the fills.
// Always fatal: the run must stop.
type LedgerConsistencyError struct {
	Reason   string
	Expected string
	Actual   string
}

func (e *LedgerConsistencyError) Error() string {
	if e.Expected == "" && e.Actual == "" {
		return "ledger inconsistent: " + e.Reason
	}
	return fmt.Sprintf("ledger inconsistent: %s (expected %s, actual %s)", e.Reason, e.Expected, e.Actual)
}

// IsFatal reports whether err must end the run
func IsFatal(err error) bool {
	var lce *LedgerConsistencyError
	return errors.As(err, &lce)
}
