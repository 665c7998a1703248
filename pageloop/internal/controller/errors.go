package controller

import (
	"errors"
	"fmt"

	"github.com/hazyhaar/scrapeloop/exchange"
)

var (
	// ErrHalted matches every error that stopped the cycle.
	ErrHalted = errors.New("controller: halted")
	// ErrActionRejected wraps failures to parse or apply a follow-up action.
	ErrActionRejected = errors.New("controller: action rejected")
)

// HaltError describes why the cycle stopped.
type HaltError struct {
	State  exchange.State // state when the failure happened
	Op     string         // poll, respond, splice, action, serialize
	Status int            // HTTP status, 0 for non-HTTP failures
	Token  string
	Err    error
}

func (e *HaltError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("controller: halted in %s: %s: status %d", e.State, e.Op, e.Status)
	}
	return fmt.Sprintf("controller: halted in %s: %s: %v", e.State, e.Op, e.Err)
}

func (e *HaltError) Unwrap() []error {
	return []error{ErrHalted, e.Err}
}
