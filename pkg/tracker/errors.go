package tracker

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates an unknown run id.
	ErrNotFound = errors.New("test does not exist")

	// ErrUnknownSubject indicates a notification referencing a
	// subscription no run owns.
	ErrUnknownSubject = errors.New("no test owns this subscription")

	// ErrBusy indicates an attempt to start a run while one is active,
	// or a create that lost the race against a concurrent one.
	ErrBusy = errors.New("a test is still running")
)

// UnexpectedStatusError reports a reconciled hub request that is not in
// the expected approved status. It is terminal for the run.
type UnexpectedStatusError struct {
	RequestID string
	Type      string
	Status    string
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf(
		"the %s %s is in %s status instead of approved",
		e.Type, e.RequestID, e.Status,
	)
}

// StepPendingError reports the first lifecycle step that has not
// finished yet when a manual check finds the run incomplete. The run
// stays running.
type StepPendingError struct {
	Name string
}

func (e *StepPendingError) Error() string {
	return fmt.Sprintf("the %s step has not finished yet", e.Name)
}
