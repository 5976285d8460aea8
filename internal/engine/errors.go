package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrInstanceFinished is returned when resuming an instance that already
	// reached a terminal state.
	ErrInstanceFinished = errors.New("instance already finished")

	// ErrInstanceNotWaiting is returned when a resume loses the race for a
	// WAITING instance or targets one that was never suspended.
	ErrInstanceNotWaiting = errors.New("instance is not waiting")

	// ErrApprovalResolved is returned when acting on an approval that is
	// already APPROVED or REJECTED.
	ErrApprovalResolved = errors.New("approval already resolved")

	// ErrNotAuthorized is returned when the acting user is neither the
	// approver nor the delegate of an approval.
	ErrNotAuthorized = errors.New("user is not the approver or delegate")
)

// ExecutionError wraps any failure raised while executing a step. The owning
// instance is always marked FAILED before this is returned.
type ExecutionError struct {
	Workflow string
	Step     string
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("workflow %s failed at step %s: %v", e.Workflow, e.Step, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
