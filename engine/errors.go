// Package engine drives the planner-executor loop: a four-node state
// machine (planner, executor, human_review, await_callback) that
// checkpoints every transition, detects execution loops, and pauses
// before its two interrupt nodes until an external event resumes the
// run.
package engine

import (
	"errors"
	"fmt"
)

// Error codes.
const (
	CodePlanner    = "planner"
	CodeExecutor   = "executor"
	CodeCheckpoint = "checkpoint"
	CodeNotFound   = "not_found"
)

// ErrNoRun reports a thread with no checkpointed state.
var ErrNoRun = errors.New("no run state for thread")

// Error is a typed engine failure. Code locates the failing stage so
// the run manager can map it onto run status and system-error rows.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func engineErr(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}
