package errors

import (
	"errors"
)

// Sentinel errors for different categories
var (
	// ErrConflict - a concurrent writer got there first (duplicate approval
	// decisions, duplicate tool calls); the first write stands.
	ErrConflict = errors.New("conflict")

	// ErrApprovalRequired - the tool call cannot proceed without an
	// interactive decision.
	ErrApprovalRequired = errors.New("approval required")

	// ErrPermissionDenied - policy or an interactive decision denied the call.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrInvalidInput - invalid input (bad tool arguments, malformed payloads).
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound - resource not found (thread, tool, pending approval).
	ErrNotFound = errors.New("not found")

	// ErrCorruptThread - a thread's event log cannot be reconstructed
	// (unknown event type, unreadable payload). Unrecoverable for that thread.
	ErrCorruptThread = errors.New("corrupt thread")

	// ErrBusy - the agent is mid-turn; its state machine is not reentrant.
	ErrBusy = errors.New("agent busy")

	// ErrTransient - provider/network failures worth retrying.
	ErrTransient = errors.New("transient error")

	// ErrInternal - anything that should not have happened.
	ErrInternal = errors.New("internal error")
)
