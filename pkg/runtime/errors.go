package runtime

import "errors"

var (
	// ErrSessionNotFound is returned for unknown, deleted or evicted session ids
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionBusy is returned when a control action arrives while a step is executing
	ErrSessionBusy = errors.New("session is busy")

	// ErrInvalidState is returned when an action does not apply to the current flow status
	ErrInvalidState = errors.New("invalid state for action")

	// ErrUnknownOperation is returned for operations not offered at the current checkpoint
	ErrUnknownOperation = errors.New("unknown operation")

	// ErrFlowNotFound is returned for unknown flow definition ids
	ErrFlowNotFound = errors.New("flow not found")

	// ErrUnknownStep is returned when a routing target does not name a step
	ErrUnknownStep = errors.New("unknown step")

	// ErrRetryLimit is returned when a retry would exceed a step's retry budget
	ErrRetryLimit = errors.New("maximum retry limit exceeded")
)
