package runtime

import (
	"context"
	"fmt"

	"github.com/tcmartin/stepflow/pkg/models"
)

// Action names a control action
type Action string

const (
	ActionPause   Action = "pause"
	ActionResume  Action = "resume"
	ActionConfirm Action = "confirm"
	ActionReject  Action = "reject"
	ActionRetry   Action = "retry"
	ActionExtend  Action = "extend"
	ActionSkip    Action = "skip"
	ActionOperate Action = "operate"
)

// ParseAction validates an action name
func ParseAction(name string) (Action, error) {
	switch a := Action(name); a {
	case ActionPause, ActionResume, ActionConfirm, ActionReject, ActionRetry, ActionExtend, ActionSkip, ActionOperate:
		return a, nil
	}
	return "", fmt.Errorf("%w: unknown action %q", ErrUnknownOperation, name)
}

// ControlRequest is one control action against a session
type ControlRequest struct {
	Action    Action
	Operation string
	Text      string
}

// ControlResult carries the state right after the action was applied and,
// when execution resumed, the stream of the new run
type ControlResult struct {
	State  models.FlowState
	Stream *Stream
}

// Control applies an action to a session. Lookup, state check and mutation
// happen under the session lock; execution resumes only afterwards. Any
// action other than pause is refused while a step is executing.
func (e *Executor) Control(ctx context.Context, sessionID string, req ControlRequest) (ControlResult, error) {
	var (
		result ControlResult
		sess   *Session
		launch bool
	)

	err := e.sessions.Update(sessionID, func(s *Session) error {
		sess = s
		if req.Action == ActionPause {
			_, err := s.flow.Pause()
			return err
		}
		if s.busy {
			return fmt.Errorf("%w: %s", ErrSessionBusy, sessionID)
		}
		if err := e.apply(s.flow, req); err != nil {
			return err
		}
		s.waiting = nil
		s.busy = true
		launch = true
		return nil
	})
	if err != nil {
		return ControlResult{}, err
	}

	e.logger.LogFlowExecution(sess.flow.ID(), sessionID, "control", map[string]interface{}{
		"action":    string(req.Action),
		"operation": req.Operation,
	})

	result.State = sess.flow.State()
	if launch {
		result.Stream = e.launch(ctx, sess)
	}
	return result, nil
}

func (e *Executor) apply(flow *Flow, req ControlRequest) error {
	switch req.Action {
	case ActionResume:
		return flow.Resume()
	case ActionConfirm:
		return flow.Confirm()
	case ActionReject:
		return flow.Reject()
	case ActionRetry:
		return flow.Retry()
	case ActionExtend:
		return flow.Extend(req.Text)
	case ActionSkip:
		return flow.Skip()
	case ActionOperate:
		if req.Operation == "" {
			return fmt.Errorf("%w: operate needs an operation name", ErrUnknownOperation)
		}
		return flow.Operate(req.Operation, req.Text)
	}
	return fmt.Errorf("%w: unknown action %q", ErrInvalidState, req.Action)
}

// Pause requests a pause at the next step boundary
func (e *Executor) Pause(ctx context.Context, sessionID string) (ControlResult, error) {
	return e.Control(ctx, sessionID, ControlRequest{Action: ActionPause})
}

// Resume continues a paused session
func (e *Executor) Resume(ctx context.Context, sessionID string) (ControlResult, error) {
	return e.Control(ctx, sessionID, ControlRequest{Action: ActionResume})
}

// Confirm accepts the checkpoint of a session
func (e *Executor) Confirm(ctx context.Context, sessionID string) (ControlResult, error) {
	return e.Control(ctx, sessionID, ControlRequest{Action: ActionConfirm})
}

// Reject refuses the checkpoint of a session
func (e *Executor) Reject(ctx context.Context, sessionID string) (ControlResult, error) {
	return e.Control(ctx, sessionID, ControlRequest{Action: ActionReject})
}

// Retry re-runs the current step of a session
func (e *Executor) Retry(ctx context.Context, sessionID string) (ControlResult, error) {
	return e.Control(ctx, sessionID, ControlRequest{Action: ActionRetry})
}

// Extend runs the extend operation with the caller's text
func (e *Executor) Extend(ctx context.Context, sessionID, text string) (ControlResult, error) {
	return e.Control(ctx, sessionID, ControlRequest{Action: ActionExtend, Text: text})
}

// Skip passes over the current step of a session
func (e *Executor) Skip(ctx context.Context, sessionID string) (ControlResult, error) {
	return e.Control(ctx, sessionID, ControlRequest{Action: ActionSkip})
}

// Operate runs a named checkpoint operation
func (e *Executor) Operate(ctx context.Context, sessionID, operation, text string) (ControlResult, error) {
	return e.Control(ctx, sessionID, ControlRequest{Action: ActionOperate, Operation: operation, Text: text})
}
