package runtime

import (
	"fmt"

	"github.com/tcmartin/stepflow/pkg/models"
)

// Pause stops a flow at the next step boundary. A running flow is only
// flagged (queued reports this); an idle flow pauses at once and a flow that
// is already suspended is left as it is.
func (f *Flow) Pause() (queued bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case f.status == models.StatusRunning:
		f.pauseReq.Store(true)
		return true, nil
	case f.status == models.StatusIdle:
		f.setStatusLocked(models.StatusPaused)
		return false, nil
	case f.status.IsSuspended():
		return false, nil
	}
	return false, fmt.Errorf("%w: cannot pause a flow that is %s", ErrInvalidState, f.status)
}

// Resume moves a paused or idle flow back to running
func (f *Flow) Resume() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status != models.StatusPaused && f.status != models.StatusIdle {
		return fmt.Errorf("%w: cannot resume a flow that is %s", ErrInvalidState, f.status)
	}
	f.status = models.StatusRunning
	return nil
}

// Confirm accepts the result of the awaiting step and moves forward, to the
// confirm operation's target when it names one
func (f *Flow) Confirm() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.confirmLocked()
}

func (f *Flow) confirmLocked() error {
	w, err := f.waitingLocked()
	if err != nil {
		return err
	}
	op, offered := f.operationLocked(w.StepID, "confirm")
	if !offered {
		return fmt.Errorf("%w: confirm is not offered at step %s", ErrUnknownOperation, w.StepID)
	}

	f.waiting = nil
	f.status = models.StatusRunning

	target := op.Target
	if target == "" {
		next, err := f.nextLocked(w.StepIndex, w.StepID, w.Result)
		if err != nil {
			f.failLocked(err.Error())
			return nil
		}
		if next == "" {
			f.completeLocked()
			return nil
		}
		target = next
	}
	f.moveLocked(w.StepIndex, target, nil)
	return nil
}

// Reject runs the reject operation when the checkpoint offers one, otherwise
// it ends the flow with an error naming the rejected step
func (f *Flow) Reject() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, err := f.waitingLocked()
	if err != nil {
		return err
	}
	if op, ok := f.operationLocked(w.StepID, "reject"); ok && (op.Target != "" || op.Handler != nil) {
		return f.operateLocked(w, op, "")
	}
	f.failLocked(fmt.Sprintf("step %s rejected", w.StepID))
	return nil
}

// Retry re-executes the awaiting, failed or paused step with the context it
// last ran with. The attempt counts against the step's retry budget.
func (f *Flow) Retry() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := f.cursor
	switch {
	case f.status.IsWaiting() && f.waiting != nil:
		idx = f.waiting.StepIndex
	case f.status == models.StatusError || f.status == models.StatusPaused:
	default:
		return fmt.Errorf("%w: cannot retry a flow that is %s", ErrInvalidState, f.status)
	}
	if idx >= len(f.steps) {
		return fmt.Errorf("%w: no step to retry", ErrInvalidState)
	}

	id := f.steps[idx].ID()
	limit := DefaultMaxRetries
	if check, ok := f.def.Validations[id]; ok {
		limit = check.Limit()
	}
	if f.retries[id]+1 > limit {
		return fmt.Errorf("%w for step %s", ErrRetryLimit, id)
	}
	f.retries[id]++

	f.records[idx].Reset()
	if saved := f.inputs[idx]; saved != nil {
		f.ctx = saved.Clone()
	}
	f.cursor = idx
	f.waiting = nil
	f.errMsg = ""
	f.status = models.StatusRunning
	return nil
}

// Skip passes over the current step: an awaiting step keeps its result, any
// other step is recorded with its input as output. The cursor then moves to
// the next step in list order.
func (f *Flow) Skip() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := f.cursor
	switch {
	case f.status.IsWaiting() && f.waiting != nil:
		idx = f.waiting.StepIndex
	case f.status == models.StatusPaused || f.status == models.StatusError:
		if idx >= len(f.steps) {
			return fmt.Errorf("%w: no step to skip", ErrInvalidState)
		}
		res := models.SuccessResult(models.DeepCopy(f.ctx.Input))
		res.Metadata.StepID = f.steps[idx].ID()
		f.records[idx].Executed = true
		f.records[idx].Result = &res
		f.records[idx].Timestamp = f.now()
		f.ctx.PreviousOutput = f.ctx.Input
	default:
		return fmt.Errorf("%w: cannot skip in a flow that is %s", ErrInvalidState, f.status)
	}

	f.waiting = nil
	f.errMsg = ""
	f.status = models.StatusRunning
	if idx+1 >= len(f.steps) {
		f.completeLocked()
		return nil
	}
	f.moveLocked(idx, f.steps[idx+1].ID(), nil)
	return nil
}

// Operate runs a named operation offered at the current checkpoint
func (f *Flow) Operate(name, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, err := f.waitingLocked()
	if err != nil {
		return err
	}
	if name == "confirm" {
		return f.confirmLocked()
	}
	op, ok := f.operationLocked(w.StepID, name)
	if !ok {
		return fmt.Errorf("%w: %s is not offered at step %s", ErrUnknownOperation, name, w.StepID)
	}
	return f.operateLocked(w, op, text)
}

// Extend runs the extend operation of the current checkpoint, or the first
// operation that carries a handler
func (f *Flow) Extend(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, err := f.waitingLocked()
	if err != nil {
		return err
	}
	op, ok := f.operationLocked(w.StepID, "extend")
	if !ok {
		for _, candidate := range f.def.Operations[w.StepID] {
			if candidate.Handler != nil {
				op, ok = candidate, true
				break
			}
		}
	}
	if !ok {
		return fmt.Errorf("%w: extend is not offered at step %s", ErrUnknownOperation, w.StepID)
	}
	return f.operateLocked(w, op, text)
}

// operateLocked builds the replacement context through the operation handler
// and routes back to the operation target
func (f *Flow) operateLocked(w *models.WaitingRecord, op Operation, text string) error {
	if op.Target == "" && op.Handler == nil {
		if op.Name == "reject" {
			f.failLocked(fmt.Sprintf("step %s rejected", w.StepID))
			return nil
		}
		return f.confirmForwardLocked(w)
	}

	target := op.Target
	if target == "" {
		target = w.StepID
	}
	if f.indexLocked(target) < 0 {
		f.waiting = nil
		f.failLocked(fmt.Sprintf("operation %s: %v %q", op.Name, ErrUnknownStep, target))
		return nil
	}

	handler := Ref{Name: "replace_input"}
	if op.Handler != nil {
		handler = *op.Handler
	}
	next, err := f.handle(handler, HandlerInput{
		Operation: op,
		StepID:    w.StepID,
		UserText:  text,
		Outputs:   f.outputsLocked(),
		Context:   f.ctx.Clone(),
	})
	if err != nil {
		return fmt.Errorf("operation %s: %w", op.Name, err)
	}

	f.waiting = nil
	f.status = models.StatusRunning
	if _, ok := f.moveLocked(w.StepIndex, target, nil); ok {
		f.ctx = next
	}
	return nil
}

// confirmForwardLocked continues past the awaiting step as if confirmed
func (f *Flow) confirmForwardLocked(w *models.WaitingRecord) error {
	f.waiting = nil
	f.status = models.StatusRunning
	next, err := f.nextLocked(w.StepIndex, w.StepID, w.Result)
	if err != nil {
		f.failLocked(err.Error())
		return nil
	}
	if next == "" {
		f.completeLocked()
		return nil
	}
	f.moveLocked(w.StepIndex, next, nil)
	return nil
}

func (f *Flow) waitingLocked() (*models.WaitingRecord, error) {
	if !f.status.IsWaiting() || f.waiting == nil {
		return nil, fmt.Errorf("%w: flow is %s, not waiting at a checkpoint", ErrInvalidState, f.status)
	}
	return f.waiting, nil
}

func (f *Flow) operationLocked(stepID, name string) (Operation, bool) {
	for _, op := range f.def.Operations[stepID] {
		if op.Name == name {
			return op, true
		}
	}
	return Operation{}, false
}

func (f *Flow) handle(ref Ref, in HandlerInput) (c models.Context, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panicked: %v", ref.Name, r)
		}
	}()
	return f.rules.Handle(ref, in)
}
