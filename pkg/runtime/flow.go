package runtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tcmartin/stepflow/pkg/logging"
	"github.com/tcmartin/stepflow/pkg/models"
)

// Flow is one running instance of a definition: its step records, cursor,
// status and context. Methods are safe for concurrent use; step execution
// happens outside the internal lock so State can be read mid-step.
type Flow struct {
	mu        sync.Mutex
	def       *Definition
	rules     *Rules
	steps     []Step
	records   []models.StepRecord
	inputs    []*models.Context
	cursor    int
	status    models.FlowStatus
	ctx       models.Context
	errMsg    string
	sessionID string
	retries   map[string]int
	waiting   *models.WaitingRecord
	rollback  string
	pauseReq  atomic.Bool
	logger    logging.Logger
	now       func() time.Time
}

// FlowOption configures a Flow
type FlowOption func(*Flow)

// WithFlowLogger sets the logger of the flow
func WithFlowLogger(l logging.Logger) FlowOption {
	return func(f *Flow) { f.logger = l }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) FlowOption {
	return func(f *Flow) { f.now = now }
}

// NewFlow creates an idle flow for a definition
func NewFlow(def *Definition, rules *Rules, initial models.Context, opts ...FlowOption) *Flow {
	f := &Flow{
		def:     def,
		rules:   rules,
		steps:   append([]Step(nil), def.Steps...),
		status:  models.StatusIdle,
		ctx:     initial.Clone(),
		retries: make(map[string]int),
		logger:  logging.NewNopLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.records = make([]models.StepRecord, len(f.steps))
	f.inputs = make([]*models.Context, len(f.steps))
	for i, s := range f.steps {
		f.records[i] = models.StepRecord{StepID: s.ID(), Name: s.Name(), Kind: string(s.Kind())}
	}
	return f
}

// ID returns the definition id
func (f *Flow) ID() string {
	return f.def.ID
}

func (f *Flow) bind(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionID = sessionID
}

// Status returns the current status
func (f *Flow) Status() models.FlowStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// RetryCounts returns a copy of the retry counters
func (f *Flow) RetryCounts() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.retryCountsLocked()
}

func (f *Flow) retryCountsLocked() map[string]int {
	out := make(map[string]int, len(f.retries))
	for k, v := range f.retries {
		out[k] = v
	}
	return out
}

// State returns a snapshot of the flow
func (f *Flow) State() models.FlowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stateLocked()
}

func (f *Flow) stateLocked() models.FlowState {
	state := models.FlowState{
		FlowID:           f.def.ID,
		SessionID:        f.sessionID,
		Steps:            make([]models.StepRecord, len(f.records)),
		CurrentStepIndex: f.cursor,
		Status:           f.status,
		Context:          f.ctx.Clone(),
		Error:            f.errMsg,
		RetryCounts:      f.retryCountsLocked(),
	}
	for i, r := range f.records {
		state.Steps[i] = r
		if r.Result != nil {
			res := r.Result.Clone()
			state.Steps[i].Result = &res
		}
	}
	if f.waiting != nil {
		w := *f.waiting
		w.Result = f.waiting.Result.Clone()
		w.Operations = append([]models.OperationInfo(nil), f.waiting.Operations...)
		state.Waiting = &w
	}
	return state
}

// Start moves an idle flow to running
func (f *Flow) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status != models.StatusIdle {
		return fmt.Errorf("%w: cannot start a flow that is %s", ErrInvalidState, f.status)
	}
	f.status = models.StatusRunning
	return nil
}

// Seed marks the steps before startIndex as executed with the given prior
// outputs so that a separately saved partial run continues at startIndex
func (f *Flow) Seed(startIndex int, prior map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status != models.StatusIdle {
		return fmt.Errorf("%w: cannot seed a flow that is %s", ErrInvalidState, f.status)
	}
	if startIndex < 0 || startIndex > len(f.steps) {
		return fmt.Errorf("%w: start index %d out of range [0,%d]", ErrInvalidState, startIndex, len(f.steps))
	}
	for id := range prior {
		if f.indexLocked(id) < 0 {
			return fmt.Errorf("prior output for %w %q", ErrUnknownStep, id)
		}
	}

	now := f.now()
	for i := 0; i < startIndex; i++ {
		out, ok := prior[f.steps[i].ID()]
		if !ok {
			continue
		}
		res := models.SuccessResult(models.DeepCopy(out))
		res.Metadata.StepID = f.steps[i].ID()
		f.records[i].Executed = true
		f.records[i].Result = &res
		f.records[i].Timestamp = now
	}
	if startIndex > 0 {
		if out, ok := prior[f.steps[startIndex-1].ID()]; ok {
			f.ctx.PreviousOutput = models.DeepCopy(out)
			if f.ctx.Input == nil {
				f.ctx.Input = models.DeepCopy(out)
			}
		}
	}
	f.cursor = startIndex
	return nil
}

// Reset clears every step record and the cursor. Retry counters are kept;
// a fresh retry budget needs a new session.
func (f *Flow) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.records {
		f.records[i].Reset()
		f.inputs[i] = nil
	}
	f.cursor = 0
	f.status = models.StatusIdle
	f.errMsg = ""
	f.waiting = nil
	f.rollback = ""
	f.pauseReq.Store(false)
}

// ReplaceStep swaps the step with the same id
func (f *Flow) ReplaceStep(step Step) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.indexLocked(step.ID())
	if idx < 0 {
		return fmt.Errorf("%w %q", ErrUnknownStep, step.ID())
	}
	f.steps[idx] = step
	f.records[idx] = models.StepRecord{StepID: step.ID(), Name: step.Name(), Kind: string(step.Kind())}
	return nil
}

// RequestPause asks a running flow to pause at the next step boundary
func (f *Flow) RequestPause() {
	f.pauseReq.Store(true)
}

// Run executes steps until the flow suspends, finishes, fails, is paused or
// ctx is cancelled. Cancellation takes effect at the next step boundary.
func (f *Flow) Run(ctx context.Context, emit EmitFunc) models.FlowState {
	defer f.pauseReq.Store(false)
	for f.Step(ctx, emit) {
		if ctx.Err() != nil || f.pauseReq.Load() {
			f.mu.Lock()
			var events []models.Event
			if f.status == models.StatusRunning {
				events = f.setStatusLocked(models.StatusPaused)
			}
			f.mu.Unlock()
			f.flush(emit, events)
			break
		}
	}
	return f.State()
}

// Step executes one transition and reports whether the flow is still running
func (f *Flow) Step(ctx context.Context, emit EmitFunc) (cont bool) {
	locked := false
	defer func() {
		if r := recover(); r != nil {
			if !locked {
				f.mu.Lock()
			}
			events := f.failLocked(fmt.Sprintf("%v", r))
			f.mu.Unlock()
			f.flush(emit, events)
			cont = false
		}
	}()

	f.mu.Lock()
	locked = true
	if f.status != models.StatusRunning {
		f.mu.Unlock()
		return false
	}
	if f.cursor >= len(f.steps) {
		events := f.completeLocked()
		locked = false
		f.mu.Unlock()
		f.flush(emit, events)
		return false
	}
	idx := f.cursor
	step := f.steps[idx]
	input := f.ctx.Clone()
	saved := input.Clone()
	f.inputs[idx] = &saved
	locked = false
	f.mu.Unlock()

	f.logger.LogStepExecution(f.def.ID, f.sessionID, step.ID(), "step-start", map[string]interface{}{"index": idx})
	emit(stepEvent(models.EventStepStart, idx, step.ID()))
	result := f.execute(ctx, step, input, idx, emit)

	f.mu.Lock()
	locked = true
	events, cont := f.advanceLocked(idx, step, result)
	locked = false
	f.mu.Unlock()

	f.flush(emit, events)
	return cont
}

func (f *Flow) execute(ctx context.Context, step Step, input models.Context, idx int, emit EmitFunc) models.Result {
	if ss, ok := step.(StreamingStep); ok {
		return ss.ExecuteStream(ctx, input, func(chunk string) {
			if ctx.Err() != nil {
				return
			}
			ev := stepEvent(models.EventStreamChunk, idx, step.ID())
			ev.Data = chunk
			emit(ev)
		})
	}
	return step.Execute(ctx, input)
}

func (f *Flow) advanceLocked(idx int, step Step, result models.Result) ([]models.Event, bool) {
	id := step.ID()
	res := result.Clone()
	f.records[idx].Executed = true
	f.records[idx].Result = &res
	f.records[idx].Timestamp = f.now()
	f.ctx.PreviousOutput = result.Output
	f.ctx.Input = result.Output

	var events []models.Event
	if !result.Success {
		ev := stepEvent(models.EventStepError, idx, id)
		ev.Error = result.Error
		ev.Data = result.Output
		events = append(events, ev)
		f.logger.LogStepExecution(f.def.ID, f.sessionID, id, "step-error", map[string]interface{}{"error": result.Error})

		if cond, ok := f.def.Conditions[id]; ok && cond.OnFalse != "" {
			passed, err := f.evaluate(cond.Predicate, result)
			if err != nil {
				return append(events, f.failLocked(fmt.Sprintf("condition on step %s: %v", id, err))...), false
			}
			if !passed {
				return f.moveLocked(idx, cond.OnFalse, events)
			}
		}
		return append(events, f.failLocked(fmt.Sprintf("step %s failed: %s", id, result.Error))...), false
	}

	ev := stepEvent(models.EventStepComplete, idx, id)
	ev.Data = result.Output
	events = append(events, ev)
	f.logger.LogStepExecution(f.def.ID, f.sessionID, id, "step-complete", nil)

	if check, ok := f.def.Validations[id]; ok {
		valid, err := f.evaluate(check.Predicate, result)
		if err != nil {
			return append(events, f.failLocked(fmt.Sprintf("validation on step %s: %v", id, err))...), false
		}
		if !valid {
			f.retries[id]++
			if f.retries[id] > check.Limit() {
				return append(events, f.failLocked(fmt.Sprintf("maximum retry limit exceeded for step %s", id))...), false
			}
			target := check.RetryTarget
			if target == "" {
				target = id
			}
			ti := f.indexLocked(target)
			if ti < 0 {
				return append(events, f.failLocked(fmt.Sprintf("validation on step %s: %v %q", id, ErrUnknownStep, target))...), false
			}
			f.records[ti].Reset()
			if saved := f.inputs[ti]; saved != nil {
				f.ctx = saved.Clone()
			}
			f.cursor = ti
			if ti != idx {
				f.rollback = id
			}
			f.logger.Info("validation failed, retrying",
				logging.String("flow_id", f.def.ID),
				logging.String("session_id", f.sessionID),
				logging.String("step_id", id),
				logging.String("retry_target", target),
				logging.Int("attempt", f.retries[id]))
			return events, true
		}
		if f.rollback == id {
			f.rollback = ""
		}
	}

	if ops := f.def.Operations[id]; len(ops) > 0 {
		return append(events, f.suspendLocked(idx, id, result, ops)...), false
	}

	next, err := f.nextLocked(idx, id, result)
	if err != nil {
		return append(events, f.failLocked(err.Error())...), false
	}
	if next == "" {
		return append(events, f.completeLocked()...), false
	}
	return f.moveLocked(idx, next, events)
}

// nextLocked resolves the next step id: router, then condition, then list order
func (f *Flow) nextLocked(idx int, id string, result models.Result) (string, error) {
	if f.def.Router != nil {
		next, handled, err := f.route(*f.def.Router, RouteInput{
			StepID:    id,
			StepIndex: idx,
			StepIDs:   f.stepIDsLocked(),
			Result:    result,
			Context:   f.ctx.Clone(),
		})
		if err != nil {
			return "", fmt.Errorf("router after step %s: %v", id, err)
		}
		if handled {
			return next, nil
		}
	}
	if cond, ok := f.def.Conditions[id]; ok {
		passed, err := f.evaluate(cond.Predicate, result)
		if err != nil {
			return "", fmt.Errorf("condition on step %s: %v", id, err)
		}
		if passed && cond.OnTrue != "" {
			return cond.OnTrue, nil
		}
		if !passed && cond.OnFalse != "" {
			return cond.OnFalse, nil
		}
	}
	if idx+1 < len(f.steps) {
		return f.steps[idx+1].ID(), nil
	}
	return "", nil
}

// moveLocked applies the retry bookkeeping of a jump and moves the cursor
func (f *Flow) moveLocked(from int, target string, events []models.Event) ([]models.Event, bool) {
	ti := f.indexLocked(target)
	if ti < 0 {
		return append(events, f.failLocked(fmt.Sprintf("%v %q", ErrUnknownStep, target))...), false
	}
	if ti <= from {
		f.retries[target]++
		limit := DefaultMaxRetries
		if check, ok := f.def.Validations[target]; ok {
			limit = check.Limit()
		}
		if f.retries[target] > limit {
			return append(events, f.failLocked(fmt.Sprintf("maximum retry limit exceeded for step %s", target))...), false
		}
		f.records[ti].Reset()
	} else if target != f.rollback {
		f.retries[target] = 0
	}
	f.cursor = ti
	return events, true
}

func (f *Flow) suspendLocked(idx int, id string, result models.Result, ops []Operation) []models.Event {
	infos := make([]models.OperationInfo, len(ops))
	confirmOnly := true
	for i, op := range ops {
		infos[i] = op.Info()
		if op.Name != "confirm" {
			confirmOnly = false
		}
	}
	status := models.StatusWaitingOperation
	evType := models.EventOperationRequired
	if confirmOnly {
		status = models.StatusWaitingConfirmation
		evType = models.EventConfirmationRequired
	}
	f.waiting = &models.WaitingRecord{StepID: id, StepIndex: idx, Result: result, Operations: infos}

	ev := stepEvent(evType, idx, id)
	ev.Data = result.Output
	ev.Operations = infos
	return append([]models.Event{ev}, f.setStatusLocked(status)...)
}

func (f *Flow) completeLocked() []models.Event {
	f.cursor = len(f.steps)
	f.waiting = nil
	f.logger.LogFlowExecution(f.def.ID, f.sessionID, "completed", nil)
	return f.setStatusLocked(models.StatusCompleted)
}

func (f *Flow) failLocked(msg string) []models.Event {
	f.errMsg = msg
	f.waiting = nil
	f.logger.LogFlowExecution(f.def.ID, f.sessionID, "error", map[string]interface{}{"error": msg})
	events := f.setStatusLocked(models.StatusError)
	if len(events) > 0 {
		events[0].Error = msg
	}
	return events
}

func (f *Flow) setStatusLocked(status models.FlowStatus) []models.Event {
	if f.status == status {
		return nil
	}
	f.status = status
	return []models.Event{{Type: models.EventStatusChange, Status: status}}
}

func (f *Flow) evaluate(ref Ref, result models.Result) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("predicate %s panicked: %v", ref.Name, r)
		}
	}()
	return f.rules.Evaluate(ref, result)
}

func (f *Flow) route(ref Ref, in RouteInput) (next string, handled bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("router %s panicked: %v", ref.Name, r)
		}
	}()
	return f.rules.Route(ref, in)
}

func (f *Flow) indexLocked(id string) int {
	for i, s := range f.steps {
		if s.ID() == id {
			return i
		}
	}
	return -1
}

func (f *Flow) stepIDsLocked() []string {
	ids := make([]string, len(f.steps))
	for i, s := range f.steps {
		ids[i] = s.ID()
	}
	return ids
}

func (f *Flow) outputsLocked() map[string]any {
	out := make(map[string]any)
	for _, r := range f.records {
		if r.Executed && r.Result != nil {
			out[r.StepID] = models.DeepCopy(r.Result.Output)
		}
	}
	return out
}

func (f *Flow) flush(emit EmitFunc, events []models.Event) {
	for _, ev := range events {
		emit(ev)
	}
}

func stepEvent(t models.EventType, idx int, id string) models.Event {
	return models.Event{Type: t, StepIndex: models.IntPtr(idx), NodeID: id}
}
