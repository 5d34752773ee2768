package runtime

import (
	"context"
	"fmt"

	"github.com/tcmartin/stepflow/pkg/logging"
	"github.com/tcmartin/stepflow/pkg/models"
)

// DefaultEventBuffer is the capacity of a stream's event channel
const DefaultEventBuffer = 64

// StartRequest starts a new execution
type StartRequest struct {
	FlowID         string
	Input          any
	TargetLanguage string
	SourceLanguage string
	Metadata       map[string]any

	// StartIndex and PriorOutputs resume a separately saved partial run
	StartIndex   int
	PriorOutputs map[string]any
}

// Executor drives flows held in sessions and streams their events
type Executor struct {
	definitions DefinitionSource
	rules       *Rules
	sessions    *SessionRegistry
	saver       ArtifactSaver
	sinks       []EventSink
	logger      logging.Logger
	buffer      int
}

// ExecutorOption configures an Executor
type ExecutorOption func(*Executor)

// WithArtifactSaver sets where completed outputs are handed
func WithArtifactSaver(s ArtifactSaver) ExecutorOption {
	return func(e *Executor) { e.saver = s }
}

// WithEventSink adds a sink receiving every event
func WithEventSink(s EventSink) ExecutorOption {
	return func(e *Executor) { e.sinks = append(e.sinks, s) }
}

// WithExecutorLogger sets the logger
func WithExecutorLogger(l logging.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithEventBuffer sets the stream channel capacity
func WithEventBuffer(n int) ExecutorOption {
	return func(e *Executor) {
		if n >= 0 {
			e.buffer = n
		}
	}
}

// NewExecutor creates an executor
func NewExecutor(definitions DefinitionSource, rules *Rules, sessions *SessionRegistry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		definitions: definitions,
		rules:       rules,
		sessions:    sessions,
		logger:      logging.NewNopLogger(),
		buffer:      DefaultEventBuffer,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Sessions returns the session registry
func (e *Executor) Sessions() *SessionRegistry {
	return e.sessions
}

// Start creates a session for the flow and begins executing it. Values in
// ctx (credentials) are kept for the run, its cancellation is not.
func (e *Executor) Start(ctx context.Context, req StartRequest) (*Stream, error) {
	def, err := e.definitions.Get(req.FlowID)
	if err != nil {
		return nil, err
	}

	initial := models.Context{
		Input:          req.Input,
		TargetLanguage: req.TargetLanguage,
		SourceLanguage: req.SourceLanguage,
		Metadata:       req.Metadata,
	}
	flow := NewFlow(def, e.rules, initial, WithFlowLogger(e.logger))
	if req.StartIndex > 0 || len(req.PriorOutputs) > 0 {
		if err := flow.Seed(req.StartIndex, req.PriorOutputs); err != nil {
			return nil, err
		}
	}
	if err := flow.Start(); err != nil {
		return nil, err
	}

	sess := e.sessions.Create(flow)
	sess.mu.Lock()
	sess.busy = true
	sess.mu.Unlock()

	e.logger.LogFlowExecution(def.ID, sess.ID, "started", map[string]interface{}{"start_index": req.StartIndex})
	return e.launch(ctx, sess), nil
}

// State returns the flow state of a session
func (e *Executor) State(sessionID string) (models.FlowState, error) {
	sess, err := e.sessions.Get(sessionID)
	if err != nil {
		return models.FlowState{}, err
	}
	return sess.flow.State(), nil
}

// Delete removes a session
func (e *Executor) Delete(sessionID string) error {
	return e.sessions.Delete(sessionID)
}

// launch spawns the producer for one run of a session that was marked busy
func (e *Executor) launch(ctx context.Context, sess *Session) *Stream {
	st := newStream(context.WithoutCancel(ctx), sess.ID, e.buffer)
	flow := sess.flow

	emit := func(ev models.Event) {
		ev.FlowID = flow.ID()
		ev.SessionID = sess.ID
		ev.Seq = sess.nextSeq()
		ev.Timestamp = e.sessions.now()
		for _, sink := range e.sinks {
			sink.Publish(ev)
		}
		st.send(ev)
		if ev.Type != models.EventStreamChunk {
			e.sessions.touch(sess)
		}
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("executor producer panicked",
					logging.String("session_id", sess.ID),
					logging.Any("panic", r))
			}
			final := e.finish(st.ctx, sess)
			st.finish(final)
		}()

		state := flow.State()
		emit(models.Event{Type: models.EventStatusChange, Status: state.Status, Error: state.Error})
		if state.Status == models.StatusRunning {
			flow.Run(st.ctx, emit)
		}
	}()

	return st
}

// finish clears the busy flag, mirrors the checkpoint into the session and
// hands the final output of a completed flow to the artifact saver
func (e *Executor) finish(ctx context.Context, sess *Session) models.FlowState {
	state := sess.flow.State()

	sess.mu.Lock()
	sess.busy = false
	sess.waiting = state.Waiting
	sess.lastActivity = e.sessions.now()
	save := state.Status == models.StatusCompleted && !sess.saved
	if save {
		sess.saved = true
	}
	sess.mu.Unlock()

	if save && e.saver != nil {
		artifact := models.Artifact{
			SessionID:      sess.ID,
			FlowID:         state.FlowID,
			Output:         state.Context.PreviousOutput,
			TargetLanguage: state.Context.TargetLanguage,
			SourceLanguage: state.Context.SourceLanguage,
			Metadata:       state.Context.Metadata,
			CreatedAt:      e.sessions.now(),
		}
		if err := e.saver.Save(context.WithoutCancel(ctx), artifact); err != nil {
			e.logger.Error("failed to save artifact",
				logging.String("flow_id", state.FlowID),
				logging.String("session_id", sess.ID),
				logging.Err(err))
		}
	}

	e.logger.LogFlowExecution(state.FlowID, sess.ID, "run-ended", map[string]interface{}{
		"status": string(state.Status),
		"cursor": state.CurrentStepIndex,
	})
	return state
}

func (e *Executor) String() string {
	return fmt.Sprintf("Executor(sessions=%d)", e.sessions.Len())
}
