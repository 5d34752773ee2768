package models

// FlowStatus is the lifecycle status of a flow
type FlowStatus string

const (
	StatusIdle                FlowStatus = "idle"
	StatusRunning             FlowStatus = "running"
	StatusPaused              FlowStatus = "paused"
	StatusWaitingConfirmation FlowStatus = "waiting-confirmation"
	StatusWaitingOperation    FlowStatus = "waiting-operation"
	StatusCompleted           FlowStatus = "completed"
	StatusError               FlowStatus = "error"
)

// IsTerminal reports whether no further steps can run without intervention
func (s FlowStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// IsWaiting reports whether the flow is parked at a checkpoint
func (s FlowStatus) IsWaiting() bool {
	return s == StatusWaitingConfirmation || s == StatusWaitingOperation
}

// IsSuspended reports whether the flow stopped but can be resumed
func (s FlowStatus) IsSuspended() bool {
	return s == StatusPaused || s.IsWaiting()
}

// OperationInfo describes an operation offered at a checkpoint
type OperationInfo struct {
	Name  string `json:"name"`
	Label string `json:"label,omitempty"`
}

// WaitingRecord describes the checkpoint a flow is parked at
type WaitingRecord struct {
	// StepID is the step awaiting a decision
	StepID string `json:"step_id"`

	// StepIndex is the position of that step
	StepIndex int `json:"step_index"`

	// Result is the result the step produced
	Result Result `json:"result"`

	// Operations lists what the caller may do next
	Operations []OperationInfo `json:"operations"`
}

// FlowState is a snapshot of a flow
type FlowState struct {
	// FlowID is the id of the flow definition
	FlowID string `json:"flow_id"`

	// SessionID is the session the flow belongs to
	SessionID string `json:"session_id,omitempty"`

	// Steps are the runtime step records
	Steps []StepRecord `json:"steps"`

	// CurrentStepIndex is the cursor position
	CurrentStepIndex int `json:"current_step_index"`

	// Status is the lifecycle status
	Status FlowStatus `json:"status"`

	// Context is the current flow context
	Context Context `json:"context"`

	// Error is the terminal error message
	Error string `json:"error,omitempty"`

	// Waiting is set while the flow is parked at a checkpoint
	Waiting *WaitingRecord `json:"waiting,omitempty"`

	// RetryCounts holds the per step retry counters
	RetryCounts map[string]int `json:"retry_counts,omitempty"`
}
