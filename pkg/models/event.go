package models

import "time"

// EventType identifies the kind of an execution event
type EventType string

const (
	EventStepStart            EventType = "step-start"
	EventStreamChunk          EventType = "stream-chunk"
	EventStepComplete         EventType = "step-complete"
	EventStepError            EventType = "step-error"
	EventConfirmationRequired EventType = "confirmation-required"
	EventOperationRequired    EventType = "operation-required"
	EventStatusChange         EventType = "status-change"
)

// Event is a single entry of an execution event stream
type Event struct {
	// Type of the event
	Type EventType `json:"type"`

	// FlowID is the id of the flow definition
	FlowID string `json:"flow_id"`

	// SessionID is the session that produced the event
	SessionID string `json:"session_id"`

	// StepIndex is the position of the step the event refers to
	StepIndex *int `json:"step_index,omitempty"`

	// NodeID is the id of the step the event refers to
	NodeID string `json:"node_id,omitempty"`

	// Data is the step output or the text chunk
	Data interface{} `json:"data,omitempty"`

	// Error is the failure message
	Error string `json:"error,omitempty"`

	// Status is the flow status after the event
	Status FlowStatus `json:"status,omitempty"`

	// Operations lists the operations offered at a checkpoint
	Operations []OperationInfo `json:"operations,omitempty"`

	// Seq orders events within a session
	Seq int64 `json:"seq"`

	// Timestamp is when the event was produced
	Timestamp time.Time `json:"timestamp"`
}

// IntPtr returns a pointer to i
func IntPtr(i int) *int {
	return &i
}
