package models

import "time"

// Artifact is the final output of a completed flow handed to storage
type Artifact struct {
	// SessionID is the session that produced the artifact
	SessionID string `json:"session_id"`

	// FlowID is the id of the flow definition
	FlowID string `json:"flow_id"`

	// Output is the final previous output of the flow
	Output interface{} `json:"output"`

	// TargetLanguage and SourceLanguage are copied from the flow context
	TargetLanguage string `json:"target_language,omitempty"`
	SourceLanguage string `json:"source_language,omitempty"`

	// Metadata is the flow context metadata
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the flow completed
	CreatedAt time.Time `json:"created_at"`
}
