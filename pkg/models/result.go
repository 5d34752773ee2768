package models

import "time"

// Result is the outcome of a single step execution
type Result struct {
	// Success reports whether the step produced a usable output
	Success bool `json:"success"`

	// Output is the step output, or the last good input on failure
	Output interface{} `json:"output"`

	// Error is the failure message
	Error string `json:"error,omitempty"`

	// Metadata describes how the result was produced
	Metadata ResultMetadata `json:"metadata"`
}

// Clone returns a copy of the result with its own output
func (r Result) Clone() Result {
	r.Output = DeepCopy(r.Output)
	return r
}

// ResultMetadata carries diagnostic details about a step execution
type ResultMetadata struct {
	StepID   string        `json:"step_id,omitempty"`
	Provider string        `json:"provider,omitempty"`
	Model    string        `json:"model,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// SuccessResult creates a successful result
func SuccessResult(output interface{}) Result {
	return Result{Success: true, Output: output}
}

// FailureResult creates a failed result that preserves the input it was given
func FailureResult(input interface{}, message string) Result {
	return Result{Success: false, Output: input, Error: message}
}

// StepRecord is the runtime record of a step inside a flow
type StepRecord struct {
	// StepID is the id of the step
	StepID string `json:"step_id"`

	// Name is the display name of the step
	Name string `json:"name"`

	// Kind is the step kind (transform or call)
	Kind string `json:"kind"`

	// Executed reports whether the step has run since its last reset
	Executed bool `json:"executed"`

	// Result is the most recent result, nil until executed
	Result *Result `json:"result,omitempty"`

	// Timestamp is when the result was recorded
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Reset clears the execution flag and result
func (r *StepRecord) Reset() {
	r.Executed = false
	r.Result = nil
	r.Timestamp = time.Time{}
}
