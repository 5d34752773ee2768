package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Context is the data threaded through a flow from step to step
type Context struct {
	// Input is the value the next step operates on
	Input interface{} `json:"input"`

	// PreviousOutput is the output of the last executed step
	PreviousOutput interface{} `json:"previous_output"`

	// TargetLanguage is the language generated content should be written in
	TargetLanguage string `json:"target_language,omitempty"`

	// SourceLanguage is the language of the learner or of the input
	SourceLanguage string `json:"source_language,omitempty"`

	// Metadata holds arbitrary caller supplied values
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the context. Maps and slices in the input,
// the previous output and the metadata are copied, so a step may modify its
// context without touching recorded outputs.
func (c Context) Clone() Context {
	out := c
	out.Input = DeepCopy(c.Input)
	out.PreviousOutput = DeepCopy(c.PreviousOutput)
	if c.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = DeepCopy(v)
		}
	}
	return out
}

// DeepCopy copies the maps and slices of a JSON-shaped value. Other values
// are returned as they are.
func DeepCopy(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		if t == nil {
			return t
		}
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			out[k] = DeepCopy(item)
		}
		return out
	case []interface{}:
		if t == nil {
			return t
		}
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = DeepCopy(item)
		}
		return out
	case map[string]string:
		if t == nil {
			return t
		}
		out := make(map[string]string, len(t))
		for k, item := range t {
			out[k] = item
		}
		return out
	case []string:
		if t == nil {
			return t
		}
		return append([]string(nil), t...)
	case []map[string]interface{}:
		if t == nil {
			return t
		}
		out := make([]map[string]interface{}, len(t))
		for i, item := range t {
			out[i], _ = DeepCopy(item).(map[string]interface{})
		}
		return out
	}
	return v
}

// Value returns the raw value of a named context field.
// Recognised names are input, previousOutput, targetLanguage,
// sourceLanguage and metadata.<key>.
func (c Context) Value(name string) (interface{}, bool) {
	switch name {
	case "input":
		return c.Input, c.Input != nil
	case "previousOutput", "previous_output":
		return c.PreviousOutput, c.PreviousOutput != nil
	case "targetLanguage", "target_language":
		return c.TargetLanguage, c.TargetLanguage != ""
	case "sourceLanguage", "source_language":
		return c.SourceLanguage, c.SourceLanguage != ""
	}
	if key, ok := strings.CutPrefix(name, "metadata."); ok {
		v, found := c.Metadata[key]
		return v, found && v != nil
	}
	return nil, false
}

// Lookup returns the string form of a named context field
func (c Context) Lookup(name string) (string, bool) {
	v, ok := c.Value(name)
	if !ok {
		return "", false
	}
	return Stringify(v), true
}

// Stringify renders a value for inclusion in prompts and logs.
// Strings are returned as is, everything else is encoded as JSON.
func Stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
