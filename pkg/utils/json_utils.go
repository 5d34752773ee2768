package utils

import (
	"encoding/json"
	"strings"

	"gopkg.in/yaml.v3"
)

// stripFence removes a surrounding markdown code fence, as LLM replies often carry one
func stripFence(s string, langs ...string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}

	body := s[3:]
	for _, lang := range langs {
		if strings.HasPrefix(body, lang) {
			body = body[len(lang):]
			break
		}
	}
	if end := strings.LastIndex(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

// ParseJSON parses a JSON reply into result. Code fences are removed and, when
// the text still is not valid JSON, the outermost object or array is tried.
func ParseJSON(jsonStr string, result any) error {
	jsonStr = stripFence(jsonStr, "json", "JSON")

	err := json.Unmarshal([]byte(jsonStr), result)
	if err == nil {
		return nil
	}
	if embedded, ok := ExtractJSON(jsonStr); ok && embedded != jsonStr {
		if json.Unmarshal([]byte(embedded), result) == nil {
			return nil
		}
	}
	return err
}

// ExtractJSON returns the span from the first '{' or '[' to the matching last
// closing bracket
func ExtractJSON(s string) (string, bool) {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", false
	}
	closer := "}"
	if s[start] == '[' {
		closer = "]"
	}
	end := strings.LastIndex(s, closer)
	if end <= start {
		return "", false
	}
	return s[start : end+1], true
}

// ParseYAML parses a YAML reply into result, removing code fences first
func ParseYAML(yamlStr string, result any) error {
	return yaml.Unmarshal([]byte(stripFence(yamlStr, "yaml", "yml")), result)
}
