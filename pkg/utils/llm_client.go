package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/r3labs/sse/v2"
)

// LLMProvider represents the type of LLM provider
type LLMProvider string

const (
	// OpenAI provider
	OpenAI LLMProvider = "openai"
	// Anthropic provider
	Anthropic LLMProvider = "anthropic"
	// Generic provider for OpenAI compatible APIs
	Generic LLMProvider = "generic"
)

const maxStreamEventSize = 1 << 20

// LLMClient provides a unified interface for interacting with different LLM providers
type LLMClient struct {
	httpClient *HTTPClient
	provider   LLMProvider
	apiKey     string
	baseURL    string
	endpoint   string
}

// ClientOptions configures an LLMClient
type ClientOptions struct {
	// BaseURL overrides the provider default
	BaseURL string

	// Endpoint overrides the completion path of generic providers
	Endpoint string

	// Timeout bounds a whole request including streaming, zero means 120s
	Timeout time.Duration
}

// Message represents a chat message
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LLMRequest represents a request to an LLM
type LLMRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
}

// LLMResponse represents a response from an LLM
type LLMResponse struct {
	ID      string     `json:"id,omitempty"`
	Model   string     `json:"model,omitempty"`
	Choices []Choice   `json:"choices,omitempty"`
	Usage   Usage      `json:"usage,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

// Content returns the text of the first choice
func (r *LLMResponse) Content() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// Choice represents a completion choice
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage represents token usage information
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ErrorInfo represents error information
type ErrorInfo struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// NewLLMClient creates a new LLM client
func NewLLMClient(provider LLMProvider, apiKey string, opts ClientOptions) (*LLMClient, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	client := &LLMClient{
		httpClient: NewHTTPClient(timeout),
		provider:   provider,
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		endpoint:   opts.Endpoint,
	}

	switch provider {
	case OpenAI:
		if client.baseURL == "" {
			client.baseURL = "https://api.openai.com/v1"
		}
		client.endpoint = "/chat/completions"
	case Anthropic:
		if client.baseURL == "" {
			client.baseURL = "https://api.anthropic.com/v1"
		}
		client.endpoint = "/messages"
	case Generic:
		if client.baseURL == "" {
			return nil, fmt.Errorf("generic provider requires a base URL")
		}
		if client.endpoint == "" {
			client.endpoint = "/chat/completions"
		}
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}

	return client, nil
}

// Provider returns the provider type of the client
func (c *LLMClient) Provider() LLMProvider {
	return c.provider
}

// Complete sends a completion request and waits for the whole reply
func (c *LLMClient) Complete(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	if c.provider == Anthropic {
		return c.completeAnthropic(ctx, request)
	}
	return c.completeOpenAI(ctx, request)
}

// Stream sends a streaming completion request. onDelta is called for every
// text fragment in arrival order and the assembled text is returned.
func (c *LLMClient) Stream(ctx context.Context, request LLMRequest, onDelta func(string)) (string, error) {
	var body map[string]interface{}
	var headers map[string]string
	if c.provider == Anthropic {
		body, headers = c.anthropicBody(request), c.anthropicHeaders()
	} else {
		body, headers = c.openAIBody(request), c.openAIHeaders()
	}
	body["stream"] = true
	headers["Accept"] = "text/event-stream"

	resp, err := c.httpClient.Open(ctx, &HTTPRequest{
		URL:     c.baseURL + c.endpoint,
		Method:  "POST",
		Body:    body,
		Headers: headers,
	})
	if err != nil {
		return "", fmt.Errorf("%s API request failed: %w", c.provider, err)
	}
	defer resp.Body.Close()

	var assembled strings.Builder
	reader := sse.NewEventStreamReader(resp.Body, maxStreamEventSize)
	for {
		raw, err := reader.ReadEvent()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return assembled.String(), nil
			}
			return assembled.String(), fmt.Errorf("%s stream interrupted: %w", c.provider, err)
		}

		name, data := parseStreamEvent(raw)
		if len(data) == 0 {
			continue
		}

		delta, done, err := c.decodeDelta(name, data)
		if err != nil {
			return assembled.String(), err
		}
		if delta != "" {
			assembled.WriteString(delta)
			if onDelta != nil {
				onDelta(delta)
			}
		}
		if done {
			return assembled.String(), nil
		}
	}
}

func (c *LLMClient) decodeDelta(name string, data []byte) (string, bool, error) {
	if c.provider == Anthropic {
		var evt struct {
			Type  string `json:"type"`
			Delta struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"delta"`
			Error *ErrorInfo `json:"error"`
		}
		if err := json.Unmarshal(data, &evt); err != nil {
			return "", false, fmt.Errorf("failed to parse anthropic stream event: %w", err)
		}
		if evt.Type == "" {
			evt.Type = name
		}
		switch evt.Type {
		case "content_block_delta":
			return evt.Delta.Text, false, nil
		case "message_stop":
			return "", true, nil
		case "error":
			msg := "unknown error"
			if evt.Error != nil {
				msg = evt.Error.Message
			}
			return "", true, fmt.Errorf("anthropic stream error: %s", msg)
		}
		return "", false, nil
	}

	if string(bytes.TrimSpace(data)) == "[DONE]" {
		return "", true, nil
	}
	var chunk struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
		Error *ErrorInfo `json:"error"`
	}
	if err := json.Unmarshal(data, &chunk); err != nil {
		return "", false, fmt.Errorf("failed to parse %s stream chunk: %w", c.provider, err)
	}
	if chunk.Error != nil {
		return "", true, fmt.Errorf("%s stream error: %s", c.provider, chunk.Error.Message)
	}
	if len(chunk.Choices) == 0 {
		return "", false, nil
	}
	return chunk.Choices[0].Delta.Content, false, nil
}

// parseStreamEvent splits a raw event block into its name and joined data lines
func parseStreamEvent(raw []byte) (string, []byte) {
	var name string
	var data [][]byte
	for _, line := range bytes.Split(raw, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		switch {
		case bytes.HasPrefix(line, []byte("event:")):
			name = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			data = append(data, bytes.TrimPrefix(line[len("data:"):], []byte(" ")))
		}
	}
	return name, bytes.Join(data, []byte("\n"))
}

func (c *LLMClient) openAIBody(request LLMRequest) map[string]interface{} {
	body := map[string]interface{}{
		"model":    request.Model,
		"messages": request.Messages,
	}
	if request.Temperature > 0 {
		body["temperature"] = request.Temperature
	}
	if request.MaxTokens > 0 {
		body["max_tokens"] = request.MaxTokens
	}
	if len(request.Stop) > 0 {
		body["stop"] = request.Stop
	}
	return body
}

func (c *LLMClient) openAIHeaders() map[string]string {
	headers := map[string]string{"Content-Type": "application/json"}
	if c.apiKey != "" {
		headers["Authorization"] = "Bearer " + c.apiKey
	}
	return headers
}

func (c *LLMClient) completeOpenAI(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	resp, err := c.httpClient.Do(ctx, &HTTPRequest{
		URL:     c.baseURL + c.endpoint,
		Method:  "POST",
		Body:    c.openAIBody(request),
		Headers: c.openAIHeaders(),
	})
	if err != nil {
		return nil, fmt.Errorf("%s API request failed: %w", c.provider, err)
	}

	if resp.StatusCode >= 400 {
		var errorResp struct {
			Error ErrorInfo `json:"error"`
		}
		if err := json.Unmarshal(resp.RawBody, &errorResp); err != nil || errorResp.Error.Message == "" {
			return nil, fmt.Errorf("%s API error (status %d): %s", c.provider, resp.StatusCode, string(resp.RawBody))
		}
		return nil, fmt.Errorf("%s API error (status %d): %s", c.provider, resp.StatusCode, errorResp.Error.Message)
	}

	var llmResp LLMResponse
	if err := json.Unmarshal(resp.RawBody, &llmResp); err != nil {
		return nil, fmt.Errorf("failed to parse %s response: %w", c.provider, err)
	}
	if llmResp.Error != nil {
		return nil, fmt.Errorf("%s API error: %s", c.provider, llmResp.Error.Message)
	}
	return &llmResp, nil
}

func (c *LLMClient) anthropicBody(request LLMRequest) map[string]interface{} {
	var systemPrompt string
	var messages []Message
	for _, msg := range request.Messages {
		if msg.Role == "system" {
			systemPrompt = msg.Content
			continue
		}
		messages = append(messages, msg)
	}

	maxTokens := request.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	body := map[string]interface{}{
		"model":      request.Model,
		"messages":   messages,
		"max_tokens": maxTokens,
	}
	if systemPrompt != "" {
		body["system"] = systemPrompt
	}
	if request.Temperature > 0 {
		body["temperature"] = request.Temperature
	}
	if len(request.Stop) > 0 {
		body["stop_sequences"] = request.Stop
	}
	return body
}

func (c *LLMClient) anthropicHeaders() map[string]string {
	return map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": "2023-06-01",
		"Content-Type":      "application/json",
	}
}

func (c *LLMClient) completeAnthropic(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	resp, err := c.httpClient.Do(ctx, &HTTPRequest{
		URL:     c.baseURL + c.endpoint,
		Method:  "POST",
		Body:    c.anthropicBody(request),
		Headers: c.anthropicHeaders(),
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic API request failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("anthropic API error (status %d): %s", resp.StatusCode, string(resp.RawBody))
	}

	var anthropicResp struct {
		ID         string `json:"id"`
		Model      string `json:"model"`
		StopReason string `json:"stop_reason"`
		Content    []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(resp.RawBody, &anthropicResp); err != nil {
		return nil, fmt.Errorf("failed to parse anthropic response: %w", err)
	}

	var content strings.Builder
	for _, block := range anthropicResp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &LLMResponse{
		ID:    anthropicResp.ID,
		Model: anthropicResp.Model,
		Choices: []Choice{{
			Message:      Message{Role: "assistant", Content: content.String()},
			FinishReason: anthropicResp.StopReason,
		}},
		Usage: Usage{
			PromptTokens:     anthropicResp.Usage.InputTokens,
			CompletionTokens: anthropicResp.Usage.OutputTokens,
			TotalTokens:      anthropicResp.Usage.InputTokens + anthropicResp.Usage.OutputTokens,
		},
	}, nil
}
