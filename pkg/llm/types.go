package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ToolSchema is a declarative tool definition owned by the feature exposing
// the tool.  Parameters is a JSON schema object; the client renders the
// schema into the provider's wire format per call.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Validate validates the ToolSchema -> input validation.
func (t *ToolSchema) Validate() error {

	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("tool name is required")
	}

	if len(t.Parameters) == 0 {
		return fmt.Errorf("tool parameters schema is required")
	}

	return nil
}

// Usage is the token accounting reported by the provider for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is the outcome of a single-shot vision analysis call: the raw
// model text plus accounting.  Parsing the text is the caller's concern.
type Completion struct {
	Content string `json:"content"`
	ModelId string `json:"model_id"`
	Usage   Usage  `json:"usage"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	Id        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolLoopResponse is the outcome of one tool-loop turn: any final text the
// model produced and any tool calls it requested.
type ToolLoopResponse struct {
	Text      string     `json:"text,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	ModelId   string     `json:"model_id"`
	Usage     Usage      `json:"usage"`
}

// ToolResult is the serialized outcome of executing one requested tool call,
// sent back to the model on the follow-up turn.
type ToolResult struct {
	CallId  string `json:"call_id"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Verification is the outcome of a batch visual yes/no match: the indices
// (into the submitted batch) the model confirmed, plus the raw reply for
// diagnostics.
type Verification struct {
	MatchedIndices map[int]struct{} `json:"-"`
	Raw            string           `json:"raw"`
}

// Config holds the provider connection settings.  Provider variants differ
// only in base url, key, and default model.
type Config struct {
	BaseUrl        string
	ApiKey         string
	AnalyzeTimeout int // seconds; zero means the package default
}

// Validate validates the Config -> a missing key is a systemic config error,
// surfaced before any batch is allowed to start.
func (c *Config) Validate() error {

	if strings.TrimSpace(c.ApiKey) == "" {
		return fmt.Errorf("llm api key is required")
	}

	return nil
}
