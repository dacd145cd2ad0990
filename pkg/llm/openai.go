package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/tdeslauriers/muse/internal/util"
	"github.com/tdeslauriers/muse/pkg/api"
)

// Client is the capability port for the vision LLM.  Implementations vary by
// provider; consumers see only this contract.
type Client interface {

	// AnalyzeImage submits one image with a prompt and returns the model's raw
	// text completion.
	AnalyzeImage(ctx context.Context, image []byte, mimeType, prompt, modelId string) (*Completion, error)

	// RunToolLoop opens a tool-calling turn: the model may answer with text,
	// tool calls, or both.
	RunToolLoop(ctx context.Context, userText, systemPrompt string, tools []ToolSchema, modelId string) (*ToolLoopResponse, error)

	// ContinueToolLoop sends the executed tool results back as a follow-up
	// turn and returns the model's next response.
	ContinueToolLoop(ctx context.Context, userText, systemPrompt string, tools []ToolSchema, prior *ToolLoopResponse, results []ToolResult, modelId string) (*ToolLoopResponse, error)

	// VerifyImages shows the model a batch of image urls and asks which match
	// the query; returns the confirmed batch indices.
	VerifyImages(ctx context.Context, imageUrls []string, query, modelId string) (*Verification, error)
}

// NewClient creates a vision LLM client against an openai-compatible chat
// completions endpoint, returning a pointer to the concrete implementation.
func NewClient(cfg Config) (Client, error) {

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid llm config: %v", err)
	}

	clientConfig := openai.DefaultConfig(cfg.ApiKey)
	if cfg.BaseUrl != "" {
		clientConfig.BaseURL = cfg.BaseUrl
	}

	timeout := util.DefaultAnalyzeTimeout
	if cfg.AnalyzeTimeout > 0 {
		timeout = time.Duration(cfg.AnalyzeTimeout) * time.Second
	}

	return &client{
		api:     openai.NewClientWithConfig(clientConfig),
		timeout: timeout,

		logger: slog.Default().
			With(slog.String(util.ServiceKey, util.ServiceCurator)).
			With(slog.String(util.PackageKey, util.PackageLlm)).
			With(slog.String(util.ComponentKey, util.ComponentLlmClient)),
	}, nil
}

var _ Client = (*client)(nil)

// client is the concrete implementation of the Client interface.
type client struct {
	api     *openai.Client
	timeout time.Duration

	logger *slog.Logger
}

// AnalyzeImage is the concrete implementation of the interface method which
// submits one image with a prompt and returns the raw completion.
func (c *client) AnalyzeImage(ctx context.Context, image []byte, mimeType, prompt, modelId string) (*Completion, error) {

	if len(image) == 0 {
		return nil, api.NewJobError(api.ErrInputInvalid, "image bytes are required")
	}

	if strings.TrimSpace(modelId) == "" {
		return nil, api.NewJobError(api.ErrConfigMissing, "analysis model id is not configured")
	}

	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	dataUrl := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(image))

	req := openai.ChatCompletionRequest{
		Model: modelId,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: prompt},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    dataUrl,
							Detail: openai.ImageURLDetailAuto,
						},
					},
				},
			},
		},
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, classify(err, "image analysis")
	}

	if len(resp.Choices) == 0 {
		return nil, api.NewJobError(api.ErrParse, "image analysis returned no choices")
	}

	return &Completion{
		Content: resp.Choices[0].Message.Content,
		ModelId: resp.Model,
		Usage:   convertUsage(resp.Usage),
	}, nil
}

// RunToolLoop is the concrete implementation of the interface method which
// opens a tool-calling turn.
func (c *client) RunToolLoop(ctx context.Context, userText, systemPrompt string, tools []ToolSchema, modelId string) (*ToolLoopResponse, error) {

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: userText},
	}

	return c.complete(ctx, messages, tools, modelId)
}

// ContinueToolLoop is the concrete implementation of the interface method
// which replays the conversation with the executed tool results appended.
func (c *client) ContinueToolLoop(ctx context.Context, userText, systemPrompt string, tools []ToolSchema, prior *ToolLoopResponse, results []ToolResult, modelId string) (*ToolLoopResponse, error) {

	if prior == nil {
		return nil, api.NewJobError(api.ErrInputInvalid, "prior tool loop response is required")
	}

	// rebuild the turn: system, user, the assistant's tool calls, then one
	// tool message per executed call
	assistant := openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: prior.Text,
	}
	for _, call := range prior.ToolCalls {
		assistant.ToolCalls = append(assistant.ToolCalls, openai.ToolCall{
			ID:   call.Id,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      call.Name,
				Arguments: string(call.Arguments),
			},
		})
	}

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: userText},
		assistant,
	}

	for _, result := range results {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:       openai.ChatMessageRoleTool,
			Content:    result.Content,
			Name:       result.Name,
			ToolCallID: result.CallId,
		})
	}

	return c.complete(ctx, messages, tools, modelId)
}

// VerifyImages is the concrete implementation of the interface method which
// asks the model for a batch yes/no visual match against the query.
func (c *client) VerifyImages(ctx context.Context, imageUrls []string, query, modelId string) (*Verification, error) {

	if len(imageUrls) == 0 {
		return nil, api.NewJobError(api.ErrInputInvalid, "at least one image url is required")
	}

	if strings.TrimSpace(modelId) == "" {
		return nil, api.NewJobError(api.ErrConfigMissing, "verification model id is not configured")
	}

	instruction := fmt.Sprintf(
		"You will be shown %d numbered images. Decide for each whether it visually matches this query: %q. "+
			"Respond with only a JSON object of the form {\"matches\": [0-based indices of matching images]}.",
		len(imageUrls), query)

	parts := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: instruction}}
	for i, imageUrl := range imageUrls {
		parts = append(parts,
			openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: fmt.Sprintf("Image %d:", i)},
			openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    imageUrl,
					Detail: openai.ImageURLDetailLow,
				},
			})
	}

	req := openai.ChatCompletionRequest{
		Model: modelId,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, MultiContent: parts},
		},
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, classify(err, "vision verification")
	}

	if len(resp.Choices) == 0 {
		return nil, api.NewJobError(api.ErrParse, "vision verification returned no choices")
	}

	raw := resp.Choices[0].Message.Content

	return &Verification{
		MatchedIndices: parseMatchedIndices(raw, len(imageUrls)),
		Raw:            raw,
	}, nil
}

// complete runs one chat completion with the tool schemas rendered into the
// provider format and maps the response back to port types.
func (c *client) complete(ctx context.Context, messages []openai.ChatCompletionMessage, tools []ToolSchema, modelId string) (*ToolLoopResponse, error) {

	if strings.TrimSpace(modelId) == "" {
		return nil, api.NewJobError(api.ErrConfigMissing, "chat model id is not configured")
	}

	req := openai.ChatCompletionRequest{
		Model:    modelId,
		Messages: messages,
	}

	for i := range tools {
		if err := tools[i].Validate(); err != nil {
			return nil, api.NewJobError(api.ErrInputInvalid, fmt.Sprintf("invalid tool schema: %v", err))
		}

		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tools[i].Name,
				Description: tools[i].Description,
				Parameters:  tools[i].Parameters,
			},
		})
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, classify(err, "tool loop")
	}

	if len(resp.Choices) == 0 {
		return nil, api.NewJobError(api.ErrParse, "tool loop returned no choices")
	}

	message := resp.Choices[0].Message

	out := &ToolLoopResponse{
		Text:    message.Content,
		ModelId: resp.Model,
		Usage:   convertUsage(resp.Usage),
	}

	for _, call := range message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			Id:        call.ID,
			Name:      call.Function.Name,
			Arguments: json.RawMessage(call.Function.Arguments),
		})
	}

	return out, nil
}

// parseMatchedIndices extracts the matched index set from the model's reply,
// tolerating prose around the JSON object.  Out-of-range indices are dropped.
func parseMatchedIndices(raw string, batchSize int) map[int]struct{} {

	matched := make(map[int]struct{})

	// locate the JSON object in the reply
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return matched
	}

	var parsed struct {
		Matches []int `json:"matches"`
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &parsed); err != nil {
		return matched
	}

	for _, idx := range parsed.Matches {
		if idx >= 0 && idx < batchSize {
			matched[idx] = struct{}{}
		}
	}

	return matched
}

// convertUsage maps provider usage accounting to the port type.
func convertUsage(usage openai.Usage) Usage {
	return Usage{
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
	}
}

// classify maps provider errors onto the service's error kinds so retry
// decisions happen uniformly upstream.
func classify(err error, operation string) error {

	if errors.Is(err, context.Canceled) {
		return api.NewJobError(api.ErrCancelled, fmt.Sprintf("%s cancelled", operation))
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return api.NewJobError(api.ErrUpstream503, fmt.Sprintf("%s deadline exceeded", operation))
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403:
			return api.NewJobError(api.ErrConfigMissing, fmt.Sprintf("%s rejected credentials: %v", operation, err))
		case apiErr.HTTPStatusCode == 400 || apiErr.HTTPStatusCode == 413:
			return api.NewJobError(api.ErrPayloadRejected, fmt.Sprintf("%s payload rejected: %v", operation, err))
		case apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500:
			return api.NewJobError(api.ErrUpstream503, fmt.Sprintf("%s transient upstream failure: %v", operation, err))
		}
	}

	return api.NewJobError(api.ErrUpstream503, fmt.Sprintf("%s failed: %v", operation, err))
}
