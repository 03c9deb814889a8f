package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nugget/mcprelay/internal/config"
	"github.com/nugget/mcprelay/internal/httpkit"
	"github.com/nugget/mcprelay/internal/tools"
)

// anthropicMaxTokens caps each response.
const anthropicMaxTokens = 4096

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	client anthropic.Client
	logger *slog.Logger
}

// NewAnthropicClient creates an Anthropic client. Extra request options
// (for example option.WithBaseURL in tests) are applied last.
func NewAnthropicClient(apiKey string, logger *slog.Logger, opts ...option.RequestOption) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}

	// Responses can take a long time before the first byte; the caller's
	// context bounds the request instead of a client timeout.
	httpClient := httpkit.NewClient(
		httpkit.WithTimeout(0),
		httpkit.WithLogger(logger),
	)

	sdkOpts := append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(2),
	}, opts...)

	return &AnthropicClient{
		client: anthropic.NewClient(sdkOpts...),
		logger: logger.With("provider", "anthropic"),
	}
}

// Chat sends a non-streaming chat completion request.
func (c *AnthropicClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	params := c.params(model, messages, tools)

	start := time.Now()
	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}

	resp := &ChatResponse{
		Model:         string(msg.Model),
		CreatedAt:     start,
		Message:       Message{Role: RoleAssistant},
		Done:          true,
		InputTokens:   int(msg.Usage.InputTokens),
		OutputTokens:  int(msg.Usage.OutputTokens),
		TotalDuration: time.Since(start),
	}

	var text strings.Builder
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(b.Text)
		case anthropic.ToolUseBlock:
			resp.Message.ToolCalls = append(resp.Message.ToolCalls, ToolCall{
				ID:       b.ID,
				Function: FunctionCall{Name: b.Name, Arguments: decodeToolInput(b.Input)},
			})
		}
	}
	resp.Message.Content = text.String()

	c.logResponse(ctx, resp, string(msg.StopReason))
	return resp, nil
}

// ChatStream streams a response, delivering text deltas to callback.
// Tool input arrives as partial JSON and is decoded when its block ends.
func (c *AnthropicClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	if callback == nil {
		return c.Chat(ctx, model, messages, tools)
	}

	params := c.params(model, messages, tools)

	start := time.Now()
	stream := c.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var (
		text       strings.Builder
		toolCalls  []ToolCall
		current    *ToolCall
		inputJSON  strings.Builder
		stopReason string
		resp       = &ChatResponse{CreatedAt: start, Done: true}
	)

	for stream.Next() {
		event := stream.Current()

		switch evt := event.AsAny().(type) {
		case anthropic.MessageStartEvent:
			resp.Model = string(evt.Message.Model)
			resp.InputTokens = int(evt.Message.Usage.InputTokens)
		case anthropic.ContentBlockStartEvent:
			if block, ok := evt.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
				current = &ToolCall{ID: block.ID, Function: FunctionCall{Name: block.Name}}
				inputJSON.Reset()
			}
		case anthropic.ContentBlockDeltaEvent:
			switch delta := evt.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				text.WriteString(delta.Text)
				callback(StreamEvent{Kind: KindToken, Token: delta.Text})
			case anthropic.InputJSONDelta:
				if current != nil {
					inputJSON.WriteString(delta.PartialJSON)
				}
			}
		case anthropic.ContentBlockStopEvent:
			if current != nil {
				current.Function.Arguments = decodeToolInput(json.RawMessage(inputJSON.String()))
				toolCalls = append(toolCalls, *current)
				current = nil
			}
		case anthropic.MessageDeltaEvent:
			stopReason = string(evt.Delta.StopReason)
			resp.OutputTokens = int(evt.Usage.OutputTokens)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic stream: %w", err)
	}

	resp.Message = Message{Role: RoleAssistant, Content: text.String(), ToolCalls: toolCalls}
	resp.TotalDuration = time.Since(start)

	c.logResponse(ctx, resp, stopReason)
	return resp, nil
}

// Ping verifies the API key by listing models.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx, anthropic.ModelListParams{}); err != nil {
		return fmt.Errorf("anthropic: %w", err)
	}
	return nil
}

func (c *AnthropicClient) params(model string, messages []Message, tools []map[string]any) anthropic.MessageNewParams {
	msgs, system := convertToAnthropic(messages)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  msgs,
		MaxTokens: anthropicMaxTokens,
		Tools:     convertToolsToAnthropic(tools),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	c.logger.Debug("preparing request",
		"model", model,
		"messages", len(msgs),
		"tools", len(params.Tools),
		"system_len", len(system),
	)
	return params
}

func (c *AnthropicClient) logResponse(ctx context.Context, resp *ChatResponse, stopReason string) {
	c.logger.Debug("response received",
		"model", resp.Model,
		"stop_reason", stopReason,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"tool_calls", len(resp.Message.ToolCalls),
	)
	c.logger.Log(ctx, config.LevelTrace, "response content", "content", resp.Message.Content)
}

// decodeToolInput turns a tool_use input into an argument map. Input
// that is not a JSON object is kept under "_raw" so the adapter's
// validation reports it instead of the call silently losing arguments.
func decodeToolInput(input any) map[string]any {
	data, ok := input.(json.RawMessage)
	if !ok {
		var err error
		if data, err = json.Marshal(input); err != nil {
			return map[string]any{}
		}
	}
	if len(data) == 0 {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal(data, &args); err != nil {
		return map[string]any{"_raw": string(data)}
	}
	if args == nil {
		args = map[string]any{}
	}
	return args
}

// convertToAnthropic converts messages to Anthropic params. System
// messages are lifted into the system prompt, and consecutive tool
// results are merged into one user turn as the API requires.
func convertToAnthropic(messages []Message) ([]anthropic.MessageParam, string) {
	var (
		systemParts []string
		result      []anthropic.MessageParam
		results     []anthropic.ContentBlockParamUnion
	)

	flushResults := func() {
		if len(results) > 0 {
			result = append(result, anthropic.NewUserMessage(results...))
			results = nil
		}
	}

	for i, msg := range messages {
		if msg.Role != RoleTool {
			flushResults()
		}

		switch msg.Role {
		case RoleSystem:
			systemParts = append(systemParts, msg.Content)

		case RoleUser:
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))

		case RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for j, tc := range msg.ToolCalls {
				args := tc.Function.Arguments
				if args == nil {
					args = map[string]any{}
				}
				id := tc.ID
				if id == "" {
					id = fmt.Sprintf("toolu_%d_%d", i, j)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(id, args, tc.Function.Name))
			}
			if len(blocks) > 0 {
				result = append(result, anthropic.NewAssistantMessage(blocks...))
			}

		case RoleTool:
			isError := tools.IsErrorResult(msg.Content)
			results = append(results, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, isError))
		}
	}
	flushResults()

	return result, strings.Join(systemParts, "\n\n")
}

// convertToolsToAnthropic converts function-shaped tool definitions.
func convertToolsToAnthropic(tools []map[string]any) []anthropic.ToolUnionParam {
	if len(tools) == 0 {
		return nil
	}

	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		fn, ok := tool["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		if name == "" {
			continue
		}
		desc, _ := fn["description"].(string)

		schema := anthropic.ToolInputSchemaParam{Properties: map[string]any{}}
		if params, ok := fn["parameters"].(map[string]any); ok {
			if props, ok := params["properties"]; ok && props != nil {
				schema.Properties = props
			}
			schema.Required = stringSlice(params["required"])
		}

		param := &anthropic.ToolParam{Name: name, InputSchema: schema}
		if desc != "" {
			param.Description = anthropic.String(desc)
		}
		result = append(result, anthropic.ToolUnionParam{OfTool: param})
	}
	return result
}

func stringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}
