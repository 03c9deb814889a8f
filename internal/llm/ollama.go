package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/nugget/mcprelay/internal/config"
	"github.com/nugget/mcprelay/internal/httpkit"
)

// OllamaClient is a client for the Ollama chat API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates an Ollama client. An empty baseURL means the
// local default.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = config.DefaultOllamaURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		// Generation time is bounded by the caller's context; a fixed
		// client timeout would cut long streams short.
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
		logger: logger.With("provider", "ollama"),
	}
}

type ollamaRequest struct {
	Model    string           `json:"model"`
	Messages []ollamaMessage  `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function FunctionCall `json:"function"`
}

type ollamaResponse struct {
	Model     string        `json:"model"`
	CreatedAt time.Time     `json:"created_at"`
	Message   ollamaMessage `json:"message"`
	Done      bool          `json:"done"`
	Error     string        `json:"error,omitempty"`

	TotalDuration   int64 `json:"total_duration,omitempty"`
	LoadDuration    int64 `json:"load_duration,omitempty"`
	PromptEvalCount int   `json:"prompt_eval_count,omitempty"`
	EvalCount       int   `json:"eval_count,omitempty"`
	EvalDuration    int64 `json:"eval_duration,omitempty"`
}

// Chat sends a non-streaming chat request.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return c.chat(ctx, model, messages, tools, nil)
}

// ChatStream sends a streaming chat request. Ollama answers with one JSON
// object per line; each content fragment is passed to callback.
func (c *OllamaClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	return c.chat(ctx, model, messages, tools, callback)
}

func (c *OllamaClient) chat(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	stream := callback != nil

	req := ollamaRequest{
		Model:    model,
		Messages: toOllamaMessages(messages),
		Stream:   stream,
		Tools:    tools,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Debug("preparing request", "model", model, "messages", len(messages), "tools", len(tools), "stream", stream)
	c.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	var final ollamaResponse
	var gate *textCallGate
	if stream {
		gate = newTextCallGate(callback, extractToolNames(tools))
		final, err = c.readStream(ctx, resp, gate)
	} else {
		err = json.NewDecoder(resp.Body).Decode(&final)
	}
	if err != nil {
		return nil, err
	}
	if final.Error != "" {
		return nil, fmt.Errorf("ollama error: %s", final.Error)
	}

	result := fromOllama(&final)
	recovered := false
	if len(tools) > 0 && len(result.Message.ToolCalls) == 0 && result.Message.Content != "" {
		if parsed := parseTextToolCalls(result.Message.Content, extractToolNames(tools)); len(parsed) > 0 {
			c.logger.Debug("recovered tool calls from text content", "count", len(parsed))
			result.Message.ToolCalls = parsed
			result.Message.Content = ""
			recovered = true
		}
	}
	if gate != nil && !recovered {
		gate.flush()
	}

	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(result.Message.ToolCalls),
	)
	return result, nil
}

// readStream accumulates NDJSON chunks into one response. Tool calls
// arrive whole in a chunk rather than as deltas. Content goes to the
// caller through gate.
func (c *OllamaClient) readStream(ctx context.Context, resp *http.Response, gate *textCallGate) (ollamaResponse, error) {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		final     ollamaResponse
		content   strings.Builder
		toolCalls []ollamaToolCall
	)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		c.logger.Log(ctx, config.LevelTrace, "stream chunk", "json", string(line))

		var chunk ollamaResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return final, fmt.Errorf("decode stream chunk: %w", err)
		}
		if chunk.Error != "" {
			return final, fmt.Errorf("ollama error: %s", chunk.Error)
		}

		if chunk.Message.Content != "" {
			content.WriteString(chunk.Message.Content)
			gate.write(chunk.Message.Content)
		}
		toolCalls = append(toolCalls, chunk.Message.ToolCalls...)

		if chunk.Done {
			final = chunk
			final.Message.Content = content.String()
			final.Message.ToolCalls = toolCalls
			return final, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return final, fmt.Errorf("read stream: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return final, err
	}
	return final, fmt.Errorf("ollama stream ended without a final chunk")
}

// textCallGate holds back streamed content while it could still be a
// tool call written as text, so a tool-call step never reaches the
// caller as tokens. Once the content cannot be one, it is released and
// later chunks pass straight through. With no tools offered the gate
// starts open.
type textCallGate struct {
	callback StreamCallback
	names    []string
	held     strings.Builder
	open     bool
}

func newTextCallGate(callback StreamCallback, toolNames []string) *textCallGate {
	return &textCallGate{callback: callback, names: toolNames, open: len(toolNames) == 0}
}

func (g *textCallGate) write(s string) {
	if g.open {
		g.callback(StreamEvent{Kind: KindToken, Token: s})
		return
	}
	g.held.WriteString(s)
	if mayBeTextToolCall(g.held.String(), g.names) {
		return
	}
	g.flush()
}

// flush releases anything held and opens the gate. It is called once
// the response is known not to be a tool call.
func (g *textCallGate) flush() {
	g.open = true
	if g.held.Len() == 0 {
		return
	}
	g.callback(StreamEvent{Kind: KindToken, Token: g.held.String()})
	g.held.Reset()
}

// mayBeTextToolCall reports whether content so far is, or could still
// grow into, one of the forms parseTextToolCalls accepts.
func mayBeTextToolCall(content string, toolNames []string) bool {
	s := strings.TrimLeftFunc(content, unicode.IsSpace)
	if s == "" {
		return true
	}
	if s[0] == '{' || s[0] == '[' {
		return true
	}
	const tag = "<tool_call>"
	if strings.HasPrefix(s, tag) || strings.HasPrefix(tag, s) {
		return true
	}
	for _, name := range toolNames {
		prefix := name + " "
		if strings.HasPrefix(s, prefix) || strings.HasPrefix(prefix, s) {
			return true
		}
	}
	return false
}

func toOllamaMessages(messages []Message) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(messages))
	for _, m := range messages {
		om := ollamaMessage{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, ollamaToolCall{Function: tc.Function})
		}
		out = append(out, om)
	}
	return out
}

func fromOllama(r *ollamaResponse) *ChatResponse {
	msg := Message{Role: r.Message.Role, Content: r.Message.Content}
	if msg.Role == "" {
		msg.Role = RoleAssistant
	}
	for _, tc := range r.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{Function: tc.Function})
	}
	return &ChatResponse{
		Model:         r.Model,
		CreatedAt:     r.CreatedAt,
		Message:       msg,
		Done:          r.Done,
		InputTokens:   r.PromptEvalCount,
		OutputTokens:  r.EvalCount,
		TotalDuration: time.Duration(r.TotalDuration),
		LoadDuration:  time.Duration(r.LoadDuration),
		EvalDuration:  time.Duration(r.EvalDuration),
	}
}

// extractToolNames extracts function names from function-shaped tool definitions.
func extractToolNames(tools []map[string]any) []string {
	var names []string
	for _, t := range tools {
		if fn, ok := t["function"].(map[string]any); ok {
			if name, ok := fn["name"].(string); ok {
				names = append(names, name)
			}
		}
	}
	return names
}

type textToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// parseTextToolCalls extracts tool calls that small models write into
// the content instead of the tool_calls field. Accepted forms:
//
//	{"name": "...", "arguments": {...}}
//	[{"name": ...}, {"name": ...}]
//	{"name": ...}{"name": ...}          (concatenated, trailing prose ignored)
//	<tool_call>{"name": ...}</tool_call>
//	tool_name {"arg": ...}              (only for names in validTools)
//
// When validTools is non-empty, calls to other names are dropped.
func parseTextToolCalls(content string, validTools []string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	var valid map[string]bool
	if len(validTools) > 0 {
		valid = make(map[string]bool, len(validTools))
		for _, name := range validTools {
			valid[name] = true
		}
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		rest := content[start+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}

	var calls []textToolCall
	switch {
	case strings.HasPrefix(content, "["):
		if err := json.Unmarshal([]byte(content), &calls); err != nil {
			return nil
		}
	case strings.HasPrefix(content, "{"):
		dec := json.NewDecoder(strings.NewReader(content))
		for {
			var call textToolCall
			if err := dec.Decode(&call); err != nil {
				break
			}
			calls = append(calls, call)
		}
	default:
		call, ok := parseNamePrefixed(content, valid)
		if !ok {
			return nil
		}
		calls = []textToolCall{call}
	}

	var result []ToolCall
	for _, call := range calls {
		if call.Name == "" || (valid != nil && !valid[call.Name]) {
			continue
		}
		result = append(result, ToolCall{Function: FunctionCall{Name: call.Name, Arguments: call.Arguments}})
	}
	return result
}

// parseNamePrefixed handles `tool_name {json}`. The name must be a known
// tool, otherwise ordinary prose followed by braces would match.
func parseNamePrefixed(content string, valid map[string]bool) (textToolCall, bool) {
	name, rest, ok := strings.Cut(content, " ")
	if !ok || valid == nil || !valid[name] {
		return textToolCall{}, false
	}
	rest = strings.TrimSpace(rest)
	if !strings.HasPrefix(rest, "{") {
		return textToolCall{}, false
	}
	var args map[string]any
	if err := json.NewDecoder(strings.NewReader(rest)).Decode(&args); err != nil {
		return textToolCall{}, false
	}
	return textToolCall{Name: name, Arguments: args}, true
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	return err
}

// ListModels returns the models installed on the Ollama server.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	names := make([]string, len(result.Models))
	for i, m := range result.Models {
		names[i] = m.Name
	}
	return names, nil
}
