package agent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/nugget/mcprelay/internal/llm"
	"github.com/nugget/mcprelay/internal/mcp"
	"github.com/nugget/mcprelay/internal/tools"
	"github.com/nugget/mcprelay/internal/usage"
)

// scripted is one canned reasoning step.
type scripted struct {
	tokens []string
	resp   *llm.ChatResponse
	err    error
}

type mockLLM struct {
	mu      sync.Mutex
	steps   []scripted
	calls   [][]llm.Message
	streams int
}

func (m *mockLLM) Chat(ctx context.Context, model string, msgs []llm.Message, td []map[string]any) (*llm.ChatResponse, error) {
	return m.ChatStream(ctx, model, msgs, td, nil)
}

func (m *mockLLM) ChatStream(ctx context.Context, _ string, msgs []llm.Message, _ []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	m.mu.Lock()
	idx := len(m.calls)
	m.calls = append(m.calls, slices.Clone(msgs))
	if cb != nil {
		m.streams++
	}
	m.mu.Unlock()

	if idx >= len(m.steps) {
		return nil, fmt.Errorf("mockLLM: no more responses (call %d)", idx)
	}
	step := m.steps[idx]

	for _, tok := range step.tokens {
		if cb != nil {
			cb(llm.StreamEvent{Kind: llm.KindToken, Token: tok})
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	if step.err != nil {
		return nil, step.err
	}
	return step.resp, nil
}

func (m *mockLLM) Ping(context.Context) error { return nil }

func (m *mockLLM) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func textResp(s string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:        "test-model",
		Message:      llm.Message{Role: llm.RoleAssistant, Content: s},
		InputTokens:  10,
		OutputTokens: 5,
	}
}

func toolResp(calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:        "test-model",
		Message:      llm.Message{Role: llm.RoleAssistant, ToolCalls: calls},
		InputTokens:  20,
		OutputTokens: 8,
	}
}

func call(id, name string, args map[string]any) llm.ToolCall {
	return llm.ToolCall{ID: id, Function: llm.FunctionCall{Name: name, Arguments: args}}
}

func registry(t *testing.T, ts ...*tools.Tool) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	for _, tool := range ts {
		if err := reg.Register(tool); err != nil {
			t.Fatalf("Register(%s): %v", tool.Name, err)
		}
	}
	return reg
}

func echoTool(name string) *tools.Tool {
	return &tools.Tool{
		Name: name,
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			return fmt.Sprintf("%s:%v", name, args["x"]), nil
		},
	}
}

func TestRun_PlainText(t *testing.T) {
	mock := &mockLLM{steps: []scripted{{resp: textResp("hello")}}}
	loop := NewLoop(LoopConfig{LLM: mock, Model: "test-model"})

	got, err := loop.Run(context.Background(), "be brief", "hi")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != "hello" {
		t.Errorf("Run = %q, want %q", got, "hello")
	}

	first := mock.calls[0]
	if len(first) != 2 || first[0].Role != llm.RoleSystem || first[0].Content != "be brief" || first[1].Role != llm.RoleUser {
		t.Errorf("seed history = %+v", first)
	}
}

func TestRun_NoInstructions(t *testing.T) {
	turn := NewTurn("", "hi")
	if len(turn.History) != 1 || turn.History[0].Role != llm.RoleUser {
		t.Errorf("history = %+v, want only the user message", turn.History)
	}
}

func TestRun_ToolRoundTrip(t *testing.T) {
	mock := &mockLLM{steps: []scripted{
		{resp: toolResp(call("", "calculator", map[string]any{"x": 1}))},
		{resp: textResp("the answer is 60")},
	}}
	loop := NewLoop(LoopConfig{LLM: mock, Tools: registry(t, echoTool("calculator"))})

	turn := NewTurn("sys", "what is 12*5?")
	got, err := loop.Execute(context.Background(), turn)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != "the answer is 60" {
		t.Errorf("result = %q", got)
	}

	second := mock.calls[1]
	if len(second) != 4 {
		t.Fatalf("second request has %d messages, want 4: %+v", len(second), second)
	}
	asst, result := second[2], second[3]
	if asst.Role != llm.RoleAssistant || len(asst.ToolCalls) != 1 {
		t.Fatalf("assistant message = %+v", asst)
	}
	id := asst.ToolCalls[0].ID
	if id == "" {
		t.Error("missing tool call ID was not filled")
	}
	if result.Role != llm.RoleTool || result.ToolCallID != id || result.Content != "calculator:1" {
		t.Errorf("tool message = %+v (call id %q)", result, id)
	}

	if len(turn.History) != 5 || turn.History[4].Content != "the answer is 60" {
		t.Errorf("final history = %+v", turn.History)
	}
	if turn.Pending != nil {
		t.Errorf("Pending = %+v, want nil", turn.Pending)
	}
}

func TestRun_ResultsInCallOrder(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		t.Run(fmt.Sprintf("parallel=%v", parallel), func(t *testing.T) {
			slow := &tools.Tool{
				Name: "slow",
				Handler: func(ctx context.Context, _ map[string]any) (string, error) {
					time.Sleep(20 * time.Millisecond)
					return "slow done", nil
				},
			}
			mock := &mockLLM{steps: []scripted{
				{resp: toolResp(
					call("a", "slow", nil),
					call("b", "fast", map[string]any{"x": 2}),
				)},
				{resp: textResp("ok")},
			}}
			loop := NewLoop(LoopConfig{LLM: mock, Tools: registry(t, slow, echoTool("fast")), Parallel: parallel})

			if _, err := loop.Run(context.Background(), "", "go"); err != nil {
				t.Fatalf("Run: %v", err)
			}

			msgs := mock.calls[1]
			got := []string{msgs[2].ToolCallID, msgs[3].ToolCallID}
			if !slices.Equal(got, []string{"a", "b"}) {
				t.Errorf("tool message order = %v, want [a b]", got)
			}
			if msgs[2].Content != "slow done" || msgs[3].Content != "fast:2" {
				t.Errorf("tool contents = %q, %q", msgs[2].Content, msgs[3].Content)
			}
		})
	}
}

func TestRun_ParallelDispatchIsConcurrent(t *testing.T) {
	var started sync.WaitGroup
	started.Add(2)
	barrier := func(ctx context.Context, _ map[string]any) (string, error) {
		started.Done()
		done := make(chan struct{})
		go func() { started.Wait(); close(done) }()
		select {
		case <-done:
			return "met", nil
		case <-time.After(2 * time.Second):
			return "Error: peer never started", nil
		}
	}
	mock := &mockLLM{steps: []scripted{
		{resp: toolResp(call("1", "left", nil), call("2", "right", nil))},
		{resp: textResp("ok")},
	}}
	loop := NewLoop(LoopConfig{
		LLM:      mock,
		Tools:    registry(t, &tools.Tool{Name: "left", Handler: barrier}, &tools.Tool{Name: "right", Handler: barrier}),
		Parallel: true,
	})

	if _, err := loop.Run(context.Background(), "", "go"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, m := range mock.calls[1][2:] {
		if m.Content != "met" {
			t.Errorf("tool %s = %q, want both calls in flight together", m.ToolCallID, m.Content)
		}
	}
}

func TestRun_SequentialDispatchOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) *tools.Tool {
		return &tools.Tool{Name: name, Handler: func(context.Context, map[string]any) (string, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return name, nil
		}}
	}
	mock := &mockLLM{steps: []scripted{
		{resp: toolResp(call("1", "c", nil), call("2", "a", nil), call("3", "b", nil))},
		{resp: textResp("ok")},
	}}
	loop := NewLoop(LoopConfig{LLM: mock, Tools: registry(t, record("a"), record("b"), record("c"))})

	if _, err := loop.Run(context.Background(), "", "go"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !slices.Equal(order, []string{"c", "a", "b"}) {
		t.Errorf("execution order = %v, want [c a b]", order)
	}
}

func TestRun_MaxTurns(t *testing.T) {
	loopForever := scripted{resp: toolResp(call("x", "calculator", nil))}
	mock := &mockLLM{steps: []scripted{loopForever, loopForever, loopForever, loopForever}}
	loop := NewLoop(LoopConfig{LLM: mock, Tools: registry(t, echoTool("calculator")), MaxTurns: 3})

	_, err := loop.Run(context.Background(), "", "go")
	if !errors.Is(err, ErrMaxTurnsExceeded) {
		t.Fatalf("err = %v, want ErrMaxTurnsExceeded", err)
	}
	if n := mock.callCount(); n != 3 {
		t.Errorf("LLM calls = %d, want 3", n)
	}
}

func TestRun_DefaultMaxTurns(t *testing.T) {
	loop := NewLoop(LoopConfig{})
	if loop.maxTurns != DefaultMaxTurns {
		t.Errorf("maxTurns = %d, want %d", loop.maxTurns, DefaultMaxTurns)
	}
}

func TestRun_FatalErrors(t *testing.T) {
	closed := &tools.Tool{
		Name: "calculator",
		Handler: func(context.Context, map[string]any) (string, error) {
			return "", &tools.FatalError{Tool: "calculator", Err: mcp.ErrChannelClosed}
		},
	}

	tests := []struct {
		name     string
		tool     string
		wantTool string
		check    func(error) bool
	}{
		{
			name:     "unregistered tool",
			tool:     "weather",
			wantTool: "weather",
			check: func(err error) bool {
				var unavailable *tools.ErrToolUnavailable
				return errors.As(err, &unavailable) && unavailable.ToolName == "weather"
			},
		},
		{
			name:     "channel closed",
			tool:     "calculator",
			wantTool: "calculator",
			check:    func(err error) bool { return errors.Is(err, mcp.ErrChannelClosed) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockLLM{steps: []scripted{
				{resp: toolResp(call("c1", tt.tool, nil))},
				{resp: textResp("should not be reached")},
			}}
			store, err := usage.NewStore()
			if err != nil {
				t.Fatal(err)
			}
			defer store.Close()

			loop := NewLoop(LoopConfig{LLM: mock, Tools: registry(t, closed), Ledger: store})
			_, err = loop.Run(context.Background(), "", "go")

			var abort *AbortError
			if !errors.As(err, &abort) {
				t.Fatalf("err = %v, want *AbortError", err)
			}
			if abort.Phase != PhaseInvocation || abort.Tool != tt.wantTool || abort.CallID != "c1" {
				t.Errorf("abort = %+v", abort)
			}
			if !tt.check(err) {
				t.Errorf("err = %v does not carry the cause", err)
			}
			if mock.callCount() != 1 {
				t.Errorf("LLM calls = %d, want 1 (run aborts)", mock.callCount())
			}
		})
	}
}

func TestRun_ToolErrorsReturnToModel(t *testing.T) {
	failing := &tools.Tool{
		Name: "divide",
		Handler: func(context.Context, map[string]any) (string, error) {
			return "", errors.New("boom")
		},
	}
	mock := &mockLLM{steps: []scripted{
		{resp: toolResp(call("1", "divide", nil))},
		{resp: textResp("sorry")},
	}}
	loop := NewLoop(LoopConfig{LLM: mock, Tools: registry(t, failing)})

	got, err := loop.Run(context.Background(), "", "go")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != "sorry" {
		t.Errorf("result = %q", got)
	}
	if msg := mock.calls[1][2]; msg.Content != "Error: boom" {
		t.Errorf("tool message = %q, want %q", msg.Content, "Error: boom")
	}
}

func TestRun_LLMError(t *testing.T) {
	mock := &mockLLM{steps: []scripted{{err: errors.New("connection refused")}}}
	loop := NewLoop(LoopConfig{LLM: mock})

	_, err := loop.Run(context.Background(), "", "go")
	if err == nil || err.Error() != "reasoning step 0: connection refused" {
		t.Errorf("err = %v", err)
	}
}

func TestRun_NoClient(t *testing.T) {
	if _, err := NewLoop(LoopConfig{}).Run(context.Background(), "", "go"); err == nil {
		t.Error("Run without a client should fail")
	}
}

func TestRun_LedgerAndContext(t *testing.T) {
	store, err := usage.NewStore()
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	var runID, callID string
	calc := &tools.Tool{
		Name: "calculator",
		Handler: func(ctx context.Context, _ map[string]any) (string, error) {
			runID = tools.RunIDFromContext(ctx)
			callID = tools.CallIDFromContext(ctx)
			return "Error: Division by zero", nil
		},
	}
	mock := &mockLLM{steps: []scripted{
		{resp: toolResp(call("call-7", "calculator", nil))},
		{resp: textResp("done")},
	}}
	loop := NewLoop(LoopConfig{LLM: mock, Tools: registry(t, calc), Ledger: store})

	if _, err := loop.Run(context.Background(), "", "go"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if runID == "" || callID != "call-7" {
		t.Fatalf("context ids: run=%q call=%q", runID, callID)
	}

	sum, err := store.Summary(context.Background(), runID)
	if err != nil {
		t.Fatal(err)
	}
	want := usage.Summary{Steps: 2, TotalInputTokens: 30, TotalOutputTokens: 13, ToolCalls: 1, ToolErrors: 1}
	if *sum != want {
		t.Errorf("Summary = %+v, want %+v", *sum, want)
	}
}

func TestRun_CallerRunID(t *testing.T) {
	store, err := usage.NewStore()
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	mock := &mockLLM{steps: []scripted{{resp: textResp("hi")}}}
	loop := NewLoop(LoopConfig{LLM: mock, Ledger: store})

	ctx := tools.WithRunID(context.Background(), "cli-run")
	if _, err := loop.Run(ctx, "", "go"); err != nil {
		t.Fatal(err)
	}
	sum, err := store.Summary(context.Background(), "cli-run")
	if err != nil {
		t.Fatal(err)
	}
	if sum.Steps != 1 {
		t.Errorf("Steps = %d, want 1 recorded under the caller's run ID", sum.Steps)
	}
}

func TestRun_ResultsNamingErrorsAreNotFailures(t *testing.T) {
	store, err := usage.NewStore()
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	lint := &tools.Tool{
		Name: "lint",
		Handler: func(context.Context, map[string]any) (string, error) {
			return "Errors: none found", nil
		},
	}
	mock := &mockLLM{steps: []scripted{
		{resp: toolResp(call("call-1", "lint", nil))},
		{resp: textResp("clean")},
	}}
	loop := NewLoop(LoopConfig{LLM: mock, Tools: registry(t, lint), Ledger: store})

	ctx := tools.WithRunID(context.Background(), "lint-run")
	var toolError string
	for ev, err := range loop.RunStreamed(ctx, "", "lint it") {
		if err != nil {
			t.Fatalf("RunStreamed: %v", err)
		}
		if ev.Kind == llm.KindToolCallDone {
			toolError = ev.ToolError
		}
	}
	if toolError != "" {
		t.Errorf("ToolError = %q, want none", toolError)
	}

	invs, err := store.Invocations(context.Background(), "lint-run")
	if err != nil {
		t.Fatal(err)
	}
	if len(invs) != 1 || invs[0].Outcome != usage.OutcomeOK {
		t.Errorf("invocations = %+v, want one ok outcome", invs)
	}
}
