package agent

import (
	"bytes"
	"context"
	"errors"
	"iter"
	"slices"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/nugget/mcprelay/internal/llm"
	"github.com/nugget/mcprelay/internal/tools"
)

func collect(t *testing.T, seq iter.Seq2[llm.StreamEvent, error]) ([]llm.StreamEvent, error) {
	t.Helper()
	var events []llm.StreamEvent
	for ev, err := range seq {
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func kinds(events []llm.StreamEvent) []llm.StreamEventKind {
	out := make([]llm.StreamEventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func TestRunStreamed_Sequence(t *testing.T) {
	mock := &mockLLM{steps: []scripted{
		{tokens: []string{"Let me ", "check."}, resp: toolResp(call("c1", "calculator", map[string]any{"x": 5}))},
		{tokens: []string{"It is ", "60."}, resp: textResp("It is 60.")},
	}}
	loop := NewLoop(LoopConfig{LLM: mock, Tools: registry(t, echoTool("calculator"))})

	events, err := collect(t, loop.RunStreamed(context.Background(), "", "12*5?"))
	if err != nil {
		t.Fatalf("RunStreamed: %v", err)
	}

	want := []llm.StreamEventKind{
		llm.KindToken, llm.KindToken,
		llm.KindToolCallStart, llm.KindToolCallDone,
		llm.KindToken, llm.KindToken,
		llm.KindDone,
	}
	if got := kinds(events); !slices.Equal(got, want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}

	if events[2].ToolCall == nil || events[2].ToolCall.Function.Name != "calculator" {
		t.Errorf("start event = %+v", events[2])
	}
	if done := events[3]; done.ToolResult != "calculator:5" || done.ToolError != "" {
		t.Errorf("done event = %+v", done)
	}
	if last := events[len(events)-1]; last.Response == nil || last.Response.Message.Content != "It is 60." {
		t.Errorf("final event = %+v", last)
	}
	if mock.streams != 2 {
		t.Errorf("streaming requests = %d, want 2", mock.streams)
	}
}

func TestRunStreamed_ToolErrorEvent(t *testing.T) {
	failing := &tools.Tool{Name: "calculator", Handler: func(context.Context, map[string]any) (string, error) {
		return "Error: Division by zero", nil
	}}
	mock := &mockLLM{steps: []scripted{
		{resp: toolResp(call("c1", "calculator", nil))},
		{resp: textResp("cannot")},
	}}
	loop := NewLoop(LoopConfig{LLM: mock, Tools: registry(t, failing)})

	events, err := collect(t, loop.RunStreamed(context.Background(), "", "1/0"))
	if err != nil {
		t.Fatal(err)
	}
	if events[1].Kind != llm.KindToolCallDone || events[1].ToolError != "Error: Division by zero" {
		t.Errorf("done event = %+v", events[1])
	}
}

func TestRunStreamed_ErrorEndsSequence(t *testing.T) {
	mock := &mockLLM{steps: []scripted{{tokens: []string{"partial"}, err: errors.New("stream broke")}}}
	loop := NewLoop(LoopConfig{LLM: mock})

	events, err := collect(t, loop.RunStreamed(context.Background(), "", "go"))
	if err == nil || !strings.Contains(err.Error(), "stream broke") {
		t.Fatalf("err = %v", err)
	}
	if len(events) != 1 || events[0].Token != "partial" {
		t.Errorf("events before error = %+v", events)
	}
}

func TestRunStreamed_EarlyStopCancels(t *testing.T) {
	var executed atomic.Bool
	tool := &tools.Tool{Name: "calculator", Handler: func(context.Context, map[string]any) (string, error) {
		executed.Store(true)
		return "x", nil
	}}
	mock := &mockLLM{steps: []scripted{
		{tokens: []string{"one", "two", "three"}, resp: toolResp(call("c1", "calculator", nil))},
		{resp: textResp("never")},
	}}
	loop := NewLoop(LoopConfig{LLM: mock, Tools: registry(t, tool)})

	var got []string
	for ev, err := range loop.RunStreamed(context.Background(), "", "go") {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got = append(got, ev.Token)
		break
	}

	if !slices.Equal(got, []string{"one"}) {
		t.Errorf("got %v, want [one]", got)
	}
	if executed.Load() {
		t.Error("tool ran after the consumer stopped")
	}
	if n := mock.callCount(); n != 1 {
		t.Errorf("LLM calls = %d, want 1", n)
	}
}

func TestRelay(t *testing.T) {
	mock := &mockLLM{steps: []scripted{
		{tokens: []string{"a", ""}, resp: toolResp(call("c1", "calculator", nil))},
		{tokens: []string{"b", "c"}, resp: textResp("bc")},
	}}
	loop := NewLoop(LoopConfig{LLM: mock, Tools: registry(t, echoTool("calculator"))})

	var got []string
	for tok, err := range Relay(loop.RunStreamed(context.Background(), "", "go")) {
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, tok)
	}
	if !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Errorf("Relay = %v, want [a b c]", got)
	}
}

func TestRelay_StopsProducer(t *testing.T) {
	var pulled int
	source := func(yield func(llm.StreamEvent, error) bool) {
		for _, tok := range []string{"x", "y", "z"} {
			pulled++
			if !yield(llm.StreamEvent{Kind: llm.KindToken, Token: tok}, nil) {
				return
			}
		}
	}

	for tok := range Relay(source) {
		if tok == "x" {
			break
		}
	}
	if pulled != 1 {
		t.Errorf("producer pulled %d fragments after consumer stopped, want 1", pulled)
	}
}

func TestRelay_PropagatesError(t *testing.T) {
	boom := errors.New("boom")
	source := func(yield func(llm.StreamEvent, error) bool) {
		if !yield(llm.StreamEvent{Kind: llm.KindToken, Token: "x"}, nil) {
			return
		}
		yield(llm.StreamEvent{}, boom)
	}

	var gotErr error
	var tokens []string
	for tok, err := range Relay(source) {
		if err != nil {
			gotErr = err
			break
		}
		tokens = append(tokens, tok)
	}
	if !errors.Is(gotErr, boom) || !slices.Equal(tokens, []string{"x"}) {
		t.Errorf("tokens=%v err=%v", tokens, gotErr)
	}
}

type flushBuffer struct {
	bytes.Buffer
	flushes int
}

func (f *flushBuffer) Flush() error {
	f.flushes++
	return nil
}

func TestRelayTo(t *testing.T) {
	source := func(yield func(llm.StreamEvent, error) bool) {
		for _, ev := range []llm.StreamEvent{
			{Kind: llm.KindToken, Token: "0°C = "},
			{Kind: llm.KindToolCallStart},
			{Kind: llm.KindToken, Token: "273.15°K"},
			{Kind: llm.KindDone},
		} {
			if !yield(ev, nil) {
				return
			}
		}
	}

	var buf flushBuffer
	n, err := RelayTo(&buf, source)
	if err != nil {
		t.Fatal(err)
	}
	if buf.String() != "0°C = 273.15°K" {
		t.Errorf("output = %q", buf.String())
	}
	if n != int64(buf.Len()) {
		t.Errorf("n = %d, want %d", n, buf.Len())
	}
	if buf.flushes != 2 {
		t.Errorf("flushes = %d, want 2", buf.flushes)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestRelayTo_WriteError(t *testing.T) {
	source := func(yield func(llm.StreamEvent, error) bool) {
		yield(llm.StreamEvent{Kind: llm.KindToken, Token: "x"}, nil)
	}
	if _, err := RelayTo(failingWriter{}, source); err == nil {
		t.Error("RelayTo should report the write error")
	}
}
