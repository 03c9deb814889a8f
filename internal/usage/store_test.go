package usage

import (
	"context"
	"sync"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore()
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordStep_And_Summary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	steps := []Step{
		{RunID: "run-1", Turn: 0, Model: "qwen3:4b", InputTokens: 100, OutputTokens: 20, ToolCalls: 2},
		{RunID: "run-1", Turn: 1, Model: "qwen3:4b", InputTokens: 180, OutputTokens: 35},
		{RunID: "run-2", Turn: 0, Model: "qwen3:4b", InputTokens: 999, OutputTokens: 999},
	}
	for _, st := range steps {
		if err := s.RecordStep(ctx, st); err != nil {
			t.Fatalf("RecordStep: %v", err)
		}
	}

	invs := []Invocation{
		{RunID: "run-1", CallID: "c1", Tool: "calculator", Duration: 12 * time.Millisecond},
		{RunID: "run-1", CallID: "c2", Tool: "calculator", Outcome: OutcomeToolError, Error: "Error: Division by zero"},
		{RunID: "run-1", CallID: "c3", Tool: "text_analyzer"},
	}
	for _, inv := range invs {
		if err := s.RecordInvocation(ctx, inv); err != nil {
			t.Fatalf("RecordInvocation: %v", err)
		}
	}

	sum, err := s.Summary(ctx, "run-1")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	want := Summary{Steps: 2, TotalInputTokens: 280, TotalOutputTokens: 55, ToolCalls: 3, ToolErrors: 1}
	if *sum != want {
		t.Errorf("Summary = %+v, want %+v", *sum, want)
	}

	counts, err := s.ToolCounts(ctx, "run-1")
	if err != nil {
		t.Fatalf("ToolCounts: %v", err)
	}
	if counts["calculator"] != 2 || counts["text_analyzer"] != 1 || len(counts) != 2 {
		t.Errorf("ToolCounts = %v", counts)
	}
}

func TestSummary_UnknownRun(t *testing.T) {
	s := testStore(t)

	sum, err := s.Summary(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if *sum != (Summary{}) {
		t.Errorf("Summary = %+v, want zero", *sum)
	}
}

func TestInvocations_Order(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, tool := range []string{"b", "a", "c"} {
		if err := s.RecordInvocation(ctx, Invocation{RunID: "r", Tool: tool, Duration: 1500 * time.Millisecond}); err != nil {
			t.Fatalf("RecordInvocation: %v", err)
		}
	}

	got, err := s.Invocations(ctx, "r")
	if err != nil {
		t.Fatalf("Invocations: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, tool := range []string{"b", "a", "c"} {
		if got[i].Tool != tool {
			t.Errorf("[%d].Tool = %q, want %q", i, got[i].Tool, tool)
		}
		if got[i].ID == "" {
			t.Errorf("[%d].ID empty", i)
		}
		if got[i].Outcome != OutcomeOK {
			t.Errorf("[%d].Outcome = %q, want ok", i, got[i].Outcome)
		}
		if got[i].Duration != 1500*time.Millisecond {
			t.Errorf("[%d].Duration = %v", i, got[i].Duration)
		}
		if got[i].Timestamp.IsZero() {
			t.Errorf("[%d].Timestamp zero", i)
		}
	}
}

func TestRecord_Validation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.RecordStep(ctx, Step{Model: "m"}); err == nil {
		t.Error("RecordStep without run ID should fail")
	}
	if err := s.RecordInvocation(ctx, Invocation{RunID: "r"}); err == nil {
		t.Error("RecordInvocation without tool should fail")
	}
}

func TestStoresAreIsolated(t *testing.T) {
	a := testStore(t)
	b := testStore(t)
	ctx := context.Background()

	if err := a.RecordInvocation(ctx, Invocation{RunID: "r", Tool: "calculator"}); err != nil {
		t.Fatal(err)
	}
	sum, err := b.Summary(ctx, "r")
	if err != nil {
		t.Fatal(err)
	}
	if sum.ToolCalls != 0 {
		t.Errorf("second store sees %d tool calls, want 0", sum.ToolCalls)
	}
}

func TestConcurrentRecord(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.RecordInvocation(ctx, Invocation{RunID: "r", Tool: "calculator"}); err != nil {
				t.Errorf("RecordInvocation: %v", err)
			}
		}()
	}
	wg.Wait()

	sum, err := s.Summary(ctx, "r")
	if err != nil {
		t.Fatal(err)
	}
	if sum.ToolCalls != 20 {
		t.Errorf("ToolCalls = %d, want 20", sum.ToolCalls)
	}
}

func TestClosedStore(t *testing.T) {
	s, err := NewStore()
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	if err := s.RecordStep(context.Background(), Step{RunID: "r"}); err == nil {
		t.Error("RecordStep on closed store should fail")
	}
}
