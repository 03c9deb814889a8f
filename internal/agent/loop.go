// Package agent implements the core agent loop: it alternates between
// the reasoning capability and the tool registry until the model
// answers in plain text.
package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/mcprelay/internal/llm"
	"github.com/nugget/mcprelay/internal/tools"
	"github.com/nugget/mcprelay/internal/usage"
)

// DefaultMaxTurns bounds the reasoning steps of one run when
// LoopConfig.MaxTurns is zero.
const DefaultMaxTurns = 10

// ErrMaxTurnsExceeded is returned when the model keeps calling tools
// past the configured number of reasoning steps.
var ErrMaxTurnsExceeded = errors.New("max turns exceeded")

// PhaseInvocation is the phase reported by [AbortError] for fatal tool
// failures.
const PhaseInvocation = "invocation"

// AbortError is returned when a tool call fails in a way the model
// cannot recover from. It unwraps to the tool's error.
type AbortError struct {
	Phase  string
	Tool   string
	CallID string
	Turn   int
	Err    error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("agent aborted at turn %d: %s of %q: %v", e.Turn, e.Phase, e.Tool, e.Err)
}

func (e *AbortError) Unwrap() error { return e.Err }

// Ledger records what a run did. [*usage.Store] implements it.
type Ledger interface {
	RecordStep(ctx context.Context, step usage.Step) error
	RecordInvocation(ctx context.Context, inv usage.Invocation) error
}

// LoopConfig configures a [Loop].
type LoopConfig struct {
	LLM   llm.Client
	Tools *tools.Registry
	Model string

	// MaxTurns caps reasoning steps per run; zero means DefaultMaxTurns.
	MaxTurns int

	// Parallel dispatches the tool calls of one step concurrently.
	Parallel bool

	// Ledger is optional.
	Ledger Ledger
	Logger *slog.Logger
}

// Turn is the state of a run: the message history sent to the model,
// and the tool calls of the current step that have not been answered.
type Turn struct {
	History []llm.Message
	Pending []llm.ToolCall
}

// NewTurn seeds a history with system instructions and the user input.
func NewTurn(instructions, userInput string) *Turn {
	t := &Turn{}
	if instructions != "" {
		t.History = append(t.History, llm.Message{Role: llm.RoleSystem, Content: instructions})
	}
	t.History = append(t.History, llm.Message{Role: llm.RoleUser, Content: userInput})
	return t
}

// Loop is the agent execution loop. A Loop holds no per-run state and
// may serve concurrent runs.
type Loop struct {
	llm      llm.Client
	tools    *tools.Registry
	model    string
	maxTurns int
	parallel bool
	ledger   Ledger
	logger   *slog.Logger
}

// NewLoop creates an agent loop.
func NewLoop(cfg LoopConfig) *Loop {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := cfg.Tools
	if reg == nil {
		reg = tools.NewRegistry()
	}
	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &Loop{
		llm:      cfg.LLM,
		tools:    reg,
		model:    cfg.Model,
		maxTurns: maxTurns,
		parallel: cfg.Parallel,
		ledger:   cfg.Ledger,
		logger:   logger,
	}
}

// Run executes one request to completion and returns the model's final
// text. A run ID set with [tools.WithRunID] is used for logs and the
// ledger; otherwise one is generated.
func (l *Loop) Run(ctx context.Context, instructions, userInput string) (string, error) {
	return l.Execute(ctx, NewTurn(instructions, userInput))
}

// Execute runs the loop over an existing turn, appending to its history.
func (l *Loop) Execute(ctx context.Context, turn *Turn) (string, error) {
	return l.execute(ctx, turn, nil)
}

// RunStreamed executes one request, yielding text tokens as the model
// produces them. Tool-call steps yield KindToolCallStart and
// KindToolCallDone and finish before the next step starts. A final
// KindDone event ends a successful run; a failed run ends with an error.
// Breaking out of the range cancels the in-flight generation.
func (l *Loop) RunStreamed(ctx context.Context, instructions, userInput string) iter.Seq2[llm.StreamEvent, error] {
	return func(yield func(llm.StreamEvent, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stopped := false
		emit := func(ev llm.StreamEvent) bool {
			if stopped {
				return false
			}
			if !yield(ev, nil) {
				stopped = true
				cancel()
				return false
			}
			return true
		}

		_, err := l.execute(ctx, NewTurn(instructions, userInput), emit)
		if err != nil && !stopped {
			yield(llm.StreamEvent{}, err)
		}
	}
}

// execute is the loop shared by Run and RunStreamed. emit is nil for
// non-streaming runs and reports false once the consumer stops.
func (l *Loop) execute(ctx context.Context, turn *Turn, emit func(llm.StreamEvent) bool) (string, error) {
	if l.llm == nil {
		return "", errors.New("agent: no reasoning client configured")
	}

	runID := tools.RunIDFromContext(ctx)
	if runID == "" {
		runID = uuid.NewString()
		ctx = tools.WithRunID(ctx, runID)
	}
	logger := l.logger.With("run_id", runID)
	toolDefs := l.tools.List()

	logger.Info("agent run started",
		"model", l.model,
		"messages", len(turn.History),
		"tools", len(toolDefs),
		"parallel", l.parallel,
	)
	start := time.Now()

	for step := 0; step < l.maxTurns; step++ {
		resp, err := l.reason(ctx, turn.History, toolDefs, emit)
		if err != nil {
			return "", fmt.Errorf("reasoning step %d: %w", step, err)
		}

		calls := resp.Message.ToolCalls
		l.recordStep(ctx, logger, usage.Step{
			RunID:        runID,
			Turn:         step,
			Model:        resp.Model,
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
			ToolCalls:    len(calls),
		})

		if len(calls) == 0 {
			turn.History = append(turn.History, llm.Message{
				Role:    llm.RoleAssistant,
				Content: resp.Message.Content,
			})
			logger.Info("agent run completed",
				"steps", step+1,
				"elapsed", time.Since(start),
			)
			if emit != nil {
				emit(llm.StreamEvent{Kind: llm.KindDone, Response: resp})
			}
			return resp.Message.Content, nil
		}

		for i := range calls {
			if calls[i].ID == "" {
				calls[i].ID = uuid.NewString()
			}
			if calls[i].Function.Arguments == nil {
				calls[i].Function.Arguments = map[string]any{}
			}
		}

		turn.History = append(turn.History, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Message.Content,
			ToolCalls: calls,
		})
		turn.Pending = calls

		if emit != nil {
			for i := range calls {
				if !emit(llm.StreamEvent{Kind: llm.KindToolCallStart, ToolCall: &calls[i]}) {
					return "", ctx.Err()
				}
			}
		}

		results, err := l.dispatch(ctx, logger, runID, step, calls)
		if err != nil {
			return "", err
		}

		for i, call := range calls {
			turn.History = append(turn.History, llm.Message{
				Role:       llm.RoleTool,
				Content:    results[i],
				ToolCallID: call.ID,
			})
		}
		turn.Pending = nil

		if emit != nil {
			for i := range calls {
				ev := llm.StreamEvent{Kind: llm.KindToolCallDone, ToolCall: &calls[i], ToolResult: results[i]}
				if tools.IsErrorResult(results[i]) {
					ev.ToolError = results[i]
				}
				if !emit(ev) {
					return "", ctx.Err()
				}
			}
		}
	}

	logger.Warn("agent run hit turn limit", "max_turns", l.maxTurns)
	return "", fmt.Errorf("%w (%d)", ErrMaxTurnsExceeded, l.maxTurns)
}

// reason makes one request to the model, streaming tokens when emit is set.
func (l *Loop) reason(ctx context.Context, history []llm.Message, toolDefs []map[string]any, emit func(llm.StreamEvent) bool) (*llm.ChatResponse, error) {
	if emit == nil {
		return l.llm.Chat(ctx, l.model, history, toolDefs)
	}
	resp, err := l.llm.ChatStream(ctx, l.model, history, toolDefs, func(ev llm.StreamEvent) {
		if ev.Kind == llm.KindToken {
			emit(ev)
		}
	})
	if err != nil {
		return nil, err
	}
	// The consumer may have stopped during a provider that does not
	// watch ctx between tokens.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return resp, nil
}

// dispatch runs every tool call of one step and returns their results
// in call order. Only fatal failures return an error.
func (l *Loop) dispatch(ctx context.Context, logger *slog.Logger, runID string, step int, calls []llm.ToolCall) ([]string, error) {
	results := make([]string, len(calls))

	if !l.parallel || len(calls) == 1 {
		for i, call := range calls {
			out, err := l.invoke(ctx, logger, runID, step, call)
			if err != nil {
				return nil, err
			}
			results[i] = out
		}
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			out, err := l.invoke(gctx, logger, runID, step, call)
			if err != nil {
				return err
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// invoke executes one tool call. Tool failures the model can act on are
// returned as "Error: ..." text; fatal ones as an [*AbortError].
func (l *Loop) invoke(ctx context.Context, logger *slog.Logger, runID string, step int, call llm.ToolCall) (string, error) {
	name := call.Function.Name
	ctx = tools.WithCallID(ctx, call.ID)
	logger = logger.With("tool", name, "call_id", call.ID)

	logger.Debug("executing tool", "args", call.Function.Arguments)

	start := time.Now()
	out, err := l.tools.Execute(ctx, name, call.Function.Arguments)
	elapsed := time.Since(start)

	inv := usage.Invocation{
		RunID:    runID,
		CallID:   call.ID,
		Tool:     name,
		Duration: elapsed,
		Outcome:  usage.OutcomeOK,
	}

	switch {
	case err != nil && tools.IsFatal(err):
		inv.Outcome = usage.OutcomeFatal
		inv.Error = err.Error()
		l.recordInvocation(ctx, logger, inv)
		logger.Error("tool failed fatally", "error", err, "elapsed", elapsed)
		return "", &AbortError{Phase: PhaseInvocation, Tool: name, CallID: call.ID, Turn: step, Err: err}
	case err != nil:
		out = tools.ErrorPrefix + err.Error()
		inv.Outcome = usage.OutcomeToolError
		inv.Error = err.Error()
	case tools.IsErrorResult(out):
		inv.Outcome = usage.OutcomeToolError
		inv.Error = out
	}

	l.recordInvocation(ctx, logger, inv)
	logger.Debug("tool completed", "outcome", inv.Outcome, "elapsed", elapsed, "result_len", len(out))
	return out, nil
}

func (l *Loop) recordStep(ctx context.Context, logger *slog.Logger, step usage.Step) {
	if l.ledger == nil {
		return
	}
	if err := l.ledger.RecordStep(context.WithoutCancel(ctx), step); err != nil {
		logger.Warn("failed to record reasoning step", "error", err)
	}
}

func (l *Loop) recordInvocation(ctx context.Context, logger *slog.Logger, inv usage.Invocation) {
	if l.ledger == nil {
		return
	}
	if err := l.ledger.RecordInvocation(context.WithoutCancel(ctx), inv); err != nil {
		logger.Warn("failed to record tool invocation", "error", err)
	}
}
