package tools

import "context"

type contextKey string

const (
	runIDKey  contextKey = "run_id"
	callIDKey contextKey = "tool_call_id"
)

// WithRunID tags the context with the agent run a tool call belongs to.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// RunIDFromContext returns the agent run ID, or "" if not set.
func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey).(string)
	return id
}

// WithCallID tags the context with the model-assigned tool call ID.
func WithCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, callIDKey, id)
}

// CallIDFromContext returns the tool call ID, or "" if not set.
func CallIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(callIDKey).(string)
	return id
}
