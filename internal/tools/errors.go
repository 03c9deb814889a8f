package tools

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorPrefix marks a tool result as a failure the model should see and
// may recover from.
const ErrorPrefix = "Error: "

// IsErrorResult reports whether a tool result carries [ErrorPrefix].
func IsErrorResult(s string) bool {
	return strings.HasPrefix(s, ErrorPrefix)
}

// ErrToolUnavailable is returned when a tool call targets a tool that
// is not present in the registry. The model asked for a capability that
// does not exist; retrying cannot help, so the agent loop stops.
type ErrToolUnavailable struct {
	ToolName string
}

func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}

// FatalError marks a tool failure that the model cannot recover from by
// adjusting its arguments: the tool server is gone or was never ready.
// The agent loop aborts the run when a handler returns one.
type FatalError struct {
	Tool string
	Err  error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("tool %q: %v", e.Tool, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err should abort the agent run.
func IsFatal(err error) bool {
	var fatal *FatalError
	var unavailable *ErrToolUnavailable
	return errors.As(err, &fatal) || errors.As(err, &unavailable)
}
