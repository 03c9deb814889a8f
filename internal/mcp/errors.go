package mcp

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by [Session] and the transports. Callers
// match them with [errors.Is]; the wrapping message carries detail.
var (
	// ErrHandshakeFailed means initialize did not complete: the channel
	// closed, the server answered with an error or a malformed result,
	// the call timed out, or the session was already initialized.
	ErrHandshakeFailed = errors.New("handshake failed")

	// ErrDiscoveryFailed means tools/list returned something that could
	// not be turned into a catalog.
	ErrDiscoveryFailed = errors.New("tool discovery failed")

	// ErrSessionNotReady means the operation requires a later state.
	ErrSessionNotReady = errors.New("session not ready")

	// ErrUnknownTool means the tool is not in the session's catalog.
	// Nothing is sent to the server.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrInvalidArguments means arguments failed schema validation
	// before being sent.
	ErrInvalidArguments = errors.New("invalid arguments")

	// ErrInvocationTimeout means no response arrived within the
	// per-call timeout.
	ErrInvocationTimeout = errors.New("invocation timed out")

	// ErrChannelClosed means the transport is gone: closed locally, or
	// the peer exited or hung up.
	ErrChannelClosed = errors.New("channel closed")
)

// ToolExecutionError is reported when a server answers tools/call with
// isError set. The session itself is unaffected.
type ToolExecutionError struct {
	Tool string
	Text string
}

func (e *ToolExecutionError) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("tool %q reported an error", e.Tool)
	}
	return fmt.Sprintf("tool %q: %s", e.Tool, e.Text)
}

// Session phases reported in [PhaseError].
const (
	PhaseHandshake  = "handshake"
	PhaseDiscovery  = "discovery"
	PhaseInvocation = "invocation"
)

// PhaseError identifies which server, phase and (for invocations) tool
// a failure belongs to. It unwraps to the underlying sentinel.
type PhaseError struct {
	Server string
	Phase  string
	Tool   string
	Err    error
}

func (e *PhaseError) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("mcp server %q: %s of %q: %v", e.Server, e.Phase, e.Tool, e.Err)
	}
	return fmt.Sprintf("mcp server %q: %s: %v", e.Server, e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }
