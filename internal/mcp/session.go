package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/mcprelay/internal/buildinfo"
)

// ProtocolVersion is the MCP protocol version sent in initialize.
const ProtocolVersion = "2024-11-05"

// DefaultCallTimeout bounds a tools/call round trip when
// [SessionOptions.CallTimeout] is zero.
const DefaultCallTimeout = 30 * time.Second

// errSetupTimeout is the cancel cause when the handshake or discovery
// deadline expires.
var errSetupTimeout = errors.New("setup timeout")

// maxDiscoveryPages stops a server that keeps returning cursors.
const maxDiscoveryPages = 100

// State is a session lifecycle stage.
type State int32

// Session states, in order. Transitions only move forward.
const (
	StateCreated State = iota
	StateHandshaken
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateHandshaken:
		return "handshaken"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ContentBlock is one content item of a tools/call result.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// InvocationResponse is the decoded result of a tools/call. Content may
// be empty.
type InvocationResponse struct {
	ID      int64
	Tool    string
	Content []ContentBlock
	IsError bool
}

// Text returns the first text content part, if any.
func (r *InvocationResponse) Text() (string, bool) {
	for _, b := range r.Content {
		if b.Type == "text" {
			return b.Text, true
		}
	}
	return "", false
}

// AllText joins every content part, describing non-text parts inline.
func (r *InvocationResponse) AllText() string {
	parts := make([]string, 0, len(r.Content))
	for _, b := range r.Content {
		if b.Type == "text" {
			parts = append(parts, b.Text)
		} else {
			parts = append(parts, "["+b.Type+"]")
		}
	}
	return strings.Join(parts, "\n")
}

// Err returns a [*ToolExecutionError] when the server flagged the result
// as an error, and nil otherwise.
func (r *InvocationResponse) Err() error {
	if !r.IsError {
		return nil
	}
	return &ToolExecutionError{Tool: r.Tool, Text: r.AllText()}
}

// ServerInfo identifies the server as reported during the handshake.
type ServerInfo struct {
	Name            string `json:"name"`
	Version         string `json:"version"`
	ProtocolVersion string `json:"-"`
}

type initializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	ServerInfo      ServerInfo      `json:"serverInfo"`
	Capabilities    json.RawMessage `json:"capabilities"`
}

type toolsListResult struct {
	Tools      *[]wireTool `json:"tools"`
	NextCursor string      `json:"nextCursor,omitempty"`
}

type callToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// SessionOptions configures a [Session].
type SessionOptions struct {
	// CallTimeout bounds each tools/call. Zero means DefaultCallTimeout.
	CallTimeout time.Duration

	// HandshakeTimeout bounds Initialize, and separately the whole of
	// DiscoverTools. Zero means DefaultCallTimeout.
	HandshakeTimeout time.Duration

	Logger *slog.Logger
}

// Session is a logical connection to one tool server. It performs the
// handshake, discovers the tool catalog once, and invokes tools.
//
// Sessions are safe for concurrent use once active. Whether concurrent
// invokes actually overlap on the wire is up to the transport.
type Session struct {
	name         string
	transport    Transport
	logger       *slog.Logger
	callTimeout  time.Duration
	setupTimeout time.Duration
	nextID       atomic.Int64
	state        atomic.Int32

	// mu serializes lifecycle transitions (initialize, discover, close).
	// Invoke reads state and catalog without it.
	mu         sync.Mutex
	catalog    atomic.Pointer[Catalog]
	serverInfo ServerInfo
}

// NewSession wraps a transport. No traffic is sent until Initialize.
func NewSession(name string, transport Transport, opts SessionOptions) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	setup := opts.HandshakeTimeout
	if setup <= 0 {
		setup = DefaultCallTimeout
	}
	return &Session{
		name:         name,
		transport:    transport,
		logger:       logger.With("mcp_server", name),
		callTimeout:  timeout,
		setupTimeout: setup,
	}
}

// Name returns the configured server name.
func (s *Session) Name() string { return s.name }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Catalog returns the discovered tools, or nil before discovery.
func (s *Session) Catalog() *Catalog { return s.catalog.Load() }

// Stats reports the transport's traffic counters.
func (s *Session) Stats() TransportStats { return s.transport.Stats() }

// ServerInfo returns what the server reported during the handshake.
func (s *Session) ServerInfo() ServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverInfo
}

func (s *Session) phaseErr(phase, tool string, err error) error {
	return &PhaseError{Server: s.name, Phase: phase, Tool: tool, Err: err}
}

// Initialize performs the handshake: initialize, then the
// notifications/initialized notification. It may only be called once.
func (s *Session) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case StateClosed:
		return s.phaseErr(PhaseHandshake, "", ErrChannelClosed)
	case StateCreated:
	default:
		return s.phaseErr(PhaseHandshake, "", fmt.Errorf("%w: already initialized", ErrHandshakeFailed))
	}

	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    buildinfo.Name,
			"version": buildinfo.Version,
		},
	}

	ctx, cancel := context.WithTimeoutCause(ctx, s.setupTimeout, errSetupTimeout)
	defer cancel()

	resp, err := s.call(ctx, "initialize", params)
	if err != nil {
		return s.phaseErr(PhaseHandshake, "", fmt.Errorf("%w: %w", ErrHandshakeFailed, s.setupErr(ctx, err)))
	}

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return s.phaseErr(PhaseHandshake, "", fmt.Errorf("%w: malformed initialize result: %v", ErrHandshakeFailed, err))
	}
	if result.ProtocolVersion == "" {
		return s.phaseErr(PhaseHandshake, "", fmt.Errorf("%w: initialize result has no protocolVersion", ErrHandshakeFailed))
	}

	if err := s.transport.Notify(ctx, NewNotification("notifications/initialized", nil)); err != nil {
		return s.phaseErr(PhaseHandshake, "", fmt.Errorf("%w: initialized notification: %w", ErrHandshakeFailed, s.setupErr(ctx, err)))
	}

	if !s.state.CompareAndSwap(int32(StateCreated), int32(StateHandshaken)) {
		return s.phaseErr(PhaseHandshake, "", ErrChannelClosed)
	}
	result.ServerInfo.ProtocolVersion = result.ProtocolVersion
	s.serverInfo = result.ServerInfo

	s.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)
	return nil
}

// DiscoverTools fetches the tool catalog, following pagination cursors,
// and moves the session to active. Later calls return the same catalog
// without contacting the server.
func (s *Session) DiscoverTools(ctx context.Context) (*Catalog, error) {
	if c := s.catalog.Load(); c != nil && s.State() == StateActive {
		return c, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case StateClosed:
		return nil, s.phaseErr(PhaseDiscovery, "", ErrChannelClosed)
	case StateCreated:
		return nil, s.phaseErr(PhaseDiscovery, "", fmt.Errorf("%w: handshake not performed", ErrSessionNotReady))
	case StateActive:
		return s.catalog.Load(), nil
	}

	ctx, cancel := context.WithTimeoutCause(ctx, s.setupTimeout, errSetupTimeout)
	defer cancel()

	var all []ToolDescriptor
	cursor := ""
	for page := 0; ; page++ {
		if page >= maxDiscoveryPages {
			return nil, s.phaseErr(PhaseDiscovery, "", fmt.Errorf("%w: more than %d pages", ErrDiscoveryFailed, maxDiscoveryPages))
		}

		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}

		resp, err := s.call(ctx, "tools/list", params)
		if err != nil {
			if !errors.Is(err, ErrChannelClosed) {
				err = fmt.Errorf("%w: %w", ErrDiscoveryFailed, s.setupErr(ctx, err))
			}
			return nil, s.phaseErr(PhaseDiscovery, "", err)
		}

		var result toolsListResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, s.phaseErr(PhaseDiscovery, "", fmt.Errorf("%w: malformed tools/list result: %v", ErrDiscoveryFailed, err))
		}
		if result.Tools == nil {
			return nil, s.phaseErr(PhaseDiscovery, "", fmt.Errorf("%w: tools/list result has no tools field", ErrDiscoveryFailed))
		}

		descs, err := parseTools(*result.Tools)
		if err != nil {
			return nil, s.phaseErr(PhaseDiscovery, "", err)
		}
		all = append(all, descs...)

		if result.NextCursor == "" {
			break
		}
		cursor = result.NextCursor
	}

	catalog, err := NewCatalog(all)
	if err != nil {
		return nil, s.phaseErr(PhaseDiscovery, "", err)
	}

	s.catalog.Store(catalog)
	if !s.state.CompareAndSwap(int32(StateHandshaken), int32(StateActive)) {
		return nil, s.phaseErr(PhaseDiscovery, "", ErrChannelClosed)
	}

	s.logger.Info("discovered MCP tools", "count", catalog.Len())
	return catalog, nil
}

// Invoke calls a discovered tool. A result the server flags with isError
// is returned with a nil error; check [InvocationResponse.Err].
//
// Errors: [ErrSessionNotReady] before discovery, [ErrChannelClosed] once
// closed or if the channel dies, [ErrUnknownTool] (nothing is sent) and
// [ErrInvocationTimeout] when the per-call timeout expires.
func (s *Session) Invoke(ctx context.Context, name string, args map[string]any) (*InvocationResponse, error) {
	switch s.State() {
	case StateActive:
	case StateClosed:
		return nil, s.phaseErr(PhaseInvocation, name, ErrChannelClosed)
	default:
		return nil, s.phaseErr(PhaseInvocation, name, fmt.Errorf("%w: tools not discovered", ErrSessionNotReady))
	}

	if _, ok := s.catalog.Load().Lookup(name); !ok {
		return nil, s.phaseErr(PhaseInvocation, name, ErrUnknownTool)
	}

	if args == nil {
		args = map[string]any{}
	}

	callCtx, cancel := context.WithTimeoutCause(ctx, s.callTimeout, ErrInvocationTimeout)
	defer cancel()

	start := time.Now()
	resp, err := s.call(callCtx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		if errors.Is(context.Cause(callCtx), ErrInvocationTimeout) && ctx.Err() == nil {
			err = fmt.Errorf("%w after %s", ErrInvocationTimeout, s.callTimeout)
		}
		if errors.Is(err, ErrChannelClosed) && s.State() == StateClosed {
			err = ErrChannelClosed
		}
		return nil, s.phaseErr(PhaseInvocation, name, err)
	}

	var result callToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, s.phaseErr(PhaseInvocation, name, fmt.Errorf("malformed tools/call result: %w", err))
	}

	s.logger.Debug("MCP tool invoked",
		"tool", name,
		"id", resp.ID,
		"is_error", result.IsError,
		"elapsed", time.Since(start),
	)

	return &InvocationResponse{
		ID:      resp.ID,
		Tool:    name,
		Content: result.Content,
		IsError: result.IsError,
	}, nil
}

// Ping checks that the server is responsive.
func (s *Session) Ping(ctx context.Context) error {
	if s.State() == StateClosed {
		return ErrChannelClosed
	}
	_, err := s.call(ctx, "ping", nil)
	return err
}

// Close closes the transport. Outstanding invokes return
// [ErrChannelClosed]. Close is idempotent.
func (s *Session) Close() error {
	if State(s.state.Swap(int32(StateClosed))) == StateClosed {
		return nil
	}
	s.logger.Info("closing MCP session")
	return s.transport.Close()
}

// setupErr replaces a deadline error caused by the session's own
// handshake or discovery timeout with one that names the limit.
func (s *Session) setupErr(ctx context.Context, err error) error {
	if errors.Is(context.Cause(ctx), errSetupTimeout) {
		return fmt.Errorf("no response within %s: %w", s.setupTimeout, err)
	}
	return err
}

// call sends one request with a fresh ID and unwraps JSON-RPC errors.
func (s *Session) call(ctx context.Context, method string, params any) (*Response, error) {
	req := NewRequest(s.nextID.Add(1), method, params)

	resp, err := s.transport.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp, nil
}
