package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/nugget/mcprelay/internal/tools"
)

// NoResult is returned to the model when a tool answers with no content.
const NoResult = "No result"

var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// Invoker is the part of [Session] an adapter needs.
type Invoker interface {
	Name() string
	Invoke(ctx context.Context, tool string, args map[string]any) (*InvocationResponse, error)
}

// BridgeOptions controls how discovered tools are exposed to the agent.
type BridgeOptions struct {
	// Prefix registers tools as mcp_<server>_<tool> instead of their
	// bare names. Use it when two servers expose the same tool name.
	Prefix bool

	// Include, when non-empty, limits bridging to these tool names.
	// Otherwise tools named in Exclude are skipped.
	Include []string
	Exclude []string

	// OnRegister, if set, is called with the agent-facing name and the
	// descriptor of each tool as it is registered.
	OnRegister func(name string, d *ToolDescriptor)

	Logger *slog.Logger
}

// Bridge discovers the session's tools and registers one adapter per
// tool on registry. It returns the number of tools registered.
func Bridge(ctx context.Context, session *Session, registry *tools.Registry, opts BridgeOptions) (int, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	catalog, err := session.DiscoverTools(ctx)
	if err != nil {
		return 0, err
	}

	includeSet := toSet(opts.Include)
	excludeSet := toSet(opts.Exclude)

	count := 0
	for d := range catalog.All() {
		if len(includeSet) > 0 {
			if !includeSet[d.Name] {
				continue
			}
		} else if excludeSet[d.Name] {
			continue
		}

		name := d.Name
		if opts.Prefix {
			name = ToolName(session.Name(), d.Name)
		}

		if err := registry.Register(NewAdapter(session, d, name, logger)); err != nil {
			return count, fmt.Errorf("bridge %s: %w", session.Name(), err)
		}
		count++
		if opts.OnRegister != nil {
			opts.OnRegister(name, d)
		}

		logger.Debug("bridged MCP tool",
			"mcp_name", d.Name,
			"agent_name", name,
			"server", session.Name(),
		)
	}

	return count, nil
}

// ToolName builds a namespaced tool name from a server and tool name.
// Both parts are reduced to lowercase alphanumerics and underscores.
func ToolName(serverName, mcpToolName string) string {
	return fmt.Sprintf("mcp_%s_%s", sanitize(serverName), sanitize(mcpToolName))
}

// adapter turns a descriptor into an agent tool. One generic adapter
// serves every tool; behaviour is driven entirely by the descriptor.
type adapter struct {
	invoker Invoker
	desc    *ToolDescriptor
	schema  *jsonschema.Resolved
	logger  *slog.Logger
}

// NewAdapter returns a [tools.Tool] named name that validates arguments
// against d's schema and invokes d on the server.
func NewAdapter(invoker Invoker, d *ToolDescriptor, name string, logger *slog.Logger) *tools.Tool {
	if logger == nil {
		logger = slog.Default()
	}
	a := &adapter{
		invoker: invoker,
		desc:    d,
		logger:  logger.With("mcp_server", invoker.Name(), "tool", d.Name),
	}
	a.schema = a.resolveSchema()

	return &tools.Tool{
		Name:        name,
		Description: d.Description,
		Parameters:  d.InputSchema,
		Handler:     a.handle,
	}
}

// resolveSchema compiles the input schema for full validation. Schemas
// the validator cannot resolve fall back to the parameter checks alone.
func (a *adapter) resolveSchema() *jsonschema.Resolved {
	data, err := json.Marshal(a.desc.InputSchema)
	if err != nil {
		return nil
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		a.logger.Debug("input schema not decodable, using parameter checks only", "error", err)
		return nil
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		a.logger.Debug("input schema not resolvable, using parameter checks only", "error", err)
		return nil
	}
	return resolved
}

func (a *adapter) handle(ctx context.Context, args map[string]any) (string, error) {
	logger := a.logger
	if id := tools.RunIDFromContext(ctx); id != "" {
		logger = logger.With("run_id", id, "call_id", tools.CallIDFromContext(ctx))
	}

	args, err := a.validate(args)
	if err != nil {
		logger.Debug("rejected tool arguments", "error", err)
		return tools.ErrorPrefix + err.Error(), nil
	}

	resp, err := a.invoker.Invoke(ctx, a.desc.Name, args)
	switch {
	case err == nil:
	case errors.Is(err, ErrInvocationTimeout):
		logger.Warn("MCP tool timed out", "error", err)
		return tools.ErrorPrefix + err.Error(), nil
	case errors.Is(err, ErrSessionNotReady), errors.Is(err, ErrChannelClosed), errors.Is(err, ErrUnknownTool):
		return "", &tools.FatalError{Tool: a.desc.Name, Err: err}
	default:
		logger.Debug("MCP tool call failed", "error", err)
		return tools.ErrorPrefix + err.Error(), nil
	}

	if resp.IsError {
		text := resp.AllText()
		if text == "" {
			text = resp.Err().Error()
		}
		if !tools.IsErrorResult(text) {
			text = tools.ErrorPrefix + text
		}
		return text, nil
	}

	text, ok := resp.Text()
	if !ok {
		return NoResult, nil
	}
	return text, nil
}

// validate checks args against the descriptor and returns them in
// JSON-normalized form (numbers as float64, nested maps as map[string]any),
// which is what is sent on the wire.
func (a *adapter) validate(args map[string]any) (map[string]any, error) {
	invalid := func(format string, v ...any) error {
		return fmt.Errorf("%w for %s: %s", ErrInvalidArguments, a.desc.Name, fmt.Sprintf(format, v...))
	}

	if args == nil {
		args = map[string]any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, invalid("arguments are not JSON-encodable: %v", err)
	}
	var normalized map[string]any
	if err := json.Unmarshal(data, &normalized); err != nil {
		return nil, invalid("%v", err)
	}

	for _, p := range a.desc.Parameters {
		v, present := normalized[p.Name]
		if !present {
			if p.Required {
				return nil, invalid("missing required argument %q", p.Name)
			}
			continue
		}
		if v == nil && !p.Required {
			continue
		}
		if !matchesType(v, p.Type) {
			return nil, invalid("argument %q must be of type %s", p.Name, p.Type)
		}
	}

	if a.schema != nil {
		if err := a.schema.Validate(normalized); err != nil {
			return nil, invalid("%v", err)
		}
	}

	return normalized, nil
}

// matchesType reports whether a JSON-decoded value fits a schema
// primitive type. Unknown or empty types accept anything.
func matchesType(v any, typ string) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		_, ok := v.(float64)
		return ok
	case "integer":
		f, ok := v.(float64)
		return ok && f == float64(int64(f))
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	default:
		return true
	}
}

// sanitize lowercases name, maps anything outside [a-z0-9_] to an
// underscore, collapses runs of underscores and trims them from the ends.
func sanitize(name string) string {
	s := strings.ToLower(name)
	s = sanitizeRe.ReplaceAllString(s, "_")
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
