// Mcprelay connects a language model to MCP tool servers.
//
// It starts or connects to each configured tool server, discovers its
// tools, and runs an agent loop that lets the model call them. Answers
// go to stdout; logs go to stderr. Configuration is loaded from a YAML
// file discovered automatically (see [config.DefaultSearchPaths]); when
// none exists, the built-in tool server and a local Ollama model are used.
//
// Usage:
//
//	mcprelay ask <question>           Answer a question and print the result
//	mcprelay stream <question>        Answer a question, streaming tokens
//	mcprelay tools                    List the discovered tools
//	mcprelay call <tool> [json-args]  Invoke one tool directly
//	mcprelay version                  Print version and build information
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/mcprelay/internal/agent"
	"github.com/nugget/mcprelay/internal/buildinfo"
	"github.com/nugget/mcprelay/internal/config"
	"github.com/nugget/mcprelay/internal/llm"
	"github.com/nugget/mcprelay/internal/mcp"
	"github.com/nugget/mcprelay/internal/tools"
	"github.com/nugget/mcprelay/internal/toolserver"
	"github.com/nugget/mcprelay/internal/usage"
)

// connectTimeout bounds the handshake and discovery of each server.
const connectTimeout = 30 * time.Second

// main builds the OS-level environment and delegates to [run], keeping
// os.Exit, os.Stdout and os.Args out of the application logic.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		stop()
		os.Exit(1)
	}
}

// options are the parsed command-line flags.
type options struct {
	configPath string
	outputFmt  string
	model      string
	toolFilter []string
	exclude    []string
}

// run is the real entry point. Arguments are parsed by hand so that
// tests can call run concurrently without the flag package's globals.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case args[i] == "-model" && i+1 < len(args):
			opts.model = args[i+1]
			i++
		case args[i] == "-tools" && i+1 < len(args):
			opts.toolFilter = splitList(args[i+1])
			i++
		case args[i] == "-exclude" && i+1 < len(args):
			opts.exclude = splitList(args[i+1])
			i++
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}

	switch command {
	case "ask", "stream":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: mcprelay %s <question>", command)
		}
		return runAgent(ctx, stdout, stderr, opts, command == "stream", strings.Join(cmdArgs, " "))
	case "tools":
		return runTools(ctx, stdout, stderr, opts)
	case "call":
		if len(cmdArgs) == 0 || len(cmdArgs) > 2 {
			return fmt.Errorf("usage: mcprelay call <tool> [json-args]")
		}
		rawArgs := ""
		if len(cmdArgs) == 2 {
			rawArgs = cmdArgs[1]
		}
		return runCall(ctx, stdout, stderr, opts, cmdArgs[0], rawArgs)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "mcprelay - connect a language model to MCP tool servers")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: mcprelay [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  ask <question>           Answer a question using the discovered tools")
	fmt.Fprintln(w, "  stream <question>        Like ask, printing tokens as they arrive")
	fmt.Fprintln(w, "  tools                    List discovered tools")
	fmt.Fprintln(w, "  call <tool> [json-args]  Invoke a tool directly")
	fmt.Fprintln(w, "  version                  Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -model <name>     Override models.default")
	fmt.Fprintln(w, "  -tools a,b        Only offer these tools to the model")
	fmt.Fprintln(w, "  -exclude a,b      Never offer these tools to the model")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// runtimeEnv is everything a command needs once config is loaded and
// the tool servers are connected.
type runtimeEnv struct {
	cfg      *config.Config
	logger   *slog.Logger
	sessions []*mcp.Session
	registry *tools.Registry

	// descriptors maps registered tool names to what discovery reported.
	descriptors map[string]*mcp.ToolDescriptor
}

func (e *runtimeEnv) Close() {
	for _, s := range e.sessions {
		if err := s.Close(); err != nil {
			e.logger.Debug("MCP session close failed", "server", s.Name(), "error", err)
		}
	}
}

// setup loads configuration, builds the logger and connects every
// configured tool server.
func setup(ctx context.Context, stderr io.Writer, opts options) (*runtimeEnv, error) {
	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.model != "" {
		cfg.Models.Default = opts.model
	}

	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := newLogger(stderr, level, cfg.LogFormat)
	logger.Debug("config loaded", "path", cfgPath, "servers", len(cfg.MCP.Servers))

	env := &runtimeEnv{
		cfg:         cfg,
		logger:      logger,
		registry:    tools.NewRegistry(),
		descriptors: make(map[string]*mcp.ToolDescriptor),
	}
	env.sessions, err = connectServers(ctx, cfg.MCP.Servers, env.registry, env.descriptors, logger)
	if err != nil {
		env.Close()
		return nil, err
	}

	if len(opts.toolFilter) > 0 {
		env.registry = env.registry.FilteredCopy(opts.toolFilter)
		logger.Debug("tool filter applied", "tools", env.registry.AllToolNames())
	}
	if len(opts.exclude) > 0 {
		env.registry = env.registry.FilteredCopyExcluding(opts.exclude)
		logger.Debug("tool exclusions applied", "tools", env.registry.AllToolNames())
	}
	return env, nil
}

// connectServers starts a session per configured server and bridges its
// tools into registry, recording each tool's descriptor. A server that
// fails to connect is logged and skipped; it is an error only when every
// server fails.
func connectServers(ctx context.Context, servers []config.ServerConfig, registry *tools.Registry, descriptors map[string]*mcp.ToolDescriptor, logger *slog.Logger) ([]*mcp.Session, error) {
	var sessions []*mcp.Session
	var errs []error

	for _, sc := range servers {
		session, count, err := connectServer(ctx, sc, registry, descriptors, logger)
		if err != nil {
			logger.Error("MCP server unavailable", "server", sc.Name, "error", err)
			errs = append(errs, err)
			continue
		}
		sessions = append(sessions, session)
		logger.Info("MCP server connected", "server", sc.Name, "transport", sc.Transport, "tools", count)
	}

	if len(servers) > 0 && len(sessions) == 0 {
		return nil, fmt.Errorf("no tool server could be reached: %w", errors.Join(errs...))
	}
	return sessions, nil
}

func connectServer(ctx context.Context, sc config.ServerConfig, registry *tools.Registry, descriptors map[string]*mcp.ToolDescriptor, logger *slog.Logger) (*mcp.Session, int, error) {
	serverLogger := logger.With("mcp_server", sc.Name)

	var transport mcp.Transport
	switch sc.Transport {
	case config.TransportStdio:
		transport = mcp.NewStdioTransport(mcp.StdioConfig{
			Command:    sc.Command,
			Args:       sc.Args,
			Env:        sc.Env,
			Pipelining: sc.Pipelining,
			Logger:     serverLogger,
		})
	case config.TransportHTTP:
		transport = mcp.NewHTTPTransport(mcp.HTTPConfig{
			URL:     sc.URL,
			Headers: sc.Headers,
			Logger:  serverLogger,
		})
	case config.TransportBuiltin:
		transport = mcp.NewPipeTransport(toolserver.ServeFunc(serverLogger), mcp.StreamOptions{
			Pipelining: sc.Pipelining,
			Logger:     serverLogger,
		})
	default:
		return nil, 0, fmt.Errorf("mcp server %q: unknown transport %q", sc.Name, sc.Transport)
	}

	session := mcp.NewSession(sc.Name, transport, mcp.SessionOptions{
		CallTimeout:      sc.CallTimeout,
		HandshakeTimeout: connectTimeout,
		Logger:           logger,
	})

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := session.Initialize(connectCtx); err != nil {
		session.Close()
		return nil, 0, err
	}

	count, err := mcp.Bridge(connectCtx, session, registry, mcp.BridgeOptions{
		Prefix:  sc.Prefix,
		Include: sc.IncludeTools,
		Exclude: sc.ExcludeTools,
		OnRegister: func(name string, d *mcp.ToolDescriptor) {
			descriptors[name] = d
		},
		Logger: logger,
	})
	if err != nil {
		session.Close()
		return nil, 0, err
	}
	return session, count, nil
}

// runAgent answers one question, either all at once or streamed.
func runAgent(ctx context.Context, stdout, stderr io.Writer, opts options, stream bool, question string) error {
	env, err := setup(ctx, stderr, opts)
	if err != nil {
		return err
	}
	defer env.Close()

	ledger, err := usage.NewStore()
	if err != nil {
		return err
	}
	defer ledger.Close()

	loop := agent.NewLoop(agent.LoopConfig{
		LLM:      createLLMClient(env.cfg, env.logger),
		Tools:    env.registry,
		Model:    env.cfg.Models.Default,
		MaxTurns: env.cfg.Agent.MaxTurns,
		Parallel: env.cfg.Agent.Parallel(),
		Ledger:   ledger,
		Logger:   env.logger,
	})

	runID := uuid.NewString()
	ctx = tools.WithRunID(ctx, runID)

	if stream {
		_, err = agent.RelayTo(stdout, logToolEvents(env.logger, loop.RunStreamed(ctx, env.cfg.Agent.Instructions, question)))
		fmt.Fprintln(stdout)
	} else {
		var answer string
		answer, err = loop.Run(ctx, env.cfg.Agent.Instructions, question)
		if err == nil {
			fmt.Fprintln(stdout, answer)
		}
	}

	logUsage(ctx, env.logger, ledger, runID)
	if err != nil {
		if stream {
			return fmt.Errorf("stream: %w", err)
		}
		return fmt.Errorf("ask: %w", err)
	}
	return nil
}

// logToolEvents passes a run's events through, logging tool activity
// on the way.
func logToolEvents(logger *slog.Logger, events iter.Seq2[llm.StreamEvent, error]) iter.Seq2[llm.StreamEvent, error] {
	return func(yield func(llm.StreamEvent, error) bool) {
		for ev, err := range events {
			switch {
			case err != nil:
			case ev.Kind == llm.KindToolCallStart && ev.ToolCall != nil:
				logger.Info("tool call", "tool", ev.ToolCall.Function.Name, "args", ev.ToolCall.Function.Arguments)
			case ev.Kind == llm.KindToolCallDone && ev.ToolCall != nil:
				if ev.ToolError != "" {
					logger.Warn("tool returned an error", "tool", ev.ToolCall.Function.Name, "result", ev.ToolError)
				} else {
					logger.Debug("tool result", "tool", ev.ToolCall.Function.Name, "result", ev.ToolResult)
				}
			}
			if !yield(ev, err) {
				return
			}
		}
	}
}

func logUsage(ctx context.Context, logger *slog.Logger, ledger *usage.Store, runID string) {
	sum, err := ledger.Summary(context.WithoutCancel(ctx), runID)
	if err != nil {
		logger.Debug("usage summary unavailable", "error", err)
		return
	}
	logger.Info("run usage",
		"run_id", runID,
		"steps", sum.Steps,
		"input_tokens", sum.TotalInputTokens,
		"output_tokens", sum.TotalOutputTokens,
		"tool_calls", sum.ToolCalls,
		"tool_errors", sum.ToolErrors,
	)

	counts, err := ledger.ToolCounts(context.WithoutCancel(ctx), runID)
	if err != nil {
		logger.Debug("tool counts unavailable", "error", err)
	}
	for _, tool := range slices.Sorted(maps.Keys(counts)) {
		logger.Debug("tool usage", "run_id", runID, "tool", tool, "calls", counts[tool])
	}

	if sum.ToolErrors == 0 && sum.Fatal == 0 {
		return
	}
	invs, err := ledger.Invocations(context.WithoutCancel(ctx), runID)
	if err != nil {
		logger.Debug("invocations unavailable", "error", err)
		return
	}
	for _, inv := range invs {
		if inv.Outcome != usage.OutcomeOK {
			logger.Warn("tool call failed",
				"run_id", runID,
				"tool", inv.Tool,
				"call_id", inv.CallID,
				"outcome", inv.Outcome,
				"error", inv.Error,
			)
		}
	}
}

// toolInfo is the listing shape printed by the tools command.
type toolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

func runTools(ctx context.Context, stdout, stderr io.Writer, opts options) error {
	env, err := setup(ctx, stderr, opts)
	if err != nil {
		return err
	}
	defer env.Close()

	var list []toolInfo
	for _, t := range env.registry.Tools() {
		list = append(list, toolInfo{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}

	if opts.outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	}

	if len(list) == 0 {
		fmt.Fprintln(stdout, "No tools discovered.")
		return nil
	}
	for _, t := range list {
		fmt.Fprintf(stdout, "%s(%s)\n", t.Name, strings.Join(paramNames(env.descriptors[t.Name]), ", "))
		if t.Description != "" {
			fmt.Fprintf(stdout, "    %s\n", firstLine(t.Description))
		}
	}
	return nil
}

func runCall(ctx context.Context, stdout, stderr io.Writer, opts options, name, rawArgs string) error {
	args := map[string]any{}
	if rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return fmt.Errorf("call: arguments must be a JSON object: %w", err)
		}
	}

	env, err := setup(ctx, stderr, opts)
	if err != nil {
		return err
	}
	defer env.Close()

	out, err := env.registry.Execute(ctx, name, args)
	if err != nil {
		return fmt.Errorf("call %s: %w", name, err)
	}
	fmt.Fprintln(stdout, out)
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format ("text" or "json").
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the configuration file. With no
// explicit path and nothing on the search path, built-in defaults apply.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if errors.Is(err, config.ErrNoConfig) {
		return config.Default(), "(defaults)", nil
	}
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// createLLMClient builds a multi-provider client. Models not mapped in
// config fall through to Ollama.
func createLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	ollamaClient := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	multi := llm.NewMultiClient(ollamaClient)
	multi.AddProvider("ollama", ollamaClient)

	if cfg.Anthropic.Configured() {
		multi.AddProvider("anthropic", llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger))
		logger.Debug("Anthropic provider configured")
	}

	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}

	logger.Debug("LLM client initialized", "default_model", cfg.Models.Default, "providers", multi.Providers())
	return multi
}

// paramNames lists a tool's parameters in declaration order, marking
// required ones with a trailing "*".
func paramNames(d *mcp.ToolDescriptor) []string {
	if d == nil {
		return nil
	}
	names := make([]string, 0, len(d.Parameters))
	for _, p := range d.Parameters {
		if p.Required {
			names = append(names, p.Name+"*")
		} else {
			names = append(names, p.Name)
		}
	}
	return names
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
