package mcp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// stopGrace is how long Close waits for a subprocess to exit on its own
// after stdin is closed before killing it.
const stopGrace = 5 * time.Second

// StdioConfig describes how to start a tool server subprocess speaking
// newline-delimited JSON-RPC on stdin/stdout.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional "KEY=VALUE" entries appended to the current
	// process environment.
	Env []string

	// Pipelining allows concurrent requests on the channel. Most stdio
	// servers handle requests sequentially, so it defaults to off.
	Pipelining bool

	Logger *slog.Logger
}

// StdioTransport owns a tool server subprocess. The process is started
// on first use and lives until Close or until it exits on its own; a
// dead subprocess is not restarted and its channel reports
// [ErrChannelClosed].
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stream *StreamTransport
	exited chan struct{}
	closed bool
}

// NewStdioTransport creates a stdio transport. The subprocess is not
// started until the first Send or Notify call.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		config: cfg,
		logger: logger,
	}
}

// channel returns the running stream, starting the subprocess if needed.
func (t *StdioTransport) channel() (*StreamTransport, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrChannelClosed
	}
	if t.stream != nil {
		return t.stream, nil
	}
	if err := t.start(); err != nil {
		return nil, err
	}
	return t.stream, nil
}

// start launches the subprocess. Its lifetime is independent of any call
// context so a timed-out request does not take the server down with it.
// Caller must hold t.mu.
func (t *StdioTransport) start() error {
	t.logger.Info("starting MCP subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return fmt.Errorf("%w: start subprocess %s: %v", ErrChannelClosed, t.config.Command, err)
	}

	logger := t.logger.With("pid", cmd.Process.Pid)

	t.cmd = cmd
	t.exited = make(chan struct{})
	t.stream = NewStreamTransport(NewConn(stdout, stdin, logger), StreamOptions{
		Pipelining: t.config.Pipelining,
		Logger:     logger,
	})

	go t.drainStderr(stderr, logger)
	go t.reap(cmd, t.stream, t.exited, logger)

	logger.Info("MCP subprocess started")
	return nil
}

// drainStderr logs the subprocess's stderr. It is not part of the protocol.
func (t *StdioTransport) drainStderr(r io.Reader, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

// reap waits for the stdout reader to finish before calling Wait, which
// closes the pipes.
func (t *StdioTransport) reap(cmd *exec.Cmd, stream *StreamTransport, exited chan struct{}, logger *slog.Logger) {
	<-stream.Done()
	err := cmd.Wait()
	close(exited)

	if err != nil {
		logger.Debug("MCP subprocess exited", "error", err)
	} else {
		logger.Debug("MCP subprocess exited")
	}
}

// Send forwards req to the subprocess and waits for its response.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	stream, err := t.channel()
	if err != nil {
		return nil, err
	}
	return stream.Send(ctx, req)
}

// Notify writes a notification to the subprocess.
func (t *StdioTransport) Notify(ctx context.Context, notif *Notification) error {
	stream, err := t.channel()
	if err != nil {
		return err
	}
	return stream.Notify(ctx, notif)
}

// Stats reports traffic on the subprocess channel.
func (t *StdioTransport) Stats() TransportStats {
	t.mu.Lock()
	stream := t.stream
	t.mu.Unlock()
	if stream == nil {
		return TransportStats{}
	}
	return stream.Stats()
}

// Close closes the channel, which closes the subprocess's stdin, and
// waits for it to exit. A subprocess still running after the grace
// period is killed.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cmd, stream, exited := t.cmd, t.stream, t.exited
	t.mu.Unlock()

	if stream == nil {
		return nil
	}

	t.logger.Info("stopping MCP subprocess", "pid", cmd.Process.Pid)
	_ = stream.Close()

	select {
	case <-exited:
	case <-time.After(stopGrace):
		t.logger.Warn("MCP subprocess did not exit gracefully, killing",
			"pid", cmd.Process.Pid,
		)
		_ = cmd.Process.Kill()
		<-exited
	}
	return nil
}
