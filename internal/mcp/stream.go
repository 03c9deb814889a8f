package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nugget/mcprelay/internal/config"
)

// TransportStats counts traffic on a transport. Values are cumulative
// for the transport's lifetime.
type TransportStats struct {
	Sent      int64 // requests written
	Received  int64 // responses delivered to a waiting caller
	Notified  int64 // notifications written
	Unmatched int64 // responses whose ID matched no outstanding request
}

type transportCounters struct {
	sent, received, notified, unmatched atomic.Int64
}

func (c *transportCounters) snapshot() TransportStats {
	return TransportStats{
		Sent:      c.sent.Load(),
		Received:  c.received.Load(),
		Notified:  c.notified.Load(),
		Unmatched: c.unmatched.Load(),
	}
}

// StreamOptions configures a [StreamTransport].
type StreamOptions struct {
	// Pipelining allows more than one request in flight. When false, a
	// one-slot semaphore serializes request/response round trips.
	Pipelining bool

	Logger *slog.Logger
}

// StreamTransport runs JSON-RPC over a [Conn]. A single reader goroutine
// routes each response to the caller waiting on its ID, so responses
// may arrive in any order.
type StreamTransport struct {
	conn   Conn
	logger *slog.Logger

	// sem is nil when pipelining is enabled.
	sem chan struct{}

	mu        sync.Mutex
	pending   map[int64]chan *Response
	abandoned map[int64]struct{}
	closed    bool
	cause     error

	done      chan struct{}
	closeOnce sync.Once
	stats     transportCounters
}

// NewStreamTransport starts reading from conn immediately.
func NewStreamTransport(conn Conn, opts StreamOptions) *StreamTransport {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	t := &StreamTransport{
		conn:      conn,
		logger:    logger,
		pending:   make(map[int64]chan *Response),
		abandoned: make(map[int64]struct{}),
		done:      make(chan struct{}),
	}
	if !opts.Pipelining {
		t.sem = make(chan struct{}, 1)
	}

	go t.readLoop()
	return t
}

// acquire takes the in-flight slot. It is a no-op when pipelining.
func (t *StreamTransport) acquire(ctx context.Context) error {
	if t.sem == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case t.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return t.closedErr()
	}
}

func (t *StreamTransport) release() {
	if t.sem == nil {
		return
	}
	<-t.sem
}

// Send writes req and waits for the response carrying the same ID.
func (t *StreamTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	if err := t.acquire(ctx); err != nil {
		return nil, err
	}
	defer t.release()

	ch := make(chan *Response, 1)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, t.closedErr()
	}
	if _, dup := t.pending[req.ID]; dup {
		t.mu.Unlock()
		return nil, fmt.Errorf("request id %d already in flight", req.ID)
	}
	t.pending[req.ID] = ch
	t.mu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		t.forget(req.ID, false)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	t.logger.Log(ctx, config.LevelTrace, "mcp send", "id", req.ID, "method", req.Method, "payload", string(data))

	if err := t.conn.Send(data); err != nil {
		t.forget(req.ID, false)
		t.shutdown(fmt.Errorf("write: %w", err))
		return nil, t.closedErr()
	}
	t.stats.sent.Add(1)

	select {
	case resp := <-ch:
		return resp, nil
	case <-t.done:
		// The reader may have delivered just before shutting down.
		select {
		case resp := <-ch:
			return resp, nil
		default:
		}
		return nil, t.closedErr()
	case <-ctx.Done():
		t.forget(req.ID, true)
		return nil, ctx.Err()
	}
}

// forget drops a pending entry. Abandoned IDs are remembered so a late
// response is recognized rather than counted as unmatched.
func (t *StreamTransport) forget(id int64, abandon bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, id)
	if abandon && !t.closed {
		t.abandoned[id] = struct{}{}
	}
}

// Notify writes a notification. Notifications bypass the in-flight
// semaphore since nothing waits for an answer.
func (t *StreamTransport) Notify(ctx context.Context, notif *Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.isClosed() {
		return t.closedErr()
	}

	data, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	t.logger.Log(ctx, config.LevelTrace, "mcp notify", "method", notif.Method, "payload", string(data))

	if err := t.conn.Send(data); err != nil {
		t.shutdown(fmt.Errorf("write: %w", err))
		return t.closedErr()
	}
	t.stats.notified.Add(1)
	return nil
}

// Close shuts the channel down. Every outstanding and future Send fails
// with [ErrChannelClosed].
func (t *StreamTransport) Close() error {
	t.shutdown(nil)
	return t.conn.Close()
}

// Done is closed once the channel has shut down for any reason.
func (t *StreamTransport) Done() <-chan struct{} { return t.done }

// Stats returns a snapshot of the traffic counters.
func (t *StreamTransport) Stats() TransportStats { return t.stats.snapshot() }

func (t *StreamTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// closedErr wraps ErrChannelClosed with the reason the channel died, if
// it died on its own.
func (t *StreamTransport) closedErr() error {
	t.mu.Lock()
	cause := t.cause
	t.mu.Unlock()
	if cause == nil {
		return ErrChannelClosed
	}
	return fmt.Errorf("%w: %v", ErrChannelClosed, cause)
}

// shutdown marks the transport closed and wakes every waiter. The first
// cause wins; nil means a local Close.
func (t *StreamTransport) shutdown(cause error) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.cause = cause
		n := len(t.pending)
		t.pending = make(map[int64]chan *Response)
		t.abandoned = nil
		t.mu.Unlock()

		close(t.done)

		if cause != nil {
			t.logger.Debug("mcp channel closed", "cause", cause, "pending", n)
		} else if n > 0 {
			t.logger.Debug("mcp channel closed with requests outstanding", "pending", n)
		}
	})
}

func (t *StreamTransport) readLoop() {
	for {
		line, err := t.conn.Receive()
		if err != nil {
			t.shutdown(fmt.Errorf("read: %w", err))
			return
		}

		t.logger.Log(context.Background(), config.LevelTrace, "mcp recv", "payload", string(line))

		var msg envelope
		if err := json.Unmarshal(line, &msg); err != nil {
			t.logger.Debug("skipping undecodable MCP message", "error", err)
			continue
		}

		switch {
		case msg.isResponse():
			t.deliver(&msg)
		case msg.isRequest():
			t.answer(&msg)
		case msg.Method != "":
			t.logger.Debug("ignoring MCP server notification", "method", msg.Method)
		default:
			t.stats.unmatched.Add(1)
			t.logger.Warn("dropping MCP message without id or method")
		}
	}
}

func (t *StreamTransport) deliver(msg *envelope) {
	id, ok := msg.numericID()

	t.mu.Lock()
	var ch chan *Response
	late := false
	if ok {
		ch = t.pending[id]
		delete(t.pending, id)
		if ch == nil {
			if _, late = t.abandoned[id]; late {
				delete(t.abandoned, id)
			}
		}
	}
	t.mu.Unlock()

	switch {
	case ch != nil:
		t.stats.received.Add(1)
		ch <- &Response{JSONRPC: msg.JSONRPC, ID: id, Result: msg.Result, Error: msg.Error}
	case late:
		t.logger.Debug("dropping late MCP response for abandoned request", "id", id)
	default:
		t.stats.unmatched.Add(1)
		t.logger.Warn("dropping MCP response with unmatched id", "id", string(msg.ID))
	}
}

// answer responds to a server-initiated request. Only ping is supported;
// everything else gets method-not-found so the server is not left waiting.
func (t *StreamTransport) answer(msg *envelope) {
	r := reply{JSONRPC: jsonrpcVersion, ID: msg.ID}
	if msg.Method == "ping" {
		r.Result = struct{}{}
	} else {
		t.logger.Debug("rejecting MCP server request", "method", msg.Method)
		r.Error = &RPCError{Code: codeMethodNotFound, Message: "method not supported by client: " + msg.Method}
	}

	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := t.conn.Send(data); err != nil {
		t.shutdown(fmt.Errorf("write: %w", err))
	}
}
