package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nugget/mcprelay/internal/config"
	"github.com/nugget/mcprelay/internal/httpkit"
)

const sessionHeader = "Mcp-Session-Id"

const (
	maxHTTPBody      = 10 << 20
	httpRetryDelay   = 250 * time.Millisecond
	httpCloseTimeout = 5 * time.Second
)

// HTTPConfig configures a streamable-HTTP MCP transport.
type HTTPConfig struct {
	// URL is the MCP server endpoint.
	URL string

	// Headers are sent with every request (e.g. Authorization).
	Headers map[string]string

	Logger *slog.Logger
}

// HTTPTransport sends each JSON-RPC message as an HTTP POST. Requests
// are independent, so the transport is naturally pipelined; the
// per-call deadline comes from the request context rather than a client
// timeout.
type HTTPTransport struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.RWMutex
	sessionID string
	closed    bool

	stats transportCounters
}

// NewHTTPTransport creates an HTTP transport.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPTransport{
		url: cfg.URL,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithHeaders(cfg.Headers),
			httpkit.WithRetry(2, httpRetryDelay),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

// post sends body and returns the open response. The caller closes it.
func (t *HTTPTransport) post(ctx context.Context, body []byte) (*http.Response, error) {
	t.mu.RLock()
	closed, sid := t.closed, t.sessionID
	t.mu.RUnlock()
	if closed {
		return nil, ErrChannelClosed
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	if sid != "" {
		httpReq.Header.Set(sessionHeader, sid)
	}

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: HTTP request to %s: %v", ErrChannelClosed, t.url, err)
	}

	if sid := httpResp.Header.Get(sessionHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}
	return httpResp, nil
}

// Send posts req and decodes the response, which may arrive either as
// a JSON body or as a server-sent event stream.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	t.logger.Log(ctx, config.LevelTrace, "mcp send", "id", req.ID, "method", req.Method, "payload", string(body))

	httpResp, err := t.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)
	t.stats.sent.Add(1)

	if httpResp.StatusCode == http.StatusNotFound && t.hasSession() {
		return nil, fmt.Errorf("%w: server expired the MCP session", ErrChannelClosed)
	}
	if httpResp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 1<<20)
		return nil, fmt.Errorf("MCP server returned %d: %s", httpResp.StatusCode, errBody)
	}

	mediaType, _, _ := mime.ParseMediaType(httpResp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return t.readEventStream(ctx, httpResp.Body, req.ID)
	}

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxHTTPBody))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	t.logger.Log(ctx, config.LevelTrace, "mcp recv", "payload", string(respBody))

	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if resp.ID != req.ID {
		t.stats.unmatched.Add(1)
		return nil, fmt.Errorf("response id %d does not match request id %d", resp.ID, req.ID)
	}
	t.stats.received.Add(1)
	return &resp, nil
}

// readEventStream scans "data:" lines until the response to id arrives.
// Server notifications interleaved in the stream are skipped.
func (t *HTTPTransport) readEventStream(ctx context.Context, r io.Reader, id int64) (*Response, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var data strings.Builder
	flush := func() (*Response, bool) {
		defer data.Reset()
		if data.Len() == 0 {
			return nil, false
		}
		payload := data.String()
		t.logger.Log(ctx, config.LevelTrace, "mcp recv", "payload", payload)

		var msg envelope
		if err := json.Unmarshal([]byte(payload), &msg); err != nil || !msg.isResponse() {
			return nil, false
		}
		got, ok := msg.numericID()
		if !ok || got != id {
			t.stats.unmatched.Add(1)
			return nil, false
		}
		return &Response{JSONRPC: msg.JSONRPC, ID: got, Result: msg.Result, Error: msg.Error}, true
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if resp, ok := flush(); ok {
				t.stats.received.Add(1)
				return resp, nil
			}
			continue
		}
		if rest, ok := strings.CutPrefix(line, "data:"); ok {
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(rest, " "))
		}
	}
	if resp, ok := flush(); ok {
		t.stats.received.Add(1)
		return resp, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	return nil, fmt.Errorf("%w: event stream ended without a response to request %d", ErrChannelClosed, id)
}

// Notify posts a notification. The server answers 202 Accepted (or 200).
func (t *HTTPTransport) Notify(ctx context.Context, notif *Notification) error {
	body, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	t.logger.Log(ctx, config.LevelTrace, "mcp notify", "method", notif.Method, "payload", string(body))

	httpResp, err := t.post(ctx, body)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusAccepted {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 1<<20)
		return fmt.Errorf("MCP server returned %d for notification: %s", httpResp.StatusCode, errBody)
	}
	t.stats.notified.Add(1)
	return nil
}

// Stats returns a snapshot of the traffic counters.
func (t *HTTPTransport) Stats() TransportStats { return t.stats.snapshot() }

func (t *HTTPTransport) hasSession() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID != ""
}

// Close ends the server-side session with a DELETE when one was
// assigned. Later calls fail with [ErrChannelClosed].
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	sid := t.sessionID
	t.mu.Unlock()

	if sid == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), httpCloseTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.url, nil)
	if err != nil {
		return nil
	}
	req.Header.Set(sessionHeader, sid)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		t.logger.Debug("MCP session delete failed", "error", err)
		return nil
	}
	httpkit.DrainAndClose(resp.Body, 1024)
	return nil
}
