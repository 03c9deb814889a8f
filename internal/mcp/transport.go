package mcp

import "context"

// Transport carries JSON-RPC messages to one tool server and correlates
// responses with requests. Implementations: [StdioTransport] for
// subprocesses, [PipeTransport] for in-process servers, and
// [HTTPTransport] for streamable HTTP.
type Transport interface {
	// Send sends a request and waits for the response with the same ID.
	// A closed or broken channel yields an error wrapping
	// [ErrChannelClosed]; an expired ctx yields ctx.Err().
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify sends a notification. No response is expected.
	Notify(ctx context.Context, notif *Notification) error

	// Close shuts the channel down and releases its resources. Pending
	// Sends return [ErrChannelClosed]. Close is idempotent.
	Close() error

	// Stats reports traffic counters.
	Stats() TransportStats
}
