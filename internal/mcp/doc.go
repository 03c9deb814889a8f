// Package mcp implements the client side of the Model Context Protocol:
// it connects to tool-providing servers, discovers their tools, invokes
// them, and exposes them to the agent as ordinary tools.
//
// Messages are JSON-RPC 2.0. Three transports carry them: a subprocess
// speaking newline-delimited JSON on stdin/stdout ([StdioTransport]), an
// in-process server joined by pipes ([PipeTransport]), and streamable
// HTTP ([HTTPTransport]). The stream-based transports share one reader
// goroutine per channel that routes responses to callers by request ID,
// so responses may arrive out of order.
//
// A [Session] moves through created, handshaken, active and closed. The
// handshake happens once; discovery builds an immutable [Catalog];
// invocation is only possible while active. [Bridge] wraps each
// discovered tool in a generic adapter that validates arguments against
// the tool's input schema before anything is sent.
package mcp
