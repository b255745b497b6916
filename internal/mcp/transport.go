package mcp

import "context"

// Transport is the byte-stream channel carrying protocol frames to and
// from one MCP server. A frame is one encoded JSON-RPC message (or
// batch); framing, process/connection management, and session affinity
// live here, while message semantics live in the Client.
//
// Implementations: StdioTransport (subprocess pipes, newline-delimited)
// and HTTPTransport (POST exchanges plus an optional push channel).
type Transport interface {
	// Connect establishes the channel. Calling Connect again while
	// connected is an error; after Close the transport is spent.
	Connect(ctx context.Context) error

	// Send writes exactly one frame. Returns a *ConnectionError if the
	// transport is not connected or the underlying I/O fails.
	Send(ctx context.Context, frame []byte) error

	// Receive blocks until one complete frame is available. It returns
	// an error wrapping io.EOF on orderly close and a *ConnectionError
	// on I/O failure.
	Receive(ctx context.Context) ([]byte, error)

	// Close tears the channel down, best effort. Local resources are
	// always released (pipes closed, subprocess reaped); it is safe to
	// call in any state and safe to call twice.
	Close() error

	// Connected is a point-in-time liveness check. It is advisory only:
	// a concurrent close can invalidate the answer immediately.
	Connected() bool
}
