// Package mcp implements MCP (Model Context Protocol) client support:
// transports, the per-server protocol client, the multi-server
// connection manager, and the bridge that exposes remote tools to the
// agent's tool registry.
//
// This file defines the typed errors callers branch on. Transport and
// decode failures mark a connection Failed and are reported to the
// manager; per-call timeouts and remote tool failures surface as
// ordinary failed results to the agent. None of these crash the process.
package mcp

import (
	"fmt"
	"time"
)

// ConnectionError reports a transport-level I/O failure: the subprocess
// could not be spawned, a pipe broke, an HTTP exchange failed. It may
// warrant an explicit reconnect at the manager level.
type ConnectionError struct {
	Op  string // "connect", "send", "receive", "close"
	Err error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("mcp transport %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ConnectionError) Unwrap() error { return e.Err }

// IncompatibleVersionError reports a handshake protocol-version
// mismatch. It is fatal for that connection and is never retried
// automatically.
type IncompatibleVersionError struct {
	Client string // version we advertised
	Server string // version the server answered with
}

// Error implements the error interface.
func (e *IncompatibleVersionError) Error() string {
	return fmt.Sprintf("incompatible MCP protocol version: client %s, server %s", e.Client, e.Server)
}

// TimeoutError reports that a single call's deadline elapsed before its
// response arrived. It is local to that caller; other pending calls on
// the same connection are unaffected.
type TimeoutError struct {
	Method  string
	Elapsed time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("mcp call %s timed out after %s", e.Method, e.Elapsed)
}

// ConnectionClosedError is delivered to every call still pending when
// its connection dies, so callers can distinguish "the server never
// answered" from "the connection went away underneath me".
type ConnectionClosedError struct {
	Reason string
}

// Error implements the error interface.
func (e *ConnectionClosedError) Error() string {
	if e.Reason == "" {
		return "mcp connection closed"
	}
	return "mcp connection closed: " + e.Reason
}

// ToolNotFoundError reports that a namespaced tool name resolves to no
// Ready connection. It is surfaced to the agent as a failed tool
// result, distinguishable from a tool that ran and errored.
type ToolNotFoundError struct {
	Name string
}

// Error implements the error interface.
func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("MCP tool %q is not available", e.Name)
}
