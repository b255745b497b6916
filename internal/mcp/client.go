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

	"github.com/corey-rosamond/code-forge/internal/buildinfo"
	"github.com/corey-rosamond/code-forge/internal/config"
	"github.com/corey-rosamond/code-forge/internal/jsonrpc"
)

// ProtocolVersion is the MCP protocol version we advertise during
// initialization. MCP versions are date strings; the year acts as the
// major component for compatibility checks.
const ProtocolVersion = "2025-03-26"

// DefaultCallTimeout bounds a call when the caller's context carries no
// deadline of its own.
const DefaultCallTimeout = 30 * time.Second

// State is a connection lifecycle state.
type State int32

// Lifecycle: Unconnected → Connecting → Handshaking → Ready → Closing →
// Closed. Failed is terminal and reachable from any non-terminal state.
const (
	StateUnconnected State = iota
	StateConnecting
	StateHandshaking
	StateReady
	StateClosing
	StateClosed
	StateFailed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ToolDefinition is an MCP tool as returned by tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ResourceDefinition is an MCP resource as returned by resources/list.
type ResourceDefinition struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// PromptDefinition is an MCP prompt as returned by prompts/list.
type PromptDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ContentBlock is a single content item in a tools/call response.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CallToolResult is the result payload of a tools/call response.
type CallToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// Text joins all text content blocks into a single string. Non-text
// blocks are represented as inline markers.
func (r *CallToolResult) Text() string {
	var parts []string
	for _, b := range r.Content {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image":
			parts = append(parts, "[image]")
		case "resource":
			parts = append(parts, "[resource]")
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}

// Capabilities is the boolean capability set a server advertises at
// handshake time.
type Capabilities struct {
	Tools     bool
	Resources bool
	Prompts   bool
	Logging   bool
}

// ServerInfo is the immutable handshake snapshot: who we are talking
// to, which protocol version it speaks, and what it can do. Read-only
// once the client is Ready.
type ServerInfo struct {
	Name            string
	Version         string
	ProtocolVersion string
	Capabilities    Capabilities
}

// wire shapes for the initialize exchange.
type initializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
	Capabilities struct {
		Tools     json.RawMessage `json:"tools,omitempty"`
		Resources json.RawMessage `json:"resources,omitempty"`
		Prompts   json.RawMessage `json:"prompts,omitempty"`
		Logging   json.RawMessage `json:"logging,omitempty"`
	} `json:"capabilities"`
}

type toolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

type resourcesListResult struct {
	Resources []ResourceDefinition `json:"resources"`
}

type promptsListResult struct {
	Prompts []PromptDefinition `json:"prompts"`
}

// NotificationHandler is invoked for a matching server notification.
// Handlers run on the receive loop, in wire-arrival order; they must
// not block.
type NotificationHandler func(method string, params json.RawMessage)

// RequestHandler answers a server-initiated request (e.g. a sampling
// request). Return a result or a protocol error; the client sends the
// response.
type RequestHandler func(ctx context.Context, method string, params json.RawMessage) (any, *jsonrpc.Error)

// ClientConfig configures a Client.
type ClientConfig struct {
	// Name identifies the server in logs and tool namespacing.
	Name string

	// Transport delivers frames (stdio or HTTP).
	Transport Transport

	// Logger is the structured logger; child loggers are scoped with
	// the server name.
	Logger *slog.Logger

	// CallTimeout bounds calls whose context has no deadline.
	// Zero means DefaultCallTimeout.
	CallTimeout time.Duration
}

// Client speaks the MCP protocol to a single server over one Transport.
// A background receive loop demultiplexes the inbound frame stream:
// responses are matched to pending calls by correlation id, so multiple
// callers can pipeline requests on the one ordered wire and be resolved
// in any response order.
type Client struct {
	name        string
	transport   Transport
	logger      *slog.Logger
	callTimeout time.Duration

	nextID atomic.Int64

	stateMu sync.Mutex
	state   State

	pendingMu sync.Mutex
	pending   map[jsonrpc.ID]chan *jsonrpc.Response

	handlerMu      sync.RWMutex
	notifHandlers  map[string][]NotificationHandler
	requestHandler RequestHandler

	infoMu sync.RWMutex
	info   ServerInfo

	toolsMu sync.Mutex
	tools   []ToolDefinition

	// done closes exactly once when the connection dies; every pending
	// call observes it and fails with *ConnectionClosedError.
	done        chan struct{}
	shutdownOne sync.Once
	closeReason string
}

// NewClient creates an MCP client for the given server. Connect must be
// called before any protocol operation.
func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Client{
		name:          cfg.Name,
		transport:     cfg.Transport,
		logger:        logger.With("mcp_server", cfg.Name),
		callTimeout:   timeout,
		state:         StateUnconnected,
		pending:       make(map[jsonrpc.ID]chan *jsonrpc.Response),
		notifHandlers: make(map[string][]NotificationHandler),
		done:          make(chan struct{}),
	}
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.name }

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// Info returns the handshake snapshot. Zero value until Ready.
func (c *Client) Info() ServerInfo {
	c.infoMu.RLock()
	defer c.infoMu.RUnlock()
	return c.info
}

// OnNotification registers a handler for a notification method.
// Registration must happen before Connect to guarantee no notification
// is missed.
func (c *Client) OnNotification(method string, h NotificationHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.notifHandlers[method] = append(c.notifHandlers[method], h)
}

// SetRequestHandler registers the handler for server-initiated
// requests. Without one, such requests are answered with
// "method not found".
func (c *Client) SetRequestHandler(h RequestHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.requestHandler = h
}

// Connect drives the transport connection and the MCP handshake:
// initialize, version compatibility check, then the initialized
// notification. On any failure the transport is closed — a connection
// is never left half-open — and the client lands in Failed.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transition(StateUnconnected, StateConnecting); err != nil {
		return err
	}

	if err := c.transport.Connect(ctx); err != nil {
		c.shutdown(fmt.Sprintf("connect: %v", err), StateFailed)
		return err
	}

	c.setState(StateHandshaking)
	go c.readLoop()

	if err := c.handshake(ctx); err != nil {
		c.shutdown(fmt.Sprintf("handshake: %v", err), StateFailed)
		c.transport.Close()
		return err
	}

	c.setState(StateReady)
	return nil
}

func (c *Client) handshake(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "forge",
			"version": buildinfo.Version,
		},
	}

	raw, err := c.call(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("unmarshal initialize result: %w", err)
	}

	if !versionCompatible(ProtocolVersion, result.ProtocolVersion) {
		return &IncompatibleVersionError{Client: ProtocolVersion, Server: result.ProtocolVersion}
	}

	c.infoMu.Lock()
	c.info = ServerInfo{
		Name:            result.ServerInfo.Name,
		Version:         result.ServerInfo.Version,
		ProtocolVersion: result.ProtocolVersion,
		Capabilities: Capabilities{
			Tools:     result.Capabilities.Tools != nil,
			Resources: result.Capabilities.Resources != nil,
			Prompts:   result.Capabilities.Prompts != nil,
			Logging:   result.Capabilities.Logging != nil,
		},
	}
	c.infoMu.Unlock()

	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)

	// The initialized notification completes the handshake.
	if err := c.Notify(ctx, "notifications/initialized", nil); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}
	return nil
}

// versionCompatible checks the major component of two MCP protocol
// version strings (the year of the YYYY-MM-DD form).
func versionCompatible(client, server string) bool {
	if server == "" {
		return false
	}
	major := func(v string) string {
		if i := strings.IndexByte(v, '-'); i >= 0 {
			return v[:i]
		}
		return v
	}
	return major(client) == major(server)
}

// Call issues a request and suspends the caller until its response
// arrives, its deadline elapses, or the connection dies. Concurrent
// calls pipeline freely; responses are matched by correlation id, not
// arrival order.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if s := c.State(); s != StateReady {
		return nil, &ConnectionError{Op: "send", Err: fmt.Errorf("client is %s, not ready", s)}
	}
	return c.call(ctx, method, params)
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := jsonrpc.IntID(c.nextID.Add(1))

	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}
		raw = data
	}

	frame, err := jsonrpc.Encode(&jsonrpc.Request{ID: id, Method: method, Params: raw})
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}

	// Register before sending so a fast response cannot miss its slot.
	ch := make(chan *jsonrpc.Response, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	removePending := func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}

	c.traceFrame("send", frame)
	if err := c.transport.Send(ctx, frame); err != nil {
		removePending()
		return nil, err
	}

	start := time.Now()
	var timeoutCh <-chan time.Time
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		timer := time.NewTimer(c.callTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case resp := <-ch:
		if resp.Err != nil {
			return nil, resp.Err
		}
		return resp.Result, nil

	case <-timeoutCh:
		removePending()
		return nil, &TimeoutError{Method: method, Elapsed: time.Since(start)}

	case <-ctx.Done():
		removePending()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{Method: method, Elapsed: time.Since(start)}
		}
		return nil, ctx.Err()

	case <-c.done:
		return nil, &ConnectionClosedError{Reason: c.closeReason}
	}
}

// Notify sends a fire-and-forget notification.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal %s params: %w", method, err)
		}
		raw = data
	}
	frame, err := jsonrpc.Encode(&jsonrpc.Notification{Method: method, Params: raw})
	if err != nil {
		return fmt.Errorf("encode %s notification: %w", method, err)
	}
	c.traceFrame("send", frame)
	return c.transport.Send(ctx, frame)
}

// readLoop is the one goroutine that demultiplexes the inbound stream
// for this connection. It runs from handshake until transport EOF or
// error, at which point it flushes every pending call.
func (c *Client) readLoop() {
	for {
		frame, err := c.transport.Receive(context.Background())
		if err != nil {
			select {
			case <-c.done:
				// Shutdown already in progress; nothing to report.
			default:
				c.logger.Info("MCP receive loop ended", "error", err)
				c.shutdown(err.Error(), StateFailed)
			}
			return
		}

		c.traceFrame("recv", frame)
		msgs, err := jsonrpc.Decode(frame)
		if err != nil {
			c.logger.Error("undecodable frame from MCP server", "error", err)
			c.shutdown(fmt.Sprintf("protocol violation: %v", err), StateFailed)
			c.transport.Close()
			return
		}

		for _, msg := range msgs {
			switch m := msg.(type) {
			case *jsonrpc.Response:
				c.resolve(m)
			case *jsonrpc.Notification:
				c.dispatchNotification(m)
			case *jsonrpc.Request:
				c.handleServerRequest(m)
			}
		}
	}
}

// resolve hands a response to the caller waiting on its id. A response
// with no pending entry is a protocol violation by the server; it is
// logged and dropped without harming the connection.
func (c *Client) resolve(resp *jsonrpc.Response) {
	c.pendingMu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Warn("dropping response with unknown id", "id", resp.ID.String())
		return
	}
	ch <- resp
}

func (c *Client) dispatchNotification(n *jsonrpc.Notification) {
	// A list_changed invalidates our cache before any handler runs, so
	// handlers re-fetching through this client see fresh data.
	if n.Method == "notifications/tools/list_changed" {
		c.InvalidateTools()
	}

	c.handlerMu.RLock()
	handlers := c.notifHandlers[n.Method]
	c.handlerMu.RUnlock()

	if len(handlers) == 0 {
		c.logger.Debug("unhandled MCP notification", "method", n.Method)
		return
	}
	for _, h := range handlers {
		h(n.Method, n.Params)
	}
}

// handleServerRequest answers a server-initiated request on the wire.
func (c *Client) handleServerRequest(req *jsonrpc.Request) {
	c.handlerMu.RLock()
	handler := c.requestHandler
	c.handlerMu.RUnlock()

	resp := &jsonrpc.Response{ID: req.ID}
	if handler == nil {
		resp.Err = &jsonrpc.Error{
			Code:    jsonrpc.CodeMethodNotFound,
			Message: fmt.Sprintf("method %q not supported by this client", req.Method),
		}
	} else {
		result, rpcErr := handler(context.Background(), req.Method, req.Params)
		if rpcErr != nil {
			resp.Err = rpcErr
		} else {
			data, err := json.Marshal(result)
			if err != nil {
				resp.Err = &jsonrpc.Error{Code: jsonrpc.CodeInternalError, Message: err.Error()}
			} else {
				resp.Result = data
			}
		}
	}

	frame, err := jsonrpc.Encode(resp)
	if err != nil {
		c.logger.Error("encode response to server request", "method", req.Method, "error", err)
		return
	}
	c.traceFrame("send", frame)
	if err := c.transport.Send(context.Background(), frame); err != nil {
		c.logger.Warn("send response to server request", "method", req.Method, "error", err)
	}
}

// traceFrame dumps a raw wire frame at trace level. The Enabled check
// keeps the byte-to-string copy off the normal path.
func (c *Client) traceFrame(dir string, frame []byte) {
	ctx := context.Background()
	if c.logger.Enabled(ctx, config.LevelTrace) {
		c.logger.Log(ctx, config.LevelTrace, "wire frame", "dir", dir, "frame", string(frame))
	}
}

// ListTools calls tools/list. Results are cached until the server
// reports a change or InvalidateTools is called.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	c.toolsMu.Lock()
	if c.tools != nil {
		defer c.toolsMu.Unlock()
		return c.tools, nil
	}
	c.toolsMu.Unlock()

	raw, err := c.Call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	var result toolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/list result: %w", err)
	}

	c.toolsMu.Lock()
	c.tools = result.Tools
	c.toolsMu.Unlock()

	c.logger.Info("discovered MCP tools", "count", len(result.Tools))
	return result.Tools, nil
}

// InvalidateTools drops the cached tool list so the next ListTools
// re-fetches from the server.
func (c *Client) InvalidateTools() {
	c.toolsMu.Lock()
	c.tools = nil
	c.toolsMu.Unlock()
}

// ListResources calls resources/list.
func (c *Client) ListResources(ctx context.Context) ([]ResourceDefinition, error) {
	raw, err := c.Call(ctx, "resources/list", nil)
	if err != nil {
		return nil, fmt.Errorf("resources/list: %w", err)
	}
	var result resourcesListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal resources/list result: %w", err)
	}
	return result.Resources, nil
}

// ListPrompts calls prompts/list.
func (c *Client) ListPrompts(ctx context.Context) ([]PromptDefinition, error) {
	raw, err := c.Call(ctx, "prompts/list", nil)
	if err != nil {
		return nil, fmt.Errorf("prompts/list: %w", err)
	}
	var result promptsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal prompts/list result: %w", err)
	}
	return result.Prompts, nil
}

// CallTool invokes a tool by its remote name with the given arguments.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}
	raw, err := c.Call(ctx, "tools/call", params)
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}
	var result CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/call result: %w", err)
	}
	return &result, nil
}

// Ping checks whether the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Call(ctx, "ping", nil)
	return err
}

// Close shuts the connection down. Every call still pending fails with
// a *ConnectionClosedError; none is left unresolved. Safe to call in
// any state and safe to call twice.
func (c *Client) Close() error {
	c.stateMu.Lock()
	switch c.state {
	case StateClosed, StateClosing, StateFailed:
		// Already dead or dying; make sure the transport is too.
		c.stateMu.Unlock()
		return c.transport.Close()
	}
	c.state = StateClosing
	c.stateMu.Unlock()

	c.logger.Info("closing MCP client")
	err := c.transport.Close()
	c.shutdown("client closed", StateClosed)
	return err
}

// shutdown performs the one-time death of the connection: records the
// reason, moves to the final state, and fans the closure out to every
// pending call.
func (c *Client) shutdown(reason string, final State) {
	c.shutdownOne.Do(func() {
		c.closeReason = reason
		c.setState(final)

		// Flush the pending table. Callers are woken via done; entries
		// are removed so a late response cannot resolve a dead call.
		c.pendingMu.Lock()
		n := len(c.pending)
		c.pending = make(map[jsonrpc.ID]chan *jsonrpc.Response)
		c.pendingMu.Unlock()

		close(c.done)

		if n > 0 {
			c.logger.Warn("connection closed with calls outstanding", "count", n, "reason", reason)
		}
	})
}

func (c *Client) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

func (c *Client) transition(from, to State) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state != from {
		return &ConnectionError{Op: "connect", Err: fmt.Errorf("client is %s, want %s", c.state, from)}
	}
	c.state = to
	return nil
}
