package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/corey-rosamond/code-forge/internal/calllog"
	"github.com/corey-rosamond/code-forge/internal/config"
	"github.com/corey-rosamond/code-forge/internal/connwatch"
)

// connectLimit caps how many servers are dialed concurrently by
// ConnectAll.
const connectLimit = 4

// DefaultReconnectInterval is the minimum pause between explicit
// reconnect attempts for one server.
const DefaultReconnectInterval = 30 * time.Second

// AggregatedTool is one entry of the manager's namespaced tool view.
type AggregatedTool struct {
	// LocalName is "<server>__<tool>".
	LocalName string

	// Server is the owning connection's configured name.
	Server string

	// RemoteName is the tool's name on that server.
	RemoteName string

	Definition ToolDefinition
}

// ConnectionStatus is a point-in-time snapshot of one managed
// connection, suitable for status output.
type ConnectionStatus struct {
	Name      string
	Transport string
	State     State
	Err       error
	Info      ServerInfo
	ToolCount int
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Servers is the list of MCP servers to manage, from configuration.
	Servers []config.MCPServerConfig

	// Logger is the structured logger.
	Logger *slog.Logger

	// CallTimeout is passed through to each client.
	CallTimeout time.Duration

	// CallLog, when non-nil, receives an audit record for every remote
	// tool invocation.
	CallLog *calllog.Store

	// ReconnectInterval rate-limits explicit reconnects per server.
	// Zero means DefaultReconnectInterval.
	ReconnectInterval time.Duration
}

// connection pairs a server's configuration with its current client.
// The client is replaced wholesale on reconnect; a dead client is never
// revived in place.
type connection struct {
	cfg config.MCPServerConfig

	mu          sync.Mutex
	client      *Client
	lastErr     error
	lastAttempt time.Time
}

// Manager owns one named Client per configured MCP server. It isolates
// per-server failures, aggregates the Ready connections' tools into a
// single namespaced view, and reacts to server-side tool list changes.
type Manager struct {
	logger       *slog.Logger
	callTimeout  time.Duration
	callLog      *calllog.Store
	reconnectMin time.Duration
	order        []string
	conns        map[string]*connection

	// newTransport builds a transport for a server config. Tests swap in
	// fakes here.
	newTransport func(config.MCPServerConfig) (Transport, error)

	// toolIndex is replaced wholesale under toolsMu (rebuild-then-swap)
	// so readers never observe a partially rebuilt namespace.
	toolsMu   sync.RWMutex
	toolIndex map[string]AggregatedTool
}

// NewManager creates a manager for the configured servers. Nothing is
// dialed until ConnectAll or Reconnect.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reconnectMin := cfg.ReconnectInterval
	if reconnectMin <= 0 {
		reconnectMin = DefaultReconnectInterval
	}

	m := &Manager{
		logger:       logger,
		callTimeout:  cfg.CallTimeout,
		callLog:      cfg.CallLog,
		reconnectMin: reconnectMin,
		conns:        make(map[string]*connection, len(cfg.Servers)),
		toolIndex:    make(map[string]AggregatedTool),
	}
	m.newTransport = m.buildTransport
	for _, sc := range cfg.Servers {
		m.order = append(m.order, sc.Name)
		m.conns[sc.Name] = &connection{cfg: sc}
	}
	return m
}

// ToolName builds the namespaced local name for a remote tool. The
// server component is reduced to its namespace key (see
// [config.ServerKey]) so the "__" separator stays unambiguous.
func ToolName(serverName, remoteName string) string {
	return config.ServerKey(serverName) + "__" + remoteName
}

// buildTransport constructs the transport a server's config calls for.
func (m *Manager) buildTransport(sc config.MCPServerConfig) (Transport, error) {
	switch sc.Transport {
	case config.TransportStdio:
		return NewStdioTransport(StdioConfig{
			Command: sc.Command,
			Args:    sc.Args,
			Env:     sc.Env,
			Logger:  m.logger,
		}), nil
	case config.TransportHTTP:
		return NewHTTPTransport(HTTPConfig{
			URL:       sc.URL,
			EventsURL: sc.EventsURL,
			Headers:   sc.Headers,
			Logger:    m.logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown transport %q for server %q", sc.Transport, sc.Name)
	}
}

// ConnectAll dials every configured server concurrently. A server that
// fails to connect is recorded as unavailable and skipped; the others
// proceed, so one bad server never fails the manager as a whole.
func (m *Manager) ConnectAll(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(connectLimit)

	for _, name := range m.order {
		conn := m.conns[name]
		g.Go(func() error {
			if err := m.connect(gctx, conn); err != nil {
				m.logger.Error("MCP server connection failed",
					"server", conn.cfg.Name,
					"error", err,
				)
			}
			return nil
		})
	}
	g.Wait()

	m.rebuildToolIndex(ctx)
}

// connect establishes one connection and warms its tool cache. Caller
// failures are recorded on the connection.
func (m *Manager) connect(ctx context.Context, conn *connection) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.lastAttempt = time.Now()

	transport, err := m.newTransport(conn.cfg)
	if err != nil {
		conn.lastErr = err
		return err
	}

	client := NewClient(ClientConfig{
		Name:        conn.cfg.Name,
		Transport:   transport,
		Logger:      m.logger,
		CallTimeout: m.callTimeout,
	})

	// Register before Connect so no early notification is missed.
	serverName := conn.cfg.Name
	client.OnNotification("notifications/tools/list_changed", func(string, json.RawMessage) {
		// Handlers run on the receive loop and must not block; the
		// re-fetch happens on its own goroutine, one per notification.
		go m.refreshServer(serverName)
	})

	if err := client.Connect(ctx); err != nil {
		conn.lastErr = err
		return err
	}

	if _, err := client.ListTools(ctx); err != nil {
		client.Close()
		conn.lastErr = err
		return err
	}

	conn.client = client
	conn.lastErr = nil
	m.logger.Info("MCP server connected", "server", conn.cfg.Name)
	return nil
}

// refreshServer re-fetches one server's tool list and republishes the
// aggregated view. Called when that server reports a list change.
func (m *Manager) refreshServer(name string) {
	conn, ok := m.conns[name]
	if !ok {
		return
	}

	conn.mu.Lock()
	client := conn.client
	conn.mu.Unlock()
	if client == nil || client.State() != StateReady {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// The client dropped its cache when the notification arrived, so
	// this is exactly one re-fetch from the server.
	if _, err := client.ListTools(ctx); err != nil {
		m.logger.Warn("re-fetch of changed tool list failed", "server", name, "error", err)
		return
	}

	m.rebuildToolIndex(ctx)
	m.logger.Info("MCP tool list refreshed", "server", name)
}

// rebuildToolIndex constructs a fresh namespaced view from every Ready
// connection and swaps it in atomically.
func (m *Manager) rebuildToolIndex(ctx context.Context) {
	index := make(map[string]AggregatedTool)

	for _, name := range m.order {
		conn := m.conns[name]
		conn.mu.Lock()
		client := conn.client
		conn.mu.Unlock()
		if client == nil || client.State() != StateReady {
			continue
		}

		tools, err := client.ListTools(ctx)
		if err != nil {
			m.logger.Warn("listing tools during index rebuild", "server", name, "error", err)
			continue
		}

		for _, td := range tools {
			local := ToolName(name, td.Name)
			index[local] = AggregatedTool{
				LocalName:  local,
				Server:     name,
				RemoteName: td.Name,
				Definition: td,
			}
		}
	}

	m.toolsMu.Lock()
	m.toolIndex = index
	m.toolsMu.Unlock()
}

// Tools returns the aggregated namespaced tool view, sorted by local
// name. The returned slice is a snapshot; it never mutates underneath
// the caller.
func (m *Manager) Tools() []AggregatedTool {
	m.toolsMu.RLock()
	index := m.toolIndex
	m.toolsMu.RUnlock()

	out := make([]AggregatedTool, 0, len(index))
	for _, t := range index {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalName < out[j].LocalName })
	return out
}

// Lookup resolves a namespaced local name.
func (m *Manager) Lookup(localName string) (AggregatedTool, bool) {
	m.toolsMu.RLock()
	defer m.toolsMu.RUnlock()
	t, ok := m.toolIndex[localName]
	return t, ok
}

// CallTool resolves a namespaced tool name and forwards the invocation
// to the owning connection. A name that resolves to no Ready connection
// yields a *ToolNotFoundError.
func (m *Manager) CallTool(ctx context.Context, localName string, args map[string]any) (*CallToolResult, error) {
	tool, ok := m.Lookup(localName)
	if !ok {
		return nil, &ToolNotFoundError{Name: localName}
	}

	conn := m.conns[tool.Server]
	conn.mu.Lock()
	client := conn.client
	conn.mu.Unlock()
	if client == nil || client.State() != StateReady {
		return nil, &ToolNotFoundError{Name: localName}
	}

	start := time.Now()
	result, err := client.CallTool(ctx, tool.RemoteName, args)
	m.audit(tool, time.Since(start), result, err)
	return result, err
}

// audit records one invocation in the call log, when one is configured.
func (m *Manager) audit(tool AggregatedTool, elapsed time.Duration, result *CallToolResult, callErr error) {
	if m.callLog == nil {
		return
	}

	rec := calllog.Record{
		Server:    tool.Server,
		Tool:      tool.RemoteName,
		LocalName: tool.LocalName,
		Duration:  elapsed,
	}
	switch {
	case callErr != nil:
		rec.IsError = true
		rec.Detail = callErr.Error()
	case result != nil:
		rec.IsError = result.IsError
		rec.Detail = result.Text()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.callLog.Record(ctx, rec); err != nil {
		m.logger.Warn("recording tool call audit", "tool", tool.LocalName, "error", err)
	}
}

// Reconnect tears down and re-dials one server. Attempts are
// rate-limited per server; reconnection is always explicit — a Failed
// connection is never retried behind the caller's back.
func (m *Manager) Reconnect(ctx context.Context, name string) error {
	conn, ok := m.conns[name]
	if !ok {
		return fmt.Errorf("unknown MCP server %q", name)
	}

	conn.mu.Lock()
	if since := time.Since(conn.lastAttempt); since < m.reconnectMin {
		conn.mu.Unlock()
		return fmt.Errorf("reconnect to %q rate-limited (last attempt %s ago)", name, since.Truncate(time.Second))
	}
	if conn.client != nil {
		conn.client.Close()
		conn.client = nil
	}
	conn.mu.Unlock()

	err := m.connect(ctx, conn)
	m.rebuildToolIndex(ctx)
	return err
}

// Watch registers a health watcher per connected server on the given
// connwatch manager. A server that recovers gets its tool list
// re-synced; one that goes down has its tools dropped from the
// aggregated view.
func (m *Manager) Watch(ctx context.Context, cm *connwatch.Manager) {
	for _, name := range m.order {
		conn := m.conns[name]
		conn.mu.Lock()
		client := conn.client
		conn.mu.Unlock()
		if client == nil {
			continue
		}

		serverName := name
		cm.Watch(ctx, connwatch.WatcherConfig{
			Name: "mcp-" + serverName,
			Probe: func(pCtx context.Context) error {
				conn := m.conns[serverName]
				conn.mu.Lock()
				c := conn.client
				conn.mu.Unlock()
				if c == nil || c.State() != StateReady {
					return &ConnectionClosedError{Reason: "no ready client"}
				}
				return c.Ping(pCtx)
			},
			Schedule: connwatch.DefaultSchedule(),
			OnReady:  func() { m.refreshServer(serverName) },
			OnDown: func(err error) {
				m.logger.Warn("MCP server unreachable", "server", serverName, "error", err)
				rctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				m.rebuildToolIndex(rctx)
			},
			Logger: m.logger,
		})
	}
}

// Status reports every managed connection in configuration order.
func (m *Manager) Status() []ConnectionStatus {
	out := make([]ConnectionStatus, 0, len(m.order))

	m.toolsMu.RLock()
	index := m.toolIndex
	m.toolsMu.RUnlock()
	counts := make(map[string]int)
	for _, t := range index {
		counts[t.Server]++
	}

	for _, name := range m.order {
		conn := m.conns[name]
		conn.mu.Lock()
		st := ConnectionStatus{
			Name:      name,
			Transport: conn.cfg.Transport,
			State:     StateUnconnected,
			Err:       conn.lastErr,
			ToolCount: counts[name],
		}
		if conn.client != nil {
			st.State = conn.client.State()
			st.Info = conn.client.Info()
		}
		conn.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// DisconnectAll tears down every connection. Safe to call whatever
// state each connection is in; used at process shutdown.
func (m *Manager) DisconnectAll() {
	for _, name := range m.order {
		conn := m.conns[name]
		conn.mu.Lock()
		if conn.client != nil {
			if err := conn.client.Close(); err != nil {
				m.logger.Warn("closing MCP connection", "server", name, "error", err)
			}
			conn.client = nil
		}
		conn.mu.Unlock()
	}

	m.toolsMu.Lock()
	m.toolIndex = make(map[string]AggregatedTool)
	m.toolsMu.Unlock()
}
