package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/corey-rosamond/code-forge/internal/config"
	"github.com/corey-rosamond/code-forge/internal/jsonrpc"
)

// fakeServer scripts the MCP side of a fake transport: handshake,
// tools/list, tools/call, ping.
type fakeServer struct {
	mu        sync.Mutex
	tools     []map[string]any
	listCalls int
}

func (s *fakeServer) setTools(names ...string) {
	var tools []map[string]any
	for _, n := range names {
		tools = append(tools, map[string]any{
			"name":        n,
			"description": "fake tool " + n,
			"inputSchema": map[string]any{"type": "object"},
		})
	}
	s.mu.Lock()
	s.tools = tools
	s.mu.Unlock()
}

func (s *fakeServer) listCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls
}

func (s *fakeServer) handle(tr *fakeTransport, req *jsonrpc.Request) {
	switch req.Method {
	case "tools/list":
		s.mu.Lock()
		s.listCalls++
		tools := s.tools
		s.mu.Unlock()
		tr.respond(req.ID, map[string]any{"tools": tools})
	case "tools/call":
		var p struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			panic(err)
		}
		text := "called " + p.Name
		if v, ok := p.Arguments["text"].(string); ok {
			text = v
		}
		tr.respond(req.ID, map[string]any{
			"content": []map[string]any{{"type": "text", "text": text}},
		})
	case "ping":
		tr.respond(req.ID, map[string]any{})
	default:
		tr.respond(req.ID, map[string]any{})
	}
}

// fakeManager builds a manager whose transports are in-memory fakes.
// servers maps server name to its scripted tool list; a nil entry makes
// that server refuse to connect.
func fakeManager(t *testing.T, names []string, servers map[string]*fakeServer) (*Manager, map[string]*fakeTransport) {
	t.Helper()

	var configs []config.MCPServerConfig
	for _, name := range names {
		configs = append(configs, config.MCPServerConfig{
			Name:      name,
			Transport: config.TransportStdio,
			Command:   "unused",
		})
	}

	m := NewManager(ManagerConfig{
		Servers:           configs,
		ReconnectInterval: time.Millisecond,
	})

	transports := make(map[string]*fakeTransport)
	var mu sync.Mutex
	m.newTransport = func(sc config.MCPServerConfig) (Transport, error) {
		srv := servers[sc.Name]
		if srv == nil {
			return nil, fmt.Errorf("server %s is configured to fail", sc.Name)
		}
		tr := newFakeTransport()
		tr.onSend = scriptHandshake(ProtocolVersion, srv.handle)
		mu.Lock()
		transports[sc.Name] = tr
		mu.Unlock()
		return tr, nil
	}

	t.Cleanup(m.DisconnectAll)
	return m, transports
}

func TestManagerConnectAllIsolation(t *testing.T) {
	alpha := &fakeServer{}
	alpha.setTools("echo")
	gamma := &fakeServer{}
	gamma.setTools("search", "fetch")

	m, _ := fakeManager(t,
		[]string{"alpha", "broken", "gamma"},
		map[string]*fakeServer{"alpha": alpha, "gamma": gamma},
	)
	m.ConnectAll(context.Background())

	statuses := m.Status()
	if len(statuses) != 3 {
		t.Fatalf("Status() returned %d entries, want 3", len(statuses))
	}
	byName := make(map[string]ConnectionStatus)
	for _, st := range statuses {
		byName[st.Name] = st
	}
	if byName["alpha"].State != StateReady {
		t.Errorf("alpha state = %v, want ready", byName["alpha"].State)
	}
	if byName["gamma"].State != StateReady {
		t.Errorf("gamma state = %v, want ready", byName["gamma"].State)
	}
	if byName["broken"].Err == nil {
		t.Error("broken server has no recorded error")
	}
	if byName["broken"].State == StateReady {
		t.Error("broken server reported ready")
	}

	// The aggregated view holds only the healthy servers' tools, sorted.
	var names []string
	for _, tool := range m.Tools() {
		names = append(names, tool.LocalName)
	}
	want := []string{"alpha__echo", "gamma__fetch", "gamma__search"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("Tools() = %v, want %v", names, want)
	}
}

func TestManagerCallToolRouting(t *testing.T) {
	a := &fakeServer{}
	a.setTools("echo")
	b := &fakeServer{}
	b.setTools("echo")

	m, _ := fakeManager(t,
		[]string{"serverA", "serverB"},
		map[string]*fakeServer{"serverA": a, "serverB": b},
	)
	m.ConnectAll(context.Background())

	// Both servers expose "echo"; the namespace keeps them apart, and
	// arguments pass through to the remote side unchanged.
	result, err := m.CallTool(context.Background(), "servera__echo", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if got := result.Text(); got != "hi" {
		t.Errorf("result = %q, want %q", got, "hi")
	}

	result, err = m.CallTool(context.Background(), "serverb__echo", nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if got := result.Text(); got != "called echo" {
		t.Errorf("result = %q, want %q", got, "called echo")
	}

	_, err = m.CallTool(context.Background(), "nosuch__tool", nil)
	var notFound *ToolNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("err = %v, want *ToolNotFoundError", err)
	}
	if notFound.Name != "nosuch__tool" {
		t.Errorf("Name = %q", notFound.Name)
	}
}

func TestManagerListChangedRefresh(t *testing.T) {
	srv := &fakeServer{}
	srv.setTools("old_tool")

	m, transports := fakeManager(t, []string{"srv"}, map[string]*fakeServer{"srv": srv})
	m.ConnectAll(context.Background())

	if _, ok := m.Lookup("srv__old_tool"); !ok {
		t.Fatal("old_tool missing from initial view")
	}
	before := srv.listCount()

	// The server grows a tool and announces the change.
	srv.setTools("old_tool", "new_tool")
	frame, err := jsonrpc.Encode(&jsonrpc.Notification{Method: "notifications/tools/list_changed"})
	if err != nil {
		t.Fatal(err)
	}
	transports["srv"].deliver(frame)

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := m.Lookup("srv__new_tool"); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("new_tool never appeared in the aggregated view")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Exactly one re-fetch serves both the handler and the index
	// rebuild; the client cache absorbs the rest.
	if got := srv.listCount(); got != before+1 {
		t.Errorf("tools/list fetched %d times after change, want %d", got, before+1)
	}
}

func TestManagerReconnect(t *testing.T) {
	srv := &fakeServer{}
	srv.setTools("echo")

	m, transports := fakeManager(t, []string{"srv"}, map[string]*fakeServer{"srv": srv})
	m.ConnectAll(context.Background())

	first := transports["srv"]
	time.Sleep(5 * time.Millisecond) // clear the tiny test rate limit

	if err := m.Reconnect(context.Background(), "srv"); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if transports["srv"] == first {
		t.Error("Reconnect did not build a fresh transport")
	}
	if _, ok := m.Lookup("srv__echo"); !ok {
		t.Error("tools missing after reconnect")
	}

	if err := m.Reconnect(context.Background(), "ghost"); err == nil {
		t.Error("Reconnect of unknown server succeeded")
	}
}

func TestManagerReconnectRateLimited(t *testing.T) {
	srv := &fakeServer{}
	srv.setTools("echo")

	m, _ := fakeManager(t, []string{"srv"}, map[string]*fakeServer{"srv": srv})
	m.reconnectMin = time.Hour
	m.ConnectAll(context.Background())

	err := m.Reconnect(context.Background(), "srv")
	if err == nil || !strings.Contains(err.Error(), "rate-limited") {
		t.Errorf("Reconnect = %v, want rate-limited error", err)
	}
}

func TestManagerDisconnectAll(t *testing.T) {
	srv := &fakeServer{}
	srv.setTools("echo")

	m, _ := fakeManager(t, []string{"srv"}, map[string]*fakeServer{"srv": srv})
	m.ConnectAll(context.Background())

	m.DisconnectAll()
	if got := len(m.Tools()); got != 0 {
		t.Errorf("Tools() has %d entries after DisconnectAll, want 0", got)
	}
	for _, st := range m.Status() {
		if st.State == StateReady {
			t.Errorf("server %s still ready after DisconnectAll", st.Name)
		}
	}

	// Idempotent, including on never-connected managers.
	m.DisconnectAll()

	_, err := m.CallTool(context.Background(), "srv__echo", nil)
	var notFound *ToolNotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("CallTool after DisconnectAll = %v, want *ToolNotFoundError", err)
	}
}

func TestToolName(t *testing.T) {
	tests := []struct {
		server, tool, want string
	}{
		{"github", "create_issue", "github__create_issue"},
		{"My-Server", "echo", "my_server__echo"},
		{"a b.c", "t", "a_b_c__t"},
		{"--edge--", "t", "edge__t"},
	}
	for _, tt := range tests {
		if got := ToolName(tt.server, tt.tool); got != tt.want {
			t.Errorf("ToolName(%q, %q) = %q, want %q", tt.server, tt.tool, got, tt.want)
		}
	}
}

// TestManagerStdioIntegration runs the manager against a real stdio
// subprocess speaking the protocol over a shell script, next to a
// server whose command does not exist. The healthy server comes up and
// publishes its tools; the broken one is marked failed without
// affecting it.
func TestManagerStdioIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns subprocesses")
	}

	// Request ids are assigned in order: initialize is 1, the warm-up
	// tools/list is 2. The initialized notification carries no id.
	script := `
read line
echo '{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":"2025-03-26","serverInfo":{"name":"sh-server","version":"0"},"capabilities":{"tools":{}}}}'
read line
read line
echo '{"jsonrpc":"2.0","id":2,"result":{"tools":[{"name":"echo","description":"","inputSchema":{"type":"object"}}]}}'
cat > /dev/null
`
	m := NewManager(ManagerConfig{
		Servers: []config.MCPServerConfig{
			{
				Name:      "shell",
				Transport: config.TransportStdio,
				Command:   "sh",
				Args:      []string{"-c", script},
			},
			{
				Name:      "missing",
				Transport: config.TransportStdio,
				Command:   "/nonexistent/forge-test-binary",
			},
		},
	})
	defer m.DisconnectAll()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m.ConnectAll(ctx)

	byName := make(map[string]ConnectionStatus)
	for _, st := range m.Status() {
		byName[st.Name] = st
	}
	if st := byName["shell"]; st.State != StateReady {
		t.Fatalf("shell state = %v (err %v), want ready", st.State, st.Err)
	}
	if got := byName["shell"].Info.Name; got != "sh-server" {
		t.Errorf("shell server info name = %q, want %q", got, "sh-server")
	}
	if st := byName["missing"]; st.State == StateReady || st.Err == nil {
		t.Errorf("missing server state = %v, err = %v; want failure", st.State, st.Err)
	}

	var names []string
	for _, tool := range m.Tools() {
		names = append(names, tool.LocalName)
	}
	if strings.Join(names, ",") != "shell__echo" {
		t.Errorf("Tools() = %v, want [shell__echo]", names)
	}
}
