package mcp

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/corey-rosamond/code-forge/internal/tools"
)

// stubCaller is a canned ToolCaller for bridge tests.
type stubCaller struct {
	mu     sync.Mutex
	view   []AggregatedTool
	called []string
	result *CallToolResult
	err    error
}

func (s *stubCaller) Tools() []AggregatedTool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

func (s *stubCaller) CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	s.mu.Lock()
	s.called = append(s.called, name)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if s.result != nil {
		return s.result, nil
	}
	return &CallToolResult{Content: []ContentBlock{{Type: "text", Text: "ok"}}}, nil
}

func (s *stubCaller) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.called)
}

func aggTool(server, name string, schema map[string]any) AggregatedTool {
	return AggregatedTool{
		LocalName:  ToolName(server, name),
		Server:     server,
		RemoteName: name,
		Definition: ToolDefinition{
			Name:        name,
			Description: "stub tool " + name,
			InputSchema: schema,
		},
	}
}

func newTestBridge(caller *stubCaller, filters map[string]ToolFilter) (*Bridge, *tools.Registry) {
	registry := tools.NewRegistry()
	b := NewBridge(BridgeConfig{
		Caller:   caller,
		Registry: registry,
		Filters:  filters,
	})
	return b, registry
}

func TestBridgeSyncRegisters(t *testing.T) {
	caller := &stubCaller{view: []AggregatedTool{
		aggTool("srv", "echo", nil),
		aggTool("srv", "search", nil),
	}}
	b, registry := newTestBridge(caller, nil)
	b.Sync()

	names := registry.Names()
	want := []string{"srv__echo", "srv__search"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("Names() = %v, want %v", names, want)
	}

	res, err := registry.Execute(context.Background(), "srv__echo", `{"text":"hi"}`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Output != "ok" || res.IsError {
		t.Errorf("result = %+v", res)
	}
}

func TestBridgeFailedResult(t *testing.T) {
	caller := &stubCaller{
		view: []AggregatedTool{aggTool("srv", "echo", nil)},
		result: &CallToolResult{
			Content: []ContentBlock{{Type: "text", Text: "disk full"}},
			IsError: true,
		},
	}
	b, registry := newTestBridge(caller, nil)
	b.Sync()

	res, err := registry.Execute(context.Background(), "srv__echo", "{}")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError {
		t.Error("IsError = false, want true")
	}
	if res.Output != "disk full" {
		t.Errorf("Output = %q", res.Output)
	}
}

// TestBridgeCallerError: transport-level failures surface as a failed
// Result the model can read, never as a Go error that aborts the loop.
func TestBridgeCallerError(t *testing.T) {
	caller := &stubCaller{
		view: []AggregatedTool{aggTool("srv", "echo", nil)},
		err:  &TimeoutError{Method: "tools/call"},
	}
	b, registry := newTestBridge(caller, nil)
	b.Sync()

	res, err := registry.Execute(context.Background(), "srv__echo", "{}")
	if err != nil {
		t.Fatalf("Execute returned Go error: %v", err)
	}
	if !res.IsError {
		t.Error("IsError = false, want true")
	}
	if !strings.Contains(res.Output, "timed out") && !strings.Contains(res.Output, "timeout") {
		t.Errorf("Output = %q, want timeout mention", res.Output)
	}
}

func TestBridgeSchemaValidation(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string"},
		},
		"required": []any{"path"},
	}
	caller := &stubCaller{view: []AggregatedTool{aggTool("srv", "read_file", schema)}}
	b, registry := newTestBridge(caller, nil)
	b.Sync()

	// Missing required property fails locally; the server is never hit.
	res, err := registry.Execute(context.Background(), "srv__read_file", "{}")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError {
		t.Error("IsError = false for invalid args")
	}
	if !strings.Contains(res.Output, "invalid arguments") {
		t.Errorf("Output = %q", res.Output)
	}
	if caller.callCount() != 0 {
		t.Errorf("caller invoked %d times for invalid args, want 0", caller.callCount())
	}

	// Valid arguments go through.
	res, err = registry.Execute(context.Background(), "srv__read_file", `{"path":"go.mod"}`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError {
		t.Errorf("valid args rejected: %q", res.Output)
	}
	if caller.callCount() != 1 {
		t.Errorf("caller invoked %d times, want 1", caller.callCount())
	}
}

func TestBridgeFilters(t *testing.T) {
	caller := &stubCaller{view: []AggregatedTool{
		aggTool("srv", "read_file", nil),
		aggTool("srv", "write_file", nil),
		aggTool("srv", "delete_file", nil),
		aggTool("other", "echo", nil),
	}}
	b, registry := newTestBridge(caller, map[string]ToolFilter{
		"srv": {
			Include: []string{"read_file", "write_file"},
			Exclude: []string{"write_file"},
		},
	})
	b.Sync()

	names := registry.Names()
	want := []string{"other__echo", "srv__read_file"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("Names() = %v, want %v", names, want)
	}
}

func TestBridgeResync(t *testing.T) {
	caller := &stubCaller{view: []AggregatedTool{
		aggTool("srv", "old", nil),
		aggTool("srv", "kept", nil),
	}}
	b, registry := newTestBridge(caller, nil)
	b.Sync()

	caller.mu.Lock()
	caller.view = []AggregatedTool{
		aggTool("srv", "kept", nil),
		aggTool("srv", "new", nil),
	}
	caller.mu.Unlock()
	b.Sync()

	names := registry.Names()
	want := []string{"srv__kept", "srv__new"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("Names() after resync = %v, want %v", names, want)
	}

	// A removed tool is gone from execution too.
	_, err := registry.Execute(context.Background(), "srv__old", "{}")
	var unavail *tools.ErrToolUnavailable
	if !errors.As(err, &unavail) {
		t.Errorf("Execute of removed tool = %v, want *ErrToolUnavailable", err)
	}
}
