package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/corey-rosamond/code-forge/internal/tools"
)

// ToolCaller is the slice of the connection manager the bridge needs.
// Narrowed to an interface so tests can substitute a stub.
type ToolCaller interface {
	Tools() []AggregatedTool
	CallTool(ctx context.Context, localName string, args map[string]any) (*CallToolResult, error)
}

// ToolFilter restricts which of a server's tools are exposed. An empty
// Include list admits everything; Exclude is applied after Include.
type ToolFilter struct {
	Include []string
	Exclude []string
}

func (f ToolFilter) allows(remoteName string) bool {
	if len(f.Include) > 0 {
		found := false
		for _, name := range f.Include {
			if name == remoteName {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, name := range f.Exclude {
		if name == remoteName {
			return false
		}
	}
	return true
}

// BridgeConfig configures a Bridge.
type BridgeConfig struct {
	Caller   ToolCaller
	Registry *tools.Registry

	// Filters maps server name to that server's tool filter. Servers
	// without an entry expose all their tools.
	Filters map[string]ToolFilter

	Logger *slog.Logger
}

// Bridge publishes the manager's aggregated remote tools into the
// local tool registry, so the assistant loop invokes an MCP tool the
// same way it invokes a built-in one. Remote failures of every kind
// come back as a failed Result, never a Go error: the model gets to
// read the failure and decide what to do next.
type Bridge struct {
	caller   ToolCaller
	registry *tools.Registry
	filters  map[string]ToolFilter
	logger   *slog.Logger

	mu         sync.Mutex
	registered map[string]*jsonschema.Schema
}

// NewBridge creates a bridge. Call Sync to publish tools.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		caller:     cfg.Caller,
		registry:   cfg.Registry,
		filters:    cfg.Filters,
		logger:     logger,
		registered: make(map[string]*jsonschema.Schema),
	}
}

// Sync reconciles the registry with the caller's current tool view:
// new tools are registered, vanished ones removed. Safe to call again
// after a tool list change.
func (b *Bridge) Sync() {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := make(map[string]struct{})
	for _, at := range b.caller.Tools() {
		if filter, ok := b.filters[at.Server]; ok && !filter.allows(at.RemoteName) {
			continue
		}
		current[at.LocalName] = struct{}{}

		if _, ok := b.registered[at.LocalName]; ok {
			continue
		}

		schema, err := compileSchema(at.Definition.InputSchema)
		if err != nil {
			b.logger.Warn("tool has unusable input schema, skipping validation",
				"tool", at.LocalName,
				"error", err,
			)
		}
		b.registered[at.LocalName] = schema
		b.registry.Register(&tools.Tool{
			Name:        at.LocalName,
			Description: at.Definition.Description,
			Parameters:  at.Definition.InputSchema,
			Handler:     b.handler(at.LocalName),
		})
		b.logger.Debug("remote tool registered", "tool", at.LocalName)
	}

	for name := range b.registered {
		if _, ok := current[name]; ok {
			continue
		}
		b.registry.Unregister(name)
		delete(b.registered, name)
		b.logger.Debug("remote tool removed", "tool", name)
	}
}

// handler builds the registry handler for one remote tool.
func (b *Bridge) handler(localName string) func(context.Context, map[string]any) (tools.Result, error) {
	return func(ctx context.Context, args map[string]any) (tools.Result, error) {
		b.mu.Lock()
		schema := b.registered[localName]
		b.mu.Unlock()

		if schema != nil {
			if err := schema.Validate(normalizeArgs(args)); err != nil {
				return tools.Failf("invalid arguments for %s: %v", localName, err), nil
			}
		}

		result, err := b.caller.CallTool(ctx, localName, args)
		if err != nil {
			return tools.Failf("tool call failed: %v", err), nil
		}
		return tools.Result{Output: result.Text(), IsError: result.IsError}, nil
	}
}

// compileSchema compiles a tool's JSON schema for argument validation.
// A nil or empty schema compiles to nil, which skips validation.
func compileSchema(raw map[string]any) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("tool.json", bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return compiler.Compile("tool.json")
}

// normalizeArgs round-trips args through JSON so validation sees the
// same value shapes a decoder would produce. A nil map becomes an
// empty object, which is what a no-argument call means.
func normalizeArgs(args map[string]any) any {
	if args == nil {
		args = map[string]any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return args
	}
	return v
}
