// Forge-mcp manages the MCP server connections for the Forge coding
// assistant.
//
// It connects to every server declared in the configuration file,
// aggregates their tools into a single namespaced view, and offers a
// CLI for inspecting servers, listing tools, and invoking a tool
// directly. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	forge-mcp servers             Show connection status per server
//	forge-mcp tools               List the aggregated tool view
//	forge-mcp call <tool> [json]  Invoke a tool with JSON arguments
//	forge-mcp watch               Stay connected and monitor health
//	forge-mcp calls [limit]       Show recent audited tool calls
//	forge-mcp version             Print version and build information
//	forge-mcp -o json tools       Output as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/corey-rosamond/code-forge/internal/buildinfo"
	"github.com/corey-rosamond/code-forge/internal/calllog"
	"github.com/corey-rosamond/code-forge/internal/config"
	"github.com/corey-rosamond/code-forge/internal/connwatch"
	"github.com/corey-rosamond/code-forge/internal/mcp"
	"github.com/corey-rosamond/code-forge/internal/tools"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the forge-mcp command. All OS-level
// dependencies are injected as parameters. We parse arguments manually
// rather than using the flag package to avoid global state that
// interferes with parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var o options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			o.configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			o.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			o.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			o.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			o.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-log-level" && i+1 < len(args):
			o.logLevel = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-log-level="):
			o.logLevel = strings.TrimPrefix(args[i], "-log-level=")
		case args[i] == "-timeout" && i+1 < len(args):
			n, err := strconv.Atoi(args[i+1])
			if err != nil {
				return fmt.Errorf("invalid -timeout value %q", args[i+1])
			}
			o.timeoutSec = n
			i++
		case strings.HasPrefix(args[i], "-timeout="):
			n, err := strconv.Atoi(strings.TrimPrefix(args[i], "-timeout="))
			if err != nil {
				return fmt.Errorf("invalid -timeout value %q", args[i])
			}
			o.timeoutSec = n
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if o.outputFmt == "" {
		o.outputFmt = "text"
	}
	if o.outputFmt != "text" && o.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", o.outputFmt)
	}

	// SIGINT/SIGTERM cancel the shared context so every command path
	// unwinds through its deferred DisconnectAll and stdio children
	// do not outlive the host.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch command {
	case "servers":
		return runServers(ctx, stdout, stderr, o)
	case "tools":
		return runTools(ctx, stdout, stderr, o)
	case "call":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: forge-mcp call <tool> [json-args]")
		}
		argsJSON := "{}"
		if len(cmdArgs) > 1 {
			argsJSON = strings.Join(cmdArgs[1:], " ")
		}
		return runCall(ctx, stdout, stderr, o, cmdArgs[0], argsJSON)
	case "watch":
		return runWatch(ctx, stdout, stderr, o)
	case "calls":
		limit := 0
		if len(cmdArgs) > 0 {
			n, err := strconv.Atoi(cmdArgs[0])
			if err != nil || n < 1 {
				return fmt.Errorf("usage: forge-mcp calls [limit]")
			}
			limit = n
		}
		return runCalls(ctx, stdout, o, limit)
	case "version":
		return runVersion(stdout, o.outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// options are the parsed command-line flags shared by the subcommands.
type options struct {
	configPath string
	outputFmt  string
	logLevel   string
	timeoutSec int
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Forge MCP - MCP connection manager for the Forge coding assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: forge-mcp [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  servers              Show connection status per server")
	fmt.Fprintln(w, "  tools                List the aggregated tool view")
	fmt.Fprintln(w, "  call <tool> [json]   Invoke a tool with JSON arguments")
	fmt.Fprintln(w, "  watch                Stay connected and monitor server health")
	fmt.Fprintln(w, "  calls [limit]        Show recent audited tool calls")
	fmt.Fprintln(w, "  version              Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>      Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -log-level <level>  Log level override (trace, debug, info, warn, error)")
	fmt.Fprintln(w, "  -o, --output fmt    Output format: text (default) or json")
	fmt.Fprintln(w, "  -timeout <sec>      Per-call timeout override in seconds")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./forge.yaml, ~/.config/forge/forge.yaml, /etc/forge/forge.yaml")
	return nil
}

// setup loads configuration, builds logging, and constructs a connected
// manager. The returned cleanup closes every connection and the call
// log; callers must invoke it on every path.
func setup(ctx context.Context, stderr io.Writer, o options) (*mcp.Manager, *config.Config, *slog.Logger, func(), error) {
	cfg, cfgPath, err := loadConfig(o.configPath)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if o.timeoutSec > 0 {
		cfg.MCP.CallTimeoutSec = o.timeoutSec
	}

	level := cfg.LogLevel
	if o.logLevel != "" {
		level = o.logLevel
	}
	parsed, err := config.ParseLogLevel(level)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	// Logs go to stderr so command output on stdout stays parseable.
	logger := newLogger(stderr, parsed, "text")
	logger.Debug("config loaded", "path", cfgPath)

	var store *calllog.Store
	if cfg.MCP.CallLog {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("create data directory: %w", err)
		}
		store, err = calllog.NewStore(filepath.Join(cfg.DataDir, "toolcalls.db"))
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("open call log: %w", err)
		}
	}

	manager := mcp.NewManager(mcp.ManagerConfig{
		Servers:     cfg.MCP.Servers,
		Logger:      logger,
		CallTimeout: time.Duration(cfg.MCP.CallTimeoutSec) * time.Second,
		CallLog:     store,
	})
	manager.ConnectAll(ctx)

	cleanup := func() {
		manager.DisconnectAll()
		if store != nil {
			if err := store.Close(); err != nil {
				logger.Warn("closing call log", "error", err)
			}
		}
	}
	return manager, cfg, logger, cleanup, nil
}

// runServers handles the "forge-mcp servers" subcommand.
func runServers(ctx context.Context, stdout, stderr io.Writer, o options) error {
	manager, _, _, cleanup, err := setup(ctx, stderr, o)
	if err != nil {
		return err
	}
	defer cleanup()

	statuses := manager.Status()
	if o.outputFmt == "json" {
		type row struct {
			Name      string `json:"name"`
			Transport string `json:"transport"`
			State     string `json:"state"`
			Error     string `json:"error,omitempty"`
			Server    string `json:"server,omitempty"`
			Version   string `json:"version,omitempty"`
			ToolCount int    `json:"tool_count"`
		}
		rows := make([]row, 0, len(statuses))
		for _, st := range statuses {
			r := row{
				Name:      st.Name,
				Transport: st.Transport,
				State:     st.State.String(),
				Server:    st.Info.Name,
				Version:   st.Info.Version,
				ToolCount: st.ToolCount,
			}
			if st.Err != nil {
				r.Error = st.Err.Error()
			}
			rows = append(rows, r)
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	for _, st := range statuses {
		fmt.Fprintf(stdout, "%-20s %-6s %-12s %d tools", st.Name, st.Transport, st.State, st.ToolCount)
		if st.Info.Name != "" {
			fmt.Fprintf(stdout, "  (%s %s)", st.Info.Name, st.Info.Version)
		}
		if st.Err != nil {
			fmt.Fprintf(stdout, "  error: %s", st.Err)
		}
		fmt.Fprintln(stdout)
	}
	return nil
}

// runTools handles the "forge-mcp tools" subcommand.
func runTools(ctx context.Context, stdout, stderr io.Writer, o options) error {
	manager, _, _, cleanup, err := setup(ctx, stderr, o)
	if err != nil {
		return err
	}
	defer cleanup()

	aggregated := manager.Tools()
	if o.outputFmt == "json" {
		type row struct {
			Name        string `json:"name"`
			Server      string `json:"server"`
			RemoteName  string `json:"remote_name"`
			Description string `json:"description,omitempty"`
		}
		rows := make([]row, 0, len(aggregated))
		for _, t := range aggregated {
			rows = append(rows, row{
				Name:        t.LocalName,
				Server:      t.Server,
				RemoteName:  t.RemoteName,
				Description: t.Definition.Description,
			})
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	for _, t := range aggregated {
		desc := t.Definition.Description
		if len(desc) > 72 {
			desc = desc[:69] + "..."
		}
		fmt.Fprintf(stdout, "%-40s %s\n", t.LocalName, desc)
	}
	return nil
}

// runCall handles the "forge-mcp call" subcommand. The invocation goes
// through the registry bridge so it exercises the same path the
// assistant loop uses, argument validation included.
func runCall(ctx context.Context, stdout, stderr io.Writer, o options, toolName, argsJSON string) error {
	manager, cfg, logger, cleanup, err := setup(ctx, stderr, o)
	if err != nil {
		return err
	}
	defer cleanup()

	filters := make(map[string]mcp.ToolFilter, len(cfg.MCP.Servers))
	for _, sc := range cfg.MCP.Servers {
		filters[sc.Name] = mcp.ToolFilter{Include: sc.IncludeTools, Exclude: sc.ExcludeTools}
	}

	registry := tools.NewRegistry()
	bridge := mcp.NewBridge(mcp.BridgeConfig{
		Caller:   manager,
		Registry: registry,
		Filters:  filters,
		Logger:   logger,
	})
	bridge.Sync()

	result, err := registry.Execute(ctx, toolName, argsJSON)
	if err != nil {
		return fmt.Errorf("call %s: %w", toolName, err)
	}
	if result.IsError {
		fmt.Fprintln(stdout, result.Output)
		return fmt.Errorf("tool reported failure")
	}
	fmt.Fprintln(stdout, result.Output)
	return nil
}

// runCalls handles the "forge-mcp calls" subcommand. It reads the
// audit log directly; no server connections are made.
func runCalls(ctx context.Context, stdout io.Writer, o options, limit int) error {
	cfg, _, err := loadConfig(o.configPath)
	if err != nil {
		return err
	}
	if !cfg.MCP.CallLog {
		return fmt.Errorf("call logging is disabled (set mcp.call_log: true)")
	}

	store, err := calllog.NewStore(filepath.Join(cfg.DataDir, "toolcalls.db"))
	if err != nil {
		return fmt.Errorf("open call log: %w", err)
	}
	defer store.Close()

	records, err := store.Recent(ctx, limit)
	if err != nil {
		return err
	}
	sum, err := store.Summary(ctx, "")
	if err != nil {
		return err
	}

	if o.outputFmt == "json" {
		type row struct {
			Timestamp time.Time `json:"timestamp"`
			Tool      string    `json:"tool"`
			Server    string    `json:"server"`
			Duration  string    `json:"duration"`
			IsError   bool      `json:"is_error"`
			Detail    string    `json:"detail,omitempty"`
		}
		out := struct {
			TotalCalls  int   `json:"total_calls"`
			TotalErrors int   `json:"total_errors"`
			Calls       []row `json:"calls"`
		}{TotalCalls: sum.TotalCalls, TotalErrors: sum.TotalErrors, Calls: make([]row, 0, len(records))}
		for _, rec := range records {
			out.Calls = append(out.Calls, row{
				Timestamp: rec.Timestamp,
				Tool:      rec.LocalName,
				Server:    rec.Server,
				Duration:  rec.Duration.String(),
				IsError:   rec.IsError,
				Detail:    rec.Detail,
			})
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	for _, rec := range records {
		status := "ok"
		if rec.IsError {
			status = "error"
		}
		fmt.Fprintf(stdout, "%s  %-40s %-5s %6dms\n",
			rec.Timestamp.Local().Format("2006-01-02 15:04:05"),
			rec.LocalName, status, rec.Duration.Milliseconds())
	}
	fmt.Fprintf(stdout, "%d calls, %d errors\n", sum.TotalCalls, sum.TotalErrors)
	return nil
}

// runWatch handles the "forge-mcp watch" subcommand. It keeps every
// connection open, pings each server on a backoff schedule, and logs
// health transitions until interrupted.
func runWatch(ctx context.Context, stdout, stderr io.Writer, o options) error {
	manager, _, logger, cleanup, err := setup(ctx, stderr, o)
	if err != nil {
		return err
	}
	defer cleanup()

	watchers := connwatch.NewManager(logger)
	manager.Watch(ctx, watchers)

	logger.Info("watching MCP servers", "count", len(manager.Status()))

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received")
			watchers.Stop()
			return nil
		case <-ticker.C:
			for name, h := range watchers.Health() {
				logger.Info("server health", "server", name, "ready", h.Ready, "error", h.Error)
			}
		}
	}
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
// Otherwise [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
