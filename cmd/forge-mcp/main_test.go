package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/corey-rosamond/code-forge/internal/calllog"
)

// writeConfig drops a config file into a temp dir and returns its path.
func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "forge.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunCalls(t *testing.T) {
	dataDir := t.TempDir()
	cfgPath := writeConfig(t, "data_dir: "+dataDir+"\nmcp:\n  call_log: true\n")

	// Seed the audit log the way the manager writes it.
	store, err := calllog.NewStore(filepath.Join(dataDir, "toolcalls.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()
	records := []calllog.Record{
		{Server: "github", Tool: "create_issue", LocalName: "github__create_issue", Duration: 120 * time.Millisecond},
		{Server: "search", Tool: "query", LocalName: "search__query", Duration: 40 * time.Millisecond, IsError: true, Detail: "index unavailable"},
	}
	for _, rec := range records {
		if err := store.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var stdout, stderr bytes.Buffer
	if err := run(ctx, &stdout, &stderr, []string{"-config", cfgPath, "calls"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	out := stdout.String()
	for _, want := range []string{"github__create_issue", "search__query", "error", "2 calls, 1 errors"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRunCallsJSON(t *testing.T) {
	dataDir := t.TempDir()
	cfgPath := writeConfig(t, "data_dir: "+dataDir+"\nmcp:\n  call_log: true\n")

	store, err := calllog.NewStore(filepath.Join(dataDir, "toolcalls.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()
	if err := store.Record(ctx, calllog.Record{Server: "github", Tool: "echo", LocalName: "github__echo"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var stdout, stderr bytes.Buffer
	if err := run(ctx, &stdout, &stderr, []string{"-config", cfgPath, "-o", "json", "calls", "10"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	out := stdout.String()
	for _, want := range []string{`"total_calls": 1`, `"github__echo"`} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRunCallsLoggingDisabled(t *testing.T) {
	cfgPath := writeConfig(t, "mcp: {}\n")

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, []string{"-config", cfgPath, "calls"})
	if err == nil || !strings.Contains(err.Error(), "call logging is disabled") {
		t.Fatalf("err = %v, want call-logging-disabled error", err)
	}
}

func TestRunRejectsBadTimeout(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, []string{"-timeout", "soon", "servers"})
	if err == nil || !strings.Contains(err.Error(), "invalid -timeout") {
		t.Fatalf("err = %v, want invalid -timeout error", err)
	}
}
