package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// stopGracePeriod is how long Close waits for the subprocess to exit
// after stdin is closed before force-killing it.
const stopGracePeriod = 5 * time.Second

// StdioConfig configures a stdio MCP transport that communicates with a
// subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"). These are appended to the current
	// process environment.
	Env []string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport runs an MCP server as a subprocess. One frame is one
// line: frames are written to the child's stdin and read from its
// stdout. The child's stderr is drained continuously on its own
// goroutine so the child can never block on a full stderr pipe while we
// wait for stdout.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger

	mu      sync.Mutex // guards lifecycle state and stdin writes
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	reader  *bufio.Reader
	started bool
	closed  bool

	// readCh carries the outcome of the single in-flight stdout read.
	// It survives a cancelled Receive so the frame that read eventually
	// produces is delivered to the next Receive instead of being lost.
	readCh chan readResult
}

type readResult struct {
	line []byte
	err  error
}

// NewStdioTransport creates a stdio transport for the given config. The
// subprocess is not started until Connect.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		config: cfg,
		logger: logger,
	}
}

// Connect spawns the subprocess and wires up its pipes.
func (t *StdioTransport) Connect(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return &ConnectionError{Op: "connect", Err: errors.New("transport is closed")}
	}
	if t.started {
		return &ConnectionError{Op: "connect", Err: errors.New("already connected")}
	}

	t.logger.Info("starting MCP subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &ConnectionError{Op: "connect", Err: fmt.Errorf("create stdin pipe: %w", err)}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return &ConnectionError{Op: "connect", Err: fmt.Errorf("create stdout pipe: %w", err)}
	}

	// stderr is diagnostics only, never protocol.
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return &ConnectionError{Op: "connect", Err: fmt.Errorf("create stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		stderrPipe.Close()
		stdout.Close()
		stdin.Close()
		return &ConnectionError{Op: "connect", Err: fmt.Errorf("start subprocess %s: %w", t.config.Command, err)}
	}

	t.cmd = cmd
	t.stdin = stdin
	t.reader = bufio.NewReaderSize(stdout, 1<<20) // 1 MiB buffer for large frames
	t.started = true

	go t.drainStderr(stderrPipe)

	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// drainStderr reads stderr lines and logs them at debug level.
func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

// Send writes one frame followed by the newline delimiter.
func (t *StdioTransport) Send(_ context.Context, frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.started || t.closed {
		return &ConnectionError{Op: "send", Err: errors.New("not connected")}
	}

	if _, err := t.stdin.Write(append(frame, '\n')); err != nil {
		return &ConnectionError{Op: "send", Err: fmt.Errorf("write to subprocess stdin: %w", err)}
	}
	return nil
}

// Receive blocks until the child writes one complete line to stdout.
// The read runs in a goroutine so context cancellation can interrupt
// the wait; a read interrupted this way is handed to the next Receive.
func (t *StdioTransport) Receive(ctx context.Context) ([]byte, error) {
	t.mu.Lock()
	if !t.started || t.closed {
		t.mu.Unlock()
		return nil, &ConnectionError{Op: "receive", Err: errors.New("not connected")}
	}
	if t.readCh == nil {
		t.readCh = make(chan readResult, 1)
		reader := t.reader
		ch := t.readCh
		go func() {
			line, err := reader.ReadBytes('\n')
			ch <- readResult{line: line, err: err}
		}()
	}
	ch := t.readCh
	t.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		t.mu.Lock()
		t.readCh = nil
		t.mu.Unlock()
		if res.err != nil {
			if errors.Is(res.err, io.EOF) {
				return nil, fmt.Errorf("subprocess stdout: %w", io.EOF)
			}
			return nil, &ConnectionError{Op: "receive", Err: fmt.Errorf("read from subprocess stdout: %w", res.err)}
		}
		return res.line, nil
	}
}

// Connected reports whether the subprocess has been started and the
// transport has not been closed.
func (t *StdioTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started && !t.closed
}

// Close terminates the subprocess: stdin is closed to signal the child
// to exit, then after a bounded grace period it is killed. The child's
// exit status is always reaped so no zombie is left behind. Safe to
// call in any state and safe to call twice; it never panics.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	if t.cmd == nil || t.cmd.Process == nil {
		return nil
	}

	t.logger.Info("stopping MCP subprocess", "pid", t.cmd.Process.Pid)

	if t.stdin != nil {
		t.stdin.Close()
	}

	done := make(chan error, 1)
	go func() { done <- t.cmd.Wait() }()

	select {
	case err := <-done:
		t.cmd = nil
		return err
	case <-time.After(stopGracePeriod):
		t.logger.Warn("MCP subprocess did not exit gracefully, killing",
			"pid", t.cmd.Process.Pid,
		)
		_ = t.cmd.Process.Kill()
		<-done
		t.cmd = nil
		return nil
	}
}
