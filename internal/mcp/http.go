package mcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/corey-rosamond/code-forge/internal/httpkit"
)

// sessionHeader carries the server-assigned session token. The server
// returns it on the first exchange; we replay it on every subsequent
// request so the server can correlate the session.
const sessionHeader = "Mcp-Session"

// maxResponseBytes caps how much of an HTTP response body is read.
const maxResponseBytes = 10 << 20

// pushRetryDelay is the pause between attempts to re-establish a failed
// push channel.
const pushRetryDelay = 5 * time.Second

// HTTPConfig configures an HTTP MCP transport that communicates with a
// remote MCP server over JSON-RPC POST exchanges.
type HTTPConfig struct {
	// URL is the MCP server endpoint frames are POSTed to.
	URL string

	// EventsURL is an optional endpoint for server-initiated
	// notifications. An http(s) URL is consumed as an SSE event stream;
	// a ws(s) URL is consumed as a WebSocket. Empty disables the push
	// channel.
	EventsURL string

	// Headers are additional HTTP headers sent with every request
	// (e.g., Authorization).
	Headers map[string]string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// HTTPTransport exchanges frames with an MCP server over HTTP. Send
// POSTs one frame; response bodies and push-channel events are queued
// and handed out one at a time by Receive.
type HTTPTransport struct {
	url        string
	eventsURL  string
	headers    map[string]string
	httpClient *http.Client
	// streamClient has no overall timeout so the SSE stream can live
	// indefinitely.
	streamClient *http.Client
	logger       *slog.Logger

	mu         sync.Mutex
	sessionID  string
	connected  bool
	closed     bool
	pushCancel context.CancelFunc

	queue chan []byte
	done  chan struct{}
}

// NewHTTPTransport creates an HTTP transport for the given config.
// The underlying HTTP clients are constructed via httpkit.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPTransport{
		url:          cfg.URL,
		eventsURL:    cfg.EventsURL,
		headers:      cfg.Headers,
		// Redial absorbs a server restarting behind its proxy; the
		// stream client stays unbounded so the event stream never
		// times out mid-connection.
		httpClient:   httpkit.NewClient(httpkit.WithLogger(logger), httpkit.WithRedial(2, 500*time.Millisecond)),
		streamClient: httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithLogger(logger)),
		logger:       logger,
		queue:        make(chan []byte, 64),
		done:         make(chan struct{}),
	}
}

// Connect marks the transport live and, when an events URL is
// configured, starts the push-channel reader.
func (t *HTTPTransport) Connect(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return &ConnectionError{Op: "connect", Err: errors.New("transport is closed")}
	}
	if t.connected {
		return &ConnectionError{Op: "connect", Err: errors.New("already connected")}
	}

	if t.eventsURL != "" {
		u, err := url.Parse(t.eventsURL)
		if err != nil {
			return &ConnectionError{Op: "connect", Err: fmt.Errorf("parse events URL: %w", err)}
		}
		pushCtx, cancel := context.WithCancel(context.Background())
		t.pushCancel = cancel
		switch u.Scheme {
		case "ws", "wss":
			go t.runWebSocketPush(pushCtx)
		case "http", "https":
			go t.runSSEPush(pushCtx)
		default:
			cancel()
			return &ConnectionError{Op: "connect", Err: fmt.Errorf("unsupported events URL scheme %q", u.Scheme)}
		}
	}

	t.connected = true
	return nil
}

// Send POSTs one frame. A 200 response body is queued for Receive; a
// 202 carries no body (the usual answer to a notification).
func (t *HTTPTransport) Send(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	if !t.connected || t.closed {
		t.mu.Unlock()
		return &ConnectionError{Op: "send", Err: errors.New("not connected")}
	}
	session := t.sessionID
	t.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(frame))
	if err != nil {
		return &ConnectionError{Op: "send", Err: fmt.Errorf("create HTTP request: %w", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	if session != "" {
		req.Header.Set(sessionHeader, session)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return &ConnectionError{Op: "send", Err: fmt.Errorf("HTTP request to %s: %w", t.url, err)}
	}

	// Capture session ID from response.
	if sid := resp.Header.Get(sessionHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}

	switch {
	case resp.StatusCode == http.StatusAccepted:
		httpkit.DrainAndClose(resp.Body, 1<<20)
		return nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		httpkit.DrainAndClose(resp.Body, 1<<20)
		if err != nil {
			return &ConnectionError{Op: "send", Err: fmt.Errorf("read response body: %w", err)}
		}
		if len(bytes.TrimSpace(body)) == 0 {
			return nil
		}
		return t.enqueue(ctx, body)

	default:
		errBody := httpkit.ReadErrorBody(resp.Body, 1<<20)
		return &ConnectionError{Op: "send", Err: fmt.Errorf("MCP server returned %d: %s", resp.StatusCode, errBody)}
	}
}

// Receive hands out the next queued frame: a POST response body or a
// push-channel event, in arrival order.
func (t *HTTPTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-t.queue:
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		// Drain anything that raced with Close.
		select {
		case frame := <-t.queue:
			return frame, nil
		default:
		}
		return nil, fmt.Errorf("http transport: %w", io.EOF)
	}
}

// Connected reports whether Connect has succeeded and Close has not run.
func (t *HTTPTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected && !t.closed
}

// Close stops the push channel and wakes any blocked Receive. Safe to
// call twice.
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	t.connected = false
	if t.pushCancel != nil {
		t.pushCancel()
	}
	close(t.done)
	return nil
}

// enqueue delivers one inbound frame to Receive.
func (t *HTTPTransport) enqueue(ctx context.Context, frame []byte) error {
	select {
	case t.queue <- frame:
		return nil
	case <-t.done:
		return &ConnectionError{Op: "send", Err: errors.New("transport closed while queueing response")}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runSSEPush consumes the events URL as a text/event-stream, queueing
// each event's data payload as one inbound frame. The stream is
// re-established after failures until the transport closes; a down push
// channel never fails in-flight Sends.
func (t *HTTPTransport) runSSEPush(ctx context.Context) {
	for {
		if err := t.readSSEStream(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn("MCP event stream interrupted", "url", t.eventsURL, "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(pushRetryDelay):
		}
	}
}

func (t *HTTPTransport) readSSEStream(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.eventsURL, nil)
	if err != nil {
		return fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	t.mu.Lock()
	if t.sessionID != "" {
		req.Header.Set(sessionHeader, t.sessionID)
	}
	t.mu.Unlock()

	resp, err := t.streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream returned %d", resp.StatusCode)
	}

	t.logger.Debug("MCP event stream connected", "url", t.eventsURL)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxResponseBytes)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case line == "":
			// Blank line terminates one event.
			if data.Len() > 0 {
				if err := t.enqueue(ctx, []byte(data.String())); err != nil {
					return err
				}
				data.Reset()
			}
		default:
			// Comments (":keepalive") and fields we don't use.
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return io.EOF
}

// runWebSocketPush consumes the events URL as a WebSocket, queueing
// each text message as one inbound frame. Like the SSE path, it
// reconnects until the transport closes.
func (t *HTTPTransport) runWebSocketPush(ctx context.Context) {
	for {
		if err := t.readWebSocket(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn("MCP event websocket interrupted", "url", t.eventsURL, "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(pushRetryDelay):
		}
	}
}

func (t *HTTPTransport) readWebSocket(ctx context.Context) error {
	header := http.Header{}
	for k, v := range t.headers {
		header.Set(k, v)
	}
	t.mu.Lock()
	if t.sessionID != "" {
		header.Set(sessionHeader, t.sessionID)
	}
	t.mu.Unlock()

	dialer := websocket.Dialer{
		ReadBufferSize:  1024 * 1024,
		WriteBufferSize: 64 * 1024,
	}
	conn, resp, err := dialer.DialContext(ctx, t.eventsURL, header)
	if err != nil {
		if resp != nil {
			httpkit.DrainAndClose(resp.Body, 1<<20)
		}
		return fmt.Errorf("dial event websocket: %w", err)
	}
	defer conn.Close()

	// Unblock the blocked read when the transport closes.
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-t.done:
			conn.Close()
		}
	}()

	t.logger.Debug("MCP event websocket connected", "url", t.eventsURL)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return io.EOF
			}
			return fmt.Errorf("read event websocket: %w", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if err := t.enqueue(ctx, data); err != nil {
			return err
		}
	}
}
