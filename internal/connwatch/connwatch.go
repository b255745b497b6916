// Package connwatch keeps long-lived MCP server connections under
// observation. A watcher pings one server on a schedule: a startup
// window with exponential backoff while the server comes up, then a
// steady poll. Ready/down transitions fire callbacks so the connection
// manager can refresh its tool view or mark the server unavailable.
//
// This sits above the transports: a probe is a protocol-level ping
// against an established client, not a dial attempt. Sub-second
// transient errors are the transport's problem; connwatch covers the
// multi-second to multi-minute outages of server restarts and network
// partitions.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks one server, typically via the protocol ping request.
// A nil return means reachable. Must be safe for concurrent use.
type ProbeFunc func(ctx context.Context) error

// Schedule controls probe timing across both phases.
type Schedule struct {
	// FirstRetry is the delay before the second startup probe.
	FirstRetry time.Duration

	// MaxRetry caps backoff growth during startup.
	MaxRetry time.Duration

	// Growth scales the delay after each failed startup probe.
	Growth float64

	// StartupAttempts bounds the startup phase. When exhausted the
	// watcher drops to steady polling with the server marked down.
	StartupAttempts int

	// Poll is the steady-state probe interval.
	Poll time.Duration

	// ProbeTimeout bounds a single probe call.
	ProbeTimeout time.Duration
}

// DefaultSchedule is the schedule used for MCP servers: retries at
// 2s, 4s, 8s, ... capped at 60s for up to 10 startup attempts, then a
// 60-second poll.
func DefaultSchedule() Schedule {
	return Schedule{
		FirstRetry:      2 * time.Second,
		MaxRetry:        60 * time.Second,
		Growth:          2.0,
		StartupAttempts: 10,
		Poll:            60 * time.Second,
		ProbeTimeout:    10 * time.Second,
	}
}

// WatcherConfig configures a watcher for one server.
type WatcherConfig struct {
	// Name identifies the server in logs and health output,
	// e.g. "mcp-github".
	Name string

	// Probe checks the server. Required.
	Probe ProbeFunc

	// Schedule controls timing; zero fields take defaults.
	Schedule Schedule

	// OnReady fires on the down-to-ready transition, in its own
	// goroutine. The connection manager uses it to re-fetch tools.
	OnReady func()

	// OnDown fires on the ready-to-down transition, in its own
	// goroutine.
	OnDown func(err error)

	// Logger defaults to the manager's logger.
	Logger *slog.Logger
}

// ServerHealth is a point-in-time snapshot of one watched server.
type ServerHealth struct {
	Server    string    `json:"server"`
	Ready     bool      `json:"ready"`
	CheckedAt time.Time `json:"checked_at"`
	Error     string    `json:"error,omitempty"`
}

// Watcher probes a single server until stopped.
type Watcher struct {
	cfg    WatcherConfig
	up     atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	err       error
	checkedAt time.Time
}

// Ready reports whether the last probe reached the server.
func (w *Watcher) Ready() bool {
	return w.up.Load()
}

// Err returns the most recent probe error, nil while healthy.
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Health returns a snapshot of the watcher's state.
func (w *Watcher) Health() ServerHealth {
	w.mu.Lock()
	defer w.mu.Unlock()

	h := ServerHealth{
		Server:    w.cfg.Name,
		Ready:     w.up.Load(),
		CheckedAt: w.checkedAt,
	}
	if w.err != nil {
		h.Error = w.err.Error()
	}
	return h
}

// Wait blocks until the watch goroutine exits.
func (w *Watcher) Wait() {
	<-w.done
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	if w.startup(ctx) {
		w.poll(ctx)
	}
}

// startup probes with exponential backoff until the server answers or
// the attempt budget runs out. Returns false only on cancellation.
func (w *Watcher) startup(ctx context.Context) bool {
	sched := w.cfg.Schedule
	delay := sched.FirstRetry

	for attempt := 1; ; attempt++ {
		err := w.check(ctx)

		if err == nil {
			w.up.Store(true)
			w.cfg.Logger.Info("mcp server reachable",
				"server", w.cfg.Name,
				"attempts", attempt,
			)
			if w.cfg.OnReady != nil {
				go w.cfg.OnReady()
			}
			return true
		}

		if attempt >= sched.StartupAttempts {
			w.cfg.Logger.Info("mcp server unreachable at startup, polling in background",
				"server", w.cfg.Name,
				"attempts", attempt,
				"error", err,
			)
			return true
		}

		w.cfg.Logger.Debug("server ping failed, backing off",
			"server", w.cfg.Name,
			"attempt", attempt,
			"retry_in", delay.String(),
			"error", err,
		)

		if !sleepCtx(ctx, delay) {
			return false
		}
		delay = time.Duration(float64(delay) * sched.Growth)
		if delay > sched.MaxRetry {
			delay = sched.MaxRetry
		}
	}
}

// poll runs the steady-state loop, logging and firing callbacks only
// on transitions.
func (w *Watcher) poll(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Schedule.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := w.check(ctx)
		wasUp := w.up.Load()

		switch {
		case wasUp && err != nil:
			w.up.Store(false)
			w.cfg.Logger.Info("mcp server lost",
				"server", w.cfg.Name,
				"error", err,
			)
			if w.cfg.OnDown != nil {
				go w.cfg.OnDown(err)
			}
		case !wasUp && err == nil:
			w.up.Store(true)
			w.cfg.Logger.Info("mcp server recovered",
				"server", w.cfg.Name,
			)
			if w.cfg.OnReady != nil {
				go w.cfg.OnReady()
			}
		case !wasUp:
			w.cfg.Logger.Debug("mcp server still unreachable",
				"server", w.cfg.Name,
				"error", err,
			)
		}
	}
}

// check runs one bounded probe and records the outcome.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.cfg.Schedule.ProbeTimeout)
	err := w.cfg.Probe(probeCtx)
	cancel()

	w.mu.Lock()
	w.err = err
	w.checkedAt = time.Now()
	w.mu.Unlock()
	return err
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager owns the watchers for every configured server.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates an empty watcher manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch starts a watcher for one server. It runs until ctx is
// cancelled or Stop is called. An empty Name or nil Probe is a
// programming error and panics. Zero Schedule fields take defaults.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}

	def := DefaultSchedule()
	if cfg.Schedule.FirstRetry <= 0 {
		cfg.Schedule.FirstRetry = def.FirstRetry
	}
	if cfg.Schedule.MaxRetry <= 0 {
		cfg.Schedule.MaxRetry = def.MaxRetry
	}
	if cfg.Schedule.Growth <= 0 {
		cfg.Schedule.Growth = def.Growth
	}
	if cfg.Schedule.StartupAttempts <= 0 {
		cfg.Schedule.StartupAttempts = def.StartupAttempts
	}
	if cfg.Schedule.Poll <= 0 {
		cfg.Schedule.Poll = def.Poll
	}
	if cfg.Schedule.ProbeTimeout <= 0 {
		cfg.Schedule.ProbeTimeout = def.ProbeTimeout
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		cfg:    cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run(watchCtx)

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	return w
}

// Health reports every watched server's current state.
func (m *Manager) Health() map[string]ServerHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]ServerHealth, len(m.watchers))
	for name, w := range m.watchers {
		out[name] = w.Health()
	}
	return out
}

// Stop shuts down all watchers and waits for their goroutines.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
