package provider

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// BackoffConfig controls probe retry timing for a health watcher.
type BackoffConfig struct {
	// InitialDelay is the delay before the first retry (default: 2s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 60s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// MaxRetries is the number of consecutive failed probes tolerated
	// in Degraded before the connection is marked Disconnected
	// (default: 3).
	MaxRetries int

	// PollInterval is the background probe interval (default: 30s).
	PollInterval time.Duration

	// ProbeTimeout limits each individual probe (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns the standard probe schedule.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   3,
		PollInterval: 30 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// WatcherConfig configures a connection health watcher.
type WatcherConfig struct {
	// Conn is the connection to watch. Its Ping is the probe.
	Conn *Connection

	// Backoff controls probe timing. Zero fields get defaults.
	Backoff BackoffConfig

	// OnReady is called when the connection transitions back to
	// Connected. The session re-runs capability exchange here.
	// Called in a separate goroutine; optional.
	OnReady func()

	// OnDown is called when the connection transitions to
	// Disconnected. The session revokes its descriptors here.
	// Called in a separate goroutine; optional.
	OnDown func(err error)

	// Logger for structured logging. Uses the connection's if nil.
	Logger *slog.Logger
}

// Status is the health status of a watched connection, suitable for
// JSON serialization in health endpoints.
type Status struct {
	Name      string    `json:"name"`
	State     State     `json:"state"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors a single provider connection. A probe failure
// degrades the connection immediately (dispatch fails fast from that
// moment); MaxRetries consecutive failures disconnect it and fire
// OnDown. A successful probe after a down period reconnects and fires
// OnReady.
type Watcher struct {
	config WatcherConfig
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// Watch starts a health watcher for the connection. The watcher runs in
// a background goroutine until ctx is cancelled or Stop is called.
func Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Conn == nil {
		panic("provider: WatcherConfig.Conn must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = cfg.Conn.logger
	}

	defaults := DefaultBackoffConfig()
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff.InitialDelay = defaults.InitialDelay
	}
	if cfg.Backoff.MaxDelay <= 0 {
		cfg.Backoff.MaxDelay = defaults.MaxDelay
	}
	if cfg.Backoff.Multiplier <= 0 {
		cfg.Backoff.Multiplier = defaults.Multiplier
	}
	if cfg.Backoff.MaxRetries <= 0 {
		cfg.Backoff.MaxRetries = defaults.MaxRetries
	}
	if cfg.Backoff.PollInterval <= 0 {
		cfg.Backoff.PollInterval = defaults.PollInterval
	}
	if cfg.Backoff.ProbeTimeout <= 0 {
		cfg.Backoff.ProbeTimeout = defaults.ProbeTimeout
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go w.run(watchCtx)
	return w
}

// Status returns the current health status.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{
		Name:      w.config.Conn.Name(),
		State:     w.config.Conn.State(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

// run polls the connection. On failure it degrades immediately, then
// retries with exponential backoff; exhausting the retry budget
// disconnects. On recovery it reconnects and resumes steady polling.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.config.Backoff
	conn := w.config.Conn
	logger := w.config.Logger

	failures := 0
	delay := cfg.InitialDelay

	for {
		interval := cfg.PollInterval
		if failures > 0 {
			interval = delay
		}
		if !sleepCtx(ctx, interval) {
			return
		}

		err := w.probe(ctx)
		w.mu.Lock()
		w.lastErr = err
		w.lastCheck = time.Now()
		w.mu.Unlock()

		state := conn.State()

		switch {
		case err == nil:
			failures = 0
			delay = cfg.InitialDelay
			if state != StateConnected {
				conn.SetState(StateConnected)
				logger.Info("provider recovered")
				if w.config.OnReady != nil {
					go w.config.OnReady()
				}
			}

		case state == StateConnected:
			// First failure: degrade so dispatch fails fast, then
			// start the backoff schedule.
			failures = 1
			conn.SetState(StateDegraded)
			logger.Info("provider became unreachable", "error", err)

		case state == StateDegraded:
			failures++
			if failures >= cfg.MaxRetries {
				conn.SetState(StateDisconnected)
				logger.Info("provider disconnected after retries",
					"failures", failures,
					"error", err,
				)
				if w.config.OnDown != nil {
					go w.config.OnDown(err)
				}
			} else {
				logger.Debug("provider still unreachable",
					"failures", failures,
					"next_delay", delay.String(),
					"error", err,
				)
			}
			delay = time.Duration(float64(delay) * cfg.Multiplier)
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}

		default:
			// Already disconnected; keep probing at the capped delay
			// until the provider comes back.
			logger.Debug("provider still down", "error", err)
		}
	}
}

// probe pings the connection with a timeout.
func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	defer cancel()
	return w.config.Conn.Ping(probeCtx)
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
