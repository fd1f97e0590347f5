// Package session owns the lifecycle of one conversation's provider
// connections: capability negotiation populates the registry, turns are
// driven through the dispatcher and composer, and closing cancels every
// in-flight request. Sessions are isolated — each holds its own
// registry and connection set, so nothing is shared across sessions.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/calder-ai/switchboard/internal/compose"
	"github.com/calder-ai/switchboard/internal/dispatch"
	"github.com/calder-ai/switchboard/internal/provider"
	"github.com/calder-ai/switchboard/internal/registry"
	"github.com/calder-ai/switchboard/internal/schema"
	"github.com/calder-ai/switchboard/internal/wire"
)

// State is the session lifecycle state.
type State string

// Session states. Closed is terminal.
const (
	StateCreated     State = "created"
	StateNegotiating State = "negotiating"
	StateActive      State = "active"
	StateClosing     State = "closing"
	StateClosed      State = "closed"
)

// negotiateTimeout bounds each provider's initialize + tools/list
// during capability exchange. A slow provider delays only itself.
const negotiateTimeout = 30 * time.Second

// ProviderSpec describes one provider to negotiate with.
type ProviderSpec struct {
	// Name identifies the provider; unique within the session. It is
	// also the registry owner id for its descriptors.
	Name string

	// Transport is the duplex channel to the provider.
	Transport wire.Transport

	// MaxConcurrency caps in-flight calls to this provider.
	// 0 means unbounded.
	MaxConcurrency int

	// Include and Exclude filter which declared tools are registered.
	// A non-empty Include keeps only listed names; otherwise Exclude
	// drops listed names.
	Include []string
	Exclude []string

	// Backoff tunes the provider's health probing. Zero fields get
	// the defaults from provider.DefaultBackoffConfig.
	Backoff provider.BackoffConfig
}

// Session is one conversation's set of provider connections plus its
// registry snapshot and turn counter.
type Session struct {
	id       string
	logger   *slog.Logger
	registry *registry.Registry
	dispatch *dispatch.Dispatcher

	// ctx is the session lifetime; Close cancels it, which cancels
	// every in-flight request belonging to the session.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	conns    map[string]*provider.Connection
	watchers map[string]*provider.Watcher
	specs    map[string]ProviderSpec
	turn     int
}

// Config carries session construction parameters.
type Config struct {
	// Dispatch tunes the dispatcher (timeouts, retries, validation
	// mode, cache).
	Dispatch dispatch.Options

	// Recorder receives audit records for every dispatched call.
	// Nil disables auditing.
	Recorder dispatch.Recorder

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// New creates a session in state Created.
func New(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	id := uuid.NewString()
	logger = logger.With("session", id)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       id,
		logger:   logger,
		registry: registry.New(logger),
		ctx:      ctx,
		cancel:   cancel,
		state:    StateCreated,
		conns:    make(map[string]*provider.Connection),
		watchers: make(map[string]*provider.Watcher),
		specs:    make(map[string]ProviderSpec),
	}
	s.dispatch = dispatch.New(id, s.registry, s, cfg.Dispatch, cfg.Recorder, logger)
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Registry exposes the session's descriptor table.
func (s *Session) Registry() *registry.Registry { return s.registry }

// Connection resolves a registry owner id to its live connection,
// satisfying dispatch.Providers.
func (s *Session) Connection(ownerID string) (*provider.Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[ownerID]
	return c, ok
}

// Negotiate performs the capability exchange with every configured
// provider concurrently and transitions the session to Active. A
// provider that fails to initialize or list its tools is simply absent
// from the registry — partial capability sets are valid and the other
// providers are unaffected.
func (s *Session) Negotiate(ctx context.Context, specs []ProviderSpec) error {
	s.mu.Lock()
	if s.state != StateCreated {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("negotiate in state %s", state)
	}
	s.state = StateNegotiating
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, spec := range specs {
		wg.Add(1)
		go func(spec ProviderSpec) {
			defer wg.Done()
			s.negotiateOne(ctx, spec)
		}(spec)
	}
	wg.Wait()

	s.mu.Lock()
	s.state = StateActive
	registered := s.registry.Len()
	connected := 0
	for _, c := range s.conns {
		if c.State() == provider.StateConnected {
			connected++
		}
	}
	s.mu.Unlock()

	s.logger.Info("session active",
		"providers_configured", len(specs),
		"providers_connected", connected,
		"tools", registered,
	)
	return nil
}

// negotiateOne connects a single provider, registers its tools, and
// starts its health watcher. Failures leave the provider out without
// blocking the rest of the negotiation.
func (s *Session) negotiateOne(ctx context.Context, spec ProviderSpec) {
	conn := provider.NewConnection(spec.Name, spec.Name, spec.Transport, s.logger)

	s.mu.Lock()
	s.conns[spec.Name] = conn
	s.specs[spec.Name] = spec
	s.mu.Unlock()

	negCtx, cancel := context.WithTimeout(ctx, negotiateTimeout)
	defer cancel()

	if err := conn.Initialize(negCtx); err != nil {
		s.logger.Warn("provider failed to initialize, continuing without it",
			"provider", spec.Name,
			"error", err,
		)
		return
	}

	if err := s.exchange(negCtx, conn, spec); err != nil {
		s.logger.Warn("capability exchange failed, continuing without provider",
			"provider", spec.Name,
			"error", err,
		)
		conn.SetState(provider.StateDegraded)
		return
	}

	if spec.MaxConcurrency > 0 {
		s.dispatch.SetConcurrencyCap(spec.Name, spec.MaxConcurrency)
	}

	w := provider.Watch(s.ctx, provider.WatcherConfig{
		Conn:    conn,
		Backoff: spec.Backoff,
		Logger:  s.logger.With("provider", spec.Name),
		OnDown:  func(error) { s.onProviderDown(spec.Name) },
		OnReady: func() { s.onProviderReady(spec.Name) },
	})

	s.mu.Lock()
	s.watchers[spec.Name] = w
	s.mu.Unlock()
}

// exchange lists the provider's tools and registers the ones that pass
// the spec's include/exclude filter. Schema conflicts skip the
// offending descriptor; an unparseable schema does the same.
func (s *Session) exchange(ctx context.Context, conn *provider.Connection, spec ProviderSpec) error {
	defs, err := conn.ListTools(ctx)
	if err != nil {
		return err
	}

	include := toSet(spec.Include)
	exclude := toSet(spec.Exclude)

	registered := 0
	for _, def := range defs {
		if len(include) > 0 {
			if !include[def.Name] {
				continue
			}
		} else if exclude[def.Name] {
			continue
		}

		sch, err := schema.FromWire(def.InputSchema)
		if err != nil {
			s.logger.Warn("skipping tool with invalid schema",
				"provider", spec.Name,
				"tool", def.Name,
				"error", err,
			)
			continue
		}

		err = s.registry.Register(conn.ID(), registry.Descriptor{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: sch,
		})
		if err != nil {
			s.logger.Warn("skipping conflicting tool",
				"provider", spec.Name,
				"tool", def.Name,
				"error", err,
			)
			continue
		}
		registered++
	}

	s.logger.Info("capability exchange complete",
		"provider", spec.Name,
		"declared", len(defs),
		"registered", registered,
	)
	return nil
}

// onProviderDown revokes a disconnected provider's descriptors. The
// session itself stays Active for the unaffected providers.
func (s *Session) onProviderDown(name string) {
	if s.State() != StateActive {
		return
	}
	removed := s.registry.Revoke(name)
	s.logger.Info("provider down, tools revoked",
		"provider", name,
		"revoked", removed,
	)
}

// onProviderReady re-runs the capability exchange for a recovered
// provider so its tools become dispatchable again.
func (s *Session) onProviderReady(name string) {
	if s.State() != StateActive {
		return
	}

	s.mu.Lock()
	conn, okConn := s.conns[name]
	spec, okSpec := s.specs[name]
	s.mu.Unlock()
	if !okConn || !okSpec {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, negotiateTimeout)
	defer cancel()

	if err := s.exchange(ctx, conn, spec); err != nil {
		s.logger.Warn("re-exchange after recovery failed",
			"provider", name,
			"error", err,
		)
	}
}

// RunTurn processes one model turn: parse the raw tool-call elements,
// dispatch them concurrently, and compose the results in emission
// order. Every element in rawCalls yields exactly one entry, malformed
// or not.
func (s *Session) RunTurn(ctx context.Context, rawCalls []json.RawMessage) ([]compose.Entry, error) {
	return s.run(ctx, compose.ParseCalls(rawCalls))
}

// RunText extracts tool calls embedded in free-form assistant text and
// runs them as a turn. Models that cannot emit structured calls fall
// back to <tool_call> tags or bare JSON; RunText accepts both. Returns
// (nil, nil) when the text contains no recognizable calls.
func (s *Session) RunText(ctx context.Context, content string) ([]compose.Entry, error) {
	reqs := compose.ParseText(content)
	if len(reqs) == 0 {
		return nil, nil
	}
	return s.run(ctx, reqs)
}

func (s *Session) run(ctx context.Context, reqs []dispatch.Request) ([]compose.Entry, error) {
	s.mu.Lock()
	if s.state != StateActive {
		state := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("session is %s, not active", state)
	}
	s.turn++
	turn := s.turn
	s.mu.Unlock()

	// The dispatch context honors both the caller's deadline and the
	// session lifetime, so Close cancels in-flight turns.
	dctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	results := s.dispatch.Dispatch(dctx, turn, reqs)
	return compose.Compose(results), nil
}

// Turn returns the number of turns processed so far.
func (s *Session) Turn() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn
}

// ProviderStatus reports the health of every provider connection.
func (s *Session) ProviderStatus() []provider.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]provider.Status, 0, len(s.watchers))
	for _, w := range s.watchers {
		out = append(out, w.Status())
	}
	return out
}

// Close cancels all in-flight requests, stops the health watchers, and
// releases every provider connection. Terminal and idempotent; no
// further operations are accepted afterwards.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosing
	watchers := make([]*provider.Watcher, 0, len(s.watchers))
	for _, w := range s.watchers {
		watchers = append(watchers, w)
	}
	conns := make([]*provider.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	// Cancel in-flight requests first so workers stop touching the
	// transports being torn down.
	s.cancel()

	for _, w := range watchers {
		w.Stop()
	}
	for _, c := range conns {
		if err := c.Close(); err != nil {
			s.logger.Warn("provider close failed", "provider", c.Name(), "error", err)
		}
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	s.logger.Info("session closed", "turns", s.Turn())
	return nil
}

// toSet builds a membership set from a list.
func toSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}
