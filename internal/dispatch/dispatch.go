// Package dispatch routes validated tool calls to their owning provider
// connections, bounds their concurrency and deadlines, and turns every
// outcome — success or failure — into exactly one structured result.
// No failure escapes a dispatch as a Go error; the model always gets a
// labeled outcome for every call it issued.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/calder-ai/switchboard/internal/fault"
	"github.com/calder-ai/switchboard/internal/provider"
	"github.com/calder-ai/switchboard/internal/registry"
	"github.com/calder-ai/switchboard/internal/schema"
	"github.com/calder-ai/switchboard/internal/wire"
)

// Status reports whether a call produced a payload or a failure.
type Status string

// Result statuses.
const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Request is one model-issued tool call. EmissionOrder is its position
// in the turn; results are assembled in that order regardless of
// completion order. Immutable once created.
type Request struct {
	ID            string
	Tool          string
	Arguments     map[string]any
	EmissionOrder int

	// Malformed marks a call whose structure could not be parsed. It
	// is never dispatched, but still yields a surfaced error result.
	Malformed *fault.Error
}

// Result is the single outcome produced for a request.
type Result struct {
	RequestID string
	Tool      string
	Status    Status
	Payload   json.RawMessage
	ErrorKind fault.Kind
	Message   string
	Elapsed   time.Duration
}

// Providers resolves a registry owner id to its live connection.
type Providers interface {
	Connection(ownerID string) (*provider.Connection, bool)
}

// Record is the audit view of one dispatched call.
type Record struct {
	SessionID string
	Turn      int
	RequestID string
	Tool      string
	Status    Status
	ErrorKind fault.Kind
	Message   string
	Arguments map[string]any
	Payload   json.RawMessage
	Started   time.Time
	Elapsed   time.Duration
}

// Recorder persists audit records. A nil Recorder disables auditing.
type Recorder interface {
	Record(ctx context.Context, rec Record)
}

// Options tune dispatcher behavior. Zero fields get defaults.
type Options struct {
	// CallTimeout is the per-request deadline (default 30s).
	CallTimeout time.Duration

	// RetryMax bounds retries of transport-level failures (default 2).
	// Validation and routing failures are never retried.
	RetryMax int

	// RetryDelay is the initial backoff between retries, doubling each
	// attempt (default 250ms).
	RetryDelay time.Duration

	// ValidationMode is the unknown-field policy (default Strict).
	ValidationMode schema.Mode

	// CacheTTL enables the result cache when positive (default off).
	// Only Ok results are cached.
	CacheTTL time.Duration

	// CacheSize caps cached entries (default 256 when cache enabled).
	CacheSize int
}

// withDefaults fills zero option fields.
func (o Options) withDefaults() Options {
	if o.CallTimeout <= 0 {
		o.CallTimeout = 30 * time.Second
	}
	if o.RetryMax < 0 {
		o.RetryMax = 0
	} else if o.RetryMax == 0 {
		o.RetryMax = 2
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 250 * time.Millisecond
	}
	if o.CacheSize <= 0 {
		o.CacheSize = 256
	}
	return o
}

// Dispatcher executes a turn's calls concurrently against their owning
// providers. One dispatcher serves one session.
type Dispatcher struct {
	sessionID string
	registry  *registry.Registry
	providers Providers
	opts      Options
	logger    *slog.Logger
	recorder  Recorder
	cache     *resultCache

	// caps holds per-provider semaphores for providers that declared a
	// concurrency limit. Absent means unbounded.
	capsMu sync.RWMutex
	caps   map[string]chan struct{}
}

// New creates a dispatcher over the session's registry and providers.
func New(sessionID string, reg *registry.Registry, providers Providers, opts Options, recorder Recorder, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()

	d := &Dispatcher{
		sessionID: sessionID,
		registry:  reg,
		providers: providers,
		opts:      opts,
		logger:    logger,
		recorder:  recorder,
		caps:      make(map[string]chan struct{}),
	}
	if opts.CacheTTL > 0 {
		d.cache = newResultCache(opts.CacheTTL, opts.CacheSize)
	}
	return d
}

// SetConcurrencyCap serializes traffic to a provider that declared a
// concurrency limit. A cap of 0 removes the limit.
func (d *Dispatcher) SetConcurrencyCap(ownerID string, cap int) {
	d.capsMu.Lock()
	defer d.capsMu.Unlock()
	if cap <= 0 {
		delete(d.caps, ownerID)
		return
	}
	d.caps[ownerID] = make(chan struct{}, cap)
}

// Dispatch executes the turn's requests as independent concurrent units
// of work and returns one result per request, in emission order. Each
// worker writes only its own slot, so out-of-order completion cannot
// reorder the output.
func (d *Dispatcher) Dispatch(ctx context.Context, turn int, reqs []Request) []Result {
	results := make([]Result, len(reqs))

	var wg sync.WaitGroup
	for i, req := range reqs {
		if req.Malformed != nil {
			// Never dispatched, but the model still gets feedback.
			results[i] = d.finish(ctx, turn, req, Result{
				RequestID: req.ID,
				Tool:      req.Tool,
				Status:    StatusError,
				ErrorKind: req.Malformed.Kind,
				Message:   req.Malformed.Message,
			}, time.Now())
			continue
		}

		wg.Add(1)
		go func(slot int, req Request) {
			defer wg.Done()
			results[slot] = d.one(ctx, turn, req)
		}(i, req)
	}
	wg.Wait()

	return results
}

// one runs the full pipeline for a single request: lookup, validation,
// health gate, optional cache, provider call with deadline and bounded
// retry.
func (d *Dispatcher) one(ctx context.Context, turn int, req Request) Result {
	started := time.Now()

	desc, ownerID, err := d.registry.Lookup(req.Tool)
	if err != nil {
		return d.finish(ctx, turn, req, Result{
			RequestID: req.ID,
			Tool:      req.Tool,
			Status:    StatusError,
			ErrorKind: fault.KindUnknownTool,
			Message:   "no tool named " + req.Tool + " is registered",
		}, started)
	}

	args, err := schema.Validate(desc.InputSchema, req.Arguments, d.opts.ValidationMode)
	if err != nil {
		var v *schema.ViolationError
		msg := err.Error()
		if errors.As(err, &v) {
			msg = v.Reason + " at " + v.FieldPath
		}
		return d.finish(ctx, turn, req, Result{
			RequestID: req.ID,
			Tool:      req.Tool,
			Status:    StatusError,
			ErrorKind: fault.KindSchemaViolation,
			Message:   msg,
		}, started)
	}

	conn, ok := d.providers.Connection(ownerID)
	if !ok || conn.State() != provider.StateConnected {
		// Degraded or disconnected owners fail fast rather than
		// blocking on a dead transport.
		return d.finish(ctx, turn, req, Result{
			RequestID: req.ID,
			Tool:      req.Tool,
			Status:    StatusError,
			ErrorKind: fault.KindServerUnavailable,
			Message:   "provider for " + req.Tool + " is not connected",
		}, started)
	}

	if d.cache != nil {
		if payload, hit := d.cache.get(req.Tool, args); hit {
			return d.finish(ctx, turn, req, Result{
				RequestID: req.ID,
				Tool:      req.Tool,
				Status:    StatusOK,
				Payload:   payload,
			}, started)
		}
	}

	sem, err := d.acquire(ctx, ownerID)
	if err != nil {
		// Cancellation while queued on the cap is a lost channel, not
		// an expired deadline; it gets the same kind as an in-flight
		// cancellation.
		return d.finish(ctx, turn, req, Result{
			RequestID: req.ID,
			Tool:      req.Tool,
			Status:    StatusError,
			ErrorKind: fault.KindServerUnavailable,
			Message:   "cancelled while queued: " + err.Error(),
		}, started)
	}
	defer d.release(sem)

	res := d.call(ctx, req, conn, args)
	return d.finish(ctx, turn, req, res, started)
}

// call issues the provider call with a per-request deadline, retrying
// transport-level failures with doubling backoff. Late responses are
// discarded by the transport when the deadline context fires.
func (d *Dispatcher) call(ctx context.Context, req Request, conn *provider.Connection, args map[string]any) Result {
	delay := d.opts.RetryDelay

	var lastErr error
	for attempt := 0; attempt <= d.opts.RetryMax; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, d.opts.CallTimeout)
		outcome, err := conn.Call(callCtx, req.Tool, args)
		cancel()

		if err == nil {
			if outcome.ToolErr {
				return Result{
					RequestID: req.ID,
					Tool:      req.Tool,
					Status:    StatusError,
					ErrorKind: fault.KindToolError,
					Message:   outcome.Message,
				}
			}
			if d.cache != nil {
				d.cache.put(req.Tool, args, outcome.Payload)
			}
			return Result{
				RequestID: req.ID,
				Tool:      req.Tool,
				Status:    StatusOK,
				Payload:   outcome.Payload,
			}
		}

		// Deadline on the call context is a timeout, not a transport
		// fault: no retry, the late answer is already abandoned.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return Result{
				RequestID: req.ID,
				Tool:      req.Tool,
				Status:    StatusError,
				ErrorKind: fault.KindTimedOut,
				Message:   "no response within " + d.opts.CallTimeout.String(),
			}
		}

		// Session closing cancels every in-flight call.
		if ctx.Err() != nil {
			return Result{
				RequestID: req.ID,
				Tool:      req.Tool,
				Status:    StatusError,
				ErrorKind: fault.KindServerUnavailable,
				Message:   "call cancelled: " + ctx.Err().Error(),
			}
		}

		// A provider-reported protocol error is not transient.
		var rpcErr *wire.RPCError
		if errors.As(err, &rpcErr) {
			return Result{
				RequestID: req.ID,
				Tool:      req.Tool,
				Status:    StatusError,
				ErrorKind: fault.KindToolError,
				Message:   rpcErr.Message,
			}
		}

		lastErr = err
		if attempt < d.opts.RetryMax {
			d.logger.Debug("retrying after transport failure",
				"tool", req.Tool,
				"request", req.ID,
				"attempt", attempt+1,
				"error", err,
			)
			if !sleepCtx(ctx, delay) {
				break
			}
			delay *= 2
		}
	}

	msg := "transport failed after retries"
	if lastErr != nil {
		msg = "transport failed after retries: " + lastErr.Error()
	}
	return Result{
		RequestID: req.ID,
		Tool:      req.Tool,
		Status:    StatusError,
		ErrorKind: fault.KindServerUnavailable,
		Message:   msg,
	}
}

// acquire takes a concurrency slot for the provider, if it has a cap.
// It returns the semaphore the slot was taken from; releasing must go
// back to that same channel even if the cap is replaced mid-call.
func (d *Dispatcher) acquire(ctx context.Context, ownerID string) (chan struct{}, error) {
	d.capsMu.RLock()
	sem := d.caps[ownerID]
	d.capsMu.RUnlock()
	if sem == nil {
		return nil, nil
	}
	select {
	case sem <- struct{}{}:
		return sem, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// release returns a concurrency slot to the semaphore it came from.
func (d *Dispatcher) release(sem chan struct{}) {
	if sem != nil {
		<-sem
	}
}

// finish stamps timing, records the audit entry, and logs the outcome.
func (d *Dispatcher) finish(ctx context.Context, turn int, req Request, res Result, started time.Time) Result {
	res.Elapsed = time.Since(started)

	if res.Status == StatusOK {
		d.logger.Debug("tool call ok",
			"tool", req.Tool,
			"request", req.ID,
			"elapsed", res.Elapsed,
		)
	} else {
		d.logger.Info("tool call failed",
			"tool", req.Tool,
			"request", req.ID,
			"kind", res.ErrorKind,
			"elapsed", res.Elapsed,
		)
	}

	if d.recorder != nil {
		d.recorder.Record(ctx, Record{
			SessionID: d.sessionID,
			Turn:      turn,
			RequestID: req.ID,
			Tool:      req.Tool,
			Status:    res.Status,
			ErrorKind: res.ErrorKind,
			Message:   res.Message,
			Arguments: req.Arguments,
			Payload:   res.Payload,
			Started:   started,
			Elapsed:   res.Elapsed,
		})
	}

	return res
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
