package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/calder-ai/switchboard/internal/fault"
	"github.com/calder-ai/switchboard/internal/provider"
	"github.com/calder-ai/switchboard/internal/registry"
	"github.com/calder-ai/switchboard/internal/schema"
	"github.com/calder-ai/switchboard/internal/transport"
	"github.com/calder-ai/switchboard/internal/wire"
)

// toolFunc is the provider-side behavior of one test tool. It returns
// the payload, whether the tool reports a failure, and the failure
// message.
type toolFunc func(ctx context.Context, args map[string]any) (json.RawMessage, bool, string)

// pipeProvider builds a Connected provider connection whose tools/call
// is served by fn over an in-memory pipe.
func pipeProvider(t *testing.T, id string, fn toolFunc) *provider.Connection {
	t.Helper()

	handler := func(ctx context.Context, req *wire.Request) (*wire.Response, error) {
		switch req.Method {
		case "initialize":
			return &wire.Response{
				JSONRPC: "2.0",
				ID:      req.ID,
				Result:  json.RawMessage(`{"protocolVersion":"2024-11-05","serverInfo":{"name":"pipe","version":"0"}}`),
			}, nil
		case "tools/call":
			params, _ := json.Marshal(req.Params)
			var call struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			}
			if err := json.Unmarshal(params, &call); err != nil {
				return nil, err
			}
			payload, isErr, msg := fn(ctx, call.Arguments)
			result, _ := json.Marshal(map[string]any{
				"content": payload,
				"isError": isErr,
				"message": msg,
			})
			return &wire.Response{JSONRPC: "2.0", ID: req.ID, Result: result}, nil
		default:
			return nil, fmt.Errorf("unexpected method: %s", req.Method)
		}
	}

	conn := provider.NewConnection(id, id, transport.NewPipe(handler), nil)
	if err := conn.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return conn
}

// testProviders resolves owner ids from a fixed map.
type testProviders map[string]*provider.Connection

func (p testProviders) Connection(ownerID string) (*provider.Connection, bool) {
	c, ok := p[ownerID]
	return c, ok
}

// captureRecorder collects audit records.
type captureRecorder struct {
	mu   sync.Mutex
	recs []Record
}

func (r *captureRecorder) Record(_ context.Context, rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
}

func (r *captureRecorder) all() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.recs))
	copy(out, r.recs)
	return out
}

func echoSchema() *schema.Schema {
	return &schema.Schema{
		Type: schema.TypeObject,
		Properties: map[string]*schema.Schema{
			"msg": {Type: schema.TypeString},
		},
		Required: []string{"msg"},
	}
}

func registerEcho(t *testing.T, reg *registry.Registry, owner string) {
	t.Helper()
	err := reg.Register(owner, registry.Descriptor{
		Name:        "echo",
		Description: "Return the message argument",
		InputSchema: echoSchema(),
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func TestDispatch_OK(t *testing.T) {
	reg := registry.New(nil)
	registerEcho(t, reg, "p1")

	conn := pipeProvider(t, "p1", func(_ context.Context, args map[string]any) (json.RawMessage, bool, string) {
		payload, _ := json.Marshal(map[string]any{"echo": args["msg"]})
		return payload, false, ""
	})

	rec := &captureRecorder{}
	d := New("s1", reg, testProviders{"p1": conn}, Options{}, rec, nil)

	results := d.Dispatch(context.Background(), 1, []Request{
		{ID: "r1", Tool: "echo", Arguments: map[string]any{"msg": "hi"}, EmissionOrder: 0},
	})

	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	res := results[0]
	if res.Status != StatusOK {
		t.Fatalf("Status = %q (%s: %s)", res.Status, res.ErrorKind, res.Message)
	}
	if res.RequestID != "r1" || res.Tool != "echo" {
		t.Errorf("result = %+v", res)
	}
	if string(res.Payload) != `{"echo":"hi"}` {
		t.Errorf("Payload = %s", res.Payload)
	}
	if res.Elapsed <= 0 {
		t.Error("Elapsed not stamped")
	}

	recs := rec.all()
	if len(recs) != 1 {
		t.Fatalf("got %d audit records, want 1", len(recs))
	}
	if recs[0].SessionID != "s1" || recs[0].Turn != 1 || recs[0].RequestID != "r1" {
		t.Errorf("record = %+v", recs[0])
	}
}

func TestDispatch_UnknownTool(t *testing.T) {
	reg := registry.New(nil)
	conn := pipeProvider(t, "p1", func(context.Context, map[string]any) (json.RawMessage, bool, string) {
		return json.RawMessage(`null`), false, ""
	})

	d := New("s1", reg, testProviders{"p1": conn}, Options{}, nil, nil)
	results := d.Dispatch(context.Background(), 1, []Request{
		{ID: "r1", Tool: "frobnicate"},
	})

	res := results[0]
	if res.Status != StatusError || res.ErrorKind != fault.KindUnknownTool {
		t.Fatalf("result = %+v", res)
	}
	if conn.CallCount() != 0 {
		t.Errorf("provider was contacted %d times for an unknown tool", conn.CallCount())
	}
}

func TestDispatch_SchemaViolation(t *testing.T) {
	reg := registry.New(nil)
	registerEcho(t, reg, "p1")
	conn := pipeProvider(t, "p1", func(context.Context, map[string]any) (json.RawMessage, bool, string) {
		return json.RawMessage(`null`), false, ""
	})

	d := New("s1", reg, testProviders{"p1": conn}, Options{}, nil, nil)
	results := d.Dispatch(context.Background(), 1, []Request{
		{ID: "r1", Tool: "echo", Arguments: map[string]any{}},
	})

	res := results[0]
	if res.ErrorKind != fault.KindSchemaViolation {
		t.Fatalf("ErrorKind = %q, want SchemaViolation", res.ErrorKind)
	}
	if res.Message != "required field missing at $.msg" {
		t.Errorf("Message = %q", res.Message)
	}
	if conn.CallCount() != 0 {
		t.Errorf("provider was contacted %d times for invalid arguments", conn.CallCount())
	}
}

// Results come back in emission order even when completion order is
// scrambled by per-call latency.
func TestDispatch_EmissionOrderUnderLatency(t *testing.T) {
	reg := registry.New(nil)
	registerEcho(t, reg, "p1")

	conn := pipeProvider(t, "p1", func(_ context.Context, args map[string]any) (json.RawMessage, bool, string) {
		time.Sleep(time.Duration(rand.Intn(20)) * time.Millisecond)
		payload, _ := json.Marshal(args["msg"])
		return payload, false, ""
	})

	d := New("s1", reg, testProviders{"p1": conn}, Options{}, nil, nil)

	const n = 12
	reqs := make([]Request, n)
	for i := range reqs {
		reqs[i] = Request{
			ID:            fmt.Sprintf("r%d", i),
			Tool:          "echo",
			Arguments:     map[string]any{"msg": fmt.Sprintf("m%d", i)},
			EmissionOrder: i,
		}
	}

	results := d.Dispatch(context.Background(), 1, reqs)
	if len(results) != n {
		t.Fatalf("got %d results, want %d", len(results), n)
	}
	for i, res := range results {
		if res.RequestID != fmt.Sprintf("r%d", i) {
			t.Errorf("results[%d].RequestID = %q, want r%d", i, res.RequestID, i)
		}
		if res.Status != StatusOK {
			t.Errorf("results[%d] failed: %s %s", i, res.ErrorKind, res.Message)
		}
	}
}

func TestDispatch_ProviderNotConnected(t *testing.T) {
	reg := registry.New(nil)
	registerEcho(t, reg, "p1")
	conn := pipeProvider(t, "p1", func(context.Context, map[string]any) (json.RawMessage, bool, string) {
		return json.RawMessage(`null`), false, ""
	})
	conn.SetState(provider.StateDegraded)

	d := New("s1", reg, testProviders{"p1": conn}, Options{}, nil, nil)

	start := time.Now()
	results := d.Dispatch(context.Background(), 1, []Request{
		{ID: "r1", Tool: "echo", Arguments: map[string]any{"msg": "hi"}},
	})

	res := results[0]
	if res.ErrorKind != fault.KindServerUnavailable {
		t.Fatalf("ErrorKind = %q, want ServerUnavailable", res.ErrorKind)
	}
	if conn.CallCount() != 0 {
		t.Errorf("degraded provider was contacted %d times", conn.CallCount())
	}
	// Fail fast: no transport wait, no retry schedule.
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("fail-fast took %v", elapsed)
	}
}

func TestDispatch_Timeout(t *testing.T) {
	reg := registry.New(nil)
	registerEcho(t, reg, "p1")

	var calls atomic.Int64
	conn := pipeProvider(t, "p1", func(ctx context.Context, _ map[string]any) (json.RawMessage, bool, string) {
		calls.Add(1)
		<-ctx.Done()
		return json.RawMessage(`"late"`), false, ""
	})

	d := New("s1", reg, testProviders{"p1": conn}, Options{
		CallTimeout: 20 * time.Millisecond,
		RetryMax:    2,
	}, nil, nil)

	results := d.Dispatch(context.Background(), 1, []Request{
		{ID: "r1", Tool: "echo", Arguments: map[string]any{"msg": "hi"}},
	})

	res := results[0]
	if res.ErrorKind != fault.KindTimedOut {
		t.Fatalf("ErrorKind = %q, want TimedOut (%s)", res.ErrorKind, res.Message)
	}
	// A timeout is not a transport fault: no retry, the late answer is
	// already discarded.
	if got := calls.Load(); got != 1 {
		t.Errorf("handler ran %d times, want 1 (timeouts are not retried)", got)
	}
}

func TestDispatch_RetryTransient(t *testing.T) {
	reg := registry.New(nil)
	registerEcho(t, reg, "p1")

	var attempts atomic.Int64
	handler := func(ctx context.Context, req *wire.Request) (*wire.Response, error) {
		switch req.Method {
		case "initialize":
			return &wire.Response{
				JSONRPC: "2.0",
				ID:      req.ID,
				Result:  json.RawMessage(`{"protocolVersion":"2024-11-05","serverInfo":{"name":"pipe","version":"0"}}`),
			}, nil
		case "tools/call":
			if attempts.Add(1) < 3 {
				return nil, fmt.Errorf("connection reset")
			}
			result, _ := json.Marshal(map[string]any{"content": json.RawMessage(`"ok"`)})
			return &wire.Response{JSONRPC: "2.0", ID: req.ID, Result: result}, nil
		default:
			return nil, fmt.Errorf("unexpected method: %s", req.Method)
		}
	}
	conn := provider.NewConnection("p1", "p1", transport.NewPipe(handler), nil)
	if err := conn.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	d := New("s1", reg, testProviders{"p1": conn}, Options{
		RetryMax:   2,
		RetryDelay: time.Millisecond,
	}, nil, nil)

	results := d.Dispatch(context.Background(), 1, []Request{
		{ID: "r1", Tool: "echo", Arguments: map[string]any{"msg": "hi"}},
	})

	res := results[0]
	if res.Status != StatusOK {
		t.Fatalf("Status = %q (%s: %s)", res.Status, res.ErrorKind, res.Message)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("handler ran %d times, want 3 (two retries)", got)
	}
}

func TestDispatch_RetryBudgetExhausted(t *testing.T) {
	reg := registry.New(nil)
	registerEcho(t, reg, "p1")

	var attempts atomic.Int64
	handler := func(ctx context.Context, req *wire.Request) (*wire.Response, error) {
		if req.Method == "initialize" {
			return &wire.Response{
				JSONRPC: "2.0",
				ID:      req.ID,
				Result:  json.RawMessage(`{"protocolVersion":"2024-11-05","serverInfo":{"name":"pipe","version":"0"}}`),
			}, nil
		}
		attempts.Add(1)
		return nil, fmt.Errorf("connection reset")
	}
	conn := provider.NewConnection("p1", "p1", transport.NewPipe(handler), nil)
	if err := conn.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	d := New("s1", reg, testProviders{"p1": conn}, Options{
		RetryMax:   2,
		RetryDelay: time.Millisecond,
	}, nil, nil)

	results := d.Dispatch(context.Background(), 1, []Request{
		{ID: "r1", Tool: "echo", Arguments: map[string]any{"msg": "hi"}},
	})

	res := results[0]
	if res.ErrorKind != fault.KindServerUnavailable {
		t.Fatalf("ErrorKind = %q, want ServerUnavailable", res.ErrorKind)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("handler ran %d times, want 3 (initial + two retries)", got)
	}
}

func TestDispatch_ToolError(t *testing.T) {
	reg := registry.New(nil)
	registerEcho(t, reg, "p1")

	var calls atomic.Int64
	conn := pipeProvider(t, "p1", func(context.Context, map[string]any) (json.RawMessage, bool, string) {
		calls.Add(1)
		return json.RawMessage(`null`), true, "order not found"
	})

	d := New("s1", reg, testProviders{"p1": conn}, Options{RetryDelay: time.Millisecond}, nil, nil)
	results := d.Dispatch(context.Background(), 1, []Request{
		{ID: "r1", Tool: "echo", Arguments: map[string]any{"msg": "hi"}},
	})

	res := results[0]
	if res.ErrorKind != fault.KindToolError {
		t.Fatalf("ErrorKind = %q, want ToolError", res.ErrorKind)
	}
	if res.Message != "order not found" {
		t.Errorf("Message = %q", res.Message)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("handler ran %d times, want 1 (tool failures are not retried)", got)
	}
}

func TestDispatch_RPCErrorIsToolError(t *testing.T) {
	reg := registry.New(nil)
	registerEcho(t, reg, "p1")

	var attempts atomic.Int64
	handler := func(ctx context.Context, req *wire.Request) (*wire.Response, error) {
		if req.Method == "initialize" {
			return &wire.Response{
				JSONRPC: "2.0",
				ID:      req.ID,
				Result:  json.RawMessage(`{"protocolVersion":"2024-11-05","serverInfo":{"name":"pipe","version":"0"}}`),
			}, nil
		}
		attempts.Add(1)
		return &wire.Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &wire.RPCError{Code: -32602, Message: "invalid params"},
		}, nil
	}
	conn := provider.NewConnection("p1", "p1", transport.NewPipe(handler), nil)
	if err := conn.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	d := New("s1", reg, testProviders{"p1": conn}, Options{RetryDelay: time.Millisecond}, nil, nil)
	results := d.Dispatch(context.Background(), 1, []Request{
		{ID: "r1", Tool: "echo", Arguments: map[string]any{"msg": "hi"}},
	})

	res := results[0]
	if res.ErrorKind != fault.KindToolError {
		t.Fatalf("ErrorKind = %q, want ToolError", res.ErrorKind)
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("handler ran %d times, want 1 (protocol errors are not retried)", got)
	}
}

func TestDispatch_ParentCancellation(t *testing.T) {
	reg := registry.New(nil)
	registerEcho(t, reg, "p1")

	conn := pipeProvider(t, "p1", func(ctx context.Context, _ map[string]any) (json.RawMessage, bool, string) {
		<-ctx.Done()
		return json.RawMessage(`"late"`), false, ""
	})

	d := New("s1", reg, testProviders{"p1": conn}, Options{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	results := d.Dispatch(ctx, 1, []Request{
		{ID: "r1", Tool: "echo", Arguments: map[string]any{"msg": "hi"}},
	})

	res := results[0]
	if res.ErrorKind != fault.KindServerUnavailable {
		t.Fatalf("ErrorKind = %q, want ServerUnavailable (session close)", res.ErrorKind)
	}
}

func TestDispatch_MalformedRequest(t *testing.T) {
	reg := registry.New(nil)
	registerEcho(t, reg, "p1")
	conn := pipeProvider(t, "p1", func(context.Context, map[string]any) (json.RawMessage, bool, string) {
		return json.RawMessage(`null`), false, ""
	})

	d := New("s1", reg, testProviders{"p1": conn}, Options{}, nil, nil)
	results := d.Dispatch(context.Background(), 1, []Request{
		{ID: "r1", Malformed: fault.New(fault.KindProtocolError, "tool call has no tool name")},
		{ID: "r2", Tool: "echo", Arguments: map[string]any{"msg": "hi"}, EmissionOrder: 1},
	})

	if results[0].ErrorKind != fault.KindProtocolError {
		t.Errorf("results[0].ErrorKind = %q, want ProtocolError", results[0].ErrorKind)
	}
	if results[1].Status != StatusOK {
		t.Errorf("results[1] = %+v", results[1])
	}
	if conn.CallCount() != 1 {
		t.Errorf("CallCount = %d, want 1 (malformed call never dispatched)", conn.CallCount())
	}
}

func TestDispatch_CacheHit(t *testing.T) {
	reg := registry.New(nil)
	registerEcho(t, reg, "p1")

	var calls atomic.Int64
	conn := pipeProvider(t, "p1", func(_ context.Context, args map[string]any) (json.RawMessage, bool, string) {
		calls.Add(1)
		payload, _ := json.Marshal(args["msg"])
		return payload, false, ""
	})

	d := New("s1", reg, testProviders{"p1": conn}, Options{CacheTTL: time.Minute}, nil, nil)
	req := Request{ID: "r1", Tool: "echo", Arguments: map[string]any{"msg": "hi"}}

	first := d.Dispatch(context.Background(), 1, []Request{req})
	second := d.Dispatch(context.Background(), 2, []Request{req})

	if first[0].Status != StatusOK || second[0].Status != StatusOK {
		t.Fatalf("results = %+v / %+v", first[0], second[0])
	}
	if string(first[0].Payload) != string(second[0].Payload) {
		t.Errorf("cached payload differs: %s vs %s", first[0].Payload, second[0].Payload)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("handler ran %d times, want 1 (second call served from cache)", got)
	}

	// Different arguments bypass the cache.
	d.Dispatch(context.Background(), 3, []Request{
		{ID: "r3", Tool: "echo", Arguments: map[string]any{"msg": "other"}},
	})
	if got := calls.Load(); got != 2 {
		t.Errorf("handler ran %d times, want 2", got)
	}
}

func TestDispatch_ConcurrencyCap(t *testing.T) {
	reg := registry.New(nil)
	registerEcho(t, reg, "p1")

	var inFlight, maxInFlight atomic.Int64
	conn := pipeProvider(t, "p1", func(context.Context, map[string]any) (json.RawMessage, bool, string) {
		cur := inFlight.Add(1)
		for {
			prev := maxInFlight.Load()
			if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return json.RawMessage(`null`), false, ""
	})

	d := New("s1", reg, testProviders{"p1": conn}, Options{}, nil, nil)
	d.SetConcurrencyCap("p1", 1)

	reqs := make([]Request, 6)
	for i := range reqs {
		reqs[i] = Request{
			ID:        fmt.Sprintf("r%d", i),
			Tool:      "echo",
			Arguments: map[string]any{"msg": "hi"},
		}
	}

	results := d.Dispatch(context.Background(), 1, reqs)
	for i, res := range results {
		if res.Status != StatusOK {
			t.Errorf("results[%d] failed: %s", i, res.Message)
		}
	}
	if got := maxInFlight.Load(); got != 1 {
		t.Errorf("max in-flight = %d, want 1", got)
	}
}

func TestDispatch_EveryRequestRecorded(t *testing.T) {
	reg := registry.New(nil)
	registerEcho(t, reg, "p1")
	conn := pipeProvider(t, "p1", func(context.Context, map[string]any) (json.RawMessage, bool, string) {
		return json.RawMessage(`null`), false, ""
	})

	rec := &captureRecorder{}
	d := New("s1", reg, testProviders{"p1": conn}, Options{}, rec, nil)

	d.Dispatch(context.Background(), 1, []Request{
		{ID: "ok", Tool: "echo", Arguments: map[string]any{"msg": "hi"}},
		{ID: "unknown", Tool: "frobnicate"},
		{ID: "bad", Malformed: fault.New(fault.KindProtocolError, "no name")},
	})

	recs := rec.all()
	if len(recs) != 3 {
		t.Fatalf("got %d audit records, want 3 (every request yields exactly one)", len(recs))
	}
	seen := make(map[string]bool)
	for _, r := range recs {
		if seen[r.RequestID] {
			t.Errorf("request %s recorded twice", r.RequestID)
		}
		seen[r.RequestID] = true
	}
}

func TestDispatch_CancelledWhileQueued(t *testing.T) {
	reg := registry.New(nil)
	registerEcho(t, reg, "p1")

	started := make(chan struct{}, 1)
	conn := pipeProvider(t, "p1", func(ctx context.Context, _ map[string]any) (json.RawMessage, bool, string) {
		started <- struct{}{}
		<-ctx.Done()
		return json.RawMessage(`"late"`), false, ""
	})

	d := New("s1", reg, testProviders{"p1": conn}, Options{}, nil, nil)
	d.SetConcurrencyCap("p1", 1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		time.Sleep(10 * time.Millisecond) // let the sibling queue on the cap
		cancel()
	}()

	results := d.Dispatch(ctx, 1, []Request{
		{ID: "r1", Tool: "echo", Arguments: map[string]any{"msg": "a"}},
		{ID: "r2", Tool: "echo", Arguments: map[string]any{"msg": "b"}, EmissionOrder: 1},
	})

	// One request is in flight, the other is queued on the cap; the
	// same cancellation must classify both the same way, and neither as
	// a timeout, since no deadline expired.
	for i, res := range results {
		if res.ErrorKind != fault.KindServerUnavailable {
			t.Errorf("results[%d].ErrorKind = %q, want ServerUnavailable", i, res.ErrorKind)
		}
	}
	if got := conn.CallCount(); got != 1 {
		t.Errorf("CallCount = %d, want 1 (queued request never reached the provider)", got)
	}
}

func TestDispatch_CapReplacedMidCall(t *testing.T) {
	reg := registry.New(nil)
	registerEcho(t, reg, "p1")

	release := make(chan struct{})
	var calls atomic.Int64
	conn := pipeProvider(t, "p1", func(_ context.Context, _ map[string]any) (json.RawMessage, bool, string) {
		if calls.Add(1) == 1 {
			<-release
		}
		return json.RawMessage(`null`), false, ""
	})

	d := New("s1", reg, testProviders{"p1": conn}, Options{}, nil, nil)
	d.SetConcurrencyCap("p1", 1)

	done := make(chan []Result, 1)
	go func() {
		done <- d.Dispatch(context.Background(), 1, []Request{
			{ID: "r1", Tool: "echo", Arguments: map[string]any{"msg": "a"}},
			{ID: "r2", Tool: "echo", Arguments: map[string]any{"msg": "b"}, EmissionOrder: 1},
		})
	}()

	// Replace the cap while one request holds a slot and the other is
	// queued on the original semaphore, then let the holder finish. Its
	// slot must go back to the semaphore it came from or the queued
	// request never wakes.
	time.Sleep(20 * time.Millisecond)
	d.SetConcurrencyCap("p1", 2)
	close(release)

	select {
	case results := <-done:
		for i, res := range results {
			if res.Status != StatusOK {
				t.Errorf("results[%d] failed: %s", i, res.Message)
			}
		}
	case <-time.After(3 * time.Second):
		t.Fatal("dispatch deadlocked after cap replacement")
	}
}
