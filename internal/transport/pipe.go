package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/calder-ai/switchboard/internal/wire"
)

// PipeHandler processes one request on the provider side of a pipe.
type PipeHandler func(ctx context.Context, req *wire.Request) (*wire.Response, error)

// Pipe is an in-memory transport whose provider side is a handler
// function. It exists for in-process providers and tests: handlers can
// inject latency, and a handler still running when the call context
// expires has its result discarded, matching real transport behavior.
type Pipe struct {
	handler PipeHandler

	mu       sync.Mutex
	closed   bool
	notified []wire.Notification
}

// NewPipe creates a pipe transport served by the given handler.
func NewPipe(handler PipeHandler) *Pipe {
	return &Pipe{handler: handler}
}

// Send runs the handler and waits for its response or the context.
func (t *Pipe) Send(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("pipe closed")
	}

	type outcome struct {
		resp *wire.Response
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		resp, err := t.handler(ctx, req)
		ch <- outcome{resp: resp, err: err}
	}()

	select {
	case <-ctx.Done():
		// The handler result, if it ever lands, stays in the buffered
		// channel and is garbage collected with it.
		return nil, ctx.Err()
	case out := <-ch:
		return out.resp, out.err
	}
}

// Notify records the notification; pipe providers have no notification
// semantics beyond observing them in tests.
func (t *Pipe) Notify(_ context.Context, notif *wire.Notification) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("pipe closed")
	}
	t.notified = append(t.notified, *notif)
	return nil
}

// Notifications returns a copy of all notifications seen so far.
func (t *Pipe) Notifications() []wire.Notification {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]wire.Notification, len(t.notified))
	copy(out, t.notified)
	return out
}

// Close marks the pipe closed; subsequent calls fail.
func (t *Pipe) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
