package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/calder-ai/switchboard/internal/wire"
)

// WebsocketConfig configures a persistent websocket transport.
type WebsocketConfig struct {
	// URL is the provider endpoint (ws:// or wss://).
	URL string

	// Headers are additional HTTP headers sent with the handshake
	// (e.g., Authorization).
	Headers map[string]string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// Websocket keeps one duplex connection to a provider and correlates
// responses to requests by message id. A single read loop fans incoming
// messages out to per-request channels; messages whose waiter has
// already given up (timeout, cancellation) are dropped here, which is
// what guarantees that late responses never reach a later turn.
type Websocket struct {
	config WebsocketConfig
	logger *slog.Logger

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int64]chan *wire.Response

	closed bool
}

// NewWebsocket creates a websocket transport for the given config.
// The connection is not dialed until the first Send or Notify call.
func NewWebsocket(cfg WebsocketConfig) *Websocket {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Websocket{
		config:  cfg,
		logger:  logger,
		pending: make(map[int64]chan *wire.Response),
	}
}

// connect dials the provider if no live connection exists.
func (t *Websocket) connect(ctx context.Context) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if t.closed {
		return fmt.Errorf("transport closed")
	}
	if t.conn != nil {
		return nil
	}

	header := http.Header{}
	for k, v := range t.config.Headers {
		header.Set(k, v)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.config.URL, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.config.URL, err)
	}

	t.conn = conn
	go t.readLoop(conn)

	t.logger.Info("websocket connected", "url", t.config.URL)
	return nil
}

// readLoop reads messages until the connection dies and routes each to
// its waiting request channel. On exit every outstanding waiter is
// failed so no Send blocks forever.
func (t *Websocket) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.logger.Debug("websocket read loop ended", "error", err)
			t.dropConn(conn)
			return
		}

		var resp wire.Response
		if err := json.Unmarshal(data, &resp); err != nil {
			t.logger.Debug("skipping undecodable websocket message", "error", err)
			continue
		}

		t.pendingMu.Lock()
		ch, ok := t.pending[resp.ID]
		if ok {
			delete(t.pending, resp.ID)
		}
		t.pendingMu.Unlock()

		if !ok {
			// Waiter gave up or this is an unsolicited message.
			t.logger.Debug("discarding late or unmatched response", "id", resp.ID)
			continue
		}
		ch <- &resp
	}
}

// dropConn clears the connection if it is still current and fails all
// pending waiters.
func (t *Websocket) dropConn(conn *websocket.Conn) {
	t.connMu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.connMu.Unlock()

	t.pendingMu.Lock()
	for id, ch := range t.pending {
		delete(t.pending, id)
		close(ch)
	}
	t.pendingMu.Unlock()
}

// Send writes a JSON-RPC request and waits for the matching response.
func (t *Websocket) Send(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	if err := t.connect(ctx); err != nil {
		return nil, err
	}

	ch := make(chan *wire.Response, 1)
	t.pendingMu.Lock()
	t.pending[req.ID] = ch
	t.pendingMu.Unlock()

	if err := t.write(req); err != nil {
		t.pendingMu.Lock()
		delete(t.pending, req.ID)
		t.pendingMu.Unlock()
		return nil, err
	}

	select {
	case <-ctx.Done():
		// Abandon the waiter; the read loop will discard the response
		// if it ever arrives.
		t.pendingMu.Lock()
		delete(t.pending, req.ID)
		t.pendingMu.Unlock()
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("connection lost awaiting response %d", req.ID)
		}
		return resp, nil
	}
}

// Notify writes a JSON-RPC notification. No response is expected.
func (t *Websocket) Notify(ctx context.Context, notif *wire.Notification) error {
	if err := t.connect(ctx); err != nil {
		return err
	}
	return t.write(notif)
}

// write serializes concurrent writers; gorilla connections allow only
// one writer at a time.
func (t *Websocket) write(msg any) error {
	t.connMu.Lock()
	conn := t.conn
	t.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Close tears down the connection and fails all pending waiters.
func (t *Websocket) Close() error {
	t.connMu.Lock()
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.connMu.Unlock()

	if conn == nil {
		return nil
	}

	// Polite close frame, then drop the connection. The read loop
	// exits on its own and fails any stragglers.
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), closeDeadline())
	return conn.Close()
}

// closeDeadline bounds how long the close frame write may block.
func closeDeadline() time.Time {
	return time.Now().Add(time.Second)
}
