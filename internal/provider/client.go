// Package provider manages connections to capability providers: the
// initialize handshake, capability exchange, tool invocation, and
// health state. One Connection owns one transport; connections are
// never shared across sessions.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/calder-ai/switchboard/internal/buildinfo"
	"github.com/calder-ai/switchboard/internal/wire"
)

// protocolVersion is the capability protocol version advertised during
// the initialize handshake.
const protocolVersion = "2024-11-05"

// State is the health state of a provider connection.
type State string

// Connection health states. Only Connected providers are dispatchable.
const (
	StateConnected    State = "connected"
	StateDegraded     State = "degraded"
	StateDisconnected State = "disconnected"
)

// ToolDefinition is a tool as returned by the provider's tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// toolsListResult is the result payload of a tools/list response.
type toolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

// callToolResult is the envelope of a tools/call response. Content is
// kept raw; the host passes provider payloads through verbatim.
type callToolResult struct {
	Content json.RawMessage `json:"content"`
	IsError bool            `json:"isError,omitempty"`
	Message string          `json:"message,omitempty"`
}

// serverInfo is returned in the initialize response.
type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// initializeResult is the full initialize response result.
type initializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      serverInfo `json:"serverInfo"`
}

// CallOutcome is the provider's answer to one tool call.
type CallOutcome struct {
	// Payload is the provider's result content, verbatim.
	Payload json.RawMessage

	// ToolErr is set when the provider executed the call but reports a
	// tool-level failure. Message carries its description.
	ToolErr bool
	Message string
}

// Connection is one provider connection: identity, transport handle,
// and health state. Safe for concurrent use.
type Connection struct {
	id        string
	name      string
	transport wire.Transport
	logger    *slog.Logger
	nextID    atomic.Int64
	calls     atomic.Int64

	mu         sync.RWMutex
	state      State
	serverName string
	serverVer  string
}

// NewConnection creates a connection over the given transport. The
// connection starts Disconnected; Initialize promotes it to Connected.
func NewConnection(id, name string, transport wire.Transport, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		id:        id,
		name:      name,
		transport: transport,
		logger:    logger.With("provider", name),
		state:     StateDisconnected,
	}
}

// ID returns the connection identity used as registry owner id.
func (c *Connection) ID() string { return c.id }

// Name returns the configured provider name.
func (c *Connection) Name() string { return c.name }

// State returns the current health state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SetState updates the health state. The session's health watcher and
// negotiation path are the only writers.
func (c *Connection) SetState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.logger.Info("provider state changed", "from", prev, "to", s)
	}
}

// CallCount returns how many tools/call requests reached the transport.
// Tests use it to verify that routing and validation failures never
// contact a provider.
func (c *Connection) CallCount() int64 {
	return c.calls.Load()
}

// Initialize performs the handshake: an initialize request followed by
// the initialized notification. On success the connection is Connected.
func (c *Connection) Initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "switchboard",
			"version": buildinfo.Version,
		},
	}

	resp, err := c.send(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("unmarshal initialize result: %w", err)
	}

	c.mu.Lock()
	c.serverName = result.ServerInfo.Name
	c.serverVer = result.ServerInfo.Version
	c.state = StateConnected
	c.mu.Unlock()

	c.logger.Info("provider initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)

	// Complete the handshake.
	if err := c.transport.Notify(ctx, wire.NewNotification("notifications/initialized", nil)); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}

	return nil
}

// ListTools performs the capability exchange and returns the declared
// descriptors. An explicit empty list is a valid response.
func (c *Connection) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	resp, err := c.send(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	var result toolsListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/list result: %w", err)
	}

	c.logger.Info("discovered tools", "count", len(result.Tools))
	return result.Tools, nil
}

// Call invokes a tool by name with normalized arguments. The payload is
// returned verbatim; a provider-reported tool failure comes back as a
// CallOutcome with ToolErr set, not as a transport error.
func (c *Connection) Call(ctx context.Context, name string, args map[string]any) (*CallOutcome, error) {
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	c.calls.Add(1)
	resp, err := c.send(ctx, "tools/call", params)
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}

	var result callToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/call result: %w", err)
	}

	out := &CallOutcome{Payload: result.Content}
	if result.IsError {
		out.ToolErr = true
		out.Message = result.Message
		if out.Message == "" {
			out.Message = string(result.Content)
		}
	}
	return out, nil
}

// Ping checks whether the provider is responsive. The health watcher
// uses it as its probe.
func (c *Connection) Ping(ctx context.Context) error {
	_, err := c.send(ctx, "ping", nil)
	return err
}

// Close shuts down the connection and its transport.
func (c *Connection) Close() error {
	c.SetState(StateDisconnected)
	c.logger.Info("closing provider connection")
	return c.transport.Close()
}

// send issues a request and checks for protocol-level errors.
func (c *Connection) send(ctx context.Context, method string, params any) (*wire.Response, error) {
	id := c.nextID.Add(1)
	req := wire.NewRequest(id, method, params)

	resp, err := c.transport.Send(ctx, req)
	if err != nil {
		return nil, err
	}

	if resp.Error != nil {
		return nil, resp.Error
	}

	return resp, nil
}
