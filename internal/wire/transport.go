package wire

import "context"

// Transport is the duplex channel a provider connection speaks over.
// Implementations handle framing, encoding, and request/response
// correlation for a specific medium (stdio subprocess, HTTP, websocket,
// in-memory pipe).
type Transport interface {
	// Send sends a request and returns the matching response.
	// A context deadline or cancellation interrupts the wait; any
	// response arriving afterwards is discarded by the transport.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify sends a notification (no response expected).
	Notify(ctx context.Context, notif *Notification) error

	// Close shuts down the transport and releases resources.
	// For stdio transports this terminates the subprocess.
	Close() error
}
