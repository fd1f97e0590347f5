// Package fault classifies tool-call failures and fixes the recovery
// policy for each kind. It is a pure policy table: it holds no request
// state, and every failure the dispatcher can encounter maps to exactly
// one Kind.
package fault

import "fmt"

// Kind identifies a class of tool-call failure.
type Kind string

const (
	// KindUnknownTool means the call named a tool absent from the
	// registry. No provider is contacted.
	KindUnknownTool Kind = "UnknownTool"

	// KindSchemaViolation means the call's arguments failed validation
	// against the tool's declared input schema. No provider is contacted.
	KindSchemaViolation Kind = "SchemaViolation"

	// KindServerUnavailable means the owning provider is disconnected,
	// degraded, or the transport failed after the retry budget.
	KindServerUnavailable Kind = "ServerUnavailable"

	// KindTimedOut means the provider did not answer within the
	// per-request deadline. A late answer is discarded.
	KindTimedOut Kind = "TimedOut"

	// KindProtocolError means the incoming call itself was structurally
	// malformed (missing name, non-object arguments). The call is never
	// dispatched, but an error entry is still surfaced so the model is
	// not left waiting on a turn it initiated.
	KindProtocolError Kind = "ProtocolError"

	// KindToolError means the provider executed the call and reported a
	// tool-level failure. Surfaced verbatim, never retried.
	KindToolError Kind = "ToolError"
)

// Error is a classified tool-call failure.
type Error struct {
	Kind    Kind
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New creates a classified failure.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Policy is the fixed handling rule for a failure kind.
type Policy struct {
	// Retryable reports whether the dispatcher may retry the call
	// before producing a result. Only transport-level failures are.
	Retryable bool

	// Dispatchable reports whether a call failing this way ever
	// reaches a provider. Routing and validation failures never do.
	Dispatchable bool
}

// policies is the complete kind → policy table. Every Kind has an entry.
var policies = map[Kind]Policy{
	KindUnknownTool:       {Retryable: false, Dispatchable: false},
	KindSchemaViolation:   {Retryable: false, Dispatchable: false},
	KindServerUnavailable: {Retryable: true, Dispatchable: true},
	KindTimedOut:          {Retryable: false, Dispatchable: true},
	KindProtocolError:     {Retryable: false, Dispatchable: false},
	KindToolError:         {Retryable: false, Dispatchable: true},
}

// PolicyFor returns the handling rule for a failure kind. Unknown kinds
// get the most conservative policy (no retry, no dispatch).
func PolicyFor(kind Kind) Policy {
	p, ok := policies[kind]
	if !ok {
		return Policy{}
	}
	return p
}

// Retryable reports whether a failure of the given kind may be retried.
func Retryable(kind Kind) bool {
	return PolicyFor(kind).Retryable
}
