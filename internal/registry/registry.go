// Package registry holds the session's tool catalogue: which descriptors
// are registered and which provider connection owns each. It is
// read-mostly — dispatch paths look up concurrently, writes happen at
// capability-negotiation and disconnect time.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/calder-ai/switchboard/internal/schema"
)

// ErrNotFound is returned by Lookup when no descriptor has the name.
var ErrNotFound = errors.New("tool not registered")

// ConflictError is returned by Register when a descriptor with the same
// name but a different schema is already present.
type ConflictError struct {
	Name  string
	Owner string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("schema conflict: tool %q already registered by %s with a different schema", e.Name, e.Owner)
}

// Descriptor describes one invocable tool. Immutable once registered.
type Descriptor struct {
	Name        string
	Description string
	InputSchema *schema.Schema
}

// entry tracks a registered descriptor and its owner. seq preserves
// registration order for deterministic snapshots.
type entry struct {
	desc  Descriptor
	owner string
	seq   int
}

// Registry is a per-session descriptor table. All methods are safe for
// concurrent use.
type Registry struct {
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	nextSeq int
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// Register adds a descriptor owned by the given connection.
// Re-registering an identical descriptor (same name, same schema) is a
// no-op regardless of who registers it; the original owner keeps the
// tool. A same-name registration with a different schema is rejected
// with a ConflictError and leaves the registry unchanged.
func (r *Registry) Register(ownerID string, d Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[d.Name]; ok {
		if existing.desc.InputSchema.Equal(d.InputSchema) {
			return nil
		}
		return &ConflictError{Name: d.Name, Owner: existing.owner}
	}

	r.entries[d.Name] = &entry{desc: d, owner: ownerID, seq: r.nextSeq}
	r.nextSeq++

	r.logger.Debug("registered tool", "tool", d.Name, "owner", ownerID)
	return nil
}

// Lookup returns the descriptor and owning connection id for a name.
func (r *Registry) Lookup(name string) (Descriptor, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return Descriptor{}, "", fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	return e.desc, e.owner, nil
}

// Snapshot returns all registered descriptors ordered by registration
// time. The returned slice is a copy; callers may retain it across
// registry mutations.
func (r *Registry) Snapshot() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ordered := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq < ordered[j].seq })

	out := make([]Descriptor, len(ordered))
	for i, e := range ordered {
		out[i] = e.desc
	}
	return out
}

// Revoke removes every descriptor owned by the given connection and
// returns how many were removed. Lookups for those names fail until
// re-registered.
func (r *Registry) Revoke(ownerID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for name, e := range r.entries {
		if e.owner == ownerID {
			delete(r.entries, name)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Info("revoked tools", "owner", ownerID, "count", removed)
	}
	return removed
}

// Catalog returns the model-facing tool list in the shape chat APIs
// expect, ordered by registration time.
func (r *Registry) Catalog() []map[string]any {
	descs := r.Snapshot()
	out := make([]map[string]any, 0, len(descs))
	for _, d := range descs {
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        d.Name,
				"description": d.Description,
				"parameters":  d.InputSchema,
			},
		})
	}
	return out
}

// Len returns the number of registered descriptors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
