package agent

import (
	"context"
	"fmt"
	"sort"

	"carelink/internal/domain"
)

// Descriptor is the capability bundle for one agent type: how it prompts,
// which tools it exposes, and how tool calls are executed.
type Descriptor struct {
	// ID is the module identifier stored on conversations (e.g. "scheduling").
	ID string

	// Summary is a one-line description used by the router when it asks the
	// classifier to pick between modules.
	Summary string

	// BasePrompt returns the locale-specific base instruction text. The
	// implementation falls back to its default locale when the requested
	// one has no translation.
	BasePrompt func(locale string) string

	// Tools returns the tool catalog for this call. Fetched fresh on every
	// turn; catalogs may depend on clinic config, so no caching here.
	Tools func(ctx context.Context, tc ToolContext) []domain.ToolDefinition

	// Handle executes one tool call. Domain failures (booking conflicts,
	// missing records) come back as descriptive result text, never as loop
	// aborts; unknown tool names are the handler's problem too.
	Handle func(ctx context.Context, tc ToolContext, call domain.ToolCall) ToolResult

	// Channels lists the channel names this agent type supports.
	// Empty means all.
	Channels []string
}

// SupportsChannel reports whether the descriptor serves the given channel.
func (d *Descriptor) SupportsChannel(channel string) bool {
	if len(d.Channels) == 0 {
		return true
	}
	for _, c := range d.Channels {
		if c == channel {
			return true
		}
	}
	return false
}

// Registry maps module identifiers to descriptors. It is populated once in
// the composition root before any traffic is served and read-only afterwards,
// so lookups take no lock.
type Registry struct {
	descriptors map[string]*Descriptor
}

func NewRegistry() *Registry {
	return &Registry{descriptors: make(map[string]*Descriptor)}
}

// Register adds a descriptor. A duplicate identifier means two module
// packages registered under the same name, which is a startup configuration
// error, so it panics rather than silently overwriting (same contract as
// database/sql.Register).
func (r *Registry) Register(d *Descriptor) {
	if d == nil || d.ID == "" {
		panic("agent: Register called with empty descriptor")
	}
	if _, exists := r.descriptors[d.ID]; exists {
		panic(fmt.Sprintf("agent: module %q registered twice", d.ID))
	}
	r.descriptors[d.ID] = d
}

func (r *Registry) Lookup(id string) (*Descriptor, bool) {
	d, ok := r.descriptors[id]
	return d, ok
}

// Identifiers returns the registered module ids, sorted.
func (r *Registry) Identifiers() []string {
	ids := make([]string, 0, len(r.descriptors))
	for id := range r.descriptors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
