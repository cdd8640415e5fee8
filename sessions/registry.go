package sessions

import (
	"context"
	"encoding/json"
	"sync"
)

type (
	// Workflow is the control handle for a running session. The agent
	// framework (or the Temporal adapter) provides the implementation; the
	// gateway uses it to deliver signals and cancellations.
	Workflow interface {
		// Signal delivers a named signal with an optional payload.
		Signal(ctx context.Context, name string, payload any) error
		// Cancel requests cooperative cancellation.
		Cancel(ctx context.Context) error
	}

	// Resolver locates control handles for sessions that are not live in
	// this process, such as durable-engine workflows owned by an external
	// service.
	Resolver interface {
		// Resolve returns the handle for id, or false when the session is
		// unknown to the backing service.
		Resolve(ctx context.Context, id string) (Workflow, bool)
	}

	// Registry tracks sessions that are live in this process: work that may
	// not have flushed any spans yet. Live entries take precedence over
	// file-derived metadata in listings and are the only sessions that can
	// receive signals.
	Registry struct {
		mu   sync.RWMutex
		live map[string]*entry
	}

	entry struct {
		meta   Meta
		wf     Workflow
		schema json.RawMessage

		llmCalls  int64
		tokens    int64
		toolCalls int64
		spanCount int64
	}

	// Deltas is the counter movement since the previous heartbeat.
	Deltas struct {
		LLMCalls  int64
		Tokens    int64
		ToolCalls int64
		SpanCount int64
	}
)

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{live: make(map[string]*entry)}
}

// Add registers a live session. Re-adding an existing id updates its
// metadata but keeps the attached workflow handle and counters.
func (r *Registry) Add(meta Meta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.live[meta.ID]; ok {
		e.meta = meta
		return
	}
	r.live[meta.ID] = &entry{meta: meta}
}

// Attach associates the control handle used for signal and cancel delivery.
func (r *Registry) Attach(id string, wf Workflow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.live[id]; ok {
		e.wf = wf
	}
}

// Workflow returns the control handle for id, if the session is live and one
// was attached.
func (r *Registry) Workflow(id string) (Workflow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.live[id]
	if !ok || e.wf == nil {
		return nil, false
	}
	return e.wf, true
}

// SetStatus updates the live status of id; unknown ids are ignored.
func (r *Registry) SetStatus(id, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.live[id]; ok {
		e.meta.Status = status
	}
}

// SetPauseSchema stores the JSON schema a paused session's answer must
// satisfy. A nil schema clears it.
func (r *Registry) SetPauseSchema(id string, schema json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.live[id]; ok {
		e.schema = schema
	}
}

// PauseSchema returns the stored answer schema for id, nil when none.
func (r *Registry) PauseSchema(id string) json.RawMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.live[id]; ok {
		return e.schema
	}
	return nil
}

// Finish removes the session from the live set; its trace file becomes the
// source of truth from then on.
func (r *Registry) Finish(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, id)
}

// Snapshot returns a copy of the live session metadata.
func (r *Registry) Snapshot() []Meta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Meta, 0, len(r.live))
	for _, e := range r.live {
		out = append(out, e.meta)
	}
	return out
}

// CountLLMCall advances the LLM call and token counters for id.
func (r *Registry) CountLLMCall(id string, tokens int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.live[id]; ok {
		e.llmCalls++
		e.tokens += tokens
	}
}

// CountToolCall advances the tool call counter for id.
func (r *Registry) CountToolCall(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.live[id]; ok {
		e.toolCalls++
	}
}

// CountSpan advances the span counter for id.
func (r *Registry) CountSpan(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.live[id]; ok {
		e.spanCount++
	}
}

// ConsumeDeltas returns the counter movement since the previous call and
// resets the per-heartbeat counters. SpanCount is cumulative, not reset.
func (r *Registry) ConsumeDeltas(id string) (Deltas, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.live[id]
	if !ok {
		return Deltas{}, false
	}
	d := Deltas{LLMCalls: e.llmCalls, Tokens: e.tokens, ToolCalls: e.toolCalls, SpanCount: e.spanCount}
	e.llmCalls, e.tokens, e.toolCalls = 0, 0, 0
	return d, true
}
