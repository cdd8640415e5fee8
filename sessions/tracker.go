package sessions

import (
	"context"
	"sync"
	"time"

	"goa.design/mcp-inspector/events"
	"goa.design/mcp-inspector/hooks"
	"goa.design/mcp-inspector/sessionid"
)

// DefaultHeartbeatInterval is the cadence of per-session Heartbeat events.
const DefaultHeartbeatInterval = 10 * time.Second

type (
	// Tracker subscribes to lifecycle hooks and keeps the registry, the
	// lister's finished-status memory and the live event bus in sync. It
	// also runs the heartbeat loop that advances live counters for
	// connected UIs.
	Tracker struct {
		registry *Registry
		bus      *events.Bus
		lister   *Lister
		interval time.Duration

		subs []hooks.Subscription
		stop chan struct{}
		wg   sync.WaitGroup
	}

	// TrackerOption customizes a Tracker.
	TrackerOption func(*Tracker)
)

// WithHeartbeatInterval overrides the heartbeat cadence.
func WithHeartbeatInterval(d time.Duration) TrackerOption {
	return func(t *Tracker) { t.interval = d }
}

// NewTracker wires registry, lister and event bus together. Call Register to
// attach it to a hook bus and Start to begin heartbeats.
func NewTracker(registry *Registry, lister *Lister, bus *events.Bus, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		registry: registry,
		lister:   lister,
		bus:      bus,
		interval: DefaultHeartbeatInterval,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register subscribes the tracker's callbacks on hb.
func (t *Tracker) Register(hb *hooks.Bus) {
	for _, name := range []hooks.Name{
		hooks.SessionStarted, hooks.SessionPaused, hooks.SessionResumed, hooks.SessionFinished,
	} {
		t.subs = append(t.subs, hb.Register(name, t.onLifecycle))
	}
	t.subs = append(t.subs,
		hb.Register(hooks.ProgressUpdate, t.onProgress),
		hb.Register(hooks.ProgressCancelled, t.onProgress),
		hb.Register(hooks.AfterLLMGenerate, t.onLLM),
		hb.Register(hooks.AfterToolCall, t.onTool),
	)
}

// Start launches the heartbeat loop.
func (t *Tracker) Start() {
	t.wg.Add(1)
	go t.heartbeatLoop()
}

// Close unsubscribes from the hook bus and stops the heartbeat loop.
func (t *Tracker) Close() {
	for _, s := range t.subs {
		s.Close()
	}
	t.subs = nil
	close(t.stop)
	t.wg.Wait()
}

func (t *Tracker) onLifecycle(ctx context.Context, name hooks.Name, p hooks.Payload) error {
	lc, ok := p.(*hooks.SessionLifecycle)
	if !ok {
		return nil
	}
	id := lc.SessionID
	if id == "" {
		id = sessionid.Get(ctx)
	}

	switch name {
	case hooks.SessionStarted:
		engine := lc.Engine
		if engine == "" {
			engine = EngineLocal
		}
		title := lc.Title
		if title == "" {
			title = id
		}
		t.registry.Add(Meta{
			ID:        id,
			Status:    StatusRunning,
			Engine:    engine,
			Title:     title,
			StartedAt: time.Now().UTC().Format(time.RFC3339),
		})
		t.bus.Publish(events.Event{
			Type:      events.TypeSessionStarted,
			SessionID: id,
			Engine:    engine,
			Title:     title,
			Metadata:  lc.Metadata,
		})

	case hooks.SessionPaused:
		t.registry.SetStatus(id, StatusPaused)
		t.registry.SetPauseSchema(id, lc.Schema)
		t.bus.Publish(events.Event{
			Type:       events.TypeSessionPaused,
			SessionID:  id,
			SignalName: lc.SignalName,
			Prompt:     lc.Prompt,
			Schema:     lc.Schema,
		})
		// A paused session is by definition waiting on its resume signal;
		// the UI renders the input form off this event.
		t.bus.Publish(events.Event{
			Type:       events.TypeWaitingOnSignal,
			SessionID:  id,
			SignalName: lc.SignalName,
			Prompt:     lc.Prompt,
			Schema:     lc.Schema,
		})

	case hooks.SessionResumed:
		t.registry.SetStatus(id, StatusRunning)
		t.registry.SetPauseSchema(id, nil)
		t.bus.Publish(events.Event{
			Type:       events.TypeSessionResumed,
			SessionID:  id,
			SignalName: lc.SignalName,
			Payload:    lc.Payload,
		})

	case hooks.SessionFinished:
		status := lc.Status
		if status == "" {
			status = StatusCompleted
		}
		endedAt := time.Now().UTC().Format(time.RFC3339)
		t.registry.Finish(id)
		t.lister.RecordFinished(id, status, endedAt)
		t.bus.Publish(events.Event{
			Type:       events.TypeSessionFinished,
			SessionID:  id,
			Status:     status,
			Error:      lc.Error,
			DurationMS: lc.DurationMS,
		})
	}
	return nil
}

func (t *Tracker) onProgress(ctx context.Context, name hooks.Name, p hooks.Payload) error {
	pr, ok := p.(*hooks.Progress)
	if !ok {
		return nil
	}
	id := pr.SessionID
	if id == "" {
		id = sessionid.Get(ctx)
	}
	ev := events.Event{
		Type:        events.TypeProgress,
		SessionID:   id,
		OperationID: pr.OperationID,
		Percent:     pr.Percent,
		Message:     pr.Message,
	}
	if name == hooks.ProgressCancelled {
		ev.Status = "cancelled"
	}
	t.bus.Publish(ev)
	return nil
}

func (t *Tracker) onLLM(ctx context.Context, _ hooks.Name, p hooks.Payload) error {
	gen, ok := p.(*hooks.LLMGenerate)
	if !ok {
		return nil
	}
	var tokens int64
	if gen.Usage != nil {
		tokens = gen.Usage.InputTokens + gen.Usage.OutputTokens
	}
	t.registry.CountLLMCall(sessionid.Get(ctx), tokens)
	return nil
}

func (t *Tracker) onTool(ctx context.Context, _ hooks.Name, p hooks.Payload) error {
	if _, ok := p.(*hooks.ToolCall); !ok {
		return nil
	}
	t.registry.CountToolCall(sessionid.Get(ctx))
	return nil
}

// heartbeatLoop publishes one Heartbeat event per live session on every
// tick, carrying the counter deltas since the previous tick.
func (t *Tracker) heartbeatLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			for _, meta := range t.registry.Snapshot() {
				d, ok := t.registry.ConsumeDeltas(meta.ID)
				if !ok {
					continue
				}
				t.bus.Publish(events.Event{
					Type:             events.TypeHeartbeat,
					SessionID:        meta.ID,
					LLMCallsDelta:    d.LLMCalls,
					TokensDelta:      d.Tokens,
					ToolCallsDelta:   d.ToolCalls,
					CurrentSpanCount: d.SpanCount,
				})
			}
		}
	}
}
