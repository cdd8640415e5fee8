// Package inspector is the embeddable debugging sidecar for MCP agent
// workflows. It wires the instrumentation hook bus, span enrichment, the
// per-session trace exporter, the session registry and the HTTP gateway into
// one unit that a host process creates once and either mounts on its own mux
// or serves standalone.
//
// Typical embedding:
//
//	insp, err := inspector.New(ctx)
//	if err != nil { ... }
//	defer insp.Shutdown(ctx)
//	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(insp.SpanProcessor()))
//	insp.Mount(mux) // or go insp.Serve(ctx)
package inspector

import (
	"context"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.temporal.io/sdk/client"
	goahttp "goa.design/goa/v3/http"

	"goa.design/mcp-inspector/enrich"
	"goa.design/mcp-inspector/events"
	"goa.design/mcp-inspector/export"
	"goa.design/mcp-inspector/gateway"
	"goa.design/mcp-inspector/hooks"
	"goa.design/mcp-inspector/sessionid"
	"goa.design/mcp-inspector/sessions"
	"goa.design/mcp-inspector/settings"
)

// Version is reported by the health endpoint.
const Version = "0.0.1"

type (
	// Inspector owns the wired telemetry plane.
	Inspector struct {
		settings settings.Settings
		hookBus  *hooks.Bus
		eventBus *events.Bus
		registry *sessions.Registry
		lister   *sessions.Lister
		tracker  *sessions.Tracker
		exporter *export.Exporter
		gateway  *gateway.Service
		unenrich func()
	}

	// Option customizes construction.
	Option func(*config)

	config struct {
		settings  *settings.Settings
		hookBus   *hooks.Bus
		temporal  client.Client
		namespace string
	}
)

// WithSettings bypasses environment resolution.
func WithSettings(s settings.Settings) Option {
	return func(c *config) { c.settings = &s }
}

// WithHookBus attaches to an existing hook bus instead of the process
// default, for hosts that already run one.
func WithHookBus(b *hooks.Bus) Option {
	return func(c *config) { c.hookBus = b }
}

// WithTemporal enables listing and controlling durable sessions through the
// given Temporal client.
func WithTemporal(c client.Client, namespace string) Option {
	return func(cfg *config) { cfg.temporal = c; cfg.namespace = namespace }
}

// New builds a fully wired inspector. The trace directory is created (or
// fallen back from) immediately; enrichment subscribers and the lifecycle
// tracker are registered on the hook bus before New returns.
func New(ctx context.Context, opts ...Option) (*Inspector, error) {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}
	s := settings.Settings{}
	if cfg.settings != nil {
		s = *cfg.settings
	} else {
		loaded, err := settings.Load()
		if err != nil {
			return nil, err
		}
		s = loaded
	}
	hookBus := cfg.hookBus
	if hookBus == nil {
		hookBus = hooks.Default
	}
	// Zero durations from a hand-built Settings fall back to the env defaults.
	if s.SSEHeartbeat <= 0 {
		s.SSEHeartbeat = 15 * time.Second
	}
	if s.SessionHeartbeat <= 0 {
		s.SessionHeartbeat = sessions.DefaultHeartbeatInterval
	}
	if s.TemporalTimeout <= 0 {
		s.TemporalTimeout = sessions.DefaultExternalTimeout
	}

	eventBus := events.NewBus()
	exporter, err := export.New(ctx, s.TracesDir, export.WithNotifier(busNotifier{eventBus}))
	if err != nil {
		return nil, err
	}

	registry := sessions.NewRegistry()
	listerOpts := []sessions.ListerOption{sessions.WithExternalTimeout(s.TemporalTimeout)}
	gatewayOpts := []gateway.Option{gateway.WithSSEHeartbeat(s.SSEHeartbeat)}
	if cfg.temporal != nil {
		tl := sessions.NewTemporalLister(cfg.temporal, cfg.namespace)
		listerOpts = append(listerOpts, sessions.WithExternal(tl))
		gatewayOpts = append(gatewayOpts, gateway.WithWorkflowResolver(tl))
	}
	lister := sessions.NewLister(exporter.Dir(), registry, listerOpts...)

	tracker := sessions.NewTracker(registry, lister, eventBus,
		sessions.WithHeartbeatInterval(s.SessionHeartbeat))
	tracker.Register(hookBus)
	tracker.Start()

	insp := &Inspector{
		settings: s,
		hookBus:  hookBus,
		eventBus: eventBus,
		registry: registry,
		lister:   lister,
		tracker:  tracker,
		exporter: exporter,
		unenrich: enrich.RegisterAll(hookBus),
		gateway:  gateway.New(Version, exporter.Dir(), lister, registry, eventBus, gatewayOpts...),
	}
	return insp, nil
}

// SpanProcessor returns the processor to install on the host's tracer
// provider. It batches so export IO stays off the instrumented hot path and
// advances the per-session span counter carried by Heartbeat events.
func (i *Inspector) SpanProcessor() sdktrace.SpanProcessor {
	return spanCounter{
		SpanProcessor: sdktrace.NewBatchSpanProcessor(i.exporter),
		registry:      i.registry,
	}
}

// Mount attaches the inspector routes to a host application's muxer
// (co-embedded mode).
func (i *Inspector) Mount(mux goahttp.Muxer) { i.gateway.Mount(mux) }

// Serve runs the standalone gateway until ctx is cancelled. It returns an
// error only when the port cannot be bound.
func (i *Inspector) Serve(ctx context.Context) error {
	handler := i.gateway.Handler(ctx, i.settings.DebugEnabled())
	return gateway.Serve(ctx, i.settings.Addr(), handler)
}

// HookBus returns the bus the host's emit sites should publish to.
func (i *Inspector) HookBus() *hooks.Bus { return i.hookBus }

// Registry returns the live session registry so hosts can attach workflow
// control handles for signal delivery.
func (i *Inspector) Registry() *sessions.Registry { return i.registry }

// EventBus returns the live event bus, for hosts that publish their own
// events.
func (i *Inspector) EventBus() *events.Bus { return i.eventBus }

// TracesDir returns the resolved trace directory.
func (i *Inspector) TracesDir() string { return i.exporter.Dir() }

// Shutdown detaches from the hook bus, stops heartbeats and flushes every
// open trace writer.
func (i *Inspector) Shutdown(ctx context.Context) error {
	i.unenrich()
	i.tracker.Close()
	return i.exporter.Shutdown(ctx)
}

// spanCounter counts span starts against the emitting session's registry
// entry on top of the wrapped processor.
type spanCounter struct {
	sdktrace.SpanProcessor
	registry *sessions.Registry
}

func (p spanCounter) OnStart(parent context.Context, s sdktrace.ReadWriteSpan) {
	p.registry.CountSpan(sessionid.Get(parent))
	p.SpanProcessor.OnStart(parent, s)
}

// busNotifier publishes exporter degradation alerts as live events.
type busNotifier struct {
	bus *events.Bus
}

func (n busNotifier) DiskSpaceLow(dir string) {
	n.bus.Publish(events.Event{Type: events.TypeDiskSpaceLow, Message: dir})
}

func (n busNotifier) ExporterDisabled(reason string) {
	n.bus.Publish(events.Event{Type: events.TypeExporterDisabled, Message: reason})
}
