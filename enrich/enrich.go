// Package enrich bridges hook emissions onto OpenTelemetry spans. Its
// subscribers look up the span active on the emitting code path and attach
// the mcp.* attributes defined by package spanmeta: serialized prompts and
// responses, tool inputs and outputs, workflow state, and error details.
//
// Subscribers are strictly read-only observers. They do nothing when the
// current span is not recording, treat payloads as immutable, and keep each
// invocation cheap; anything heavier belongs in a background task.
package enrich

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"goa.design/mcp-inspector/hooks"
	"goa.design/mcp-inspector/sessionid"
	"goa.design/mcp-inspector/spanmeta"
)

// RegisterAll registers every span-enrichment subscriber on bus and returns
// a closer that removes them, restoring the prior state. It is called once
// when the inspector is mounted.
func RegisterAll(bus *hooks.Bus) func() {
	names := []hooks.Name{
		hooks.BeforeAgentCall, hooks.AfterAgentCall, hooks.ErrorAgentCall,
		hooks.BeforeLLMGenerate, hooks.AfterLLMGenerate, hooks.ErrorLLMGenerate,
		hooks.BeforeToolCall, hooks.AfterToolCall, hooks.ErrorToolCall,
		hooks.BeforeWorkflowRun, hooks.AfterWorkflowRun, hooks.ErrorWorkflowRun,
		hooks.BeforeRPCRequest, hooks.AfterRPCResponse, hooks.ErrorRPCRequest,
		hooks.BeforeResourceFetch, hooks.AfterResourceFetch, hooks.ErrorResourceFetch,
		hooks.BeforePromptApply, hooks.AfterPromptApply, hooks.ErrorPromptApply,
		hooks.SessionPaused, hooks.SessionResumed,
	}
	subs := make([]hooks.Subscription, 0, len(names))
	for _, name := range names {
		subs = append(subs, bus.Register(name, Enrich))
	}
	return func() {
		for _, s := range subs {
			s.Close()
		}
	}
}

// Enrich is the single span-enrichment callback. It dispatches on the
// payload variant and sets the attributes for the hook family. Registering
// one callback for all names keeps registration-order reasoning trivial.
func Enrich(ctx context.Context, name hooks.Name, p hooks.Payload) error {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return nil
	}
	if id := sessionid.Get(ctx); id != sessionid.Unknown {
		span.SetAttributes(attribute.String(spanmeta.SessionID, id))
	}

	switch v := p.(type) {
	case *hooks.AgentCall:
		enrichAgent(span, v)
	case *hooks.LLMGenerate:
		enrichLLM(span, name, v)
	case *hooks.ToolCall:
		enrichTool(span, name, v)
	case *hooks.WorkflowRun:
		enrichWorkflow(span, name, v)
	case *hooks.RPCRequest:
		enrichRPC(span, name, v)
	case *hooks.ResourceFetch:
		enrichResource(span, v)
	case *hooks.PromptApply:
		enrichPrompt(span, name, v)
	case *hooks.SessionLifecycle:
		enrichSession(span, name, v)
	}
	return nil
}

func enrichAgent(span trace.Span, p *hooks.AgentCall) {
	if p.Agent != "" {
		span.SetAttributes(attribute.String(spanmeta.AgentName, p.Agent))
	}
	setErr(span, p.Err)
}

func enrichLLM(span trace.Span, name hooks.Name, p *hooks.LLMGenerate) {
	if p.Provider != "" {
		span.SetAttributes(attribute.String(spanmeta.LLMProvider, p.Provider))
	}
	if p.Model != "" {
		span.SetAttributes(attribute.String(spanmeta.LLMModel, p.Model))
	}
	switch name {
	case hooks.BeforeLLMGenerate:
		if s, ok := spanmeta.JSONString(p.Prompt); ok {
			spanmeta.SafeJSONAttr(span, spanmeta.LLMPromptJSON, s)
		}
	case hooks.AfterLLMGenerate:
		if s, ok := spanmeta.JSONString(p.Response); ok {
			spanmeta.SafeJSONAttr(span, spanmeta.LLMResponseJSON, s)
		}
		if p.Usage != nil {
			span.SetAttributes(
				attribute.Int64(spanmeta.LLMInputTokens, p.Usage.InputTokens),
				attribute.Int64(spanmeta.LLMOutputTokens, p.Usage.OutputTokens),
			)
		}
	}
	setErr(span, p.Err)
}

func enrichTool(span trace.Span, name hooks.Name, p *hooks.ToolCall) {
	span.SetAttributes(attribute.String(spanmeta.ToolName, p.ToolName))
	switch name {
	case hooks.BeforeToolCall:
		if s, ok := spanmeta.JSONString(p.Args); ok {
			spanmeta.SafeJSONAttr(span, spanmeta.ToolInputJSON, s)
		}
	case hooks.AfterToolCall:
		if s, ok := spanmeta.JSONString(p.Result); ok {
			spanmeta.SafeJSONAttr(span, spanmeta.ToolOutputJSON, s)
		}
	}
	setErr(span, p.Err)
}

func enrichWorkflow(span trace.Span, name hooks.Name, p *hooks.WorkflowRun) {
	if p.Workflow != "" {
		span.SetAttributes(attribute.String(spanmeta.WorkflowType, p.Workflow))
	}
	if p.Engine != "" {
		span.SetAttributes(attribute.String(spanmeta.WorkflowEngine, p.Engine))
	}
	switch name {
	case hooks.BeforeWorkflowRun:
		if s, ok := spanmeta.JSONString(p.Input); ok {
			spanmeta.SafeJSONAttr(span, spanmeta.WorkflowInputJSON, s)
		}
	case hooks.AfterWorkflowRun:
		span.SetAttributes(attribute.String(spanmeta.StatusCode, "ok"))
		if s, ok := spanmeta.JSONString(p.Result); ok {
			spanmeta.SafeJSONAttr(span, spanmeta.WorkflowOutputJSON, s)
		}
	}
	setErr(span, p.Err)
}

func enrichRPC(span trace.Span, name hooks.Name, p *hooks.RPCRequest) {
	span.SetAttributes(attribute.String(spanmeta.RPCTransport, p.Transport))
	if method, ok := p.Envelope["method"].(string); ok {
		span.SetAttributes(attribute.String(spanmeta.RPCMethod, method))
	}
	switch name {
	case hooks.BeforeRPCRequest:
		if s, ok := spanmeta.JSONString(p.Envelope); ok {
			spanmeta.SafeJSONAttr(span, spanmeta.RPCRequestJSON, s)
		}
	case hooks.AfterRPCResponse:
		span.SetAttributes(attribute.Int64(spanmeta.RPCDurationMS, p.DurationMS))
		span.SetAttributes(attribute.String(spanmeta.TransportStatus, "connected"))
		if s, ok := spanmeta.JSONString(p.Envelope); ok {
			spanmeta.SafeJSONAttr(span, spanmeta.RPCResponseJSON, s)
		}
	case hooks.ErrorRPCRequest:
		span.SetAttributes(attribute.String(spanmeta.TransportStatus, "disconnected"))
	}
	setErr(span, p.Err)
}

func enrichResource(span trace.Span, p *hooks.ResourceFetch) {
	span.SetAttributes(attribute.String(spanmeta.ResourceURI, p.URI))
	if p.MIMEType != "" {
		span.SetAttributes(attribute.String(spanmeta.ResourceMIMEType, p.MIMEType))
	}
	if p.Content != nil {
		span.SetAttributes(attribute.Int(spanmeta.ResourceBytes, len(p.Content)))
	}
	setErr(span, p.Err)
}

func enrichPrompt(span trace.Span, name hooks.Name, p *hooks.PromptApply) {
	span.SetAttributes(attribute.String(spanmeta.PromptTemplateID, p.TemplateID))
	if name == hooks.BeforePromptApply {
		if s, ok := spanmeta.JSONString(p.Parameters); ok {
			spanmeta.SafeJSONAttr(span, spanmeta.PromptParametersJSON, s)
		}
	}
	setErr(span, p.Err)
}

func enrichSession(span trace.Span, name hooks.Name, p *hooks.SessionLifecycle) {
	switch name {
	case hooks.SessionPaused:
		span.SetAttributes(attribute.Bool(spanmeta.SessionPaused, true))
	case hooks.SessionResumed:
		span.SetAttributes(attribute.Bool(spanmeta.SessionPaused, false))
	}
	if p.Title != "" {
		span.SetAttributes(attribute.String(spanmeta.SessionTitle, p.Title))
	}
}

func setErr(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.SetAttributes(
		attribute.String(spanmeta.StatusCode, "error"),
		attribute.String(spanmeta.ErrorMessage, err.Error()),
	)
}
