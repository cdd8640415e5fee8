// Package spanmeta defines the span attribute namespace of the inspector and
// the size-bounded helpers used to attach serialized payloads to spans.
//
// Every attribute is prefixed "mcp." and grouped by the hook family that sets
// it. Serialized payloads live under keys ending in "_json"; when a value is
// cut at MaxAttributeSize a companion "<key>_truncated" boolean records the
// loss so readers never re-parse a cut JSON string.
package spanmeta

import (
	"encoding/json"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MaxAttributeSize is the byte bound on a single serialized attribute value.
const MaxAttributeSize = 30 * 1024

// SessionID correlates every span with its session; it is set whenever the
// emitting context carries an identifier.
const SessionID = "session.id"

// Agent attributes.
const (
	AgentName = "mcp.agent.name"
)

// Workflow attributes.
const (
	WorkflowType       = "mcp.workflow.type"
	WorkflowEngine     = "mcp.workflow.engine"
	WorkflowInputJSON  = "mcp.workflow.input_json"
	WorkflowOutputJSON = "mcp.workflow.output_json"
)

// Tool attributes.
const (
	ToolName       = "mcp.tool.name"
	ToolInputJSON  = "mcp.tool.input_json"
	ToolOutputJSON = "mcp.tool.output_json"
)

// LLM attributes.
const (
	LLMProvider     = "mcp.llm.provider"
	LLMModel        = "mcp.llm.model"
	LLMPromptJSON   = "mcp.llm.prompt_json"
	LLMResponseJSON = "mcp.llm.response_json"
	LLMInputTokens  = "mcp.llm.input_tokens"
	LLMOutputTokens = "mcp.llm.output_tokens"
)

// RPC attributes.
const (
	RPCMethod       = "mcp.rpc.method"
	RPCTransport    = "mcp.rpc.transport"
	RPCDurationMS   = "mcp.rpc.duration_ms"
	RPCRequestJSON  = "mcp.rpc.request_json"
	RPCResponseJSON = "mcp.rpc.response_json"
)

// Transport attributes.
const (
	TransportStatus = "mcp.transport.status"
)

// Resource attributes.
const (
	ResourceURI      = "mcp.resource.uri"
	ResourceMIMEType = "mcp.resource.mime_type"
	ResourceBytes    = "mcp.resource.bytes"
)

// Prompt attributes.
const (
	PromptTemplateID     = "mcp.prompt.template_id"
	PromptParametersJSON = "mcp.prompt.parameters_json"
)

// Session attributes set on spans (distinct from the session.id correlation
// key): the paused flag drives the listing status derivation, the title feeds
// the session listing.
const (
	SessionPaused = "mcp.session.paused"
	SessionTitle  = "mcp.session.title"
	SessionTags   = "mcp.session.tags"
	EngineType    = "mcp.engine.type"
)

// Error attributes.
const (
	StatusCode   = "mcp.status.code"
	ErrorCode    = "mcp.error.code"
	ErrorMessage = "mcp.error.message"
)

// Free-form state and result capture prefixes; the full key is
// "<prefix><name>_json".
const (
	StatePrefix  = "mcp.state."
	ResultPrefix = "mcp.result."
)

// Truncate cuts value to MaxAttributeSize bytes and reports whether a cut
// happened. The cut is byte-exact: a value of exactly MaxAttributeSize bytes
// is returned untouched. No attempt is made to keep the result valid JSON;
// the companion truncated flag tells readers not to parse it.
func Truncate(value string) (string, bool) {
	if len(value) <= MaxAttributeSize {
		return value, false
	}
	return value[:MaxAttributeSize], true
}

// SafeJSONAttr sets a serialized payload on span under key, applying the
// size bound and recording the companion "<key>_truncated" flag when the
// value was cut.
func SafeJSONAttr(span trace.Span, key, value string) {
	v, cut := Truncate(value)
	if cut {
		span.SetAttributes(attribute.Bool(key+"_truncated", true))
	}
	span.SetAttributes(attribute.String(key, v))
}

// JSONString serializes v compactly for use as a *_json attribute value. It
// returns false when v cannot be marshalled; callers skip the attribute in
// that case rather than fail the observed operation.
func JSONString(v any) (string, bool) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", false
	}
	return string(b), true
}
