package hooks

import "encoding/json"

// Hook catalogue. Names follow the <phase>_<family> convention of the agent
// framework's emit sites. The bus accepts unknown names as no-ops, so the
// catalogue can grow without breaking older observers.
const (
	BeforeAgentCall Name = "before_agent_call"
	AfterAgentCall  Name = "after_agent_call"
	ErrorAgentCall  Name = "error_agent_call"

	BeforeLLMGenerate Name = "before_llm_generate"
	AfterLLMGenerate  Name = "after_llm_generate"
	ErrorLLMGenerate  Name = "error_llm_generate"

	BeforeToolCall Name = "before_tool_call"
	AfterToolCall  Name = "after_tool_call"
	ErrorToolCall  Name = "error_tool_call"

	BeforeWorkflowRun Name = "before_workflow_run"
	AfterWorkflowRun  Name = "after_workflow_run"
	ErrorWorkflowRun  Name = "error_workflow_run"

	BeforeRPCRequest Name = "before_rpc_request"
	AfterRPCResponse Name = "after_rpc_response"
	ErrorRPCRequest  Name = "error_rpc_request"

	BeforeResourceFetch Name = "before_resource_fetch"
	AfterResourceFetch  Name = "after_resource_fetch"
	ErrorResourceFetch  Name = "error_resource_fetch"

	BeforePromptApply Name = "before_prompt_apply"
	AfterPromptApply  Name = "after_prompt_apply"
	ErrorPromptApply  Name = "error_prompt_apply"

	SessionStarted  Name = "session_started"
	SessionPaused   Name = "session_paused"
	SessionResumed  Name = "session_resumed"
	SessionFinished Name = "session_finished"

	ProgressUpdate    Name = "progress_update"
	ProgressCancelled Name = "progress_cancelled"

	TransportConnected    Name = "transport_connected"
	TransportDisconnected Name = "transport_disconnected"
	TransportReconnecting Name = "transport_reconnecting"
)

type (
	// Payload is the structured record carried by a hook emission. Each hook
	// family has its own variant; subscribers type-switch on the concrete
	// type and ignore fields (and variants) they do not understand.
	//
	// Payloads are read-only views owned by the emitter. Every variant
	// carries a catch-all Extra map for forward compatibility.
	Payload interface {
		payload()
	}

	// AgentCall is emitted around agent invocations.
	AgentCall struct {
		// Agent is the agent's registered name.
		Agent string
		// Result holds the agent's output on the after phase.
		Result any
		// Err holds the failure on the error phase.
		Err error
		// Extra carries emitter-specific fields subscribers may ignore.
		Extra map[string]any
	}

	// LLMGenerate is emitted around model generations.
	LLMGenerate struct {
		// Provider identifies the model provider (e.g. "anthropic").
		Provider string
		// Model is the concrete model identifier when known.
		Model string
		// Prompt is the request payload: a string, a message list, or a
		// provider-specific structure.
		Prompt any
		// Response holds the provider response on the after phase.
		Response any
		// Usage carries token accounting when the provider reports it.
		Usage *TokenUsage
		Err   error
		Extra map[string]any
	}

	// TokenUsage is the provider-reported token accounting for one
	// generation.
	TokenUsage struct {
		InputTokens  int64
		OutputTokens int64
	}

	// ToolCall is emitted around tool dispatches.
	ToolCall struct {
		ToolName string
		Args     any
		Result   any
		Err      error
		Extra    map[string]any
	}

	// WorkflowRun is emitted around workflow roots. SessionID is the durable
	// identifier the root recorded via sessionid.Set; Engine classifies the
	// execution environment.
	WorkflowRun struct {
		Workflow  string
		SessionID string
		Engine    string
		Input     any
		Result    any
		Err       error
		Extra     map[string]any
	}

	// RPCRequest is emitted around protocol round-trips.
	RPCRequest struct {
		// Envelope is the wire message, already decoded into a generic map.
		Envelope map[string]any
		// Transport is one of "stdio", "sse", "http", "websocket".
		Transport string
		// DurationMS is set on the after phase.
		DurationMS int64
		Err        error
		Extra      map[string]any
	}

	// ResourceFetch is emitted around resource reads.
	ResourceFetch struct {
		URI      string
		MIMEType string
		Content  []byte
		Err      error
		Extra    map[string]any
	}

	// PromptApply is emitted around prompt template rendering.
	PromptApply struct {
		TemplateID string
		Parameters map[string]any
		Rendered   string
		Err        error
		Extra      map[string]any
	}

	// SessionLifecycle is emitted on session state transitions. Which fields
	// are set depends on the phase: started carries Engine/Title/Metadata,
	// paused carries SignalName/Prompt/Schema, resumed carries
	// SignalName/Payload, finished carries Status/Error/DurationMS.
	SessionLifecycle struct {
		SessionID string
		Engine    string
		Title     string
		Status    string
		Error     string
		// SignalName names the signal a paused workflow waits on (or was
		// resumed by).
		SignalName string
		// Prompt is the human-facing question attached to a pause.
		Prompt string
		// Schema is the JSON schema the answer payload must satisfy, when
		// the pausing workflow declared one.
		Schema json.RawMessage
		// Payload is the resume payload.
		Payload    any
		DurationMS int64
		Metadata   map[string]any
		Extra      map[string]any
	}

	// Progress is emitted for long-running operation updates and
	// cancellations.
	Progress struct {
		SessionID   string
		OperationID string
		Percent     float64
		Message     string
		Extra       map[string]any
	}

	// Transport is emitted on connection state changes of a protocol
	// transport.
	Transport struct {
		Type    string
		URI     string
		Attempt int
		Reason  string
		Extra   map[string]any
	}
)

func (*AgentCall) payload()        {}
func (*LLMGenerate) payload()      {}
func (*ToolCall) payload()         {}
func (*WorkflowRun) payload()      {}
func (*RPCRequest) payload()       {}
func (*ResourceFetch) payload()    {}
func (*PromptApply) payload()      {}
func (*SessionLifecycle) payload() {}
func (*Progress) payload()         {}
func (*Transport) payload()        {}
