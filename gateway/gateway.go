// Package gateway exposes the inspector's HTTP surface under /_inspector:
// health, session listing, ranged trace streaming, the SSE event stream and
// signal/cancel delivery. It mounts on a goa muxer so it can attach to a
// host application's mux in co-embedded mode or run behind its own server in
// standalone mode.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"

	"goa.design/mcp-inspector/events"
	"goa.design/mcp-inspector/sessionid"
	"goa.design/mcp-inspector/sessions"
)

const (
	// BasePath prefixes every inspector route.
	BasePath = "/_inspector"
	// ServiceName is reported by the health endpoint.
	ServiceName = "mcp-agent-inspector"

	// requestTimeout bounds non-streaming handlers.
	requestTimeout = 30 * time.Second
)

// Signal names accepted by the signal endpoint.
const (
	SignalHumanInputAnswer = "human_input_answer"
	SignalPause            = "pause"
	SignalResume           = "resume"
)

type (
	// Service implements the inspector HTTP API.
	Service struct {
		version   string
		dir       string
		lister    *sessions.Lister
		registry  *sessions.Registry
		resolver  sessions.Resolver
		bus       *events.Bus
		heartbeat time.Duration

		sizes *sizeCache
	}

	// Option customizes a Service.
	Option func(*Service)

	signalRequest struct {
		Signal  string `json:"signal"`
		Payload any    `json:"payload"`
	}

	errorBody struct {
		Error errorDetail `json:"error"`
	}

	errorDetail struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	}
)

// WithSSEHeartbeat overrides the SSE keep-alive comment interval.
func WithSSEHeartbeat(d time.Duration) Option {
	return func(s *Service) { s.heartbeat = d }
}

// WithWorkflowResolver installs the fallback used to signal and cancel
// sessions that are not live in this process (durable-engine workflows).
func WithWorkflowResolver(r sessions.Resolver) Option {
	return func(s *Service) { s.resolver = r }
}

// New returns the inspector HTTP service. dir is the trace directory served
// by the trace endpoint.
func New(version, dir string, lister *sessions.Lister, registry *sessions.Registry, bus *events.Bus, opts ...Option) *Service {
	s := &Service{
		version:   version,
		dir:       dir,
		lister:    lister,
		registry:  registry,
		bus:       bus,
		heartbeat: 15 * time.Second,
		sizes:     newSizeCache(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mount attaches all inspector routes to mux.
func (s *Service) Mount(mux goahttp.Muxer) {
	mux.Handle("GET", BasePath+"/health", s.health)
	mux.Handle("GET", BasePath+"/sessions", s.sessions)
	mux.Handle("GET", BasePath+"/trace/{session_id}", s.trace(mux))
	mux.Handle("GET", BasePath+"/events", s.events)
	mux.Handle("POST", BasePath+"/signal/{session_id}", s.signal(mux))
	mux.Handle("POST", BasePath+"/cancel/{session_id}", s.cancel(mux))
}

func (s *Service) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    ServiceName,
		"version": s.version,
	})
}

// sessions always answers 200: external service failures degrade to a
// temporal_error note beside the local sessions.
func (s *Service) sessions(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	writeJSON(w, http.StatusOK, s.lister.List(ctx))
}

// signal validates and delivers a control signal to a live session. Answers
// to a pause are checked against the schema the pausing workflow declared.
func (s *Service) signal(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()

		id := mux.Vars(r)["session_id"]
		if !sessionid.Valid(id) {
			writeError(w, http.StatusNotFound, "NotFound", "unknown session")
			return
		}
		var req signalRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "BadRequest", "invalid JSON body")
			return
		}
		switch req.Signal {
		case SignalHumanInputAnswer, SignalPause, SignalResume:
		default:
			writeError(w, http.StatusBadRequest, "BadRequest",
				fmt.Sprintf("unsupported signal %q", req.Signal))
			return
		}
		wf, ok := s.workflow(ctx, id)
		if !ok {
			writeError(w, http.StatusNotFound, "NotFound", "unknown session")
			return
		}
		if req.Signal == SignalHumanInputAnswer {
			if schema := s.registry.PauseSchema(id); schema != nil {
				if err := validateAgainst(schema, req.Payload); err != nil {
					writeError(w, http.StatusBadRequest, "SchemaViolation", err.Error())
					return
				}
			}
		}
		if err := wf.Signal(ctx, req.Signal, req.Payload); err != nil {
			log.Warnf(ctx, "signal %q to session %q: %v", req.Signal, id, err)
			writeError(w, http.StatusInternalServerError, "SignalFailed", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func (s *Service) cancel(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()

		id := mux.Vars(r)["session_id"]
		if !sessionid.Valid(id) {
			writeError(w, http.StatusNotFound, "NotFound", "unknown session")
			return
		}
		wf, ok := s.workflow(ctx, id)
		if !ok {
			writeError(w, http.StatusNotFound, "NotFound", "unknown session")
			return
		}
		if err := wf.Cancel(ctx); err != nil {
			log.Warnf(ctx, "cancel session %q: %v", id, err)
			writeError(w, http.StatusInternalServerError, "CancelFailed", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

// workflow returns the control handle for id: the live registry first, then
// the external resolver for durable sessions that never ran in this process.
func (s *Service) workflow(ctx context.Context, id string) (sessions.Workflow, bool) {
	if wf, ok := s.registry.Workflow(id); ok {
		return wf, true
	}
	if s.resolver != nil {
		return s.resolver.Resolve(ctx, id)
	}
	return nil, false
}

// validateAgainst checks payload against the pause's declared JSON schema.
func validateAgainst(schema json.RawMessage, payload any) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return fmt.Errorf("stored schema unreadable: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("pause-schema.json", doc); err != nil {
		return fmt.Errorf("stored schema unreadable: %w", err)
	}
	compiled, err := compiler.Compile("pause-schema.json")
	if err != nil {
		return fmt.Errorf("stored schema unreadable: %w", err)
	}
	if err := compiled.Validate(payload); err != nil {
		return fmt.Errorf("payload does not satisfy the answer schema: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Kind: kind, Message: message}})
}
