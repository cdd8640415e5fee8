// Package sessions maintains the inspector's view of workflow sessions: a
// live in-memory registry of running work, a lister that merges the registry
// with on-disk trace files and an optional external workflow service, and a
// tracker that translates lifecycle hooks into registry mutations and live
// events.
package sessions

// Session statuses.
const (
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusFailed    = "failed"
	StatusCompleted = "completed"
)

// Session engines.
const (
	EngineLocal    = "local"
	EngineExternal = "external-workflow"
	EngineInbound  = "inbound-request"
)

type (
	// Meta is the listing record for one session.
	Meta struct {
		ID        string   `json:"id"`
		Status    string   `json:"status"`
		Engine    string   `json:"engine"`
		StartedAt string   `json:"started_at"`
		EndedAt   string   `json:"ended_at,omitempty"`
		Title     string   `json:"title"`
		Tags      []string `json:"tags,omitempty"`
	}

	// Listing is the merged session list. TemporalError names the failure
	// when the external workflow service could not be queried; local
	// sessions are always present regardless.
	Listing struct {
		Sessions      []Meta `json:"sessions"`
		TemporalError string `json:"temporal_error,omitempty"`
	}
)
