// Package settings resolves the inspector's runtime configuration from the
// environment. All knobs have working defaults so embedding the inspector
// requires no configuration at all.
package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

type (
	// Settings is the resolved inspector configuration.
	Settings struct {
		// Port is the gateway listen port.
		Port int `env:"INSPECTOR_PORT" envDefault:"7800"`
		// Host is the gateway bind address. The inspector is a local
		// debugging surface, it binds loopback unless told otherwise.
		Host string `env:"INSPECTOR_HOST" envDefault:"127.0.0.1"`
		// TracesDir is where per-session trace files live. Empty means
		// ~/.mcp_traces.
		TracesDir string `env:"TRACES_DIR"`
		// Debug enables verbose logging and the pprof endpoints when
		// non-empty.
		Debug string `env:"INSPECTOR_DEBUG"`
		// EnablePatch is accepted for compatibility with older deployments
		// and ignored.
		EnablePatch string `env:"INSPECTOR_ENABLE_PATCH"`

		// SSEHeartbeat is the keep-alive comment interval on event streams.
		SSEHeartbeat time.Duration `env:"INSPECTOR_SSE_HEARTBEAT" envDefault:"15s"`
		// SessionHeartbeat is the cadence of per-session Heartbeat events.
		SessionHeartbeat time.Duration `env:"INSPECTOR_SESSION_HEARTBEAT" envDefault:"10s"`
		// TemporalTimeout caps the external workflow service query during
		// session listing.
		TemporalTimeout time.Duration `env:"INSPECTOR_TEMPORAL_TIMEOUT" envDefault:"2s"`
	}
)

// Load parses the environment and fills in derived defaults.
func Load() (Settings, error) {
	var s Settings
	if err := env.Parse(&s); err != nil {
		return Settings{}, fmt.Errorf("parse inspector environment: %w", err)
	}
	if s.TracesDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			s.TracesDir = filepath.Join(os.TempDir(), "mcp_traces")
		} else {
			s.TracesDir = filepath.Join(home, ".mcp_traces")
		}
	}
	return s, nil
}

// Addr returns the host:port bind address.
func (s Settings) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DebugEnabled reports whether verbose logging was requested. Any non-empty
// value enables it.
func (s Settings) DebugEnabled() bool { return s.Debug != "" }
