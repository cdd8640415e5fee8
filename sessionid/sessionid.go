// Package sessionid carries the durable session identifier of an agent
// workflow through context.Context so spans and events can be correlated
// without threading the identifier through every call site.
//
// The identifier is set exactly once at the root of a workflow (or by the
// middleware of an inbound request) and is inherited by every goroutine that
// derives its context from the root. Independent workflows hold independent
// contexts, so identifiers never leak across concurrent sessions.
package sessionid

import (
	"context"
	"regexp"

	"github.com/google/uuid"
)

// Unknown is the sentinel returned by Get when no session identifier has been
// recorded in the context. Spans exported under this sentinel are grouped into
// a shared "unknown" trace file.
const Unknown = "unknown"

// pattern matches well-formed session identifiers: at least six URL-safe
// characters. The HTTP gateway rejects anything else before touching the
// filesystem.
var pattern = regexp.MustCompile(`^[A-Za-z0-9_-]{6,}$`)

type ctxKey struct{}

// Set returns a context carrying the given session identifier. It must be
// called once at the root of a workflow; replacing an identifier within the
// same scope is undefined behavior and the caller contract forbids it.
func Set(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// Get returns the session identifier recorded in ctx, or Unknown when none
// has been set. It never fails.
func Get(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok && id != "" {
		return id
	}
	return Unknown
}

// Valid reports whether id is a well-formed session identifier.
func Valid(id string) bool {
	return pattern.MatchString(id)
}

// New generates a fresh URL-safe session identifier for roots that do not
// bring their own (typically inbound requests).
func New() string {
	return uuid.NewString()
}

// Bind returns a wrapper that invokes fn with the session identifier visible
// in the context at call time. It is the typed analogue of injecting the
// identifier as a named argument: callers that already know the identifier
// call fn directly, everything else goes through the binding.
func Bind[T any](fn func(context.Context, string) (T, error)) func(context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		return fn(ctx, Get(ctx))
	}
}
