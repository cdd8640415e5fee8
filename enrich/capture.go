package enrich

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"goa.design/mcp-inspector/spanmeta"
)

// ReplayDetector reports whether ctx belongs to a durable workflow engine
// replay, in which case result capture is skipped: the span was already
// enriched during the original execution and replays must not re-serialize
// state. The engine adapter installs the detector at startup; when nil, no
// context is treated as replaying.
var ReplayDetector func(ctx context.Context) bool

// CaptureResult invokes fn and records its serialized return value on the
// current span under "mcp.result.<name>_json". The result and error of fn are
// returned unchanged; capture failures are silently skipped so telemetry
// never alters the observed computation.
func CaptureResult[T any](ctx context.Context, name string, fn func(context.Context) (T, error)) (T, error) {
	out, err := fn(ctx)
	if err != nil {
		return out, err
	}
	if ReplayDetector != nil && ReplayDetector(ctx) {
		return out, nil
	}
	capture(ctx, spanmeta.ResultPrefix+name+"_json", out)
	return out, nil
}

// CaptureState records arbitrary state on the current span under
// "mcp.state.<name>_json". It is the manual companion of CaptureResult for
// checkpoints that are not function return values.
func CaptureState(ctx context.Context, name string, state any) {
	capture(ctx, spanmeta.StatePrefix+name+"_json", state)
}

func capture(ctx context.Context, key string, v any) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	if s, ok := spanmeta.JSONString(v); ok {
		spanmeta.SafeJSONAttr(span, key, s)
	}
}
