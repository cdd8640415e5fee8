package export

import (
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type (
	// spanLine is the wire form of one exported span, one JSON object per
	// line of the trace file.
	spanLine struct {
		Name         string         `json:"name"`
		TraceID      string         `json:"trace_id"`
		SpanID       string         `json:"span_id"`
		ParentSpanID string         `json:"parent_span_id,omitempty"`
		Kind         string         `json:"kind"`
		StartTime    string         `json:"start_time"`
		EndTime      string         `json:"end_time,omitempty"`
		Status       spanStatus     `json:"status"`
		Attributes   map[string]any `json:"attributes,omitempty"`
		Events       []spanEvent    `json:"events,omitempty"`
		Links        []spanLink     `json:"links,omitempty"`
	}

	spanStatus struct {
		Code        string `json:"status_code"`
		Description string `json:"description,omitempty"`
	}

	spanEvent struct {
		Name       string         `json:"name"`
		Time       string         `json:"time"`
		Attributes map[string]any `json:"attributes,omitempty"`
	}

	spanLink struct {
		TraceID    string         `json:"trace_id"`
		SpanID     string         `json:"span_id"`
		Attributes map[string]any `json:"attributes,omitempty"`
	}
)

func newSpanLine(span sdktrace.ReadOnlySpan) spanLine {
	sc := span.SpanContext()
	line := spanLine{
		Name:       span.Name(),
		TraceID:    sc.TraceID().String(),
		SpanID:     sc.SpanID().String(),
		Kind:       kindString(span),
		StartTime:  span.StartTime().UTC().Format(time.RFC3339Nano),
		Attributes: attrValues(span.Attributes()),
		Status: spanStatus{
			Code:        statusString(span.Status().Code),
			Description: span.Status().Description,
		},
	}
	if parent := span.Parent(); parent.HasSpanID() {
		line.ParentSpanID = parent.SpanID().String()
	}
	if end := span.EndTime(); !end.IsZero() {
		line.EndTime = end.UTC().Format(time.RFC3339Nano)
	}
	for _, ev := range span.Events() {
		line.Events = append(line.Events, spanEvent{
			Name:       ev.Name,
			Time:       ev.Time.UTC().Format(time.RFC3339Nano),
			Attributes: attrValues(ev.Attributes),
		})
	}
	for _, lk := range span.Links() {
		line.Links = append(line.Links, spanLink{
			TraceID:    lk.SpanContext.TraceID().String(),
			SpanID:     lk.SpanContext.SpanID().String(),
			Attributes: attrValues(lk.Attributes),
		})
	}
	return line
}

func attrValues(kvs []attribute.KeyValue) map[string]any {
	if len(kvs) == 0 {
		return nil
	}
	m := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}
