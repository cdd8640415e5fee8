package sessions

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// writeTrace writes a gzipped JSONL trace file composed of the given lines.
func writeTrace(t *testing.T, dir, name string, lines ...string) {
	t.Helper()
	f, err := os.Create(filepath.Join(dir, name))
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	for _, line := range lines {
		_, err := gz.Write([]byte(line + "\n"))
		require.NoError(t, err)
	}
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())
}

func spanJSON(name, start, end, status string, attrs string) string {
	if attrs == "" {
		attrs = "{}"
	}
	return fmt.Sprintf(`{"name":%q,"trace_id":"abc","span_id":"def","start_time":%q,"end_time":%q,"status":{"status_code":%q},"attributes":%s}`,
		name, start, end, status, attrs)
}

func TestListDerivesRunningSession(t *testing.T) {
	dir := t.TempDir()
	writeTrace(t, dir, "sess-running.jsonl.gz",
		spanJSON("workflow.run", "2026-08-01T10:00:00Z", "", "UNSET",
			`{"mcp.engine.type":"local","mcp.session.title":"Research Agent","mcp.session.tags":["research","demo"]}`))

	l := NewLister(dir, NewRegistry())
	got := l.List(context.Background())
	require.Len(t, got.Sessions, 1)
	s := got.Sessions[0]
	require.Equal(t, "sess-running", s.ID)
	require.Equal(t, StatusRunning, s.Status)
	require.Equal(t, EngineLocal, s.Engine)
	require.Equal(t, "Research Agent", s.Title)
	require.Equal(t, []string{"research", "demo"}, s.Tags)
	require.Equal(t, "2026-08-01T10:00:00Z", s.StartedAt)
	require.Empty(t, s.EndedAt)
}

func TestListDerivesPausedSession(t *testing.T) {
	dir := t.TempDir()
	writeTrace(t, dir, "sess-paused.jsonl.gz",
		spanJSON("workflow.run", "2026-08-01T10:00:00Z", "", "UNSET", ""),
		spanJSON("human.input", "2026-08-01T10:01:00Z", "", "UNSET", `{"mcp.session.paused":true}`))

	got := NewLister(dir, NewRegistry()).List(context.Background())
	require.Len(t, got.Sessions, 1)
	require.Equal(t, StatusPaused, got.Sessions[0].Status)
}

func TestListDerivesFailedSession(t *testing.T) {
	dir := t.TempDir()
	writeTrace(t, dir, "sess-failed.jsonl.gz",
		spanJSON("workflow.run", "2026-08-01T10:00:00Z", "", "UNSET", ""),
		spanJSON("tool.call", "2026-08-01T10:01:00Z", "2026-08-01T10:02:00Z", "ERROR", ""))

	got := NewLister(dir, NewRegistry()).List(context.Background())
	require.Len(t, got.Sessions, 1)
	require.Equal(t, StatusFailed, got.Sessions[0].Status)
	require.Equal(t, "2026-08-01T10:02:00Z", got.Sessions[0].EndedAt)
}

func TestListFinishedEventWinsOverFileStatus(t *testing.T) {
	dir := t.TempDir()
	writeTrace(t, dir, "sess-done00.jsonl.gz",
		spanJSON("workflow.run", "2026-08-01T10:00:00Z", "", "UNSET", ""))

	l := NewLister(dir, NewRegistry())
	l.RecordFinished("sess-done00", StatusCompleted, "2026-08-01T11:00:00Z")
	got := l.List(context.Background())
	require.Len(t, got.Sessions, 1)
	require.Equal(t, StatusCompleted, got.Sessions[0].Status)
	require.Equal(t, "2026-08-01T11:00:00Z", got.Sessions[0].EndedAt)
}

func TestListMergesRotatedChunks(t *testing.T) {
	dir := t.TempDir()
	writeTrace(t, dir, "sess-big000.jsonl.gz",
		spanJSON("workflow.run", "2026-08-01T10:00:00Z", "", "UNSET", `{"mcp.session.title":"Big"}`))
	writeTrace(t, dir, "sess-big000_chunk_1.jsonl.gz",
		spanJSON("step", "2026-08-01T10:05:00Z", "", "UNSET", ""))
	writeTrace(t, dir, "sess-big000_chunk_2.jsonl.gz",
		spanJSON("step", "2026-08-01T10:10:00Z", "", "UNSET", `{"mcp.session.paused":true}`))

	got := NewLister(dir, NewRegistry()).List(context.Background())
	require.Len(t, got.Sessions, 1)
	s := got.Sessions[0]
	require.Equal(t, "sess-big000", s.ID)
	require.Equal(t, "2026-08-01T10:00:00Z", s.StartedAt)
	// Status comes from the last chunk.
	require.Equal(t, StatusPaused, s.Status)
}

func TestListQuarantinesCorruptFile(t *testing.T) {
	dir := t.TempDir()
	writeTrace(t, dir, "sess-good00.jsonl.gz",
		spanJSON("workflow.run", "2026-08-01T10:00:00Z", "", "UNSET", ""))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sess-bad000.jsonl.gz"), []byte("not gzip"), 0o644))

	got := NewLister(dir, NewRegistry()).List(context.Background())
	require.Len(t, got.Sessions, 1)
	require.Equal(t, "sess-good00", got.Sessions[0].ID)
	require.FileExists(t, filepath.Join(dir, "sess-bad000.jsonl.gz.bad"))
}

func TestListSkipsEmptyChunkWithoutQuarantine(t *testing.T) {
	dir := t.TempDir()
	writeTrace(t, dir, "sess-fresh0.jsonl.gz",
		spanJSON("workflow.run", "2026-08-01T10:00:00Z", "", "UNSET", ""))
	// A writer that just rotated holds an empty chunk open; it must not be
	// renamed out from under it.
	empty := filepath.Join(dir, "sess-fresh0_chunk_1.jsonl.gz")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))

	got := NewLister(dir, NewRegistry()).List(context.Background())
	require.Len(t, got.Sessions, 1)
	require.Equal(t, StatusRunning, got.Sessions[0].Status)
	require.FileExists(t, empty)
	require.NoFileExists(t, empty+".bad")
}

func TestListLiveRegistryTakesPrecedence(t *testing.T) {
	dir := t.TempDir()
	writeTrace(t, dir, "sess-live00.jsonl.gz",
		spanJSON("workflow.run", "2026-08-01T10:00:00Z", "", "UNSET", ""))

	reg := NewRegistry()
	reg.Add(Meta{ID: "sess-live00", Status: StatusPaused, Engine: EngineLocal, Title: "Live", StartedAt: "2026-08-01T10:00:00Z"})
	reg.Add(Meta{ID: "sess-mem000", Status: StatusRunning, Engine: EngineInbound, Title: "No spans yet", StartedAt: "2026-08-01T12:00:00Z"})

	got := NewLister(dir, reg).List(context.Background())
	require.Len(t, got.Sessions, 2)
	// Sorted by started_at descending.
	require.Equal(t, "sess-mem000", got.Sessions[0].ID)
	require.Equal(t, StatusPaused, got.Sessions[1].Status)
	require.Equal(t, "Live", got.Sessions[1].Title)
}

type stubExternal struct {
	metas []Meta
	err   error
	delay time.Duration
}

func (s *stubExternal) ListSessions(ctx context.Context) ([]Meta, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.metas, s.err
}

func TestListMergesExternalSessions(t *testing.T) {
	dir := t.TempDir()
	ext := &stubExternal{metas: []Meta{{
		ID: "wf-durable-1", Status: StatusRunning, Engine: EngineExternal,
		Title: "Durable", StartedAt: "2026-08-01T09:00:00Z",
	}}}

	got := NewLister(dir, NewRegistry(), WithExternal(ext)).List(context.Background())
	require.Len(t, got.Sessions, 1)
	require.Equal(t, EngineExternal, got.Sessions[0].Engine)
	require.Empty(t, got.TemporalError)
}

func TestListDegradesWhenExternalFails(t *testing.T) {
	dir := t.TempDir()
	writeTrace(t, dir, "sess-local0.jsonl.gz",
		spanJSON("workflow.run", "2026-08-01T10:00:00Z", "", "UNSET", ""))
	ext := &stubExternal{err: errors.New("connection refused")}

	got := NewLister(dir, NewRegistry(), WithExternal(ext)).List(context.Background())
	require.Len(t, got.Sessions, 1)
	require.Contains(t, got.TemporalError, "connection refused")
}

func TestListDegradesWhenExternalTimesOut(t *testing.T) {
	dir := t.TempDir()
	ext := &stubExternal{delay: time.Second}

	l := NewLister(dir, NewRegistry(), WithExternal(ext), WithExternalTimeout(10*time.Millisecond))
	got := l.List(context.Background())
	require.NotEmpty(t, got.TemporalError)
}
