package export

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"goa.design/mcp-inspector/spanmeta"
)

// endedSpans produces ReadOnlySpan values carrying the given session ids.
func endedSpans(t *testing.T, sessions ...string) []sdktrace.ReadOnlySpan {
	t.Helper()
	rec := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(rec))
	for i, id := range sessions {
		attrs := []attribute.KeyValue{}
		if id != "" {
			attrs = append(attrs, attribute.String(spanmeta.SessionID, id))
		}
		_, span := tp.Tracer("test").Start(context.Background(), "op-"+strings.Repeat("x", i+1))
		span.SetAttributes(attrs...)
		span.End()
	}
	return rec.GetSpans().Snapshots()
}

// readLines decompresses path and decodes each JSONL line.
func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	var lines []map[string]any
	sc := bufio.NewScanner(gz)
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		lines = append(lines, m)
	}
	require.NoError(t, sc.Err())
	return lines
}

func TestExportGroupsBySession(t *testing.T) {
	dir := t.TempDir()
	e, err := New(context.Background(), dir)
	require.NoError(t, err)
	defer e.Shutdown(context.Background())

	spans := endedSpans(t, "sess-aaa", "sess-bbb", "sess-aaa")
	require.NoError(t, e.ExportSpans(context.Background(), spans))
	require.NoError(t, e.Shutdown(context.Background()))

	a := readLines(t, filepath.Join(dir, "sess-aaa.jsonl.gz"))
	require.Len(t, a, 2)
	b := readLines(t, filepath.Join(dir, "sess-bbb.jsonl.gz"))
	require.Len(t, b, 1)
	require.Equal(t, "op-xx", b[0]["name"])
	require.Equal(t, "INTERNAL", b[0]["kind"])
	require.NotEmpty(t, b[0]["trace_id"])
	require.NotEmpty(t, b[0]["span_id"])
}

func TestExportUnknownSessionFallback(t *testing.T) {
	dir := t.TempDir()
	e, err := New(context.Background(), dir)
	require.NoError(t, err)

	require.NoError(t, e.ExportSpans(context.Background(), endedSpans(t, "")))
	require.NoError(t, e.Shutdown(context.Background()))

	lines := readLines(t, filepath.Join(dir, "unknown.jsonl.gz"))
	require.Len(t, lines, 1)
}

func TestExportRotatesAtIngestThreshold(t *testing.T) {
	dir := t.TempDir()
	e, err := New(context.Background(), dir, WithRotationBytes(64))
	require.NoError(t, err)

	// Each batch exceeds the tiny threshold, forcing a rotation per export.
	require.NoError(t, e.ExportSpans(context.Background(), endedSpans(t, "sess-rot", "sess-rot")))
	require.NoError(t, e.ExportSpans(context.Background(), endedSpans(t, "sess-rot")))
	require.NoError(t, e.Shutdown(context.Background()))

	require.FileExists(t, filepath.Join(dir, "sess-rot.jsonl.gz"))
	require.FileExists(t, filepath.Join(dir, "sess-rot_chunk_1.jsonl.gz"))
}

func TestExportResumesChunkNumbering(t *testing.T) {
	dir := t.TempDir()
	e, err := New(context.Background(), dir, WithRotationBytes(64))
	require.NoError(t, err)
	require.NoError(t, e.ExportSpans(context.Background(), endedSpans(t, "sess-num", "sess-num")))
	require.NoError(t, e.Shutdown(context.Background()))

	// A fresh exporter must continue after the highest existing chunk
	// instead of overwriting it.
	e2, err := New(context.Background(), dir, WithRotationBytes(64))
	require.NoError(t, err)
	require.NoError(t, e2.ExportSpans(context.Background(), endedSpans(t, "sess-num", "sess-num")))
	require.NoError(t, e2.Shutdown(context.Background()))

	require.FileExists(t, filepath.Join(dir, "sess-num_chunk_2.jsonl.gz"))
}

type stubNotifier struct {
	disabled []string
	diskLow  []string
}

func (n *stubNotifier) DiskSpaceLow(dir string)     { n.diskLow = append(n.diskLow, dir) }
func (n *stubNotifier) ExporterDisabled(msg string) { n.disabled = append(n.disabled, msg) }

func TestSecondExporterIsDisabledByLock(t *testing.T) {
	dir := t.TempDir()
	first, err := New(context.Background(), dir)
	require.NoError(t, err)
	defer first.Shutdown(context.Background())

	note := &stubNotifier{}
	second, err := New(context.Background(), dir, WithNotifier(note))
	require.NoError(t, err)
	require.Len(t, note.disabled, 1)

	require.NoError(t, second.ExportSpans(context.Background(), endedSpans(t, "sess-lock")))
	require.NoError(t, second.Shutdown(context.Background()))
	require.NoFileExists(t, filepath.Join(dir, "sess-lock.jsonl.gz"))
}

func TestExportedFileIsCompleteGzipWhileLive(t *testing.T) {
	dir := t.TempDir()
	e, err := New(context.Background(), dir)
	require.NoError(t, err)
	defer e.Shutdown(context.Background())

	require.NoError(t, e.ExportSpans(context.Background(), endedSpans(t, "sess-live")))

	// The writer is still open, yet the file must decompress cleanly so
	// readers can tail a running session.
	f, err := os.Open(filepath.Join(dir, "sess-live.jsonl.gz"))
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	raw, err := io.ReadAll(gz)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"name":"op-x"`)
}

func TestExportSeedsIngestFromResumedFile(t *testing.T) {
	dir := t.TempDir()
	e, err := New(context.Background(), dir)
	require.NoError(t, err)
	require.NoError(t, e.ExportSpans(context.Background(), endedSpans(t, "sess-seed")))
	require.NoError(t, e.Shutdown(context.Background()))

	path := filepath.Join(dir, "sess-seed.jsonl.gz")
	existing := uncompressedSize(path)
	require.Positive(t, existing)

	// The threshold sits just past the bytes already on disk, so a resumed
	// writer that counts them rotates on its first append while one that
	// restarts from zero never would.
	e2, err := New(context.Background(), dir, WithRotationBytes(existing+8))
	require.NoError(t, err)
	require.NoError(t, e2.ExportSpans(context.Background(), endedSpans(t, "sess-seed")))
	require.NoError(t, e2.Shutdown(context.Background()))

	require.FileExists(t, filepath.Join(dir, "sess-seed_chunk_1.jsonl.gz"))
}

func TestExportAppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	e, err := New(context.Background(), dir)
	require.NoError(t, err)
	require.NoError(t, e.ExportSpans(context.Background(), endedSpans(t, "sess-app")))
	require.NoError(t, e.Shutdown(context.Background()))

	e2, err := New(context.Background(), dir)
	require.NoError(t, err)
	require.NoError(t, e2.ExportSpans(context.Background(), endedSpans(t, "sess-app")))
	require.NoError(t, e2.Shutdown(context.Background()))

	// Concatenated gzip members decompress as one stream.
	require.Len(t, readLines(t, filepath.Join(dir, "sess-app.jsonl.gz")), 2)
}
