package gateway

import (
	"compress/gzip"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// writeTraceFile stores content as a gzipped trace file and returns the
// decompressed payload for assertions.
func writeTraceFile(t *testing.T, dir, session string, lines ...string) string {
	t.Helper()
	f, err := os.Create(filepath.Join(dir, session+".jsonl.gz"))
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	content := strings.Join(lines, "\n") + "\n"
	_, err = gz.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())
	return content
}

func get(t *testing.T, url string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	// The raw gzip stream must pass through untouched.
	client := &http.Client{Transport: &http.Transport{DisableCompression: true}}
	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

func TestTraceFullFileIsRawGzip(t *testing.T) {
	dir := t.TempDir()
	content := writeTraceFile(t, dir, "sess-trace1", `{"name":"workflow.run"}`, `{"name":"tool.call"}`)
	srv, _, _ := newTestServer(t, dir)

	resp := get(t, srv.URL+"/_inspector/trace/sess-trace1", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))
	require.Equal(t, "application/x-jsonlines+gzip", resp.Header.Get("Content-Type"))
	require.NotEmpty(t, resp.Header.Get("ETag"))

	gz, err := gzip.NewReader(resp.Body)
	require.NoError(t, err)
	got, err := io.ReadAll(gz)
	require.NoError(t, err)
	require.Equal(t, content, string(got))
}

func TestTraceETagRoundTrip(t *testing.T) {
	dir := t.TempDir()
	writeTraceFile(t, dir, "sess-trace2", `{"name":"workflow.run"}`)
	srv, _, _ := newTestServer(t, dir)

	resp := get(t, srv.URL+"/_inspector/trace/sess-trace2", nil)
	resp.Body.Close()
	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag)

	resp = get(t, srv.URL+"/_inspector/trace/sess-trace2", map[string]string{"If-None-Match": etag})
	resp.Body.Close()
	require.Equal(t, http.StatusNotModified, resp.StatusCode)
}

func TestTraceRangeServesDecompressedSlice(t *testing.T) {
	dir := t.TempDir()
	content := writeTraceFile(t, dir, "sess-trace3", `{"name":"workflow.run"}`, `{"name":"tool.call"}`)
	srv, _, _ := newTestServer(t, dir)

	resp := get(t, srv.URL+"/_inspector/trace/sess-trace3", map[string]string{"Range": "bytes=3-12"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	require.Empty(t, resp.Header.Get("Content-Encoding"))

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, content[3:13], string(got))

	require.Equal(t, "bytes 3-12/"+strconv.Itoa(len(content)), resp.Header.Get("Content-Range"))
}

func TestTraceRangeClampsEnd(t *testing.T) {
	dir := t.TempDir()
	content := writeTraceFile(t, dir, "sess-trace4", `{"name":"a"}`)
	srv, _, _ := newTestServer(t, dir)

	resp := get(t, srv.URL+"/_inspector/trace/sess-trace4", map[string]string{"Range": "bytes=0-999999"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, content, string(got))
}

func TestTraceRangeBeyondEOFIs416(t *testing.T) {
	dir := t.TempDir()
	writeTraceFile(t, dir, "sess-trace5", `{"name":"a"}`)
	srv, _, _ := newTestServer(t, dir)

	resp := get(t, srv.URL+"/_inspector/trace/sess-trace5", map[string]string{"Range": "bytes=100000-100010"})
	resp.Body.Close()
	require.Equal(t, http.StatusRequestedRangeNotSatisfiable, resp.StatusCode)
	require.True(t, strings.HasPrefix(resp.Header.Get("Content-Range"), "bytes */"))
}

func TestTraceRangeServesFileWithTornTail(t *testing.T) {
	dir := t.TempDir()
	// A crashed writer leaves the final gzip member flushed but never
	// closed; the flushed bytes must still be range-addressable.
	content := strings.Repeat(`{"name":"workflow.run"}`+"\n", 20)
	f, err := os.Create(filepath.Join(dir, "sess-torn01.jsonl.gz"))
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	_, err = gz.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, gz.Flush())
	require.NoError(t, f.Close())
	srv, _, _ := newTestServer(t, dir)

	resp := get(t, srv.URL+"/_inspector/trace/sess-torn01", map[string]string{"Range": "bytes=200-399"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, content[200:400], string(got))
	require.Equal(t, "bytes 200-399/"+strconv.Itoa(len(content)), resp.Header.Get("Content-Range"))
}

func TestTraceMissingSessionIs404(t *testing.T) {
	srv, _, _ := newTestServer(t, t.TempDir())
	resp := get(t, srv.URL+"/_inspector/trace/sess-ghost3", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTraceRejectsTraversalAs404(t *testing.T) {
	dir := t.TempDir()
	srv, _, _ := newTestServer(t, dir)
	// Secret outside the traces dir must stay invisible.
	secret := filepath.Join(dir, "..", "secret.jsonl.gz")
	require.NoError(t, os.WriteFile(secret, []byte("top"), 0o644))
	defer os.Remove(secret)

	for _, id := range []string{"..%2Fsecret", "%2e%2e%2fsecret", "short"} {
		resp := get(t, srv.URL+"/_inspector/trace/"+id, nil)
		resp.Body.Close()
		require.Equal(t, http.StatusNotFound, resp.StatusCode, "id %q", id)
	}
}
