package gateway

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	goahttp "goa.design/goa/v3/http"

	"goa.design/mcp-inspector/sessionid"
)

const traceChunkSize = 1 << 20

var rangeSpec = regexp.MustCompile(`^bytes=(\d+)-(\d+)$`)

// trace serves one session's trace file. Without a Range header the raw
// gzip bytes stream out with Content-Encoding: gzip; with one, the file is
// decompressed on the fly and the requested slice of the decompressed stream
// is served uncompressed. Any path that cannot be resolved inside the trace
// directory is a 404, never a 403, so outsiders cannot probe the filesystem.
func (s *Service) trace(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["session_id"]
		if !sessionid.Valid(id) {
			writeError(w, http.StatusNotFound, "NotFound", "no trace for session")
			return
		}
		path, ok := s.resolve(id + ".jsonl.gz")
		if !ok {
			writeError(w, http.StatusNotFound, "NotFound", "no trace for session")
			return
		}
		info, err := os.Stat(path)
		if err != nil {
			writeError(w, http.StatusNotFound, "NotFound", "no trace for session")
			return
		}

		etag := fmt.Sprintf(`"%d-%d"`, info.Size(), info.ModTime().UnixNano())
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}

		if spec := r.Header.Get("Range"); spec != "" {
			s.serveRange(w, path, etag, spec)
			return
		}
		s.serveRaw(w, path, etag, info.Size())
	}
}

// resolve canonicalizes name under the trace directory and rejects anything
// that escapes it after symlink resolution.
func (s *Service) resolve(name string) (string, bool) {
	dir, err := filepath.EvalSymlinks(s.dir)
	if err != nil {
		return "", false
	}
	resolved, err := filepath.EvalSymlinks(filepath.Join(dir, name))
	if err != nil {
		return "", false
	}
	if resolved != dir && !strings.HasPrefix(resolved, dir+string(filepath.Separator)) {
		return "", false
	}
	return resolved, true
}

// serveRaw streams the stored gzip bytes unchanged in 1 MiB chunks.
func (s *Service) serveRaw(w http.ResponseWriter, path, etag string, size int64) {
	f, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusNotFound, "NotFound", "no trace for session")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/x-jsonlines+gzip")
	w.Header().Set("Content-Encoding", "gzip")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)

	buf := make([]byte, traceChunkSize)
	flusher, _ := w.(http.Flusher)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return // client went away
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

// serveRange serves bytes a through b of the decompressed stream. The total
// decompressed size, needed for Content-Range and 416 checks, is computed by
// a counting pass and cached per file version.
func (s *Service) serveRange(w http.ResponseWriter, path, etag, spec string) {
	m := rangeSpec.FindStringSubmatch(spec)
	if m == nil {
		writeError(w, http.StatusRequestedRangeNotSatisfiable, "BadRange", "unsupported range specifier")
		return
	}
	start, err1 := strconv.ParseInt(m[1], 10, 64)
	end, err2 := strconv.ParseInt(m[2], 10, 64)
	if err1 != nil || err2 != nil || start > end {
		writeError(w, http.StatusRequestedRangeNotSatisfiable, "BadRange", "unsupported range specifier")
		return
	}

	total, err := s.sizes.decompressedSize(path, etag)
	if err != nil {
		writeError(w, http.StatusNotFound, "NotFound", "no trace for session")
		return
	}
	if start >= total {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", total))
		writeError(w, http.StatusRequestedRangeNotSatisfiable, "BadRange", "range start beyond end of trace")
		return
	}
	if end >= total {
		end = total - 1
	}

	f, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusNotFound, "NotFound", "no trace for session")
		return
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		writeError(w, http.StatusNotFound, "NotFound", "no trace for session")
		return
	}
	defer gz.Close()
	if _, err := io.CopyN(io.Discard, gz, start); err != nil {
		writeError(w, http.StatusRequestedRangeNotSatisfiable, "BadRange", "range start beyond end of trace")
		return
	}

	w.Header().Set("Content-Type", "application/x-jsonlines")
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, total))
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusPartialContent)
	_, _ = io.CopyN(w, gz, end-start+1)
}

type (
	// sizeCache memoizes decompressed trace sizes keyed by path and ETag so
	// repeated range requests against an unchanged file scan it once.
	sizeCache struct {
		mu sync.Mutex
		m  map[string]sizeEntry
	}

	sizeEntry struct {
		etag string
		size int64
	}
)

func newSizeCache() *sizeCache {
	return &sizeCache{m: make(map[string]sizeEntry)}
}

func (c *sizeCache) decompressedSize(path, etag string) (int64, error) {
	c.mu.Lock()
	if e, ok := c.m[path]; ok && e.etag == etag {
		c.mu.Unlock()
		return e.size, nil
	}
	c.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return 0, err
	}
	defer gz.Close()
	// A crashed writer can leave the final gzip member unterminated; the
	// readable prefix is still valid data and is what ranges address.
	size, err := io.Copy(io.Discard, gz)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return 0, err
	}

	c.mu.Lock()
	c.m[path] = sizeEntry{etag: etag, size: size}
	c.mu.Unlock()
	return size, nil
}
